package watching

import (
	"errors"
	"fmt"
	"time"
)

const (
	// commandTimeout is the duration a public Server method will wait for
	// the pump to acknowledge a command before failing with
	// CommandTimedOut.
	commandTimeout = 5 * time.Second
	// startupTimeout bounds how long Open will wait for the pump to
	// signal readiness before failing with StartupFailed.
	startupTimeout = 5 * time.Second
)

// ErrWatchTerminated indicates that a watch-related operation could not
// complete because the Server's pump has already terminated.
var ErrWatchTerminated = errors.New("watch terminated")

// ErrorCode enumerates the error taxonomy.
type ErrorCode uint8

const (
	// StartupFailed indicates that the OS notification primitive could
	// not be created, or the pump did not reach Running within the
	// startup timeout.
	StartupFailed ErrorCode = iota
	// ErrCodeAlreadyWatching indicates an attempt to register a path that
	// is already watched.
	ErrCodeAlreadyWatching
	// ErrCodeNotWatching indicates an attempt to reference a path that is
	// not currently watched.
	ErrCodeNotWatching
	// ErrCodeNotADirectory indicates that a registration path did not
	// name a directory.
	ErrCodeNotADirectory
	// ErrCodeIoError indicates an unexpected OS error, such as a failed
	// inotify_add_watch or CreateFileW call.
	ErrCodeIoError
	// ErrCodeCommandTimedOut indicates that the pump failed to
	// acknowledge a command within the timeout, signalling a probably
	// wedged pump.
	ErrCodeCommandTimedOut
	// ErrCodeBackendFault indicates that the pump encountered an
	// unrecoverable internal fault and has terminated the Server.
	ErrCodeBackendFault
)

// Error is the concrete error type returned by Server operations. It
// implements both the standard unwrapping protocol (via Unwrap) so that
// errors.Is/As work against a wrapped cause, and exposes Code/Path for
// callers that want to switch on the taxonomy directly.
type Error struct {
	// Code identifies which case in the taxonomy this error represents.
	Code ErrorCode
	// Path is the path associated with the error, if any.
	Path string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Code {
	case StartupFailed:
		if e.Err != nil {
			return fmt.Sprintf("startup failed: %v", e.Err)
		}
		return "startup failed"
	case ErrCodeAlreadyWatching:
		return fmt.Sprintf("already watching: %s", e.Path)
	case ErrCodeNotWatching:
		return fmt.Sprintf("not watching: %s", e.Path)
	case ErrCodeNotADirectory:
		return fmt.Sprintf("not a directory: %s", e.Path)
	case ErrCodeIoError:
		if e.Err != nil {
			return fmt.Sprintf("io error for %s: %v", e.Path, e.Err)
		}
		return fmt.Sprintf("io error for %s", e.Path)
	case ErrCodeCommandTimedOut:
		return "command timed out"
	case ErrCodeBackendFault:
		if e.Err != nil {
			return fmt.Sprintf("backend fault: %v", e.Err)
		}
		return "backend fault"
	default:
		return "unknown watch error"
	}
}

// Unwrap returns the underlying cause, allowing errors.Is/As to see
// through an Error to a wrapped OS error.
func (e *Error) Unwrap() error {
	return e.Err
}

// newAlreadyWatching constructs an ErrCodeAlreadyWatching error for path.
func newAlreadyWatching(path string) error {
	return &Error{Code: ErrCodeAlreadyWatching, Path: path}
}

// newNotADirectory constructs an ErrCodeNotADirectory error for path.
func newNotADirectory(path string) error {
	return &Error{Code: ErrCodeNotADirectory, Path: path}
}

// newIoError constructs an ErrCodeIoError error for path, wrapping cause.
func newIoError(path string, cause error) error {
	return &Error{Code: ErrCodeIoError, Path: path, Err: cause}
}

// newCommandTimedOut constructs an ErrCodeCommandTimedOut error.
func newCommandTimedOut() error {
	return &Error{Code: ErrCodeCommandTimedOut}
}

// newStartupFailed constructs a StartupFailed error, wrapping cause.
func newStartupFailed(cause error) error {
	return &Error{Code: StartupFailed, Err: cause}
}

// newBackendFault constructs an ErrCodeBackendFault error, wrapping cause.
func newBackendFault(cause error) error {
	return &Error{Code: ErrCodeBackendFault, Err: cause}
}
