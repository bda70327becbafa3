// Package watching implements a cross-platform, long-running file-system
// change notification engine. Callers register absolute directory paths
// as watch roots with a Server; the Server observes the underlying
// operating system's native notification substrate (inotify on Linux,
// FSEvents on macOS, ReadDirectoryChangesW on Windows) and delivers a
// stream of canonical ChangeEvents to a caller-supplied Sink.
//
// All OS interaction happens on a single dedicated pump goroutine per
// Server; the public methods on Server only enqueue commands for that
// goroutine and wait for acknowledgement.
package watching

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/fspulse/fspulse/pkg/logging"
)

// ServerState describes the lifecycle of a Server.
type ServerState int32

const (
	// ServerStarting indicates that Open has been called but the pump
	// goroutine has not yet signalled readiness.
	ServerStarting ServerState = iota
	// ServerRunning indicates that the pump goroutine is actively
	// servicing commands and delivering events.
	ServerRunning
	// ServerTerminating indicates that Close has been called and the pump
	// goroutine is unwinding.
	ServerTerminating
	// ServerTerminated is the terminal state: the pump goroutine has
	// exited and all OS resources have been released.
	ServerTerminated
)

// Server is the public façade over the watcher engine: it owns the pump
// goroutine, the watch-point table, the command queue, and the sink. A
// Server is exclusively owned by its creator; it must not be copied.
type Server struct {
	sink    Sink
	logger  *logging.Logger
	options Options

	queue   commandQueue
	backend backend

	// watchRoots is the set of currently registered root paths. It is
	// mutated only from the pump goroutine while applying commands, so it
	// requires no synchronization of its own (spec.md §4.2).
	watchRoots map[string]bool

	state int32 // ServerState, accessed atomically

	done chan struct{} // closed when the pump goroutine exits
}

// Open starts a Server: it constructs the platform backend, launches the
// pump goroutine, and blocks until that goroutine signals readiness or
// fails to start within the startup timeout. sink must be non-nil. If
// logger is nil, a sublogger of logging.RootLogger is used.
func Open(sink Sink, options Options, logger *logging.Logger) (*Server, error) {
	if sink == nil {
		panic("watching: sink must not be nil")
	}
	if logger == nil {
		logger = logging.RootLogger.Sublogger("watch")
	}

	s := &Server{
		sink:       sink,
		logger:     logger,
		options:    options.normalized(),
		watchRoots: make(map[string]bool),
		done:       make(chan struct{}),
	}
	atomic.StoreInt32(&s.state, int32(ServerStarting))

	backend, err := newBackend(s)
	if err != nil {
		return nil, newStartupFailed(err)
	}
	s.backend = backend

	ready := make(chan struct{})
	go func() {
		defer close(s.done)
		s.backend.run(ready)
	}()

	select {
	case <-ready:
		atomic.StoreInt32(&s.state, int32(ServerRunning))
		return s, nil
	case <-s.done:
		atomic.StoreInt32(&s.state, int32(ServerTerminated))
		return nil, newStartupFailed(errors.New("pump exited before signalling readiness"))
	case <-time.After(startupTimeout):
		// The pump never reached its wait primitive. Best effort: ask it
		// to shut down and report StartupFailed regardless of whether
		// that succeeds, since we can't honor the contract of Open.
		s.backend.shutdown()
		return nil, newStartupFailed(errors.New("timed out waiting for pump to start"))
	}
}

// State reports the Server's current lifecycle state.
func (s *Server) State() ServerState {
	return ServerState(atomic.LoadInt32(&s.state))
}

// Register adds paths as watch roots. Duplicate paths already registered
// on this Server produce an AlreadyWatching error for that path.
// Non-directories produce NotADirectory. On the first per-path failure
// the command aborts; paths already added earlier in the same call
// remain registered (spec.md §4.1's explicit partial-success policy).
func (s *Server) Register(paths []string) error {
	cmd, err := s.submit(commandRegister, paths)
	if err != nil {
		return err
	}
	return cmd.err
}

// Unregister removes paths from the watch set. It returns true iff every
// path was previously watched; unknown paths do not produce an error, but
// cause Unregister to return false. Other paths in the same batch are
// still removed even if some paths are unknown.
func (s *Server) Unregister(paths []string) (bool, error) {
	cmd, err := s.submit(commandUnregister, paths)
	if err != nil {
		return false, err
	}
	return cmd.unregistered, nil
}

// Close terminates the Server: it stops the pump goroutine and releases
// all backend resources. Close is idempotent; subsequent calls are
// no-ops. Close never returns an error from the pump's own shutdown
// errors, which are logged instead, per spec.md §7.
func (s *Server) Close() error {
	switch ServerState(atomic.LoadInt32(&s.state)) {
	case ServerTerminating, ServerTerminated:
		<-s.done
		return nil
	}

	if _, err := s.submit(commandTerminate, nil); err != nil && err != ErrWatchTerminated {
		return err
	}
	<-s.done
	atomic.StoreInt32(&s.state, int32(ServerTerminated))
	return nil
}

// submit enqueues a command, wakes the pump, and waits for it to be
// applied, subject to commandTimeout. It returns ErrWatchTerminated if
// the Server has already terminated.
func (s *Server) submit(kind commandKind, paths []string) (*command, error) {
	if ServerState(atomic.LoadInt32(&s.state)) == ServerTerminated {
		return nil, ErrWatchTerminated
	}
	if kind == commandTerminate {
		atomic.CompareAndSwapInt32(&s.state, int32(ServerRunning), int32(ServerTerminating))
	}

	cmd := newCommand(kind, paths)
	s.queue.enqueue(cmd)
	s.backend.wake()

	select {
	case <-cmd.done:
		return cmd, nil
	case <-s.done:
		// The pump exited (fault or termination) without us observing
		// completion; treat any command other than terminate as having
		// failed due to termination.
		select {
		case <-cmd.done:
			return cmd, nil
		default:
		}
		if kind == commandTerminate {
			return cmd, nil
		}
		return nil, ErrWatchTerminated
	case <-time.After(commandTimeout):
		return nil, newCommandTimedOut()
	}
}

// drainAndApply pops every currently queued command and applies it in
// FIFO order. It returns true if a commandTerminate was applied, in which
// case the caller's run loop must call s.backend.shutdown() and return.
// It is called exclusively from the pump goroutine, from each platform's
// run loop, after waking.
func (s *Server) drainAndApply() (terminate bool) {
	for _, cmd := range s.queue.drain() {
		switch cmd.kind {
		case commandRegister:
			cmd.complete(s.applyRegister(cmd.paths), false)
		case commandUnregister:
			cmd.complete(nil, s.applyUnregister(cmd.paths))
		case commandTerminate:
			terminate = true
			cmd.complete(nil, false)
		}
	}
	return terminate
}

// applyRegister implements the Register command's partial-success
// policy: it stops at the first failing path, leaving prior successes in
// place.
func (s *Server) applyRegister(paths []string) error {
	for _, path := range paths {
		if s.watchRoots[path] {
			return newAlreadyWatching(path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return newIoError(path, err)
		}
		if !info.IsDir() {
			return newNotADirectory(path)
		}
		if err := s.backend.registerPath(path); err != nil {
			return newIoError(path, err)
		}
		s.watchRoots[path] = true
	}
	return nil
}

// applyUnregister implements the Unregister command: every path is
// processed regardless of whether earlier paths in the batch were
// unknown, and the aggregate return value reports whether all of them
// were previously watched.
func (s *Server) applyUnregister(paths []string) bool {
	allKnown := true
	for _, path := range paths {
		if !s.watchRoots[path] {
			allKnown = false
			continue
		}
		delete(s.watchRoots, path)
		s.backend.unregisterPath(path)
	}
	return allKnown
}

// forgetWatchRoot removes path from the watch-root set without touching
// the backend, for use when a backend discovers on its own that a watch
// has vanished (e.g. Linux IN_IGNORED). Without this, a subsequent
// Register of the same path would wrongly fail with AlreadyWatching even
// though no OS-level watch remains. It must be called only from the pump
// goroutine.
func (s *Server) forgetWatchRoot(path string) {
	delete(s.watchRoots, path)
}

// reportChange delivers event to the sink. It must be called only from
// the pump goroutine.
func (s *Server) reportChange(event ChangeEvent) {
	s.sink.OnChange(event)
}

// reportError delivers a non-fatal error message to the sink. It must be
// called only from the pump goroutine.
func (s *Server) reportError(message string) {
	s.sink.OnError(message)
}

// fail logs a BackendFault, releases the backend's OS resources, and
// arranges for the Server to be treated as terminated. It must be called
// only from the pump goroutine, immediately before its run loop returns.
func (s *Server) fail(err error) {
	s.logger.Error(newBackendFault(err))
	s.backend.shutdown()
	atomic.StoreInt32(&s.state, int32(ServerTerminated))
}
