// +build windows

package watching

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/fspulse/fspulse/pkg/must"
)

// lockOSThreadForPump pins the calling goroutine to its current OS
// thread for the remainder of its life. This is required because the
// pump's thread handle, once opened, must continue to refer to the same
// OS thread that later calls SleepEx, or APCs queued via QueueUserAPC
// would never be delivered to the goroutine actually waiting on them.
func lockOSThreadForPump() {
	runtime.LockOSThread()
}

// A handful of kernel32 entry points aren't wrapped by golang.org/x/sys/windows
// (APC queuing and alertable sleep aren't common enough to warrant a
// dedicated wrapper there), so they're resolved directly, the way
// github.com/Microsoft/go-winio resolves uncommon kernel32/advapi32 calls.
var (
	modkernel32      = windows.NewLazySystemDLL("kernel32.dll")
	procQueueUserAPC = modkernel32.NewProc("QueueUserAPC")
	procSleepEx      = modkernel32.NewProc("SleepEx")
)

// threadSetContext is THREAD_SET_CONTEXT, the access right required to
// queue an APC onto a thread opened by handle rather than by its own
// pseudo-handle.
const threadSetContext = 0x0010

func queueUserAPC(callback uintptr, thread windows.Handle, data uintptr) error {
	r1, _, err := procQueueUserAPC.Call(callback, uintptr(thread), data)
	if r1 == 0 {
		return err
	}
	return nil
}

func sleepEx(milliseconds uint32, alertable bool) {
	var alertableArg uintptr
	if alertable {
		alertableArg = 1
	}
	procSleepEx.Call(uintptr(milliseconds), alertableArg)
}

// The FILE_NOTIFY_CHANGE_* and FILE_ACTION_* values below are stable
// Win32 constants (winnt.h / winbase.h); they're declared locally rather
// than sourced from golang.org/x/sys/windows since that package's
// coverage of the ReadDirectoryChangesW surface varies by version.
const (
	fileNotifyChangeFileName  = 0x00000001
	fileNotifyChangeDirName   = 0x00000002
	fileNotifyChangeAttribs   = 0x00000004
	fileNotifyChangeSize      = 0x00000008
	fileNotifyChangeLastWrite = 0x00000010
	fileNotifyChangeCreation  = 0x00000040

	fileActionAdded          = 0x00000001
	fileActionRemoved        = 0x00000002
	fileActionModified       = 0x00000003
	fileActionRenamedOldName = 0x00000004
	fileActionRenamedNewName = 0x00000005

	errorOperationAborted = 995
	errorAccessDenied     = 5
)

const (
	// windowsNotifyMask is the change mask used for every
	// ReadDirectoryChangesW call, per spec.md §4.3.
	windowsNotifyMask = fileNotifyChangeFileName |
		fileNotifyChangeDirName |
		fileNotifyChangeAttribs |
		fileNotifyChangeSize |
		fileNotifyChangeLastWrite |
		fileNotifyChangeCreation

	// fileNotifyInformationHeaderSize is the size, in bytes, of
	// FILE_NOTIFY_INFORMATION before its variable-length FileName field.
	fileNotifyInformationHeaderSize = 12
)

// fileNotifyInformation mirrors the Win32 FILE_NOTIFY_INFORMATION layout.
type fileNotifyInformation struct {
	NextEntryOffset uint32
	Action          uint32
	FileNameLength  uint32
}

// windowsOverlapped extends windows.Overlapped with a back-pointer to the
// watch point it belongs to, so the completion routine (which only
// receives a raw *windows.Overlapped from the OS) can recover its
// context. This mirrors the "overlappedEx" pattern used by
// ReadDirectoryChangesW-based watchers generally.
type windowsOverlapped struct {
	windows.Overlapped
	watchPoint *windowsWatchPoint
}

// windowsWatchPoint holds the resources owned by one registered root.
type windowsWatchPoint struct {
	root    string
	handle  windows.Handle
	overlap *windowsOverlapped
	buffer  []byte
	state   WatchState
	backend *windowsBackend
}

// windowsBackend implements backend using ReadDirectoryChangesW with an
// APC-based completion model and QueueUserAPC-based cross-thread wake,
// per spec.md §4.2/§4.3/§4.4/§4.5.
type windowsBackend struct {
	server *Server

	// threadHandle is a real (non-pseudo) handle to the pump goroutine's
	// underlying OS thread, opened once the pump has locked itself to
	// that thread. QueueUserAPC requires a handle usable from other
	// threads; GetCurrentThread returns only a pseudo-handle valid solely
	// within its owning thread.
	threadHandle windows.Handle

	watchPoints map[string]*windowsWatchPoint

	bufferBytes uint32

	completionRoutine uintptr
	apcRoutine        uintptr

	pendingCancellations int
	terminated           bool
}

// newBackend constructs the Windows ReadDirectoryChangesW backend. Actual
// thread-affine setup (opening the real thread handle) happens once the
// pump goroutine starts running and has locked itself to its OS thread.
func newBackend(server *Server) (backend, error) {
	b := &windowsBackend{
		server:      server,
		watchPoints: make(map[string]*windowsWatchPoint),
		bufferBytes: uint32(server.options.BufferBytes),
	}

	b.completionRoutine = syscall.NewCallback(func(errorCode, bytesTransferred, overlappedPtr uintptr) uintptr {
		ov := (*windowsOverlapped)(unsafe.Pointer(overlappedPtr))
		ov.watchPoint.backend.handleCompletion(ov.watchPoint, uint32(errorCode), uint32(bytesTransferred))
		return 0
	})
	b.apcRoutine = syscall.NewCallback(func(data uintptr) uintptr {
		backend := (*windowsBackend)(unsafe.Pointer(data))
		backend.handleWake()
		return 0
	})

	return b, nil
}

// wake implements backend.wake.
func (b *windowsBackend) wake() {
	if b.threadHandle == 0 {
		return
	}
	_ = queueUserAPC(b.apcRoutine, b.threadHandle, uintptr(unsafe.Pointer(b)))
}

// handleWake is invoked, on the pump thread, when a control APC fires.
func (b *windowsBackend) handleWake() {
	if b.server.drainAndApply() {
		b.shutdown()
		b.terminated = true
	}
}

// handleCompletion is invoked, on the pump thread, when an I/O completion
// APC fires for a pending ReadDirectoryChangesW call.
func (b *windowsBackend) handleCompletion(wp *windowsWatchPoint, errorCode, bytesTransferred uint32) {
	if errorCode == errorOperationAborted {
		wp.state = WatchStateFinished
		must.CloseWindowsHandle(wp.handle, b.server.logger)
		b.pendingCancellations--
		return
	}

	if errorCode == errorAccessDenied {
		b.server.reportChange(ChangeEvent{Kind: ChangeKindRemoved, Path: wp.root})
		wp.state = WatchStateFinished
		must.CloseWindowsHandle(wp.handle, b.server.logger)
		delete(b.watchPoints, wp.root)
		b.server.forgetWatchRoot(wp.root)
		return
	}

	if bytesTransferred == 0 {
		b.server.reportChange(ChangeEvent{Kind: ChangeKindOverflowed, Path: wp.root})
	} else {
		b.translate(wp, wp.buffer[:bytesTransferred])
	}

	if wp.state == WatchStateListening {
		if err := b.issueRead(wp); err != nil {
			message := fmt.Sprintf("unable to re-arm watch on %s: %v", wp.root, err)
			b.server.logger.Warnf("%s", message)
			b.server.reportError(message)
			wp.state = WatchStateFinished
			must.CloseWindowsHandle(wp.handle, b.server.logger)
			delete(b.watchPoints, wp.root)
			b.server.forgetWatchRoot(wp.root)
		}
	}
}

// translate converts one batch of FILE_NOTIFY_INFORMATION records into
// ChangeEvents, per the table in spec.md §4.4.
func (b *windowsBackend) translate(wp *windowsWatchPoint, buffer []byte) {
	var offset int
	for offset+fileNotifyInformationHeaderSize <= len(buffer) {
		raw := (*fileNotifyInformation)(unsafe.Pointer(&buffer[offset]))

		nameStart := offset + fileNotifyInformationHeaderSize
		nameEnd := nameStart + int(raw.FileNameLength)
		if nameEnd > len(buffer) {
			break
		}

		nameUTF16 := bytesToUTF16(buffer[nameStart:nameEnd])
		name := syscall.UTF16ToString(nameUTF16)
		path := fromLongPath(wp.root + `\` + name)

		var kind ChangeKind
		switch raw.Action {
		case fileActionAdded, fileActionRenamedNewName:
			kind = ChangeKindCreated
		case fileActionRemoved, fileActionRenamedOldName:
			kind = ChangeKindRemoved
		case fileActionModified:
			kind = ChangeKindModified
		default:
			kind = ChangeKindUnknown
		}

		b.server.reportChange(ChangeEvent{Kind: kind, Path: path})

		if raw.NextEntryOffset == 0 {
			break
		}
		offset += int(raw.NextEntryOffset)
	}
}

// bytesToUTF16 decodes a byte slice holding UTF-16LE code units into a
// newly allocated []uint16, which avoids any unaligned access.
func bytesToUTF16(b []byte) []uint16 {
	result := make([]uint16, len(b)/2)
	for i := range result {
		result[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return result
}

// registerPath implements backend.registerPath.
func (b *windowsBackend) registerPath(path string) error {
	longPath := toLongPath(path)
	pathPtr, err := windows.UTF16PtrFromString(longPath)
	if err != nil {
		return errors.Wrap(err, "unable to encode path")
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return err
	}

	wp := &windowsWatchPoint{
		root:    path,
		handle:  handle,
		buffer:  make([]byte, b.bufferBytes),
		state:   WatchStateNotListening,
		backend: b,
	}
	wp.overlap = &windowsOverlapped{watchPoint: wp}

	if err := b.issueRead(wp); err != nil {
		must.CloseWindowsHandle(handle, b.server.logger)
		return err
	}

	b.watchPoints[path] = wp
	return nil
}

// issueRead posts a new ReadDirectoryChangesW request for wp.
func (b *windowsBackend) issueRead(wp *windowsWatchPoint) error {
	var unused uint32
	err := windows.ReadDirectoryChanges(
		wp.handle,
		&wp.buffer[0],
		uint32(len(wp.buffer)),
		true,
		uint32(windowsNotifyMask),
		&unused,
		(*windows.Overlapped)(unsafe.Pointer(wp.overlap)),
		b.completionRoutine,
	)
	if err != nil {
		return err
	}
	wp.state = WatchStateListening
	return nil
}

// unregisterPath implements backend.unregisterPath.
func (b *windowsBackend) unregisterPath(path string) bool {
	wp, ok := b.watchPoints[path]
	if !ok {
		return false
	}
	if wp.state == WatchStateListening {
		windows.CancelIoEx(wp.handle, (*windows.Overlapped)(unsafe.Pointer(wp.overlap)))
		wp.state = WatchStateCancelled
		b.pendingCancellations++
		// Pump the APC queue until this watch point's cancellation
		// completion has been observed, so the watch point is fully torn
		// down by the time Unregister returns, per spec.md's "no event
		// for p after unregister([p]) completes" ordering guarantee.
		for wp.state != WatchStateFinished {
			sleepEx(0, true)
		}
	}
	delete(b.watchPoints, path)
	return true
}

// shutdown implements backend.shutdown.
func (b *windowsBackend) shutdown() {
	for _, wp := range b.watchPoints {
		if wp.state == WatchStateListening {
			windows.CancelIoEx(wp.handle, (*windows.Overlapped)(unsafe.Pointer(wp.overlap)))
			wp.state = WatchStateCancelled
			b.pendingCancellations++
		}
	}

	// Drain pending cancellations, logging any watch point that fails to
	// finish within a bounded number of alertable waits rather than
	// blocking termination indefinitely (spec.md §4.5).
	for attempt := 0; attempt < 1000 && b.pendingCancellations > 0; attempt++ {
		sleepEx(5, true)
	}
	if b.pendingCancellations > 0 {
		b.server.logger.Warnf("%d watch point(s) did not confirm cancellation during shutdown", b.pendingCancellations)
		for _, wp := range b.watchPoints {
			if wp.state != WatchStateFinished {
				must.CloseWindowsHandle(wp.handle, b.server.logger)
			}
		}
	}
	b.watchPoints = make(map[string]*windowsWatchPoint)

	if b.threadHandle != 0 {
		must.CloseWindowsHandle(b.threadHandle, b.server.logger)
		b.threadHandle = 0
	}
}

// run implements backend.run: it opens a real handle to its own OS
// thread (required so other goroutines can QueueUserAPC onto it), then
// sleeps alertably until a control or I/O completion APC fires.
func (b *windowsBackend) run(ready chan<- struct{}) {
	lockOSThreadForPump()

	threadHandle, err := windows.OpenThread(threadSetContext, false, windows.GetCurrentThreadId())
	if err != nil {
		b.server.fail(errors.Wrap(err, "unable to open pump thread handle"))
		close(ready)
		return
	}
	b.threadHandle = threadHandle

	close(ready)

	const infinite = 0xFFFFFFFF
	for {
		sleepEx(infinite, true)

		if b.terminated {
			return
		}
	}
}
