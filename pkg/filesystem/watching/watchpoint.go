package watching

// WatchState is the lifecycle of a single WatchPoint. Only the Windows
// backend exposes the full four-state machine described in spec.md §3,
// because only there is watch teardown a truly asynchronous operation
// that the pump must wait on; the other backends collapse the same
// lifecycle into "live" and "removed" since their teardown calls
// (inotify_rm_watch, FSEventStreamStop) are synchronous from the pump's
// point of view.
type WatchState uint8

const (
	// WatchStateNotListening indicates a watch point that has not yet
	// issued its first ReadDirectoryChangesW call.
	WatchStateNotListening WatchState = iota
	// WatchStateListening indicates a watch point with an outstanding
	// ReadDirectoryChangesW request.
	WatchStateListening
	// WatchStateCancelled indicates a watch point whose outstanding
	// request has been cancelled via CancelIoEx but whose completion has
	// not yet been observed.
	WatchStateCancelled
	// WatchStateFinished is the terminal state: the watch point's handle
	// has been closed and no further completions will arrive for it.
	WatchStateFinished
)

// backend is the common interface implemented by each platform's pump.
// The three pumps share only this outbound contract; platform-specific
// event translation, wake mechanism, and resource ownership live entirely
// inside each implementation, per spec.md §9's guidance to model the
// pumps as distinct implementations rather than one class with
// conditional branches.
type backend interface {
	// run is the pump's blocking event loop. It must close ready once the
	// backend has reached a state where a wake from another goroutine will
	// be observed by its loop; each backend closes ready just before
	// entering its wait.
	// run returns only when the backend has been told to terminate (via
	// a commandTerminate application) or has suffered an unrecoverable
	// fault.
	run(ready chan<- struct{})

	// wake interrupts the backend's blocking wait so that it will drain
	// and apply newly queued commands. It is safe to call from any
	// goroutine and at any time after the backend is constructed.
	wake()

	// registerPath establishes OS-level watching for path. It is invoked
	// only from the pump goroutine, while applying a commandRegister.
	registerPath(path string) error

	// unregisterPath tears down OS-level watching for path, if present,
	// and reports whether it was present. It is invoked only from the
	// pump goroutine, while applying a commandUnregister.
	unregisterPath(path string) bool

	// shutdown releases every OS-level resource the backend owns. It is
	// invoked only from the pump goroutine, while applying a
	// commandTerminate, immediately before run returns.
	shutdown()
}
