// +build darwin,cgo

package watching

import (
	"time"

	"github.com/pkg/errors"

	"github.com/mutagen-io/fsevents"
)

const (
	// fseventsChannelCapacity is the capacity of the single raw FSEvents
	// channel that every per-root stream delivers into.
	fseventsChannelCapacity = 50

	// fseventsFlags are the flags used for every FSEventStream, per
	// spec.md §4.3: NoDefer delivers isolated events immediately and
	// coalesces only events that occur within a latency window of each
	// other; WatchRoot additionally reports when the watch root itself
	// is moved or recreated; FileEvents requests per-file (rather than
	// purely directory-level) granularity where the OS can provide it.
	fseventsFlags = fsevents.NoDefer | fsevents.WatchRoot | fsevents.FileEvents
)

// darwinWatchPoint holds the resources owned by a single registered root.
type darwinWatchPoint struct {
	stream *fsevents.EventStream
}

// darwinBackend implements backend using one FSEventStream per registered
// root, per spec.md §4.3. The wake mechanism diverges from spec.md's
// literal CFRunLoopPerformBlock/CFRunLoopWakeUp prescription: the
// mutagen-io/fsevents binding manages its own internal CFRunLoop per
// stream and does not expose a shared run loop to inject blocks onto, so
// the pump is instead woken over a buffered Go channel and then drains the
// command queue. This
// substitution preserves the same observable contract (the pump wakes
// promptly on a submitted command) while fitting the library actually
// available; see DESIGN.md.
type darwinBackend struct {
	server *Server

	watchPoints map[string]*darwinWatchPoint

	// rawEvents fans in events from every active stream.
	rawEvents chan []fsevents.Event
	wakeCh    chan struct{}
}

// newBackend constructs the macOS FSEvents backend.
func newBackend(server *Server) (backend, error) {
	return &darwinBackend{
		server:      server,
		watchPoints: make(map[string]*darwinWatchPoint),
		rawEvents:   make(chan []fsevents.Event, fseventsChannelCapacity),
		wakeCh:      make(chan struct{}, 1),
	}, nil
}

// wake implements backend.wake.
func (b *darwinBackend) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// registerPath implements backend.registerPath.
func (b *darwinBackend) registerPath(path string) error {
	stream := &fsevents.EventStream{
		Events:  b.rawEvents,
		Paths:   []string{path},
		Latency: secondsToDuration(b.server.options.LatencySeconds),
		Flags:   fseventsFlags,
	}
	stream.Start()
	b.watchPoints[path] = &darwinWatchPoint{stream: stream}
	return nil
}

// unregisterPath implements backend.unregisterPath.
func (b *darwinBackend) unregisterPath(path string) bool {
	point, ok := b.watchPoints[path]
	if !ok {
		return false
	}
	point.stream.Stop()
	delete(b.watchPoints, path)
	return true
}

// shutdown implements backend.shutdown.
func (b *darwinBackend) shutdown() {
	for path, point := range b.watchPoints {
		point.stream.Stop()
		delete(b.watchPoints, path)
	}
}

// run implements backend.run.
func (b *darwinBackend) run(ready chan<- struct{}) {
	close(ready)

	for {
		select {
		case <-b.wakeCh:
			if b.server.drainAndApply() {
				b.shutdown()
				return
			}
		case events, ok := <-b.rawEvents:
			if !ok {
				b.server.fail(errors.New("fsevents channel closed unexpectedly"))
				return
			}
			b.translate(events)
		}
	}
}

// translate converts a batch of raw FSEvents into ChangeEvents, per the
// table in spec.md §4.4.
func (b *darwinBackend) translate(events []fsevents.Event) {
	for _, event := range events {
		path := event.Path

		switch {
		case event.Flags&(fsevents.MustScanSubDirs|fsevents.KernelDropped|fsevents.UserDropped) != 0:
			b.server.reportChange(ChangeEvent{Kind: ChangeKindOverflowed, Path: path})
		case event.Flags&(fsevents.ItemRemoved|fsevents.RootChanged) != 0:
			b.server.reportChange(ChangeEvent{Kind: ChangeKindRemoved, Path: path})
		case event.Flags&fsevents.ItemCreated != 0:
			b.server.reportChange(ChangeEvent{Kind: ChangeKindCreated, Path: path})
		case event.Flags&(fsevents.ItemModified|fsevents.ItemInodeMetaMod|fsevents.ItemFinderInfoMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod) != 0:
			b.server.reportChange(ChangeEvent{Kind: ChangeKindModified, Path: path})
		default:
			b.server.reportChange(ChangeEvent{Kind: ChangeKindUnknown, Path: path})
		}
	}
}

// secondsToDuration converts a float seconds value into a time.Duration
// suitable for fsevents.EventStream.Latency.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
