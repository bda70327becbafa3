package watching

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fspulse/fspulse/pkg/logging"
)

const (
	// maximumEventWaitTime is the maximum amount of time that
	// verifyChangeEvent will wait for a matching event to be received.
	maximumEventWaitTime = 5 * time.Second
)

// testSink is a Sink implementation that funnels change events and error
// messages onto channels so that tests can wait on them with a deadline.
type testSink struct {
	events chan ChangeEvent
	errors chan string
}

func newTestSink() *testSink {
	return &testSink{
		events: make(chan ChangeEvent, 256),
		errors: make(chan string, 256),
	}
}

func (s *testSink) OnChange(event ChangeEvent) {
	s.events <- event
}

func (s *testSink) OnError(message string) {
	s.errors <- message
}

// verifyChangeEvent waits for an event matching predicate to arrive at sink,
// failing the test if none arrives within maximumEventWaitTime or if the
// sink reports an error first.
func verifyChangeEvent(t *testing.T, sink *testSink, predicate func(ChangeEvent) bool) ChangeEvent {
	t.Helper()

	deadline := time.NewTimer(maximumEventWaitTime)
	defer deadline.Stop()

	for {
		select {
		case event := <-sink.events:
			if predicate(event) {
				return event
			}
		case message := <-sink.errors:
			t.Fatal("sink reported error:", message)
		case <-deadline.C:
			t.Fatal("event reception deadline exceeded")
		}
	}
}

// verifyNoChangeEvent asserts that no event arrives at sink within window.
func verifyNoChangeEvent(t *testing.T, sink *testSink, window time.Duration) {
	t.Helper()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case event := <-sink.events:
		t.Fatal("unexpected event received:", event)
	case message := <-sink.errors:
		t.Fatal("sink reported error:", message)
	case <-timer.C:
	}
}

// underRoot reports whether path names the root itself or a direct child of
// it, accommodating backends (macOS) that report only the directory.
func underRoot(root, path string) bool {
	return path == root || filepath.Dir(path) == root
}

// TestEmptyLifetime covers spec.md §8 scenario 1: starting and stopping a
// watch on an untouched directory delivers no events.
func TestEmptyLifetime(t *testing.T) {
	directory := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	if err := server.Register([]string{directory}); err != nil {
		t.Fatal("unable to register watch root:", err)
	}

	verifyNoChangeEvent(t, sink, 100*time.Millisecond)

	if err := server.Close(); err != nil {
		t.Fatal("unable to close server:", err)
	}
}

// TestSingleCreate covers spec.md §8 scenario 2: creating a single file
// beneath a watch root produces a Created (or, on macOS, a directory-level
// Created/Modified/Overflowed) event.
func TestSingleCreate(t *testing.T) {
	directory := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	defer server.Close()

	if err := server.Register([]string{directory}); err != nil {
		t.Fatal("unable to register watch root:", err)
	}

	target := filepath.Join(directory, "a.txt")
	if err := os.WriteFile(target, nil, 0600); err != nil {
		t.Fatal("unable to create test file:", err)
	}

	if runtime.GOOS == "darwin" {
		verifyChangeEvent(t, sink, func(e ChangeEvent) bool {
			return e.Path == directory &&
				(e.Kind == ChangeKindCreated || e.Kind == ChangeKindModified || e.Kind == ChangeKindOverflowed)
		})
	} else {
		verifyChangeEvent(t, sink, func(e ChangeEvent) bool {
			return e.Kind == ChangeKindCreated && e.Path == target
		})
	}
}

// TestMultiRoot covers spec.md §8 scenario 4: two independently registered
// roots each produce their own correctly attributed event.
func TestMultiRoot(t *testing.T) {
	d1 := t.TempDir()
	d2 := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	defer server.Close()

	if err := server.Register([]string{d1, d2}); err != nil {
		t.Fatal("unable to register watch roots:", err)
	}

	f1 := filepath.Join(d1, "a.txt")
	if err := os.WriteFile(f1, nil, 0600); err != nil {
		t.Fatal("unable to create test file:", err)
	}
	verifyChangeEvent(t, sink, func(e ChangeEvent) bool {
		return underRoot(d1, e.Path)
	})

	f2 := filepath.Join(d2, "b.txt")
	if err := os.WriteFile(f2, nil, 0600); err != nil {
		t.Fatal("unable to create test file:", err)
	}
	verifyChangeEvent(t, sink, func(e ChangeEvent) bool {
		return underRoot(d2, e.Path)
	})
}

// TestIdempotentClose covers spec.md §8 scenario 5: Close may be called any
// number of times without error.
func TestIdempotentClose(t *testing.T) {
	directory := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	if err := server.Register([]string{directory}); err != nil {
		t.Fatal("unable to register watch root:", err)
	}

	if err := server.Close(); err != nil {
		t.Fatal("first close failed:", err)
	}
	if err := server.Close(); err != nil {
		t.Fatal("second close failed:", err)
	}
	if server.State() != ServerTerminated {
		t.Error("server not in ServerTerminated state after close")
	}
}

// TestRestart covers spec.md §8 scenario 6: a closed Server's root can be
// watched again by a freshly opened Server, each cycle delivering its own
// event.
func TestRestart(t *testing.T) {
	directory := t.TempDir()

	for i := 0; i < 2; i++ {
		sink := newTestSink()
		server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
		if err != nil {
			t.Fatal("unable to open server:", err)
		}
		if err := server.Register([]string{directory}); err != nil {
			t.Fatal("unable to register watch root:", err)
		}

		target := filepath.Join(directory, "cycle.txt")
		if err := os.WriteFile(target, []byte{byte(i)}, 0600); err != nil {
			t.Fatal("unable to write test file:", err)
		}
		verifyChangeEvent(t, sink, func(e ChangeEvent) bool {
			return underRoot(directory, e.Path)
		})

		if err := server.Close(); err != nil {
			t.Fatal("unable to close server:", err)
		}
	}
}

// TestRegisterDuplicate verifies that registering an already-watched path
// produces ErrCodeAlreadyWatching, per spec.md §4.1.
func TestRegisterDuplicate(t *testing.T) {
	directory := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	defer server.Close()

	if err := server.Register([]string{directory}); err != nil {
		t.Fatal("unable to register watch root:", err)
	}

	err = server.Register([]string{directory})
	watchErr, ok := err.(*Error)
	if !ok || watchErr.Code != ErrCodeAlreadyWatching {
		t.Fatalf("expected ErrCodeAlreadyWatching, got %v", err)
	}
}

// TestRegisterNotADirectory verifies that registering a regular file
// produces ErrCodeNotADirectory, per spec.md §4.1.
func TestRegisterNotADirectory(t *testing.T) {
	directory := t.TempDir()
	file := filepath.Join(directory, "not-a-dir.txt")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal("unable to create test file:", err)
	}

	sink := newTestSink()
	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	defer server.Close()

	err = server.Register([]string{file})
	watchErr, ok := err.(*Error)
	if !ok || watchErr.Code != ErrCodeNotADirectory {
		t.Fatalf("expected ErrCodeNotADirectory, got %v", err)
	}
}

// TestUnregisterUnknown verifies that unregistering a path that was never
// registered reports false without an error, per spec.md §4.1.
func TestUnregisterUnknown(t *testing.T) {
	directory := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	defer server.Close()

	allKnown, err := server.Unregister([]string{directory})
	if err != nil {
		t.Fatal("unregister returned unexpected error:", err)
	}
	if allKnown {
		t.Error("expected Unregister to report false for an unknown path")
	}
}

// TestUnregisterStopsEvents verifies that once Unregister returns, no
// further events arrive for that path, per spec.md §8's ordering property.
func TestUnregisterStopsEvents(t *testing.T) {
	directory := t.TempDir()
	sink := newTestSink()

	server, err := Open(sink, Options{}, logging.RootLogger.Sublogger("test"))
	if err != nil {
		t.Fatal("unable to open server:", err)
	}
	defer server.Close()

	if err := server.Register([]string{directory}); err != nil {
		t.Fatal("unable to register watch root:", err)
	}

	allKnown, err := server.Unregister([]string{directory})
	if err != nil {
		t.Fatal("unable to unregister watch root:", err)
	}
	if !allKnown {
		t.Error("expected Unregister to report true for a known path")
	}

	target := filepath.Join(directory, "after-unregister.txt")
	if err := os.WriteFile(target, nil, 0600); err != nil {
		t.Fatal("unable to create test file:", err)
	}

	verifyNoChangeEvent(t, sink, 250*time.Millisecond)
}
