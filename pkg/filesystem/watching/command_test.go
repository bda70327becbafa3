package watching

import "testing"

// TestCommandQueueFIFO verifies that drain returns commands in submission
// order, per spec.md §3's FIFO invariant.
func TestCommandQueueFIFO(t *testing.T) {
	var queue commandQueue

	first := newCommand(commandRegister, []string{"a"})
	second := newCommand(commandRegister, []string{"b"})
	third := newCommand(commandUnregister, []string{"c"})

	queue.enqueue(first)
	queue.enqueue(second)
	queue.enqueue(third)

	drained := queue.drain()
	if len(drained) != 3 {
		t.Fatalf("drained %d commands, want 3", len(drained))
	}
	if drained[0] != first || drained[1] != second || drained[2] != third {
		t.Error("drain did not preserve FIFO order")
	}

	if more := queue.drain(); more != nil {
		t.Error("drain after drain returned non-nil:", more)
	}
}

// TestCommandComplete verifies that complete records its result and
// signals the command's done channel exactly once.
func TestCommandComplete(t *testing.T) {
	cmd := newCommand(commandUnregister, []string{"p"})

	select {
	case <-cmd.done:
		t.Fatal("done closed before complete was called")
	default:
	}

	cmd.complete(nil, true)

	select {
	case <-cmd.done:
	default:
		t.Fatal("done not closed after complete")
	}
	if !cmd.unregistered {
		t.Error("unregistered not recorded")
	}
}
