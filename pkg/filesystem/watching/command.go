package watching

import "sync"

// commandKind identifies the operation a queued command performs.
type commandKind uint8

const (
	commandRegister commandKind = iota
	commandUnregister
	commandTerminate
)

// command is a single entry in the command queue. It carries its own
// one-shot completion signal: the submitter enqueues, wakes the pump, and
// then waits on done (with a timeout) rather than hand-rolling a
// condition variable, since closing a channel already gives exactly the
// "reply handle" semantics spec.md recommends.
type command struct {
	kind  commandKind
	paths []string

	// done is closed by the pump once the command has been applied. It is
	// unbuffered; the pump closes it after populating err/unregistered.
	done chan struct{}

	// err carries the result of a commandRegister command: nil on full
	// success, or the first per-path failure (spec.md's partial-success
	// policy: abort remainder of the batch, keep what already succeeded).
	err error

	// unregistered carries the result of a commandUnregister command:
	// true iff every requested path was previously watched.
	unregistered bool
}

// newCommand constructs a command of the given kind over paths, with a
// fresh completion channel.
func newCommand(kind commandKind, paths []string) *command {
	return &command{
		kind:  kind,
		paths: paths,
		done:  make(chan struct{}),
	}
}

// complete records the command's outcome and wakes anyone waiting on it.
// It must be called exactly once, from the pump goroutine.
func (c *command) complete(err error, unregistered bool) {
	c.err = err
	c.unregistered = unregistered
	close(c.done)
}

// commandQueue is a mutex-protected FIFO of commands awaiting application
// by the pump goroutine. Submitters never block on the mutex for longer
// than an append; all actual command application happens on the pump.
type commandQueue struct {
	mutex sync.Mutex
	items []*command
}

// enqueue appends cmd to the queue.
func (q *commandQueue) enqueue(cmd *command) {
	q.mutex.Lock()
	q.items = append(q.items, cmd)
	q.mutex.Unlock()
}

// drain removes and returns all currently queued commands, preserving
// FIFO order. It is called by the pump after waking.
func (q *commandQueue) drain() []*command {
	q.mutex.Lock()
	if len(q.items) == 0 {
		q.mutex.Unlock()
		return nil
	}
	items := q.items
	q.items = nil
	q.mutex.Unlock()
	return items
}
