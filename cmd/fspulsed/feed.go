package main

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fspulse/fspulse/pkg/filesystem/watching"
	"github.com/fspulse/fspulse/pkg/logging"
)

// subscriberBufferSize bounds how many undelivered events a slow
// subscriber may accumulate; further events for it are dropped until it
// catches up.
const subscriberBufferSize = 64

// eventFeed implements watching.Sink, logging every event and fanning it
// out to whatever client connections are currently subscribed.
type eventFeed struct {
	logger *logging.Logger

	mutex       sync.Mutex
	subscribers map[uuid.UUID]chan watching.ChangeEvent
}

func newEventFeed(logger *logging.Logger) *eventFeed {
	return &eventFeed{
		logger:      logger,
		subscribers: make(map[uuid.UUID]chan watching.ChangeEvent),
	}
}

// OnChange implements watching.Sink.OnChange.
func (f *eventFeed) OnChange(event watching.ChangeEvent) {
	f.logger.Printf("%s: %s", event.Kind, event.Path)

	f.mutex.Lock()
	defer f.mutex.Unlock()
	for id, subscriber := range f.subscribers {
		select {
		case subscriber <- event:
		default:
			f.logger.Warnf("dropping event for slow subscriber %s", id)
		}
	}
}

// OnError implements watching.Sink.OnError.
func (f *eventFeed) OnError(message string) {
	f.logger.Warnf("watch error: %s", message)
}

// subscribe registers a new subscriber, tagged with a fresh session id for
// logging, and returns the id, its event channel, and an unsubscribe
// function.
func (f *eventFeed) subscribe() (uuid.UUID, <-chan watching.ChangeEvent, func()) {
	id, err := uuid.NewRandom()
	if err != nil {
		// Extremely unlikely (would indicate a broken entropy source); a
		// zero-valued UUID still uniquely keys this subscriber in the map
		// since nothing else can collide with it concurrently if this
		// path is ever hit more than once.
		id = uuid.UUID{}
	}
	channel := make(chan watching.ChangeEvent, subscriberBufferSize)

	f.mutex.Lock()
	f.subscribers[id] = channel
	f.mutex.Unlock()

	unsubscribe := func() {
		f.mutex.Lock()
		delete(f.subscribers, id)
		f.mutex.Unlock()
		close(channel)
	}
	return id, channel, unsubscribe
}
