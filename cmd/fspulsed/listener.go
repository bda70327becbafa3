package main

import (
	"encoding/gob"
	"net"

	"github.com/fspulse/fspulse/pkg/ipc"
	"github.com/fspulse/fspulse/pkg/logging"
	"github.com/fspulse/fspulse/pkg/must"
)

// feedListener accepts client connections on a pkg/ipc endpoint and streams
// each one the live watching.ChangeEvent feed, encoded with encoding/gob.
type feedListener struct {
	listener net.Listener
	logger   *logging.Logger
}

// newFeedListener creates the endpoint at path and starts accepting
// connections in the background.
func newFeedListener(path string, feed *eventFeed, logger *logging.Logger) (*feedListener, error) {
	listener, err := ipc.NewListener(path, logger)
	if err != nil {
		return nil, err
	}

	fl := &feedListener{listener: listener, logger: logger}
	go fl.acceptLoop(feed)
	return fl, nil
}

// Close stops accepting new connections.
func (l *feedListener) Close() error {
	return l.listener.Close()
}

func (l *feedListener) acceptLoop(feed *eventFeed) {
	for {
		connection, err := l.listener.Accept()
		if err != nil {
			// Expected once Close has been called; nothing further to log.
			return
		}
		go l.serve(connection, feed)
	}
}

func (l *feedListener) serve(connection net.Conn, feed *eventFeed) {
	defer must.Close(connection, l.logger)

	id, events, unsubscribe := feed.subscribe()
	defer unsubscribe()
	l.logger.Printf("client %s connected", id)
	defer l.logger.Printf("client %s disconnected", id)

	encoder := gob.NewEncoder(connection)
	for event := range events {
		if err := encoder.Encode(event); err != nil {
			return
		}
	}
}
