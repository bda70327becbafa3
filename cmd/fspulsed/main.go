// Command fspulsed is a small embedder demonstrating the watcher engine:
// it registers a set of directories with a watching.Server, logs every
// change event, and streams the same events to any number of client
// processes connected over a pkg/ipc endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/fspulse/fspulse/pkg/filesystem"
	"github.com/fspulse/fspulse/pkg/filesystem/watching"
	"github.com/fspulse/fspulse/pkg/fspulse"
	"github.com/fspulse/fspulse/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		logging.RootLogger.Error(err)
		os.Exit(1)
	}
}

func run() error {
	latency := flag.Float64("latency", 0, "FSEvents coalescing latency, in seconds (macOS only)")
	bufferBytes := flag.Int("buffer-bytes", 0, "ReadDirectoryChangesW buffer size, in bytes (Windows only)")
	endpoint := flag.String("endpoint", defaultEndpoint(), "path at which to expose the live event feed")
	flag.Parse()

	if flag.NArg() == 0 {
		return errors.New("at least one watch root must be specified")
	}

	// Watch roots must be absolute per spec.md §1; Normalize also expands
	// a leading ~ the way a user would type one on the command line.
	roots := make([]string, flag.NArg())
	for i, arg := range flag.Args() {
		root, err := filesystem.Normalize(arg)
		if err != nil {
			return errors.Wrapf(err, "unable to normalize watch root %q", arg)
		}
		roots[i] = root
	}

	logger := logging.RootLogger.Sublogger("fspulsed")
	logger.Printf("starting fspulse %s", fspulse.Version)

	feed := newEventFeed(logger)

	server, err := watching.Open(feed, watching.Options{
		LatencySeconds: *latency,
		BufferBytes:    *bufferBytes,
	}, logger.Sublogger("watch"))
	if err != nil {
		return errors.Wrap(err, "unable to start watcher")
	}
	defer server.Close()

	if err := server.Register(roots); err != nil {
		return errors.Wrap(err, "unable to register watch roots")
	}
	for _, root := range roots {
		logger.Printf("watching %s", root)
	}

	listener, err := newFeedListener(*endpoint, feed, logger)
	if err != nil {
		return errors.Wrap(err, "unable to start feed listener")
	}
	defer listener.Close()
	logger.Printf("serving live feed at %s", *endpoint)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	<-signals
	logger.Println("shutting down")
	return nil
}

// defaultEndpoint returns a per-process IPC endpoint path so that running
// multiple instances doesn't collide.
func defaultEndpoint() string {
	return fmt.Sprintf("%s/fspulsed-%d.sock", os.TempDir(), os.Getpid())
}
