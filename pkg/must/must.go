package must

import (
	"io"
	"os"

	"github.com/fspulse/fspulse/pkg/logging"
)

// Close closes c and logs (rather than propagates) any resulting error. It is
// used in shutdown and cleanup paths where the caller has already committed to
// returning a different result and an additional close failure can only be
// reported, not acted upon.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}

// Terminate invokes Terminate on s and logs any resulting error.
func Terminate(s interface{ Terminate() error }, logger *logging.Logger) {
	if err := s.Terminate(); err != nil {
		logger.Warnf("Unable to terminate: %s", err.Error())
	}
}

// OSRemove removes the named file or directory and logs any resulting error.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil {
		logger.Warnf("Unable to remove '%s': %s", name, err.Error())
	}
}

// Succeed logs a failure to complete task without propagating err. It's used
// for best-effort cleanup steps where failure is only ever diagnostic.
func Succeed(err error, task string, logger *logging.Logger) {
	if err != nil {
		logger.Warnf("Unable to succeed at %s; %s", task, err.Error())
	}
}
