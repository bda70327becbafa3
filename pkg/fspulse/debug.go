package fspulse

import (
	"os"
)

// DebugEnabled controls whether or not debug-level logging is enabled. It is
// set automatically based on the FSPULSE_DEBUG environment variable.
var DebugEnabled bool

func init() {
	// Check whether or not debugging should be enabled.
	DebugEnabled = os.Getenv("FSPULSE_DEBUG") == "1"
}
