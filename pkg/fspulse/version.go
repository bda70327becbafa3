package fspulse

import (
	"fmt"
)

const (
	// VersionMajor represents the current major version of the watcher core.
	VersionMajor = 0
	// VersionMinor represents the current minor version of the watcher core.
	VersionMinor = 1
	// VersionPatch represents the current patch version of the watcher core.
	VersionPatch = 0
)

// Version is the formatted version string for the running build.
var Version string

func init() {
	Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
