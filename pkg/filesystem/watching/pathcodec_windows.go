// +build windows

package watching

import (
	"strings"
	"unicode/utf16"
)

// longPathPrefix is the local extended-length prefix.
const longPathPrefix = `\\?\`

// longPathUNCPrefix is the UNC extended-length prefix.
const longPathUNCPrefix = `\\?\UNC\`

// longPathThreshold is the code-unit length above which paths are
// rewritten into their extended-length form, per spec.md §4.3.
const longPathThreshold = 240

// isPathSeparator reports whether c is a Windows directory separator.
func isPathSeparator(c byte) bool {
	return c == '\\' || c == '/'
}

// isUNCPath reports whether path begins with a UNC share prefix
// (\\server\share\...), as opposed to a drive-letter path.
func isUNCPath(path string) bool {
	return len(path) >= 2 && isPathSeparator(path[0]) && isPathSeparator(path[1])
}

// toLongPath rewrites path to its extended-length form when it exceeds
// longPathThreshold code units, per spec.md §4.3: drive paths become
// \\?\C:\x and UNC paths become \\?\UNC\server\share\x. Short paths and
// paths already in extended-length form are returned unmodified.
func toLongPath(path string) string {
	if len(utf16.Encode([]rune(path))) <= longPathThreshold {
		return path
	}
	if strings.HasPrefix(path, longPathPrefix) {
		return path
	}
	if isUNCPath(path) {
		// Strip the leading "\\" before re-prefixing with "\\?\UNC\".
		return longPathUNCPrefix + path[2:]
	}
	return longPathPrefix + path
}

// fromLongPath strips an extended-length prefix from path, symmetrically
// undoing toLongPath, so that reported event paths match what the
// embedder originally registered.
func fromLongPath(path string) string {
	if strings.HasPrefix(path, longPathUNCPrefix) {
		return `\\` + path[len(longPathUNCPrefix):]
	}
	if strings.HasPrefix(path, longPathPrefix) {
		return path[len(longPathPrefix):]
	}
	return path
}
