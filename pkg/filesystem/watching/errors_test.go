package watching

import (
	"errors"
	"strings"
	"testing"
)

// TestErrorUnwrap verifies that errors.Is/As can see through a watching.Error
// to its wrapped cause.
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := newIoError("/tmp/x", cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is did not see through wrapped cause")
	}

	var watchErr *Error
	if !errors.As(wrapped, &watchErr) {
		t.Fatal("errors.As failed to extract *Error")
	}
	if watchErr.Code != ErrCodeIoError {
		t.Errorf("Code = %v, want ErrCodeIoError", watchErr.Code)
	}
	if watchErr.Path != "/tmp/x" {
		t.Errorf("Path = %q, want /tmp/x", watchErr.Path)
	}
}

// TestErrorMessages verifies that the AlreadyWatching, NotADirectory and
// CommandTimedOut constructors produce messages containing the path, where
// one is carried, or a description of the failure.
func TestErrorMessages(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{"already watching", newAlreadyWatching("/a").(*Error), "/a"},
		{"not a directory", newNotADirectory("/b").(*Error), "/b"},
		{"command timed out", newCommandTimedOut().(*Error), "timed out"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if msg := c.err.Error(); !strings.Contains(msg, c.want) {
				t.Errorf("Error() = %q, want substring %q", msg, c.want)
			}
		})
	}
}
