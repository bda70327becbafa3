// +build linux

package watching

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// inotifyWatchMask is the mask applied to every inotify watch, per
	// spec.md §4.3.
	inotifyWatchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
		unix.IN_MODIFY | unix.IN_MOVE_SELF | unix.IN_MOVED_FROM |
		unix.IN_MOVED_TO | unix.IN_DONT_FOLLOW | unix.IN_EXCL_UNLINK |
		unix.IN_ONLYDIR

	// inotifyReadBufferSize is the size of the aligned buffer used to read
	// batches of inotify events, per spec.md §4.4.
	inotifyReadBufferSize = 16 * 1024

	// inotifyEventHeaderSize is the size, in bytes, of struct inotify_event
	// before its variable-length name field.
	inotifyEventHeaderSize = 16
)

// linuxBackend implements backend using inotify for event delivery and an
// eventfd for cross-thread wake, per spec.md §4.2/§4.3/§4.4.
type linuxBackend struct {
	server *Server

	inotifyFd int
	eventFd   int

	// watchRootByDescriptor maps an inotify watch descriptor back to the
	// root path it was created for, for event translation.
	watchRootByDescriptor map[int32]string
	// descriptorByWatchRoot is the inverse mapping, used for unregister.
	descriptorByWatchRoot map[string]int32
}

// newBackend constructs the Linux inotify backend.
func newBackend(server *Server) (backend, error) {
	inotifyFd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize inotify")
	}

	eventFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(inotifyFd)
		return nil, errors.Wrap(err, "unable to create eventfd")
	}

	return &linuxBackend{
		server:                server,
		inotifyFd:             inotifyFd,
		eventFd:               eventFd,
		watchRootByDescriptor: make(map[int32]string),
		descriptorByWatchRoot: make(map[string]int32),
	}, nil
}

// wake implements backend.wake using a semaphore-style eventfd increment.
func (b *linuxBackend) wake() {
	var value [8]byte
	*(*uint64)(unsafe.Pointer(&value[0])) = 1
	_, _ = unix.Write(b.eventFd, value[:])
}

// drainEventFd resets the eventfd's counter to zero.
func (b *linuxBackend) drainEventFd() {
	var buffer [8]byte
	for {
		_, err := unix.Read(b.eventFd, buffer[:])
		if err != nil {
			return
		}
	}
}

// registerPath implements backend.registerPath.
func (b *linuxBackend) registerPath(path string) error {
	wd, err := unix.InotifyAddWatch(b.inotifyFd, path, inotifyWatchMask)
	if err != nil {
		return err
	}
	descriptor := int32(wd)
	b.watchRootByDescriptor[descriptor] = path
	b.descriptorByWatchRoot[path] = descriptor
	return nil
}

// unregisterPath implements backend.unregisterPath.
func (b *linuxBackend) unregisterPath(path string) bool {
	descriptor, ok := b.descriptorByWatchRoot[path]
	if !ok {
		return false
	}
	delete(b.descriptorByWatchRoot, path)
	delete(b.watchRootByDescriptor, descriptor)
	// Errors here are expected if the watch has already been silently
	// dropped by the kernel (e.g. due to a prior IN_IGNORED) and are not
	// actionable.
	_ = unix.InotifyRmWatch(b.inotifyFd, uint32(descriptor))
	return true
}

// shutdown implements backend.shutdown.
func (b *linuxBackend) shutdown() {
	unix.Close(b.inotifyFd)
	unix.Close(b.eventFd)
}

// run implements backend.run: poll(2) on {eventfd, inotify_fd}, draining
// the command queue on eventfd readiness and translating raw events on
// inotify readiness, per spec.md §4.4.
func (b *linuxBackend) run(ready chan<- struct{}) {
	fds := []unix.PollFd{
		{Fd: int32(b.eventFd), Events: unix.POLLIN},
		{Fd: int32(b.inotifyFd), Events: unix.POLLIN},
	}

	close(ready)

	buffer := make([]byte, inotifyReadBufferSize)

	for {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.server.fail(errors.Wrap(err, "poll failed"))
			return
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			b.drainEventFd()
			if b.server.drainAndApply() {
				b.shutdown()
				return
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			if err := b.handleInotifyReadable(buffer); err != nil {
				b.server.fail(err)
				return
			}
		}
	}
}

// handleInotifyReadable reads and translates one batch of queued inotify
// events.
func (b *linuxBackend) handleInotifyReadable(buffer []byte) error {
	n, err := unix.Read(b.inotifyFd, buffer)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return errors.Wrap(err, "inotify read failed")
	}

	var offset int
	for offset+inotifyEventHeaderSize <= n {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buffer[offset]))
		nameLength := int(raw.Len)
		nameStart := offset + inotifyEventHeaderSize
		nameEnd := nameStart + nameLength
		if nameEnd > n {
			break
		}

		var name string
		if nameLength > 0 {
			name = cStringFromBytes(buffer[nameStart:nameEnd])
		}

		b.translate(raw, name)

		offset = nameEnd
	}

	return nil
}

// translate converts a single raw inotify event into zero or one
// ChangeEvents, per the table in spec.md §4.4.
func (b *linuxBackend) translate(raw *unix.InotifyEvent, name string) {
	mask := raw.Mask

	if mask&unix.IN_Q_OVERFLOW != 0 {
		if raw.Wd == -1 {
			for _, root := range b.watchRootByDescriptor {
				b.server.reportChange(ChangeEvent{Kind: ChangeKindOverflowed, Path: root})
			}
		} else if root, ok := b.watchRootByDescriptor[raw.Wd]; ok {
			b.server.reportChange(ChangeEvent{Kind: ChangeKindOverflowed, Path: root})
		}
		return
	}

	if mask&unix.IN_IGNORED != 0 {
		if root, ok := b.watchRootByDescriptor[raw.Wd]; ok {
			delete(b.watchRootByDescriptor, raw.Wd)
			delete(b.descriptorByWatchRoot, root)
			// The kernel dropped this watch out from under us; forget the
			// root on the Server side too, or a later Register of the same
			// path would wrongly fail with AlreadyWatching (spec.md §3's
			// watch_points key set invariant).
			b.server.forgetWatchRoot(root)
		}
		return
	}

	if mask&unix.IN_UNMOUNT != 0 {
		return
	}

	root, ok := b.watchRootByDescriptor[raw.Wd]
	if !ok {
		return
	}

	var kind ChangeKind
	switch {
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		kind = ChangeKindCreated
	case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF|unix.IN_MOVED_FROM) != 0:
		kind = ChangeKindRemoved
	case mask&unix.IN_MODIFY != 0:
		kind = ChangeKindModified
	default:
		kind = ChangeKindUnknown
	}

	path := root
	if name != "" {
		path = fmt.Sprintf("%s/%s", root, name)
	}

	b.server.reportChange(ChangeEvent{Kind: kind, Path: path})
}

// cStringFromBytes trims the trailing NUL padding from an inotify event's
// variable-length name field.
func cStringFromBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
