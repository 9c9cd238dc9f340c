// Package poller implements the readiness multiplexer used by fibersched.
//
// A [Poller] wraps the platform-native readiness facility:
//   - Linux: epoll, with an eventfd for wake-ups
//   - Darwin: kqueue, with a self-pipe for wake-ups
//
// Unlike a callback-driven poller, [Poller.Poll] returns the raw (fd, events)
// pairs, leaving it to the caller to decide which waiters they satisfy.
// Registrations are level-triggered: an fd that stays ready is reported again
// on the next poll until its interest is modified or it is deregistered.
//
// # Safety
//
// Always call Deregister before closing a file descriptor, to prevent stale
// event delivery due to FD recycling.
package poller

import (
	"errors"
	"math"
	"strings"
	"time"
)

// maxFDs is the initial size of the per-FD table.
const maxFDs = 1024

// MaxFDLimit is the maximum FD value supported.
const MaxFDLimit = 100000000

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// String returns a compact representation, e.g. "rw" or "r|err".
func (x IOEvents) String() string {
	if x == 0 {
		return "none"
	}
	var parts []string
	if x&(EventRead|EventWrite) != 0 {
		var b strings.Builder
		if x&EventRead != 0 {
			b.WriteByte('r')
		}
		if x&EventWrite != 0 {
			b.WriteByte('w')
		}
		parts = append(parts, b.String())
	}
	if x&EventError != 0 {
		parts = append(parts, "err")
	}
	if x&EventHangup != 0 {
		parts = append(parts, "hup")
	}
	return strings.Join(parts, "|")
}

// Event is a single readiness notification.
type Event struct {
	FD     int
	Events IOEvents
}

// Standard errors.
var (
	ErrFDOutOfRange        = errors.New("poller: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("poller: fd already registered")
	ErrFDNotRegistered     = errors.New("poller: fd not registered")
	ErrPollerClosed        = errors.New("poller: poller closed")
	// ErrNotPollable is returned by Register for descriptors the platform
	// cannot multiplex, e.g. regular files under epoll. Such descriptors are
	// always ready.
	ErrNotPollable = errors.New("poller: fd does not support readiness notification")
	// ErrUnsupported is returned on platforms without a native implementation.
	ErrUnsupported = errors.New("poller: platform not supported")
)

// timeoutMillis converts a poll timeout to the millisecond value expected by
// the platform syscalls. Negative means block indefinitely.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	// ceiling rounding: if 0 < timeout < 1ms, round up to 1ms
	if timeout > 0 && timeout < time.Millisecond {
		return 1
	}
	if timeout >= math.MaxInt32*time.Millisecond {
		return math.MaxInt32
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// fdInfo stores per-FD registration state.
type fdInfo struct {
	events IOEvents
	active bool
}

// growFDs returns a table large enough to index fd, growing in chunks to
// minimize allocations.
func growFDs(fds []fdInfo, fd int) []fdInfo {
	if fd < len(fds) {
		return fds
	}
	newSize := fd*2 + 1
	if newSize > MaxFDLimit {
		newSize = MaxFDLimit + 1
	}
	newFds := make([]fdInfo, newSize)
	copy(newFds, fds)
	return newFds
}
