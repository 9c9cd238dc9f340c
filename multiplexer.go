package fibersched

import (
	"time"

	"github.com/joeycumines/go-fibersched/poller"
)

// IOEvents is a readiness interest (or result) mask.
type IOEvents = poller.IOEvents

const (
	EventRead    = poller.EventRead
	EventWrite   = poller.EventWrite
	EventError   = poller.EventError
	EventHangup  = poller.EventHangup
	eventFailure = EventError | EventHangup
)

// Multiplexer is the readiness notification facility driven by the loop.
//
// Register, Modify, Deregister and Poll are only called while the caller
// holds control of the scheduler, never concurrently. Wake may be called from
// any goroutine, and must cause a concurrent (or the next) Poll to return.
// Register should fail with an error matching poller.ErrNotPollable for
// descriptors that are always ready.
type Multiplexer interface {
	Register(fd int, interest IOEvents) error
	Modify(fd int, interest IOEvents) error
	Deregister(fd int) error
	Poll(timeout time.Duration) ([]poller.Event, error)
	Wake() error
	Close() error
}

var _ Multiplexer = (*poller.Poller)(nil)
