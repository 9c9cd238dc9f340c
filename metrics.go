package fibersched

import (
	"sync/atomic"
)

// Metrics is a point-in-time snapshot of scheduler counters. All fields are
// zero unless the scheduler was created with WithMetrics(true).
type Metrics struct {
	Spawned          uint64 // fibers created
	Dispatches       uint64 // hand-offs to a fiber
	Completions      uint64 // fibers that returned (or panicked)
	Timeouts         uint64 // waits expired by the sweep
	Unblocks         uint64 // accepted Unblock calls
	RejectedUnblocks uint64 // Unblock calls that returned ErrNotBlocked
	Registrations    uint64 // multiplexer Register calls that succeeded
	Downgrades       uint64 // registrations narrowed to the remaining interest
	Deregistrations  uint64
	Polls            uint64
	Panics           uint64
}

type counter uint8

const (
	counterSpawned counter = iota
	counterDispatches
	counterCompletions
	counterTimeouts
	counterUnblocks
	counterRejectedUnblocks
	counterRegistrations
	counterDowngrades
	counterDeregistrations
	counterPolls
	counterPanics
	numCounters
)

// metrics is nil when disabled.
type metrics struct {
	c [numCounters]atomic.Uint64
}

func (m *metrics) add(c counter) {
	if m != nil {
		m.c[c].Add(1)
	}
}

func (m *metrics) snapshot() Metrics {
	if m == nil {
		return Metrics{}
	}
	return Metrics{
		Spawned:          m.c[counterSpawned].Load(),
		Dispatches:       m.c[counterDispatches].Load(),
		Completions:      m.c[counterCompletions].Load(),
		Timeouts:         m.c[counterTimeouts].Load(),
		Unblocks:         m.c[counterUnblocks].Load(),
		RejectedUnblocks: m.c[counterRejectedUnblocks].Load(),
		Registrations:    m.c[counterRegistrations].Load(),
		Downgrades:       m.c[counterDowngrades].Load(),
		Deregistrations:  m.c[counterDeregistrations].Load(),
		Polls:            m.c[counterPolls].Load(),
		Panics:           m.c[counterPanics].Load(),
	}
}
