package fibersched

import (
	"sync/atomic"
	"time"
)

// membership tracks which queue (if any) holds a record.
type membership uint8

const (
	inNone membership = iota
	inRunnable
	inWaiting
	inBlocked
)

func (m membership) String() string {
	switch m {
	case inNone:
		return "none"
	case inRunnable:
		return "runnable"
	case inWaiting:
		return "waiting"
	case inBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// outcome records how the most recent suspension ended.
type outcome uint8

const (
	outcomeNone outcome = iota
	outcomeReady
	outcomeTimeout
	outcomeUnblocked
	outcomeTerminated
)

// record is the scheduling state of one fiber. All fields other than h are
// guarded by Scheduler.mu, and the fields that key a queue must only change
// while the record is outside that queue.
type record struct {
	fiber    *Fiber
	h        *handle
	deadline time.Time // zero means none
	reg      *registration
	token    *Token
	vruns    uint64
	seq      uint64
	// interest is the readiness awaited while in Waiting, satisfied what
	// ended the wait.
	interest  IOEvents
	satisfied IOEvents
	ready     bool
	where     membership
	outcome   outcome
}

// Fiber is a cooperatively scheduled unit of work. Its methods may only be
// called from the fiber's own goroutine, i.e. from within the function
// passed to Spawn, with the exception of ID, Done, Err and Vruns.
type Fiber struct {
	s     *Scheduler
	rec   *record
	fn    func(*Fiber) error
	done  chan struct{}
	err   error
	id    uint64
	gid   atomic.Uint64
	vruns atomic.Uint64
	// back is used when this fiber dispatches another (Fiber.Spawn)
	back chan struct{}
}

// ID returns the fiber's scheduler-unique identifier, starting at 1.
func (f *Fiber) ID() uint64 { return f.id }

// Done is closed once the fiber's function has returned (or panicked).
func (f *Fiber) Done() <-chan struct{} { return f.done }

// Err waits for Done, then returns the fiber's result, a *PanicError if it
// panicked. Calling it from the scheduler's own goroutine, before the fiber
// has finished, deadlocks.
func (f *Fiber) Err() error {
	<-f.done
	return f.err
}

// Vruns returns the fiber's fairness counter, as of its last transition.
func (f *Fiber) Vruns() uint64 { return f.vruns.Load() }

// Scheduler returns the scheduler that owns the fiber.
func (f *Fiber) Scheduler() *Scheduler { return f.s }
