package fibersched

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	// ErrSchedulerTerminated is returned by operations on a closed scheduler,
	// including suspensions that were pending when it was closed.
	ErrSchedulerTerminated = errors.New("fibersched: scheduler has been terminated")

	// ErrAlreadyRunning is returned when Run is called while the loop is running.
	ErrAlreadyRunning = errors.New("fibersched: scheduler is already running")

	// ErrReentrantRun is returned when Run is called from within a fiber.
	ErrReentrantRun = errors.New("fibersched: cannot call Run() from within a fiber")

	// ErrWrongGoroutine is returned when a method is called from a goroutine
	// that does not own the scheduler (or fiber).
	ErrWrongGoroutine = errors.New("fibersched: called from the wrong goroutine")

	// ErrNotBlocked is returned by Unblock when the fiber is not blocked on
	// the given token.
	ErrNotBlocked = errors.New("fibersched: fiber is not blocked on token")

	// ErrNotImplemented is returned by operations this scheduler does not
	// support.
	ErrNotImplemented = errors.New("fibersched: not implemented")

	// ErrTimeout is matched (via errors.Is) by every *TimeoutError.
	ErrTimeout = errors.New("fibersched: timeout")

	// ErrInvalidInterest is returned by IOWait for an interest without read
	// or write.
	ErrInvalidInterest = errors.New("fibersched: interest must include read or write")
)

// TimeoutError is returned to a fiber whose wait reached its deadline before
// it became ready (or was unblocked).
type TimeoutError struct {
	// Op names the operation, e.g. "read", "wait" or "block".
	Op string
	// FD is the awaited file descriptor, or -1 for a blocking wait.
	FD int
	// Interest is the awaited readiness, zero for a blocking wait.
	Interest IOEvents
	// Duration is the configured timeout.
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	if e.FD < 0 {
		return fmt.Sprintf("fibersched: %s: timeout (%s) while blocked", e.Op, e.Duration)
	}
	return fmt.Sprintf("fibersched: %s: timeout (%s) while waiting for fd %d to become %s", e.Op, e.Duration, e.FD, describeInterest(e.Interest))
}

// Timeout reports true, for compatibility with net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PanicError wraps a value recovered from a panicking fiber.
type PanicError struct {
	Value any
	// FiberID identifies the fiber that panicked.
	FiberID uint64
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fibersched: fiber %d panicked: %v", e.FiberID, e.Value)
}

// Unwrap returns the panic value if it is an error, otherwise nil.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func describeInterest(interest IOEvents) string {
	switch interest & (EventRead | EventWrite) {
	case EventRead:
		return "readable"
	case EventWrite:
		return "writable"
	default:
		return "readable or writable"
	}
}
