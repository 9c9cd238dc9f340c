package fibersched

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Token names the signal a blocked fiber waits on. Tokens compare by
// identity.
type Token struct {
	name string
}

// NewToken creates a distinct token, the name is only used for logging.
func NewToken(name string) *Token {
	return &Token{name: name}
}

func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.name
}

var (
	// SleepToken is the token Fiber.Sleep blocks on. Unblock(SleepToken, f)
	// ends a sleep early.
	SleepToken = NewToken("sleep")

	yieldToken = NewToken("yield")
)

// deadlineFor converts a relative timeout, negative meaning none.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// enter validates that a hook may run: called from the fiber's own
// goroutine, on a live scheduler.
func (f *Fiber) enter() error {
	if f.gid.Load() != goroutineID() {
		return ErrWrongGoroutine
	}
	if f.s.state.Load() == StateTerminated {
		return ErrSchedulerTerminated
	}
	return nil
}

// suspend parks the fiber, which must already be in Waiting or Blocked,
// and returns how the suspension ended.
func (f *Fiber) suspend() outcome {
	r := f.rec
	f.s.log.Debug().
		Uint64(`fiber`, f.id).
		Str(`queue`, r.where.String()).
		Log(`suspend`)
	r.h.park()
	f.s.log.Debug().
		Uint64(`fiber`, f.id).
		Uint64(`vruns`, r.vruns).
		Log(`resume`)
	return r.outcome
}

// IOWait suspends the fiber until fd is ready for (part of) interest, or
// timeout elapses (NoTimeout waits indefinitely). It returns the observed
// readiness, which includes EventError or EventHangup on failure. A timeout
// returns a *TimeoutError.
//
// Descriptors the multiplexer cannot watch (e.g. regular files) are always
// ready, and return interest immediately.
func (f *Fiber) IOWait(fd int, interest IOEvents, timeout time.Duration) (IOEvents, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	interest &= EventRead | EventWrite
	if interest == 0 {
		return 0, ErrInvalidInterest
	}

	s, r := f.s, f.rec
	deadline := deadlineFor(timeout)

	s.mu.Lock()
	reg, err := s.acquire(fd, interest)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, errAlwaysReady) {
			return interest, nil
		}
		return 0, err
	}
	s.runnable.remove(r)
	r.reg = reg
	r.interest = interest
	r.deadline = deadline
	reg.waiters = append(reg.waiters, r)
	s.waiting.insert(r)
	s.mu.Unlock()

	switch f.suspend() {
	case outcomeReady:
		return r.satisfied, nil
	case outcomeTimeout:
		return 0, &TimeoutError{Op: "wait", FD: fd, Interest: interest, Duration: timeout}
	default:
		return 0, ErrSchedulerTerminated
	}
}

// Block suspends the fiber until Unblock(token, f) is called, or timeout
// elapses (NoTimeout waits indefinitely). A timeout returns a *TimeoutError.
func (f *Fiber) Block(token *Token, timeout time.Duration) error {
	return f.blockWith(token, timeout, nil)
}

// blockWith is Block, calling beforeSuspend once the fiber is in Blocked
// (and so may be unblocked) but before it suspends.
func (f *Fiber) blockWith(token *Token, timeout time.Duration, beforeSuspend func()) error {
	if token == nil {
		return errors.New("fibersched: nil token")
	}
	if err := f.enter(); err != nil {
		return err
	}

	s, r := f.s, f.rec
	deadline := deadlineFor(timeout)

	s.mu.Lock()
	s.runnable.remove(r)
	r.token = token
	r.deadline = deadline
	s.blocked.insert(r)
	s.mu.Unlock()

	if beforeSuspend != nil {
		beforeSuspend()
	}

	switch f.suspend() {
	case outcomeUnblocked:
		return nil
	case outcomeTimeout:
		return &TimeoutError{Op: "block", FD: -1, Duration: timeout}
	default:
		return ErrSchedulerTerminated
	}
}

// Sleep suspends the fiber for d, equivalent to Block(SleepToken, d) with
// the timeout reported as success. A negative d sleeps until
// Unblock(SleepToken, f).
func (f *Fiber) Sleep(d time.Duration) error {
	if err := f.Block(SleepToken, d); err != nil && !errors.Is(err, ErrTimeout) {
		return err
	}
	return nil
}

// Yield gives every other ready fiber a turn before this one continues.
func (f *Fiber) Yield() error {
	if err := f.Block(yieldToken, 0); err != nil && !errors.Is(err, ErrTimeout) {
		return err
	}
	return nil
}

// Spawn creates a fiber, running it until it first suspends (or returns)
// before returning to the caller.
func (f *Fiber) Spawn(fn func(*Fiber) error) (*Fiber, error) {
	if fn == nil {
		return nil, errors.New("fibersched: nil fiber function")
	}
	if err := f.enter(); err != nil {
		return nil, err
	}
	if f.back == nil {
		f.back = make(chan struct{})
	}
	return f.s.spawn(fn, f.back), nil
}

// Select would wait on several descriptors at once. It is not supported.
func (f *Fiber) Select(readFDs, writeFDs, exceptFDs []int, timeout time.Duration) error {
	return ErrNotImplemented
}

// TimeoutAfter would bound fn by a deadline, cancelling it on expiry. It is
// not supported.
func (f *Fiber) TimeoutAfter(d time.Duration, fn func() error) error {
	return ErrNotImplemented
}

// offload runs fn on a helper goroutine while the fiber is blocked, without
// holding up other fibers. Run keeps going until the helper finishes.
func (f *Fiber) offload(name string, fn func()) error {
	s := f.s
	token := NewToken(name)
	return f.blockWith(token, NoTimeout, func() {
		s.offloads.Add(1)
		go func() {
			fn()
			s.settle(token, f.rec, outcomeUnblocked, true)
			if h := s.testHooks; h != nil && h.PostOffload != nil {
				h.PostOffload()
			}
		}()
	})
}

// ResolveAddress resolves a host name to its addresses, using the default
// resolver on a helper goroutine. An IPv6 zone suffix ("%eth0") is ignored.
func (f *Fiber) ResolveAddress(name string) ([]string, error) {
	if i := strings.IndexByte(name, '%'); i >= 0 {
		name = name[:i]
	}
	var (
		addrs []string
		err   error
	)
	if e := f.offload("resolve", func() {
		addrs, err = net.DefaultResolver.LookupHost(context.Background(), name)
	}); e != nil {
		return nil, e
	}
	return addrs, err
}
