package fibersched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fibersched/poller"
)

// NoTimeout waits until readiness (or Unblock), with no deadline.
const NoTimeout time.Duration = -1

// Scheduler multiplexes fibers onto the goroutine that owns it.
//
// The owner is the goroutine that first calls Spawn or Run. Only Unblock,
// State and Metrics may be called from other goroutines.
type Scheduler struct { // betteralign:ignore
	mux      Multiplexer
	runnable *queue
	waiting  *queue
	blocked  *queue
	regs     map[int]*registration
	metrics  *metrics
	wakeCh   chan struct{}
	// back is the hand-off channel used when the owner goroutine dispatches.
	back    chan struct{}
	current atomic.Pointer[Fiber]
	log     schedLogger

	mu       sync.Mutex
	state    stateCell
	owner    atomic.Uint64
	offloads atomic.Int64
	nextID   atomic.Uint64
	ownsMux  bool

	// parkedOn is stored before each transition to StateSleeping.
	parkedOn  atomic.Uint32
	testHooks *schedTestHooks
}

const (
	parkedOnChannel uint32 = iota
	parkedOnPoll
)

// schedTestHooks provides injection points for deterministic race testing.
type schedTestHooks struct {
	PostOffload func() // Called by an offload helper after it settles
}

// New creates a scheduler. Unless WithMultiplexer is given, it opens a
// platform poller, which is closed by Close.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	log, err := newSchedLogger(cfg.logger, cfg.logRates)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		mux:      cfg.mux,
		runnable: newQueue(inRunnable, runnableLess),
		waiting:  newQueue(inWaiting, deadlineLess),
		blocked:  newQueue(inBlocked, deadlineLess),
		regs:     make(map[int]*registration),
		wakeCh:   make(chan struct{}, 1),
		back:     make(chan struct{}),
		log:      log,
	}
	if cfg.metricsEnabled {
		s.metrics = new(metrics)
	}

	if s.mux == nil {
		p, err := poller.New()
		if err != nil {
			return nil, fmt.Errorf("fibersched: creating poller: %w", err)
		}
		s.mux = p
		s.ownsMux = true
	}

	return s, nil
}

// State returns the current state. Safe to call from any goroutine.
func (s *Scheduler) State() State {
	return s.state.Load()
}

// Metrics returns a snapshot of the counters. Safe to call from any
// goroutine.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics.snapshot()
}

// bindOwner binds the calling goroutine as owner, if unbound, and verifies it.
func (s *Scheduler) bindOwner() error {
	gid := goroutineID()
	if s.owner.CompareAndSwap(0, gid) || s.owner.Load() == gid {
		return nil
	}
	return ErrWrongGoroutine
}

// Spawn creates a fiber running fn, and runs it until it first suspends (or
// returns). It must be called by the owner goroutine, outside Run; fibers
// use Fiber.Spawn.
func (s *Scheduler) Spawn(fn func(f *Fiber) error) (*Fiber, error) {
	if fn == nil {
		return nil, errors.New("fibersched: nil fiber function")
	}
	if err := s.bindOwner(); err != nil {
		return nil, err
	}
	if s.state.Load() == StateTerminated {
		return nil, ErrSchedulerTerminated
	}
	return s.spawn(fn, s.back), nil
}

// spawn inserts a new record into Runnable and dispatches it immediately,
// through the same flip-before-hand-off path as the loop. The caller must
// hold control of the scheduler, and own back.
func (s *Scheduler) spawn(fn func(f *Fiber) error, back chan struct{}) *Fiber {
	f := &Fiber{
		s:    s,
		fn:   fn,
		done: make(chan struct{}),
		id:   s.nextID.Add(1),
	}
	r := &record{
		fiber: f,
		h:     newHandle(),
		vruns: initialVruns,
		ready: true,
	}
	f.rec = r
	f.vruns.Store(r.vruns)

	go f.main()

	s.metrics.add(counterSpawned)
	s.log.Debug().
		Uint64(`fiber`, f.id).
		Log(`spawned`)

	s.mu.Lock()
	s.runnable.insert(r)
	s.flip(r)
	s.mu.Unlock()

	s.dispatch(r, back)
	return f
}

// main is the fiber goroutine.
func (f *Fiber) main() {
	f.gid.Store(goroutineID())
	h := f.rec.h
	h.start()
	defer h.finish()

	defer func() {
		s := f.s
		if v := recover(); v != nil {
			f.err = &PanicError{Value: v, FiberID: f.id}
			s.metrics.add(counterPanics)
			s.log.Err().
				Uint64(`fiber`, f.id).
				Err(f.err).
				Log(`fiber panicked`)
		}
		s.mu.Lock()
		if f.rec.where != inNone {
			s.queueOf(f.rec.where).remove(f.rec)
		}
		s.mu.Unlock()
		s.metrics.add(counterCompletions)
		s.log.Debug().
			Uint64(`fiber`, f.id).
			Uint64(`vruns`, f.rec.vruns).
			Bool(`failed`, f.err != nil).
			Log(`fiber finished`)
		close(f.done)
	}()

	f.err = f.fn(f)
}

func (s *Scheduler) queueOf(m membership) *queue {
	switch m {
	case inRunnable:
		return s.runnable
	case inWaiting:
		return s.waiting
	case inBlocked:
		return s.blocked
	default:
		panic(fmt.Sprintf("fibersched: no queue for %s", m))
	}
}

// flip marks the (ready) runnable record r as dispatched this pass, by
// reinserting it as not ready. Must be called with s.mu held.
func (s *Scheduler) flip(r *record) {
	s.runnable.remove(r)
	r.ready = false
	s.runnable.insert(r)
}

// dispatch hands control to r, returning once it suspends or finishes.
func (s *Scheduler) dispatch(r *record, back chan struct{}) {
	s.metrics.add(counterDispatches)
	s.log.Trace().
		Uint64(`fiber`, r.fiber.id).
		Uint64(`vruns`, r.vruns).
		Log(`dispatch`)
	prev := s.current.Swap(r.fiber)
	r.h.resume(back)
	s.current.Store(prev)
}

// dispatchReady dispatches the minimum runnable record while it is ready.
func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		r := s.runnable.min()
		if r == nil || !r.ready {
			s.mu.Unlock()
			return
		}
		s.flip(r)
		s.mu.Unlock()
		s.dispatch(r, s.back)
	}
}

// makeRunnable moves a record that has left Waiting or Blocked into
// Runnable, applying fairness credit. Must be called with s.mu held.
func (s *Scheduler) makeRunnable(r *record, o outcome) {
	credit(r)
	r.deadline = time.Time{}
	r.token = nil
	r.ready = true
	r.outcome = o
	s.runnable.insert(r)
}

// Unblock resumes f if it is blocked on token, even if its deadline has
// already elapsed. It is safe to call from any goroutine, and concurrently.
// If f is not blocked on token (including if it was already unblocked, or
// timed out), ErrNotBlocked is returned and nothing changes.
func (s *Scheduler) Unblock(token *Token, f *Fiber) error {
	if f == nil || f.s != s {
		return fmt.Errorf("%w: unknown fiber", ErrNotBlocked)
	}
	if !s.release(token, f.rec, outcomeUnblocked) {
		s.metrics.add(counterRejectedUnblocks)
		s.log.limitedWarning(categoryUnblock).
			Uint64(`fiber`, f.id).
			Str(`token`, token.String()).
			Log(`rejected unblock`)
		return fmt.Errorf("%w: fiber %d", ErrNotBlocked, f.id)
	}
	s.metrics.add(counterUnblocks)
	return nil
}

// release performs the Blocked to Runnable transition, then wakes the loop
// if it is parked.
func (s *Scheduler) release(token *Token, r *record, o outcome) bool {
	return s.settle(token, r, o, false)
}

// settle is release, optionally retiring an offload helper in the same
// critical section, so drained never sees the helper gone while its fiber
// is still blocked (or the reverse).
func (s *Scheduler) settle(token *Token, r *record, o outcome, offload bool) bool {
	s.mu.Lock()
	if offload {
		s.offloads.Add(-1)
	}
	if token == nil || r.where != inBlocked || r.token != token {
		s.mu.Unlock()
		return false
	}
	s.blocked.remove(r)
	s.makeRunnable(r, o)
	s.mu.Unlock()

	s.log.Debug().
		Uint64(`fiber`, r.fiber.id).
		Str(`token`, token.String()).
		Log(`unblocked`)

	// paired with the CAS to StateSleeping, followed by a re-check, in park
	if s.state.Load() == StateSleeping {
		s.wakeup()
	}
	return true
}

// wakeup interrupts a parked loop, on whichever of the wake channel or the
// multiplexer it is parked.
func (s *Scheduler) wakeup() {
	if s.parkedOn.Load() == parkedOnPoll {
		_ = s.mux.Wake()
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// wakeAll interrupts the loop wherever it is, or is about to be, parked.
func (s *Scheduler) wakeAll() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	_ = s.mux.Wake()
}

// Run dispatches fibers until the drain condition holds: nothing waiting on
// readiness, nothing blocked with a deadline, nothing ready to run, and no
// pass-through helper in flight. Fibers blocked without a deadline are left
// suspended. Run returns early with ctx's error if ctx is cancelled, or with
// a wrapped error if the multiplexer fails.
func (s *Scheduler) Run(ctx context.Context) error {
	if cur := s.current.Load(); cur != nil && cur.gid.Load() == goroutineID() {
		return ErrReentrantRun
	}
	if err := s.bindOwner(); err != nil {
		return err
	}
	if !s.state.TryTransition(StateIdle, StateRunning) {
		if s.state.Load() == StateTerminated {
			return ErrSchedulerTerminated
		}
		return ErrAlreadyRunning
	}
	defer s.state.Store(StateIdle)

	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				s.wakeAll()
			case <-stop:
			}
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.dispatchReady()

		s.mu.Lock()
		if s.drained() {
			s.mu.Unlock()
			return nil
		}
		waitingEmpty := s.waiting.len() == 0
		s.mu.Unlock()

		var events []poller.Event
		if waitingEmpty {
			s.park()
		} else {
			var err error
			if events, err = s.poll(); err != nil {
				s.log.Err().
					Err(err).
					Log(`poll failed`)
				return fmt.Errorf("fibersched: poll: %w", err)
			}
		}

		s.mu.Lock()
		// readiness first, so that a completion at the deadline is not a timeout
		for _, ev := range events {
			s.satisfy(ev)
		}
		s.sweep(time.Now())
		s.mu.Unlock()
	}
}

// drained reports the termination condition. Must be called with s.mu held.
func (s *Scheduler) drained() bool {
	if s.waiting.len() != 0 || s.blocked.minDeadline() != nil {
		return false
	}
	if r := s.runnable.min(); r != nil && r.ready {
		return false
	}
	return s.offloads.Load() == 0
}

// pollTimeout computes the wait before the next deadline: 0 if a runnable
// record is ready, negative if there is no deadline. Must be called with
// s.mu held.
func (s *Scheduler) pollTimeout(now time.Time) time.Duration {
	if r := s.runnable.min(); r != nil && r.ready {
		return 0
	}
	var deadline time.Time
	if r := s.waiting.minDeadline(); r != nil {
		deadline = r.deadline
	}
	if r := s.blocked.minDeadline(); r != nil && (deadline.IsZero() || r.deadline.Before(deadline)) {
		deadline = r.deadline
	}
	if deadline.IsZero() {
		return NoTimeout
	}
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// sleepTimeout transitions to StateSleeping, then computes the timeout. The
// order matters: a concurrent release either observes StateSleeping (and
// wakes), or inserted its record before the computation (timeout 0).
func (s *Scheduler) sleepTimeout() time.Duration {
	s.state.TryTransition(StateRunning, StateSleeping)
	s.mu.Lock()
	timeout := s.pollTimeout(time.Now())
	s.mu.Unlock()
	return timeout
}

// poll waits on the multiplexer.
func (s *Scheduler) poll() ([]poller.Event, error) {
	s.parkedOn.Store(parkedOnPoll)
	timeout := s.sleepTimeout()
	s.metrics.add(counterPolls)
	events, err := s.mux.Poll(timeout)
	s.state.TryTransition(StateSleeping, StateRunning)
	return events, err
}

// park waits for a deadline or wake-up without polling, used while nothing
// is waiting on readiness.
func (s *Scheduler) park() {
	s.parkedOn.Store(parkedOnChannel)
	timeout := s.sleepTimeout()
	defer s.state.TryTransition(StateSleeping, StateRunning)
	switch {
	case timeout == 0:
	case timeout < 0:
		<-s.wakeCh
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.wakeCh:
		}
	}
}

// sweep expires every waiting or blocked record whose deadline is not after
// now, the earlier of the two minima first. Ties go to Waiting. Must be
// called with s.mu held.
func (s *Scheduler) sweep(now time.Time) {
	for {
		w := s.waiting.minDeadline()
		if w != nil && w.deadline.After(now) {
			w = nil
		}
		b := s.blocked.minDeadline()
		if b != nil && b.deadline.After(now) {
			b = nil
		}

		switch {
		case w != nil && (b == nil || !b.deadline.Before(w.deadline)):
			s.waiting.remove(w)
			s.detach(w)
			s.expire(w)
		case b != nil:
			s.blocked.remove(b)
			s.expire(b)
		default:
			return
		}
	}
}

func (s *Scheduler) expire(r *record) {
	s.metrics.add(counterTimeouts)
	s.log.Debug().
		Uint64(`fiber`, r.fiber.id).
		Log(`timed out`)
	r.satisfied = 0
	s.makeRunnable(r, outcomeTimeout)
}

// Shutdown runs the loop until drained, then closes the scheduler.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if err := s.Run(ctx); err != nil {
		if errors.Is(err, ErrWrongGoroutine) || errors.Is(err, ErrReentrantRun) {
			return err
		}
		_ = s.Close()
		return err
	}
	return s.Close()
}

// Close terminates the scheduler. Every suspended fiber is resumed, one at a
// time, with its pending operation (and any later one) failing with
// ErrSchedulerTerminated; Close returns once each has run to completion.
// Registrations are released, and the default poller is closed.
func (s *Scheduler) Close() error {
	if cur := s.current.Load(); cur != nil && cur.gid.Load() == goroutineID() {
		return ErrWrongGoroutine
	}
	if err := s.bindOwner(); err != nil {
		return err
	}
	if !s.state.TryTransition(StateIdle, StateTerminated) {
		if s.state.Load() == StateTerminated {
			return ErrSchedulerTerminated
		}
		return ErrAlreadyRunning
	}

	s.mu.Lock()
	var abandoned int
	for _, q := range [...]*queue{s.waiting, s.blocked} {
		for r := q.min(); r != nil; r = q.min() {
			q.remove(r)
			r.reg = nil
			r.interest = 0
			s.makeRunnable(r, outcomeTerminated)
			abandoned++
		}
	}
	s.releaseRegistrations()
	s.mu.Unlock()

	if abandoned != 0 {
		s.log.Debug().
			Int(`fibers`, abandoned).
			Log(`releasing suspended fibers`)
	}
	s.dispatchReady()

	if s.ownsMux {
		return s.mux.Close()
	}
	return nil
}
