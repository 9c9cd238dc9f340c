package fibersched

import (
	"errors"
	"slices"

	"github.com/joeycumines/go-fibersched/poller"
)

// registration is the multiplexer's interest in one fd, shared by every
// record waiting on it. registered is always a superset of the union of
// the waiters' interest.
type registration struct {
	waiters    []*record
	fd         int
	registered IOEvents
}

// errAlwaysReady reports an fd the multiplexer cannot watch.
var errAlwaysReady = errors.New("fibersched: fd is always ready")

// acquire returns the registration for fd, creating it or widening it to
// cover interest. Must be called with s.mu held.
func (s *Scheduler) acquire(fd int, interest IOEvents) (*registration, error) {
	if reg := s.regs[fd]; reg != nil {
		if missing := interest &^ reg.registered; missing != 0 {
			if err := s.mux.Modify(fd, reg.registered|interest); err != nil {
				return nil, err
			}
			s.log.Debug().
				Int(`fd`, fd).
				Str(`from`, reg.registered.String()).
				Str(`to`, (reg.registered | interest).String()).
				Log(`registration widened`)
			reg.registered |= interest
		}
		return reg, nil
	}

	if err := s.mux.Register(fd, interest); err != nil {
		if errors.Is(err, poller.ErrNotPollable) {
			return nil, errAlwaysReady
		}
		return nil, err
	}
	s.metrics.add(counterRegistrations)
	s.log.Debug().
		Int(`fd`, fd).
		Str(`interest`, interest.String()).
		Log(`registered`)

	reg := &registration{fd: fd, registered: interest}
	s.regs[fd] = reg
	return reg, nil
}

// satisfy moves every waiter on the event's fd whose interest intersects the
// reported readiness to Runnable, then reconciles the registration. Error or
// hang-up satisfies every waiter. Must be called with s.mu held.
func (s *Scheduler) satisfy(ev poller.Event) {
	reg := s.regs[ev.FD]
	if reg == nil {
		return
	}
	failed := ev.Events&eventFailure != 0

	kept := reg.waiters[:0]
	for _, r := range reg.waiters {
		if !failed && r.interest&ev.Events == 0 {
			kept = append(kept, r)
			continue
		}
		s.waiting.remove(r)
		r.satisfied = ev.Events & (r.interest | eventFailure)
		r.reg = nil
		r.interest = 0
		s.makeRunnable(r, outcomeReady)
	}
	clear(reg.waiters[len(kept):])
	reg.waiters = kept

	s.reconcile(reg)
}

// detach removes r from its registration, e.g. on timeout. Must be called
// with s.mu held.
func (s *Scheduler) detach(r *record) {
	reg := r.reg
	if reg == nil {
		return
	}
	if i := slices.Index(reg.waiters, r); i >= 0 {
		reg.waiters = slices.Delete(reg.waiters, i, i+1)
	}
	r.reg = nil
	r.interest = 0
	s.reconcile(reg)
}

// reconcile deregisters reg if no waiter remains, or downgrades it to the
// remaining interest. Multiplexer failures are logged, not returned: the
// fd may already be closed, and the waiters that needed it are gone.
func (s *Scheduler) reconcile(reg *registration) {
	var need IOEvents
	for _, r := range reg.waiters {
		need |= r.interest
	}

	if need == 0 {
		delete(s.regs, reg.fd)
		s.metrics.add(counterDeregistrations)
		if err := s.mux.Deregister(reg.fd); err != nil {
			s.log.limitedWarning(categoryReconcile).
				Int(`fd`, reg.fd).
				Err(err).
				Log(`deregister failed`)
		} else {
			s.log.Debug().
				Int(`fd`, reg.fd).
				Log(`deregistered`)
		}
		return
	}

	if need == reg.registered {
		return
	}
	from := reg.registered
	reg.registered = need
	s.metrics.add(counterDowngrades)
	if err := s.mux.Modify(reg.fd, need); err != nil {
		s.log.limitedWarning(categoryReconcile).
			Int(`fd`, reg.fd).
			Str(`interest`, need.String()).
			Err(err).
			Log(`downgrade failed`)
		return
	}
	s.log.Debug().
		Int(`fd`, reg.fd).
		Str(`from`, from.String()).
		Str(`to`, need.String()).
		Log(`registration downgraded`)
}

// releaseRegistrations deregisters everything, used by Close. Must be called
// with s.mu held, after all waiters have been moved out.
func (s *Scheduler) releaseRegistrations() {
	for fd, reg := range s.regs {
		reg.waiters = nil
		delete(s.regs, fd)
		s.metrics.add(counterDeregistrations)
		if err := s.mux.Deregister(fd); err != nil {
			s.log.limitedWarning(categoryReconcile).
				Int(`fd`, fd).
				Err(err).
				Log(`deregister failed`)
		}
	}
}
