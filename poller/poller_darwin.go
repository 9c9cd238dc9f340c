//go:build darwin

package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller manages I/O readiness registration using kqueue (Darwin).
//
// Register, Modify, Deregister and Poll are expected to be called from a
// single goroutine (the scheduler loop). Wake and Close may be called from
// any goroutine.
type Poller struct { // betteralign:ignore
	kq        int
	wakeRead  int
	wakeWrite int
	eventBuf  [256]unix.Kevent_t
	out       []Event
	wakeBuf   [64]byte
	fds       []fdInfo
	fdMu      sync.RWMutex
	closed    atomic.Bool
}

// New creates a kqueue instance, with a self-pipe registered for wake-ups.
func New() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("poller: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = unix.Close(kq)
		return nil, fmt.Errorf("poller: wake pipe: %w", err)
	}

	if _, err := unix.Kevent(kq, eventsToKevents(wakeRead, EventRead, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		_ = unix.Close(wakeRead)
		_ = unix.Close(wakeWrite)
		_ = unix.Close(kq)
		return nil, fmt.Errorf("poller: register wake fd: %w", err)
	}

	return &Poller{
		kq:        kq,
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		fds:       make([]fdInfo, maxFDs),
		out:       make([]Event, 0, 256),
	}, nil
}

// Close closes the kqueue instance and the wake-up pipe. It is idempotent.
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := unix.Close(p.kq)
	_ = unix.Close(p.wakeRead)
	_ = unix.Close(p.wakeWrite)
	return err
}

// Register starts monitoring fd for the given events.
func (p *Poller) Register(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= MaxFDLimit || fd == p.wakeRead || fd == p.wakeWrite {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	p.fds = growFDs(p.fds, fd)
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}

	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			// roll back any filter that was added before the failure
			_, _ = unix.Kevent(p.kq, eventsToKevents(fd, events, unix.EV_DELETE), nil, nil)
			if errors.Is(err, unix.EINVAL) {
				return fmt.Errorf("%w: fd %d", ErrNotPollable, fd)
			}
			return err
		}
	}

	p.fds[fd] = fdInfo{events: events, active: true}
	return nil
}

// Modify replaces the events being monitored for fd.
func (p *Poller) Modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	if fd >= len(p.fds) || !p.fds[fd].active {
		return ErrFDNotRegistered
	}

	oldEvents := p.fds[fd].events

	if removed := oldEvents &^ events; removed != 0 {
		// ignore errors on delete
		_, _ = unix.Kevent(p.kq, eventsToKevents(fd, removed, unix.EV_DELETE), nil, nil)
	}
	if added := events &^ oldEvents; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				// removed filters are already gone
				p.fds[fd].events = oldEvents & events
				return err
			}
		}
	}

	p.fds[fd].events = events
	return nil
}

// Deregister stops monitoring fd.
func (p *Poller) Deregister(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	if fd >= len(p.fds) || !p.fds[fd].active {
		return ErrFDNotRegistered
	}

	events := p.fds[fd].events
	p.fds[fd] = fdInfo{}

	if !p.closed.Load() {
		// ignore errors on delete, a closed fd has already been removed
		_, _ = unix.Kevent(p.kq, eventsToKevents(fd, events, unix.EV_DELETE), nil, nil)
	}
	return nil
}

// Registered returns the events fd is registered for, and whether it is
// registered at all.
func (p *Poller) Registered(fd int) (IOEvents, bool) {
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	if fd < 0 || fd >= len(p.fds) {
		return 0, false
	}
	return p.fds[fd].events, p.fds[fd].active
}

// Poll waits up to timeout (negative meaning indefinitely) for readiness.
// The returned slice is only valid until the next call to Poll. kqueue
// reports each filter separately, so one fd may appear twice.
func (p *Poller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	var ts *unix.Timespec
	if ms := timeoutMillis(timeout); ms >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(ms / 1000),
			Nsec: int64((ms % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return p.out[:0], nil
		}
		return nil, err
	}

	out := p.out[:0]
	p.fdMu.RLock()
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd == p.wakeRead {
			p.drainWakeFd()
			continue
		}
		if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
			continue
		}
		out = append(out, Event{FD: fd, Events: keventToEvents(&p.eventBuf[i])})
	}
	p.fdMu.RUnlock()
	p.out = out

	return out, nil
}

// Wake interrupts a concurrent (or the next) Poll. Safe to call from any
// goroutine.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	_, err := unix.Write(p.wakeWrite, []byte{1})
	if err == unix.EAGAIN {
		// pipe full, a wake-up is already pending
		return nil
	}
	return err
}

func (p *Poller) drainWakeFd() {
	for {
		if _, err := unix.Read(p.wakeRead, p.wakeBuf[:]); err != nil {
			return
		}
	}
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t

	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}

	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}

	return kevents
}

// keventToEvents converts kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
