//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Poller manages I/O readiness registration using epoll (Linux).
//
// Register, Modify, Deregister and Poll are expected to be called from a
// single goroutine (the scheduler loop). Wake and Close may be called from
// any goroutine.
type Poller struct { // betteralign:ignore
	epfd     int
	wakeFD   int
	eventBuf [256]unix.EpollEvent
	out      []Event
	wakeBuf  [8]byte
	fds      []fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

// New creates an epoll instance, with an eventfd registered for wake-ups.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}

	wakeFD, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("poller: eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("poller: register wake fd: %w", err)
	}

	return &Poller{
		epfd:   epfd,
		wakeFD: wakeFD,
		fds:    make([]fdInfo, maxFDs),
		out:    make([]Event, 0, 256),
	}, nil
}

// Close closes the epoll instance and the wake-up fd. It is idempotent.
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := unix.Close(p.epfd)
	if err2 := unix.Close(p.wakeFD); err == nil {
		err = err2
	}
	return err
}

// Register starts monitoring fd for the given events.
func (p *Poller) Register(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= MaxFDLimit || fd == p.wakeFD {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	p.fds = growFDs(p.fds, fd)
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if errors.Is(err, unix.EPERM) {
			return fmt.Errorf("%w: fd %d", ErrNotPollable, fd)
		}
		return err
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

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
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
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	if p.closed.Load() {
		return nil
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
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
// The returned slice is only valid until the next call to Poll. A wake-up
// (see Wake) or EINTR returns an empty slice.
func (p *Poller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return p.out[:0], nil
		}
		return nil, err
	}

	out := p.out[:0]
	p.fdMu.RLock()
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFD {
			p.drainWakeFd()
			continue
		}
		// filter events for fds deregistered since the wait began
		if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
			continue
		}
		out = append(out, Event{FD: fd, Events: epollToEvents(p.eventBuf[i].Events)})
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
	// native endianness, eventfd expects a host-order uint64
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(p.wakeFD, buf)
	if err == unix.EAGAIN {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

func (p *Poller) drainWakeFd() {
	for {
		if _, err := unix.Read(p.wakeFD, p.wakeBuf[:]); err != nil {
			return
		}
	}
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
