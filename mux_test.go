package fibersched

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-fibersched/poller"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// fakeMux is a scripted Multiplexer. Readiness set via setReady is level
// triggered, and reported by Poll for registered fds.
type fakeMux struct {
	mu          sync.Mutex
	regs        map[int]IOEvents
	ready       map[int]IOEvents
	notPollable map[int]bool
	calls       []string
	polls       int
	// pollDelay, if set, is slept by Poll before reporting readiness.
	pollDelay time.Duration
	wake      chan struct{}
	wakes     int
	closed    bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		regs:        make(map[int]IOEvents),
		ready:       make(map[int]IOEvents),
		notPollable: make(map[int]bool),
		wake:        make(chan struct{}, 1),
	}
}

func (m *fakeMux) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *fakeMux) Register(fd int, interest IOEvents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notPollable[fd] {
		return fmt.Errorf("%w: fd %d", poller.ErrNotPollable, fd)
	}
	if _, ok := m.regs[fd]; ok {
		return poller.ErrFDAlreadyRegistered
	}
	m.regs[fd] = interest
	m.record("register %d %s", fd, interest)
	return nil
}

func (m *fakeMux) Modify(fd int, interest IOEvents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[fd]; !ok {
		return poller.ErrFDNotRegistered
	}
	m.regs[fd] = interest
	m.record("modify %d %s", fd, interest)
	return nil
}

func (m *fakeMux) Deregister(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[fd]; !ok {
		return poller.ErrFDNotRegistered
	}
	delete(m.regs, fd)
	m.record("deregister %d", fd)
	return nil
}

func (m *fakeMux) pending() []poller.Event {
	var events []poller.Event
	for fd, interest := range m.regs {
		ready := m.ready[fd]
		if got := ready & (interest | EventError | EventHangup); got != 0 {
			events = append(events, poller.Event{FD: fd, Events: got})
		}
	}
	return events
}

func (m *fakeMux) Poll(timeout time.Duration) ([]poller.Event, error) {
	m.mu.Lock()
	m.polls++
	delay := m.pollDelay
	events := m.pending()
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
		m.mu.Lock()
		events = m.pending()
		m.mu.Unlock()
	}
	if len(events) != 0 || timeout == 0 {
		return events, nil
	}

	if timeout < 0 {
		<-m.wake
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.wake:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending(), nil
}

func (m *fakeMux) Wake() error {
	m.mu.Lock()
	m.wakes++
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *fakeMux) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *fakeMux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// setReady sets the level-triggered readiness of fd, waking any poll.
func (m *fakeMux) setReady(fd int, events IOEvents) {
	m.mu.Lock()
	m.ready[fd] = events
	m.mu.Unlock()
	m.notify()
}

func (m *fakeMux) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeMux) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// Wakes counts Wake calls.
func (m *fakeMux) Wakes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakes
}

func (m *fakeMux) Registered(fd int) (IOEvents, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.regs[fd]
	return v, ok
}

// newTestScheduler creates a scheduler on a fake multiplexer, with metrics.
func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *fakeMux) {
	t.Helper()
	mux := newFakeMux()
	s, err := New(append([]Option{WithMultiplexer(mux), WithMetrics(true)}, opts...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mux
}

// lockedBuffer is a goroutine-safe log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *lockedBuffer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// checkMembership verifies every record is in at most one queue, and in the
// queue its membership names. Must be called while holding control of s.
func checkMembership(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*record]membership)
	for _, q := range [...]*queue{s.runnable, s.waiting, s.blocked} {
		q.each(func(r *record) bool {
			if prev, ok := seen[r]; ok {
				t.Errorf("fiber %d in both %s and %s", r.fiber.id, prev, q.kind)
			}
			seen[r] = q.kind
			if r.where != q.kind {
				t.Errorf("fiber %d in %s but marked %s", r.fiber.id, q.kind, r.where)
			}
			return true
		})
	}
}
