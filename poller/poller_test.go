//go:build linux || darwin

package poller

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock failed: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// merged combines events per fd, since kqueue reports filters separately.
func merged(events []Event) map[int]IOEvents {
	m := make(map[int]IOEvents, len(events))
	for _, ev := range events {
		m[ev.FD] |= ev.Events
	}
	return m
}

func TestPoller_ReadReadiness(t *testing.T) {
	p := newPoller(t)
	r, w := newPipe(t)

	require.NoError(t, p.Register(r, EventRead))

	events, err := p.Poll(0)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing written yet")

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	events, err = p.Poll(time.Second)
	require.NoError(t, err)
	got := merged(events)
	assert.NotZero(t, got[r]&EventRead)

	// level-triggered: still readable until drained
	events, err = p.Poll(0)
	require.NoError(t, err)
	assert.NotZero(t, merged(events)[r]&EventRead)

	var buf [1]byte
	_, err = unix.Read(r, buf[:])
	require.NoError(t, err)

	events, err = p.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, merged(events)[r])
}

func TestPoller_WriteReadiness(t *testing.T) {
	p := newPoller(t)
	_, w := newPipe(t)

	require.NoError(t, p.Register(w, EventWrite))

	events, err := p.Poll(time.Second)
	require.NoError(t, err)
	assert.NotZero(t, merged(events)[w]&EventWrite)
}

func TestPoller_Modify(t *testing.T) {
	p := newPoller(t)
	r, w := newPipe(t)

	require.NoError(t, p.Register(w, EventRead))
	events, err := p.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, merged(events)[w]&EventWrite)

	require.NoError(t, p.Modify(w, EventRead|EventWrite))
	got, ok := p.Registered(w)
	require.True(t, ok)
	assert.Equal(t, EventRead|EventWrite, got)

	events, err = p.Poll(time.Second)
	require.NoError(t, err)
	assert.NotZero(t, merged(events)[w]&EventWrite)

	require.NoError(t, p.Modify(w, EventRead))
	events, err = p.Poll(0)
	require.NoError(t, err)
	assert.Zero(t, merged(events)[w]&EventWrite)

	assert.ErrorIs(t, p.Modify(r, EventRead), ErrFDNotRegistered)
}

func TestPoller_Deregister(t *testing.T) {
	p := newPoller(t)
	r, w := newPipe(t)

	require.NoError(t, p.Register(r, EventRead))
	assert.ErrorIs(t, p.Register(r, EventRead), ErrFDAlreadyRegistered)

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, p.Deregister(r))
	_, ok := p.Registered(r)
	assert.False(t, ok)

	events, err := p.Poll(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, p.Deregister(r), ErrFDNotRegistered)
	assert.ErrorIs(t, p.Deregister(-1), ErrFDOutOfRange)

	// registering again after deregistration is allowed
	require.NoError(t, p.Register(r, EventRead))
}

func TestPoller_Hangup(t *testing.T) {
	p := newPoller(t)
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])

	require.NoError(t, p.Register(fds[0], EventRead))
	require.NoError(t, unix.Close(fds[1]))

	events, err := p.Poll(time.Second)
	require.NoError(t, err)
	assert.NotZero(t, merged(events)[fds[0]]&EventHangup)
}

func TestPoller_Wake(t *testing.T) {
	p := newPoller(t)

	done := make(chan struct{})
	var events []Event
	var err error
	start := time.Now()
	go func() {
		defer close(done)
		events, err = p.Poll(-1)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Poll was not interrupted by Wake")
	}
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 5*time.Second)

	// multiple pending wakes collapse into one drained notification
	require.NoError(t, p.Wake())
	require.NoError(t, p.Wake())
	events, err = p.Poll(time.Second)
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = p.Poll(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPoller_PollTimeout(t *testing.T) {
	p := newPoller(t)
	start := time.Now()
	events, err := p.Poll(30 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPoller_Closed(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "Close is idempotent")

	_, err = p.Poll(0)
	assert.ErrorIs(t, err, ErrPollerClosed)
	assert.ErrorIs(t, p.Register(0, EventRead), ErrPollerClosed)
	assert.ErrorIs(t, p.Wake(), ErrPollerClosed)
}

func TestPoller_RegisterOutOfRange(t *testing.T) {
	p := newPoller(t)
	assert.ErrorIs(t, p.Register(-1, EventRead), ErrFDOutOfRange)
	assert.ErrorIs(t, p.Register(MaxFDLimit, EventRead), ErrFDOutOfRange)
}

func TestPoller_RegularFileNotPollable(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("epoll specific")
	}
	p := newPoller(t)

	f, err := os.Create(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer f.Close()

	err = p.Register(int(f.Fd()), EventRead)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPollable), "got %v", err)
	_, ok := p.Registered(int(f.Fd()))
	assert.False(t, ok)
}

func TestTimeoutMillis(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		timeout time.Duration
		want    int
	}{
		{"negative", -1, -1},
		{"zero", 0, 0},
		{"sub-millisecond", time.Microsecond, 1},
		{"exact", 5 * time.Millisecond, 5},
		{"rounds up", 5*time.Millisecond + 1, 6},
		{"huge", time.Duration(1<<62 + 1), 1<<31 - 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, timeoutMillis(tc.timeout))
		})
	}
}

func TestIOEvents_String(t *testing.T) {
	assert.Equal(t, "none", IOEvents(0).String())
	assert.Equal(t, "r", EventRead.String())
	assert.Equal(t, "rw", (EventRead | EventWrite).String())
	assert.Equal(t, "r|err", (EventRead | EventError).String())
	assert.Equal(t, "w|err|hup", (EventWrite | EventError | EventHangup).String())
}

func TestGrowFDs(t *testing.T) {
	fds := make([]fdInfo, 4)
	assert.Len(t, growFDs(fds, 3), 4)
	grown := growFDs(fds, 10)
	assert.Len(t, grown, 21)
}
