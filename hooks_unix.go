//go:build linux || darwin

package fibersched

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Read waits until fd is readable, then reads into p. It waits again if the
// read would block, within the same overall timeout.
func (f *Fiber) Read(fd int, p []byte, timeout time.Duration) (int, error) {
	return f.transfer("read", fd, EventRead, timeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write waits until fd is writable, then writes p, which may be partial.
func (f *Fiber) Write(fd int, p []byte, timeout time.Duration) (int, error) {
	return f.transfer("write", fd, EventWrite, timeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Pread is Read at offset, leaving the file offset unchanged.
func (f *Fiber) Pread(fd int, p []byte, offset int64, timeout time.Duration) (int, error) {
	return f.transfer("pread", fd, EventRead, timeout, func() (int, error) {
		return unix.Pread(fd, p, offset)
	})
}

// Pwrite is Write at offset, leaving the file offset unchanged.
func (f *Fiber) Pwrite(fd int, p []byte, offset int64, timeout time.Duration) (int, error) {
	return f.transfer("pwrite", fd, EventWrite, timeout, func() (int, error) {
		return unix.Pwrite(fd, p, offset)
	})
}

func (f *Fiber) transfer(op string, fd int, interest IOEvents, timeout time.Duration, fn func() (int, error)) (int, error) {
	deadline := deadlineFor(timeout)
	for {
		remaining := NoTimeout
		if !deadline.IsZero() {
			remaining = max(time.Until(deadline), 0)
		}
		if _, err := f.IOWait(fd, interest, remaining); err != nil {
			if errors.Is(err, ErrTimeout) {
				return 0, &TimeoutError{Op: op, FD: fd, Interest: interest, Duration: timeout}
			}
			return 0, err
		}

		n, err := fn()
		switch err {
		case nil:
			return n, nil
		case unix.EAGAIN, unix.EINTR:
			// spurious readiness, e.g. another fiber consumed the data
			continue
		default:
			return max(n, 0), err
		}
	}
}

// WaitProcess waits for a child process state change, as wait4(2), on a
// helper goroutine. It returns the pid reported by the kernel.
func (f *Fiber) WaitProcess(pid, options int) (int, unix.WaitStatus, error) {
	var (
		wpid   int
		status unix.WaitStatus
		err    error
	)
	if e := f.offload("wait4", func() {
		for {
			wpid, err = unix.Wait4(pid, &status, options, nil)
			if err != unix.EINTR {
				return
			}
		}
	}); e != nil {
		return 0, 0, e
	}
	return wpid, status, err
}
