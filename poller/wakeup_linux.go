//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking eventfd for wake-up notifications.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}
