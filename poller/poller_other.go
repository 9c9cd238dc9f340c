//go:build !linux && !darwin

package poller

import (
	"time"
)

// Poller is unavailable on this platform, New always fails.
type Poller struct{}

// New returns ErrUnsupported.
func New() (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) Close() error { return nil }

func (p *Poller) Register(fd int, events IOEvents) error { return ErrUnsupported }

func (p *Poller) Modify(fd int, events IOEvents) error { return ErrUnsupported }

func (p *Poller) Deregister(fd int) error { return ErrUnsupported }

func (p *Poller) Registered(fd int) (IOEvents, bool) { return 0, false }

func (p *Poller) Poll(timeout time.Duration) ([]Event, error) { return nil, ErrUnsupported }

func (p *Poller) Wake() error { return ErrUnsupported }
