package fibersched

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// defaultLogRates bounds each warning category to 5/s and 60/min.
var defaultLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// logCategory identifies a rate-limited class of warning.
type logCategory uint8

const (
	categoryReconcile logCategory = iota
	categoryUnblock
)

// schedLogger pairs the (nil-safe) logger with a per-category limiter for
// warnings that a misbehaving caller could trigger in a tight loop.
type schedLogger struct {
	*logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newSchedLogger(logger *logiface.Logger[logiface.Event], rates map[time.Duration]int) (l schedLogger, err error) {
	l.Logger = logger
	if logger == nil || len(rates) == 0 {
		return l, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fibersched: log rate limit: %v", r)
		}
	}()
	l.limiter = catrate.NewLimiter(rates)
	return l, nil
}

// limitedWarning returns a warning builder, or nil if the category is
// currently rate limited.
func (x schedLogger) limitedWarning(category logCategory) *logiface.Builder[logiface.Event] {
	b := x.Warning()
	if !b.Enabled() || x.limiter == nil {
		return b
	}
	next, ok := x.limiter.Allow(category)
	if !ok {
		b.Release()
		return nil
	}
	if !next.IsZero() {
		b = b.Time(`limitedUntil`, next)
	}
	return b
}
