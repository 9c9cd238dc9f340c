// Package fibersched provides a cooperative, fairness-driven scheduler for
// lightweight execution units ("fibers") that suspend on I/O readiness,
// timers, or explicit blocking signals.
//
// # Architecture
//
// A [Scheduler] owns three ordered queues:
//   - Runnable: ordered by (ready desc, vruns asc, insertion order)
//   - Waiting: fibers suspended on fd readiness, ordered by deadline
//   - Blocked: fibers suspended on a [Token], ordered by deadline
//
// Every fiber is a goroutine, but only one goroutine (a fiber, or the loop
// itself) executes at any instant. Control is handed to a fiber and the
// dispatcher parks until that fiber suspends or returns.
//
// Fairness is tracked in scheduling turns: each time a fiber re-enters the
// Runnable queue (readiness, timeout, or [Scheduler.Unblock]) its vruns
// counter increments by one, and the lowest vruns runs first. Before each
// hand-off the chosen fiber is flipped to "not ready" and reinserted, so
// fibers with tied vruns rotate round-robin.
//
// # I/O Readiness
//
// Readiness is obtained from a [Multiplexer], by default a [poller.Poller]
// (epoll on Linux, kqueue on Darwin). One registration exists per fd, shared
// by every fiber waiting on it. When a waiter is satisfied or times out, the
// registration is downgraded to the remaining interest, or deregistered.
//
// Descriptors the platform cannot multiplex (regular files under epoll) are
// treated as always ready.
//
// # Thread Safety
//
// A Scheduler is bound to the goroutine that first calls [Scheduler.Spawn]
// or [Scheduler.Run]. [Scheduler.Unblock] is the only method safe to call
// from any goroutine. Fiber methods must be called from the fiber itself.
//
// # Usage
//
//	s, err := fibersched.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	token := fibersched.NewToken("ready")
//	waiter, _ := s.Spawn(func(f *fibersched.Fiber) error {
//	    return f.Block(token, 5*time.Second)
//	})
//	_, _ = s.Spawn(func(f *fibersched.Fiber) error {
//	    if err := f.Sleep(time.Second); err != nil {
//	        return err
//	    }
//	    return s.Unblock(token, waiter)
//	})
//	if err := s.Shutdown(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package fibersched
