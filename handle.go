package fibersched

// handle is the single-resume token for a fiber's suspended computation.
//
// The fiber goroutine parks on wake. A dispatcher resumes it by sending the
// channel it will wait on, then blocks until the fiber signals that channel
// (suspended again, or finished). A handle is armed while the fiber is
// suspended; resuming consumes it, and only the fiber itself can re-arm it.
type handle struct {
	wake  chan chan struct{}
	back  chan struct{} // owned by the fiber goroutine while it runs
	armed bool
}

func newHandle() *handle {
	return &handle{
		wake:  make(chan chan struct{}),
		armed: true,
	}
}

// resume hands control to the fiber, returning once it suspends or
// finishes. Called by the dispatcher, which must own back.
func (h *handle) resume(back chan struct{}) {
	if !h.armed {
		panic("fibersched: resume of a consumed handle")
	}
	h.armed = false
	h.wake <- back
	<-back
}

// start blocks the fiber goroutine until the first resume.
func (h *handle) start() {
	h.back = <-h.wake
}

// park re-arms the handle, returns control to the dispatcher, and blocks
// until resumed.
func (h *handle) park() {
	h.armed = true
	h.back <- struct{}{}
	h.back = <-h.wake
}

// finish returns control to the dispatcher for the last time.
func (h *handle) finish() {
	back := h.back
	h.back = nil
	back <- struct{}{}
}
