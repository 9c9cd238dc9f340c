package fibersched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id uint64) *record {
	return &record{fiber: &Fiber{id: id}, vruns: initialVruns}
}

func drain(q *queue) []uint64 {
	var ids []uint64
	q.each(func(r *record) bool {
		ids = append(ids, r.fiber.id)
		return true
	})
	return ids
}

func TestQueue_RunnableOrdering(t *testing.T) {
	q := newQueue(inRunnable, runnableLess)

	a, b, c, d := testRecord(1), testRecord(2), testRecord(3), testRecord(4)
	a.ready, b.ready, c.ready = true, true, true
	b.vruns = 2
	d.ready = false

	q.insert(d)
	q.insert(b)
	q.insert(a)
	q.insert(c)

	// ready first, then vruns, then insertion order
	assert.Equal(t, []uint64{1, 3, 2, 4}, drain(q))
	assert.Equal(t, uint64(1), q.min().fiber.id)
}

func TestQueue_FlipRotates(t *testing.T) {
	q := newQueue(inRunnable, runnableLess)
	recs := []*record{testRecord(1), testRecord(2), testRecord(3)}
	for _, r := range recs {
		r.ready = true
		q.insert(r)
	}

	var order []uint64
	for r := q.min(); r != nil && r.ready; r = q.min() {
		order = append(order, r.fiber.id)
		q.remove(r)
		r.ready = false
		q.insert(r)
	}
	assert.Equal(t, []uint64{1, 2, 3}, order)
	assert.Equal(t, 3, q.len())
}

func TestQueue_DeadlineOrdering(t *testing.T) {
	q := newQueue(inWaiting, deadlineLess)
	now := time.Now()

	none1, late, early, none2, tieA, tieB := testRecord(1), testRecord(2), testRecord(3), testRecord(4), testRecord(5), testRecord(6)
	late.deadline = now.Add(2 * time.Second)
	early.deadline = now.Add(time.Second)
	tieA.deadline = now.Add(1500 * time.Millisecond)
	tieB.deadline = tieA.deadline

	for _, r := range []*record{none1, late, early, none2, tieA, tieB} {
		q.insert(r)
	}

	// zero deadline sorts as +infinity, ties by insertion
	assert.Equal(t, []uint64{3, 5, 6, 2, 1, 4}, drain(q))
	assert.Equal(t, early, q.minDeadline())

	q.remove(early)
	q.remove(late)
	q.remove(tieA)
	q.remove(tieB)
	assert.Nil(t, q.minDeadline(), "only records without a deadline remain")
	require.NotNil(t, q.min())
}

func TestQueue_MembershipViolations(t *testing.T) {
	runnable := newQueue(inRunnable, runnableLess)
	blocked := newQueue(inBlocked, deadlineLess)
	r := testRecord(1)

	runnable.insert(r)
	assert.Equal(t, inRunnable, r.where)

	assert.Panics(t, func() { blocked.insert(r) }, "record already in a queue")
	assert.Panics(t, func() { blocked.remove(r) }, "record not in this queue")

	runnable.remove(r)
	assert.Equal(t, inNone, r.where)
	assert.Panics(t, func() { runnable.remove(r) })

	blocked.insert(r)
	assert.Equal(t, inBlocked, r.where)
	assert.Equal(t, 0, runnable.len())
	assert.Equal(t, 1, blocked.len())
}

func TestCredit(t *testing.T) {
	r := testRecord(1)
	credit(r)
	credit(r)
	assert.Equal(t, uint64(3), r.vruns)
	assert.Equal(t, uint64(3), r.fiber.Vruns())
}

func TestHandle_ResumeConsumed(t *testing.T) {
	h := newHandle()
	back := make(chan struct{})
	go func() {
		h.start()
		h.finish()
	}()
	h.resume(back)
	assert.PanicsWithValue(t, "fibersched: resume of a consumed handle", func() { h.resume(back) })
}
