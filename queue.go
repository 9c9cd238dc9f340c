package fibersched

import (
	"fmt"

	"github.com/google/btree"
)

// btreeDegree is small, queues rarely hold more than a few thousand records.
const btreeDegree = 8

// queue is an ordered set of records, keyed by a queue-specific comparator,
// with a per-queue insertion sequence as the final tie-breaker.
type queue struct {
	tree *btree.BTreeG[*record]
	seq  uint64
	kind membership
}

func newQueue(kind membership, less btree.LessFunc[*record]) *queue {
	return &queue{
		tree: btree.NewG(btreeDegree, less),
		kind: kind,
	}
}

// runnableLess orders ready records first, then by vruns, then insertion.
func runnableLess(a, b *record) bool {
	if a.ready != b.ready {
		return a.ready
	}
	if a.vruns != b.vruns {
		return a.vruns < b.vruns
	}
	return a.seq < b.seq
}

// deadlineLess orders by deadline ascending, a zero deadline sorting last,
// then insertion.
func deadlineLess(a, b *record) bool {
	az, bz := a.deadline.IsZero(), b.deadline.IsZero()
	if az != bz {
		return bz
	}
	if !az && !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

func (q *queue) insert(r *record) {
	if r.where != inNone {
		panic(fmt.Sprintf("fibersched: insert into %s: fiber %d already %s", q.kind, r.fiber.id, r.where))
	}
	q.seq++
	r.seq = q.seq
	r.where = q.kind
	if _, replaced := q.tree.ReplaceOrInsert(r); replaced {
		panic(fmt.Sprintf("fibersched: insert into %s: duplicate key for fiber %d", q.kind, r.fiber.id))
	}
}

func (q *queue) remove(r *record) {
	if r.where != q.kind {
		panic(fmt.Sprintf("fibersched: remove from %s: fiber %d is %s", q.kind, r.fiber.id, r.where))
	}
	if _, ok := q.tree.Delete(r); !ok {
		panic(fmt.Sprintf("fibersched: remove from %s: fiber %d not found", q.kind, r.fiber.id))
	}
	r.where = inNone
}

// min returns the first record, or nil if the queue is empty.
func (q *queue) min() *record {
	r, _ := q.tree.Min()
	return r
}

func (q *queue) len() int {
	return q.tree.Len()
}

// each visits records in order, stopping if fn returns false.
func (q *queue) each(fn func(r *record) bool) {
	q.tree.Ascend(btree.ItemIteratorG[*record](fn))
}

// minDeadline returns the record with the earliest deadline in a
// deadline-ordered queue, nil if none carries one.
func (q *queue) minDeadline() (r *record) {
	if r = q.min(); r != nil && r.deadline.IsZero() {
		r = nil
	}
	return r
}
