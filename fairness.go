package fibersched

// initialVruns is the fairness counter of a newly spawned fiber.
const initialVruns = 1

// credit applies the fairness rule to a record re-entering Runnable from
// Waiting or Blocked: exactly one turn per re-entry, never decreasing.
func credit(r *record) {
	r.vruns++
	r.fiber.vruns.Store(r.vruns)
}
