// Package schedule turns signal descriptions into per-radio plans.
package schedule

// Tracker is the reservation ledger of one radio. Reservations are never
// removed.
type Tracker struct {
	occupied [][2]float64
}

// Reserve records [start, stop] as taken.
func (t *Tracker) Reserve(start, stop float64) {
	t.occupied = append(t.occupied, [2]float64{start, stop})
}

// Available reports whether [start, stop] clears every reservation. Windows
// that only touch an existing reservation still conflict.
func (t *Tracker) Available(start, stop float64) bool {
	for _, r := range t.occupied {
		before := start < r[0] && stop < r[0]
		after := start > r[1] && stop > r[1]
		if !before && !after {
			return false
		}
	}
	return true
}

// Reservations returns a copy of the ledger.
func (t *Tracker) Reservations() [][2]float64 {
	return append([][2]float64(nil), t.occupied...)
}
