package reminder

// Tolerance is the half-width, in minutes, of the window around an offset
// inside which a tick counts as on time.
const Tolerance = 0.5

// Due returns the offsets that should fire now, in the order given. An
// offset fires when it has not fired before and minutesUntil lies within
// [o-Tolerance, o+Tolerance]. Several offsets may be due at once.
func Due(offsets []int, minutesUntil float64, fired map[int]bool) []int {
	var due []int
	for _, o := range offsets {
		if fired[o] {
			continue
		}
		if InWindow(o, minutesUntil) {
			due = append(due, o)
		}
	}
	return due
}

// InWindow reports whether minutesUntil falls inside the trigger window of
// offset o. Both bounds are inclusive.
func InWindow(o int, minutesUntil float64) bool {
	f := float64(o)
	return minutesUntil >= f-Tolerance && minutesUntil <= f+Tolerance
}
