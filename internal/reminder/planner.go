// Package reminder derives reminder offsets from event titles and decides
// which of them are due on a given tick. Everything here is pure.
package reminder

import (
	"regexp"
	"strconv"
	"strings"
)

// Base offsets, in minutes before start.
const (
	FirstOffset  = 5
	SecondOffset = 1

	// MaxExtraMinutes bounds the "[N]" lead-time marker.
	MaxExtraMinutes = 60
)

var (
	markerRe      = regexp.MustCompile(`\[(\d+)\]`)
	markerStripRe = regexp.MustCompile(`\s*\[\d+\]\s*`)
)

// ExtraMinutes returns the lead time encoded by the first "[N]" marker in
// title, or 0 when there is no marker or N is outside 1..60.
//
//	"Sync [10]"  -> 10
//	"Sync"       -> 0
//	"Sync [90]"  -> 0
func ExtraMinutes(title string) int {
	m := markerRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		// Digit run too long for int.
		return 0
	}
	if n < 1 || n > MaxExtraMinutes {
		return 0
	}
	return n
}

// Plan returns the reminder offsets for an event title, largest first.
func Plan(title string) []int {
	extra := ExtraMinutes(title)
	return []int{FirstOffset + extra, SecondOffset + extra}
}

// CleanTitle removes every "[N]" marker so the spoken name reads naturally.
func CleanTitle(title string) string {
	return strings.TrimSpace(markerStripRe.ReplaceAllString(title, " "))
}
