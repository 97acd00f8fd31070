package model

import "time"

// CalendarEvent is a single upcoming event as handed to the reminder
// scheduler by a calendar source. Values are immutable for the duration
// of a tick.
type CalendarEvent struct {
	// ID identifies the event (or the recurrence instance) and keys the
	// dedup record.
	ID string

	// Title is the event summary, possibly carrying a "[N]" lead-time marker.
	Title string

	// Start is timezone-aware.
	Start time.Time

	SourceID string // calendar source ID, informational
}

// MinutesUntil returns the fractional minutes from now until the event
// starts. It is negative once the event has started.
func (e CalendarEvent) MinutesUntil(now time.Time) float64 {
	return e.Start.Sub(now).Minutes()
}

// Occurrence represents a single concrete instance of an ICS event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the configured timezone.
	Start time.Time
	End   time.Time
}

// EventID returns the dedup key for this occurrence.
func (o Occurrence) EventID() string {
	return o.UID + "/" + o.InstanceKey
}
