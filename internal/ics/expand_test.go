package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recurringFeed = crlf(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calremind//test//EN
BEGIN:VEVENT
UID:daily-1
DTSTAMP:20250301T000000Z
DTSTART:20250310T093000Z
DTEND:20250310T100000Z
RRULE:FREQ=DAILY;COUNT=10
EXDATE:20250312T093000Z
SUMMARY:Daily sync
END:VEVENT
BEGIN:VEVENT
UID:daily-1
DTSTAMP:20250301T000000Z
RECURRENCE-ID:20250313T093000Z
DTSTART:20250313T094500Z
DTEND:20250313T101500Z
SUMMARY:Daily sync (moved)
END:VEVENT
END:VCALENDAR
`)

func parseFeed(t *testing.T, body string) []ParsedEvent {
	t.Helper()
	events, err := ParseICS(Feed{ID: "work"}, []byte(body))
	require.NoError(t, err)
	return events
}

func dayWindow(day int) ExpandConfig {
	start := time.Date(2025, 3, day, 9, 0, 0, 0, time.UTC)
	return ExpandConfig{Location: time.UTC, RangeStart: start, RangeEnd: start.Add(2 * time.Hour)}
}

func TestParseICS(t *testing.T) {
	events := parseFeed(t, baseFeed)
	require.Len(t, events, 5)

	byUID := map[string]ParsedEvent{}
	for _, ev := range events {
		byUID[ev.UID] = ev
	}
	assert.Equal(t, "Standup [10]", byUID["single-1"].Summary)
	assert.Equal(t, "FREQ=DAILY;COUNT=10", byUID["daily-1"].RawRRule)
	assert.True(t, byUID["allday-1"].AllDay)
	assert.True(t, byUID["cancelled-1"].Cancelled)
}

func TestParseICSRejectsEmptyBody(t *testing.T) {
	_, err := ParseICS(Feed{ID: "x"}, nil)
	assert.Error(t, err)
}

func TestExpandRecurringInstance(t *testing.T) {
	occs, err := ExpandOccurrences(parseFeed(t, recurringFeed), dayWindow(11))
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "daily-1/2025-03-11T09:30:00Z", occs[0].EventID())
	assert.True(t, occs[0].Start.Equal(time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)))
	assert.True(t, occs[0].End.Equal(time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)))
}

func TestExpandHonorsExDate(t *testing.T) {
	occs, err := ExpandOccurrences(parseFeed(t, recurringFeed), dayWindow(12))
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestExpandAppliesOverride(t *testing.T) {
	occs, err := ExpandOccurrences(parseFeed(t, recurringFeed), dayWindow(13))
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "Daily sync (moved)", occs[0].Summary)
	assert.True(t, occs[0].Start.Equal(time.Date(2025, 3, 13, 9, 45, 0, 0, time.UTC)))
	// The instance keeps the identity of its original slot.
	assert.Equal(t, "daily-1/2025-03-13T09:30:00Z", occs[0].EventID())
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	cfg := dayWindow(11)
	cfg.RangeEnd = cfg.RangeStart.Add(-time.Minute)
	_, err := ExpandOccurrences(nil, cfg)
	assert.Error(t, err)
}
