package reminder

import (
	"strconv"
	"strings"
)

// Template placeholders.
const (
	PlaceholderEventName = "{event_name}"
	PlaceholderMinutes   = "{minutes}"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = "Reminder: {event_name} starts in {minutes} minutes"

// Format renders a reminder message. The marker is stripped from title and
// minutesUntil is truncated toward zero.
func Format(template, title string, minutesUntil float64) string {
	if template == "" {
		template = DefaultTemplate
	}
	r := strings.NewReplacer(
		PlaceholderEventName, CleanTitle(title),
		PlaceholderMinutes, strconv.Itoa(int(minutesUntil)),
	)
	return r.Replace(template)
}
