package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calremind/internal/model"
)

// Source serves upcoming events from one or more ICS feeds.
type Source struct {
	fetcher  *Fetcher
	feeds    []Feed
	location *time.Location
}

// NewSource builds a Source over feeds. loc is the zone occurrences are
// reported in.
func NewSource(fetcher *Fetcher, feeds []Feed, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{fetcher: fetcher, feeds: feeds, location: loc}
}

// FetchEvents returns timed events starting within [timeMin, timeMax],
// earliest first, at most maxResults. Any feed failure (including falling
// back to a stale cache) is reported as model.ErrSourceUnavailable so that
// the health monitor sees it.
func (s *Source) FetchEvents(ctx context.Context, timeMin, timeMax time.Time, maxResults int) ([]model.CalendarEvent, error) {
	if len(s.feeds) == 0 {
		return nil, fmt.Errorf("%w: no ICS feeds configured", model.ErrSourceUnavailable)
	}

	results, errs := s.fetcher.FetchAll(ctx, s.feeds)
	for _, res := range results {
		if res.Stale {
			errs = append(errs, fmt.Errorf("feed %s: served from stale cache", res.Feed.ID))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", model.ErrSourceUnavailable, errors.Join(errs...))
	}

	var parsed []ParsedEvent
	for _, res := range results {
		evs, err := ParseICS(res.Feed, res.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: parse feed %s: %w", model.ErrSourceUnavailable, res.Feed.ID, err)
		}
		parsed = append(parsed, evs...)
	}

	occs, err := ExpandOccurrences(parsed, ExpandConfig{
		Location:   s.location,
		RangeStart: timeMin,
		RangeEnd:   timeMax,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSourceUnavailable, err)
	}

	return toCalendarEvents(occs, maxResults), nil
}

func toCalendarEvents(occs []model.Occurrence, maxResults int) []model.CalendarEvent {
	out := make([]model.CalendarEvent, 0, len(occs))
	for _, occ := range occs {
		if occ.AllDay {
			continue
		}
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
		out = append(out, model.CalendarEvent{
			ID:       occ.EventID(),
			Title:    occ.Summary,
			Start:    occ.Start,
			SourceID: occ.SourceID,
		})
	}
	return out
}
