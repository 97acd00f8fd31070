// Package gcal reads upcoming events from the Google Calendar API using an
// OAuth token that was obtained beforehand. It never runs an interactive
// authorization flow.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calremind/internal/fsutil"
	appLog "calremind/internal/log"
	"calremind/internal/model"
)

// DefaultCalendarID is the authenticated user's main calendar.
const DefaultCalendarID = "primary"

const untitled = "Untitled event"

// Options configures New.
type Options struct {
	// CredentialsPath is the OAuth client JSON downloaded from the Google
	// Cloud console.
	CredentialsPath string
	// TokenPath holds a previously authorized oauth2.Token as JSON.
	// Refreshed tokens are written back to it.
	TokenPath string
	// Fs backs both paths; nil means the OS filesystem.
	Fs afero.Fs

	CalendarID string
	Timeout    time.Duration
	Location   *time.Location
}

// Source lists events from one Google calendar.
type Source struct {
	svc        *calendar.Service
	calendarID string
	location   *time.Location
}

// New builds a Source from stored credentials. Missing or unreadable
// credentials are returned as errors; the caller treats them as fatal.
func New(ctx context.Context, opts Options) (*Source, error) {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	creds, err := afero.ReadFile(fsys, opts.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(creds, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}

	tok, err := loadToken(fsys, opts.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("load google token (authorize once and store it at %s): %w", opts.TokenPath, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Token refreshes use the same bounded client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	ts := &persistingTokenSource{
		base: conf.TokenSource(ctx, tok),
		fs:   fsys,
		path: opts.TokenPath,
		last: tok.AccessToken,
	}

	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = timeout

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return NewWithService(svc, opts.CalendarID, opts.Location), nil
}

// NewWithService wraps an existing calendar service.
func NewWithService(svc *calendar.Service, calendarID string, loc *time.Location) *Source {
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	if loc == nil {
		loc = time.Local
	}
	return &Source{svc: svc, calendarID: calendarID, location: loc}
}

// FetchEvents lists single (expanded) timed events starting within
// [timeMin, timeMax], ordered by start time.
func (s *Source) FetchEvents(ctx context.Context, timeMin, timeMax time.Time, maxResults int) ([]model.CalendarEvent, error) {
	call := s.svc.Events.List(s.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)
	if maxResults > 0 {
		call = call.MaxResults(int64(maxResults))
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %w", model.ErrSourceUnavailable, err)
	}

	out := make([]model.CalendarEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev, ok := s.convert(item)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Source) convert(item *calendar.Event) (model.CalendarEvent, bool) {
	if item == nil || item.Status == "cancelled" || item.Start == nil {
		return model.CalendarEvent{}, false
	}
	// All-day events only carry Start.Date.
	if item.Start.DateTime == "" {
		return model.CalendarEvent{}, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		appLog.Warn("google event has unparsable start", "event_id", item.Id, "start", item.Start.DateTime)
		return model.CalendarEvent{}, false
	}

	title := item.Summary
	if title == "" {
		title = untitled
	}
	return model.CalendarEvent{
		ID:       item.Id,
		Title:    title,
		Start:    start.In(s.location),
		SourceID: s.calendarID,
	}, true
}

func loadToken(fsys afero.Fs, path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, errors.New("token path is empty")
	}
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token file holds neither access nor refresh token")
	}
	return &tok, nil
}

// persistingTokenSource writes the token back to disk whenever the
// underlying source hands out a new access token.
type persistingTokenSource struct {
	base oauth2.TokenSource
	fs   afero.Fs
	path string

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := saveToken(p.fs, p.path, tok); err != nil {
			appLog.Error("google token save failed", err, "path", p.path)
		} else {
			appLog.Info("google access token refreshed", "expiry", tok.Expiry.Format(time.RFC3339))
		}
	}
	return tok, nil
}

func saveToken(fsys afero.Fs, path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fsys, path, data, ".calremind-token-*.tmp")
}
