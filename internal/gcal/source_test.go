package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calremind/internal/model"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	require.NoError(t, err)
	return NewWithService(svc, "", time.UTC)
}

func TestFetchEvents(t *testing.T) {
	var gotQuery map[string]string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"timeMin":      q.Get("timeMin"),
			"timeMax":      q.Get("timeMax"),
			"maxResults":   q.Get("maxResults"),
			"singleEvents": q.Get("singleEvents"),
			"orderBy":      q.Get("orderBy"),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "a", "summary": "Standup [10]", "start": map[string]string{"dateTime": "2025-03-14T18:15:00+09:00"}},
				{"id": "b", "summary": "Holiday", "start": map[string]string{"date": "2025-03-14"}},
				{"id": "c", "summary": "Dropped", "status": "cancelled", "start": map[string]string{"dateTime": "2025-03-14T09:20:00Z"}},
				{"id": "d", "start": map[string]string{"dateTime": "2025-03-14T09:40:00Z"}},
			},
		})
	})

	from := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	events, err := src.FetchEvents(context.Background(), from, from.Add(time.Hour), 50)
	require.NoError(t, err)

	assert.Equal(t, "2025-03-14T09:00:00Z", gotQuery["timeMin"])
	assert.Equal(t, "2025-03-14T10:00:00Z", gotQuery["timeMax"])
	assert.Equal(t, "50", gotQuery["maxResults"])
	assert.Equal(t, "true", gotQuery["singleEvents"])
	assert.Equal(t, "startTime", gotQuery["orderBy"])

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "Standup [10]", events[0].Title)
	assert.True(t, events[0].Start.Equal(time.Date(2025, 3, 14, 9, 15, 0, 0, time.UTC)))
	assert.Equal(t, untitled, events[1].Title)
}

func TestFetchEventsAPIError(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":401,"message":"invalid credentials"}}`, http.StatusUnauthorized)
	})

	_, err := src.FetchEvents(context.Background(), time.Now(), time.Now().Add(time.Hour), 10)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
}

func TestLoadToken(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := loadToken(fs, "missing.json")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "empty.json", []byte(`{}`), 0o600))
	_, err = loadToken(fs, "empty.json")
	assert.Error(t, err)

	good := "/etc/calremind/token.json"
	require.NoError(t, saveToken(fs, good, &oauth2.Token{AccessToken: "abc", RefreshToken: "def"}))
	info, err := fs.Stat(good)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tok, err := loadToken(fs, good)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "def", tok.RefreshToken)
}

type staticSource struct{ tok *oauth2.Token }

func (s staticSource) Token() (*oauth2.Token, error) { return s.tok, nil }

func TestPersistingTokenSourceWritesOnChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "token.json"
	ts := &persistingTokenSource{
		base: staticSource{tok: &oauth2.Token{AccessToken: "new", RefreshToken: "r"}},
		fs:   fs,
		path: path,
		last: "old",
	}

	_, err := ts.Token()
	require.NoError(t, err)

	tok, err := loadToken(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)

	require.NoError(t, fs.Remove(path))
	_, err = ts.Token()
	require.NoError(t, err)
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists, "unchanged token must not be rewritten")
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), Options{
		CredentialsPath: filepath.Join(t.TempDir(), "nope.json"),
		TokenPath:       filepath.Join(t.TempDir(), "token.json"),
	})
	assert.Error(t, err)
}

func TestNewRequiresToken(t *testing.T) {
	fs := afero.NewMemMapFs()
	creds := `{"installed":{"client_id":"id","client_secret":"secret",` +
		`"auth_uri":"https://accounts.google.com/o/oauth2/auth",` +
		`"token_uri":"https://oauth2.googleapis.com/token",` +
		`"redirect_uris":["http://localhost"]}}`
	require.NoError(t, afero.WriteFile(fs, "credentials.json", []byte(creds), 0o600))

	_, err := New(context.Background(), Options{
		CredentialsPath: "credentials.json",
		TokenPath:       "token.json",
		Fs:              fs,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load google token")
}
