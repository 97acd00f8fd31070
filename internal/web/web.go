package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"calremind/internal/config"
	"calremind/internal/health"
	appLog "calremind/internal/log"
	"calremind/internal/reminder"
	"calremind/internal/scheduler"
)

// ReminderStore is the read side of the dedup store.
type ReminderStore interface {
	Len() int
	Snapshot() map[string][]int
}

// HealthReporter exposes the calendar health counters.
type HealthReporter interface {
	State() health.State
}

// TickReporter exposes the last scheduler tick.
type TickReporter interface {
	LastTick() scheduler.TickReport
}

// Server provides a small read-only status API next to the reminder loop.
type Server struct {
	cfg     *config.Config
	store   ReminderStore
	health  HealthReporter
	ticks   TickReporter
	started time.Time
	mux     *http.ServeMux
}

// NewServer constructs a new Server. Any of store, health and ticks may be
// nil; the corresponding fields are then omitted.
func NewServer(cfg *config.Config, store ReminderStore, hr HealthReporter, tr TickReporter) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		health:  hr,
		ticks:   tr,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calremind", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/reminders", s.handleReminders)
	s.mux.HandleFunc("/api/plan", s.handlePlan)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Uptime     string       `json:"uptime"`
	Timezone   string       `json:"timezone"`
	Target     string       `json:"target"`
	Provider   string       `json:"provider"`
	Health     *healthDTO   `json:"health,omitempty"`
	Reminders  *int         `json:"reminders,omitempty"`
	MaxRecords int          `json:"max_records"`
	LastTick   *lastTickDTO `json:"last_tick,omitempty"`
}

type healthDTO struct {
	health.State
	Failing bool `json:"failing"`
}

type lastTickDTO struct {
	scheduler.TickReport
	FetchError string `json:"fetch_error,omitempty"`
	Alert      string `json:"alert,omitempty"`
	ErrorCount int    `json:"error_count"`
}

// handleStatus reports loop health, dedup size and the last tick.
//
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	resp := statusResponse{
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Timezone:   loc.String(),
		Target:     s.cfg.HomeAssistant.Target,
		Provider:   s.cfg.Calendar.Provider,
		MaxRecords: s.cfg.MaxRecords,
	}
	if s.health != nil {
		st := s.health.State()
		resp.Health = &healthDTO{State: st, Failing: st.ConsecutiveFailures > 0}
	}
	if s.store != nil {
		n := s.store.Len()
		resp.Reminders = &n
	}
	if s.ticks != nil {
		tick := s.ticks.LastTick()
		if !tick.Start.IsZero() {
			dto := &lastTickDTO{TickReport: tick, ErrorCount: len(tick.Errors)}
			if tick.FetchErr != nil {
				dto.FetchError = tick.FetchErr.Error()
			}
			if tick.Alert != nil {
				dto.Alert = tick.Alert.String()
			}
			resp.LastTick = dto
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReminders dumps the dedup state: event id -> fired offsets.
//
// GET /api/reminders
func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "reminder store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// planResponse is the JSON response shape for /api/plan.
type planResponse struct {
	Title        string   `json:"title"`
	CleanTitle   string   `json:"clean_title"`
	ExtraMinutes int      `json:"extra_minutes"`
	Offsets      []int    `json:"offsets"`
	Messages     []string `json:"messages"`
}

// handlePlan previews the reminder offsets and messages for a title.
//
// GET /api/plan?title=Standup%20[10]
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	title := r.URL.Query().Get("title")
	if title == "" {
		writeError(w, http.StatusBadRequest, "missing title")
		return
	}

	offsets := reminder.Plan(title)
	clean := reminder.CleanTitle(title)
	msgs := make([]string, 0, len(offsets))
	for _, o := range offsets {
		msgs = append(msgs, reminder.Format(s.cfg.MessageTemplate, clean, float64(o)))
	}

	writeJSON(w, http.StatusOK, planResponse{
		Title:        title,
		CleanTitle:   clean,
		ExtraMinutes: reminder.ExtraMinutes(title),
		Offsets:      offsets,
		Messages:     msgs,
	})
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
