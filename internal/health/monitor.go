// Package health tracks consecutive calendar fetch failures and decides
// when a spoken alert about them may be sent.
package health

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FailureWindow is how long the calendar must be failing continuously
// before an alert becomes due.
const FailureWindow = 30 * time.Minute

const (
	DefaultAlertInterval = time.Hour
	DefaultStartHour     = 17
	DefaultEndHour       = 21
)

// Decision is the outcome of evaluating whether to alert.
type Decision int

const (
	DecisionBelowThreshold Decision = iota
	DecisionQuietHours
	DecisionCooldown
	DecisionDue
)

func (d Decision) String() string {
	switch d {
	case DecisionBelowThreshold:
		return "below_threshold"
	case DecisionQuietHours:
		return "quiet_hours"
	case DecisionCooldown:
		return "cooldown"
	case DecisionDue:
		return "due"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Config configures a Monitor.
type Config struct {
	// CheckInterval is the poll interval; it determines how many failed
	// ticks make up FailureWindow.
	CheckInterval time.Duration

	// AlertInterval is the minimum time between two sent alerts.
	AlertInterval time.Duration

	// Alerts may only be sent while the local hour is in [StartHour, EndHour).
	// StartHour > EndHour wraps past midnight; equal hours allow nothing.
	StartHour int
	EndHour   int

	// Location defines "local" for the hour check. Defaults to time.Local.
	Location *time.Location
}

// State is a point-in-time view of the monitor.
type State struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastAlert           time.Time `json:"last_alert"`
	LastSuccess         time.Time `json:"last_success"`
}

// Monitor counts consecutive fetch failures. Only a successful fetch
// resets the counter; sending an alert does not.
type Monitor struct {
	cfg       Config
	threshold int

	mu          sync.Mutex
	failures    int
	lastAlert   time.Time
	lastSuccess time.Time
}

// New builds a Monitor. Zero values in cfg fall back to defaults.
func New(cfg Config) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = DefaultAlertInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Monitor{
		cfg:       cfg,
		threshold: Threshold(cfg.CheckInterval),
	}
}

// Threshold returns ceil(FailureWindow / interval), at least 1.
func Threshold(interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(FailureWindow) / float64(interval)))
	if n < 1 {
		n = 1
	}
	return n
}

// FailureThreshold is the number of consecutive failures that makes an
// alert due.
func (m *Monitor) FailureThreshold() int {
	return m.threshold
}

// RecordSuccess resets the failure counter and returns its previous value.
func (m *Monitor) RecordSuccess(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.failures
	m.failures = 0
	m.lastSuccess = now
	return prev
}

// RecordFailure increments the failure counter and returns the new value.
func (m *Monitor) RecordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

// ShouldAlert reports whether enough consecutive failures have piled up.
// Quiet hours and the re-alert interval are applied by Evaluate.
func (m *Monitor) ShouldAlert() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures >= m.threshold
}

// Evaluate decides whether an alert may be sent at now. Quiet hours are
// checked before the re-alert interval.
func (m *Monitor) Evaluate(now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures < m.threshold {
		return DecisionBelowThreshold
	}
	if !m.inAlertWindow(now) {
		return DecisionQuietHours
	}
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.cfg.AlertInterval {
		return DecisionCooldown
	}
	return DecisionDue
}

func (m *Monitor) inAlertWindow(now time.Time) bool {
	return InWindow(now.In(m.cfg.Location).Hour(), m.cfg.StartHour, m.cfg.EndHour)
}

// InWindow reports whether hour lies in [start, end). A window with
// start > end wraps past midnight.
func InWindow(hour, start, end int) bool {
	if start <= end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}

// MarkAlerted records a successfully dispatched alert.
func (m *Monitor) MarkAlerted(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAlert = now
}

// AlertMessage is the spoken text for a health alert.
func (m *Monitor) AlertMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	minutes := int(time.Duration(m.failures) * m.cfg.CheckInterval / time.Minute)
	return fmt.Sprintf("Warning: the calendar reminder service has been unable to reach the calendar for %d minutes. Please check the network and the service.", minutes)
}

// State returns a snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		ConsecutiveFailures: m.failures,
		FailureThreshold:    m.threshold,
		LastAlert:           m.lastAlert,
		LastSuccess:         m.lastSuccess,
	}
}
