package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/dedup"
	"calremind/internal/health"
	"calremind/internal/model"
)

type fakeSource struct {
	events []model.CalendarEvent
	err    error
	calls  int
	panics bool
}

func (f *fakeSource) FetchEvents(_ context.Context, _, _ time.Time, _ int) ([]model.CalendarEvent, error) {
	f.calls++
	if f.panics {
		panic("source exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type fakeAnnouncer struct {
	mu       sync.Mutex
	messages []string
	failFor  map[string]bool
	failAll  bool
}

func (f *fakeAnnouncer) Announce(_ context.Context, target, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, target+": "+message)
	if f.failAll || f.failFor[message] {
		return fmt.Errorf("%w: speaker offline", model.ErrNotificationFailed)
	}
	return nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type fixture struct {
	source    *fakeSource
	announcer *fakeAnnouncer
	store     *dedup.Store
	monitor   *health.Monitor
	clock     *clock
	sched     *Scheduler
}

func newFixture(t *testing.T, now time.Time, maxEntries int) *fixture {
	t.Helper()
	f := &fixture{
		source:    &fakeSource{},
		announcer: &fakeAnnouncer{failFor: map[string]bool{}},
		store:     dedup.Open(afero.NewMemMapFs(), "state.json", maxEntries),
		monitor: health.New(health.Config{
			CheckInterval: time.Minute,
			AlertInterval: time.Hour,
			StartHour:     17,
			EndHour:       21,
			Location:      time.UTC,
		}),
		clock: &clock{t: now},
	}
	f.sched = New(Config{
		Source:    f.source,
		Announcer: f.announcer,
		Store:     f.store,
		Health:    f.monitor,
		Target:    "script.say",
		Template:  "{event_name} in {minutes} minutes",
		Interval:  time.Minute,
		Now:       f.clock.Now,
	})
	return f
}

func minutesFrom(now time.Time, m float64) time.Time {
	return now.Add(time.Duration(m * float64(time.Minute)))
}

func TestTickStandupScenario(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.events = []model.CalendarEvent{
		{ID: "evt-1", Title: "Standup [10]", Start: minutesFrom(now, 15.2)},
	}

	report := f.sched.Tick(context.Background())
	require.NoError(t, report.FetchErr)
	assert.Equal(t, 1, report.Events)
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, []string{"script.say: Standup in 15 minutes"}, f.announcer.messages)
	assert.Equal(t, map[int]bool{15: true}, f.store.Fired("evt-1"))

	// Same window on the next tick: nothing new.
	f.clock.t = now.Add(20 * time.Second)
	report = f.sched.Tick(context.Background())
	assert.Equal(t, 0, report.Fired)
	assert.Len(t, f.announcer.messages, 1)

	// Second reminder at 11 minutes.
	f.clock.t = now.Add(4*time.Minute + 10*time.Second)
	report = f.sched.Tick(context.Background())
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, "script.say: Standup in 11 minutes", f.announcer.messages[1])
	assert.Equal(t, map[int]bool{15: true, 11: true}, f.store.Fired("evt-1"))
}

func TestTickOutsideWindowDoesNothing(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.events = []model.CalendarEvent{
		{ID: "evt-1", Title: "Lunch", Start: minutesFrom(now, 30)},
	}

	report := f.sched.Tick(context.Background())
	assert.Equal(t, 0, report.Fired)
	assert.Empty(t, f.announcer.messages)
	assert.Equal(t, 0, f.store.Len())
}

func TestTickMarksFiredEvenWhenAnnounceFails(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.events = []model.CalendarEvent{
		{ID: "a", Title: "Broken", Start: minutesFrom(now, 5)},
		{ID: "b", Title: "Fine", Start: minutesFrom(now, 1.2)},
	}
	f.announcer.failFor["Broken in 5 minutes"] = true

	report := f.sched.Tick(context.Background())
	assert.Equal(t, 2, report.Fired)
	assert.Equal(t, 1, report.NotifyFailures)
	assert.True(t, f.store.Fired("a")[5])
	assert.True(t, f.store.Fired("b")[1])

	// No retry of the failed reminder.
	f.sched.Tick(context.Background())
	assert.Len(t, f.announcer.messages, 2)
}

func TestTickIsolatesEventErrors(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.events = []model.CalendarEvent{
		{ID: "", Title: "No id", Start: minutesFrom(now, 5)},
		{ID: "ok", Title: "Has id", Start: minutesFrom(now, 5)},
	}

	report := f.sched.Tick(context.Background())
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Fired)
	assert.True(t, f.store.Fired("ok")[5])
}

func TestTickEvictsOversizedRecord(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 2)
	f.source.events = []model.CalendarEvent{
		{ID: "a", Title: "A", Start: minutesFrom(now, 5)},
		{ID: "b", Title: "B", Start: minutesFrom(now, 5)},
		{ID: "c", Title: "C", Start: minutesFrom(now, 5)},
	}

	report := f.sched.Tick(context.Background())
	assert.Equal(t, 3, report.Fired)
	assert.True(t, report.Evicted)
	assert.Equal(t, 0, f.store.Len())
}

func TestTickFetchFailureSendsAlertOnce(t *testing.T) {
	now := time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.err = fmt.Errorf("%w: dial tcp: timeout", model.ErrSourceUnavailable)

	for i := 0; i < 29; i++ {
		report := f.sched.Tick(context.Background())
		require.Error(t, report.FetchErr)
		assert.False(t, report.AlertSent)
	}
	assert.Empty(t, f.announcer.messages)

	report := f.sched.Tick(context.Background())
	require.NotNil(t, report.Alert)
	assert.Equal(t, health.DecisionDue, *report.Alert)
	assert.True(t, report.AlertSent)
	require.Len(t, f.announcer.messages, 1)
	assert.Contains(t, f.announcer.messages[0], "30 minutes")
	assert.Equal(t, now, f.monitor.State().LastAlert)

	f.clock.t = now.Add(time.Minute)
	report = f.sched.Tick(context.Background())
	assert.Equal(t, health.DecisionCooldown, *report.Alert)
	assert.Len(t, f.announcer.messages, 1)

	// Recovery resets the counter.
	f.source.err = nil
	f.sched.Tick(context.Background())
	assert.Equal(t, 0, f.monitor.State().ConsecutiveFailures)
}

func TestTickFetchFailureInQuietHours(t *testing.T) {
	now := time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.err = errors.New("boom")

	var report TickReport
	for i := 0; i < 35; i++ {
		report = f.sched.Tick(context.Background())
	}
	assert.Equal(t, health.DecisionQuietHours, *report.Alert)
	assert.Empty(t, f.announcer.messages)
	assert.True(t, f.monitor.State().LastAlert.IsZero())
}

func TestTickFailedAlertKeepsLastAlertUnset(t *testing.T) {
	now := time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.err = errors.New("boom")
	f.announcer.failAll = true

	for i := 0; i < 31; i++ {
		f.sched.Tick(context.Background())
	}
	// Both the 30th and 31st tick attempted an alert.
	assert.Len(t, f.announcer.messages, 2)
	assert.True(t, f.monitor.State().LastAlert.IsZero())
}

func TestTickCancelledFetchIsNotAFailure(t *testing.T) {
	// 18:00 is inside the alert hours; a counted failure could alert.
	now := time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.monitor = health.New(health.Config{CheckInterval: 30 * time.Minute, StartHour: 17, EndHour: 21, Location: time.UTC})
	f.sched = New(Config{
		Source:    f.source,
		Announcer: f.announcer,
		Store:     f.store,
		Health:    f.monitor,
		Target:    "script.say",
		Interval:  30 * time.Minute,
		Now:       f.clock.Now,
	})
	require.Equal(t, 1, f.monitor.FailureThreshold())
	f.source.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.sched.Tick(ctx)

	assert.ErrorIs(t, report.FetchErr, context.Canceled)
	assert.Nil(t, report.Alert)
	assert.False(t, report.AlertSent)
	assert.Equal(t, 0, f.monitor.State().ConsecutiveFailures)
	assert.Empty(t, f.announcer.messages)
}

func TestRunStopsOnCancel(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.sched.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.source.calls)
	assert.Equal(t, now, f.sched.LastTick().Start)
}

func TestRunRecoversFromPanickingTick(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now, 0)
	f.source.panics = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() {
		_ = f.sched.Run(ctx)
	})
}

func TestRunTicksOnInterval(t *testing.T) {
	f := newFixture(t, time.Now(), 0)
	f.sched = New(Config{
		Source:    f.source,
		Announcer: f.announcer,
		Store:     f.store,
		Health:    f.monitor,
		Interval:  time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	err := f.sched.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, f.source.calls, 2)
}
