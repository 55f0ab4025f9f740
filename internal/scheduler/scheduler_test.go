package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/planhub/erpbridge/internal/orchestrator"
	"github.com/planhub/erpbridge/internal/resolver"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/testutil"
)

func TestWindowOpen(t *testing.T) {
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("15:04", hhmm)
		require.NoError(t, err)
		return tm
	}

	t.Run("plain window", func(t *testing.T) {
		assert.True(t, windowOpen("09:00", "17:00", at("12:00")))
		assert.True(t, windowOpen("09:00", "17:00", at("09:00")))
		assert.True(t, windowOpen("09:00", "17:00", at("17:00")))
		assert.False(t, windowOpen("09:00", "17:00", at("08:59")))
		assert.False(t, windowOpen("09:00", "17:00", at("17:01")))
	})

	t.Run("window wrapping midnight", func(t *testing.T) {
		assert.True(t, windowOpen("19:00", "07:00", at("23:30")))
		assert.True(t, windowOpen("19:00", "07:00", at("03:00")))
		assert.True(t, windowOpen("19:00", "07:00", at("19:00")))
		assert.True(t, windowOpen("19:00", "07:00", at("07:00")))
		assert.False(t, windowOpen("19:00", "07:00", at("12:00")))
	})

	t.Run("empty bounds always open", func(t *testing.T) {
		assert.True(t, windowOpen("", "", at("12:00")))
	})

	t.Run("malformed bounds stay closed", func(t *testing.T) {
		assert.False(t, windowOpen("25:00", "07:00", at("12:00")))
	})
}

func TestWindowKey(t *testing.T) {
	day := func(s string) time.Time {
		tm, err := time.Parse("2006-01-02 15:04", s)
		require.NoError(t, err)
		return tm
	}

	t.Run("plain window keys on the calendar day", func(t *testing.T) {
		assert.Equal(t, "2024-03-15", windowKey("09:00", "17:00", day("2024-03-15 12:00")))
	})

	t.Run("wrapped window's morning hours key on the previous day", func(t *testing.T) {
		assert.Equal(t, "2024-03-15", windowKey("19:00", "07:00", day("2024-03-15 23:00")))
		assert.Equal(t, "2024-03-15", windowKey("19:00", "07:00", day("2024-03-16 03:00")))
		assert.Equal(t, "2024-03-16", windowKey("19:00", "07:00", day("2024-03-16 20:00")))
	})
}

type schedFixture struct {
	cfg     *config.Config
	store   *store.MemoryStore
	fetcher *testutil.FakeFetcher
	ds      *testutil.FakeStore
	sched   *Scheduler
	now     time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.PageSize = 2
	cfg.Entities = []config.EntityConfig{{
		Name:         "item",
		SourceSystem: "erp-test",
		APISlug:      "items",
		BusinessKeys: []string{"code"},
		Strategy:     config.DeltaHash,
		Enabled:      true,
	}}

	st := store.NewMemoryStore()
	fetcher := testutil.NewFakeFetcher()
	ds := testutil.NewFakeStore()
	log := zaptest.NewLogger(t)
	res := resolver.New(st, ds, &cfg.Pipeline, log)
	orch := orchestrator.New(cfg, st, fetcher, ds, res, log)

	f := &schedFixture{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		ds:      ds,
		sched:   New(cfg, st, orch, res, fetcher, log),
		// Midday, inside a 09:00-17:00 window.
		now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	f.sched.now = func() time.Time { return f.now }
	return f
}

func (f *schedFixture) loadItems(n int) {
	records := make([]models.Record, n)
	for i := range records {
		records[i] = testutil.Rec("code", string(rune('A'+i)), "qty", int64(i))
	}
	f.fetcher.Records["items"] = records
}

func TestTickRunsDueSchedule(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(4)

	require.NoError(t, f.sched.Enable(context.Background(), "item", "09:00", "17:00", 2, 2))
	f.sched.Tick(context.Background())

	state, err := f.store.GetScheduleState(context.Background(), "item")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.RowsThisWindow, "daily quota caps the run")
	assert.Equal(t, int64(2), state.CurrentOffset)
	assert.Equal(t, 2, f.ds.Inserts)

	// Quota exhausted for this window: another tick does nothing.
	f.sched.Tick(context.Background())
	assert.Equal(t, 2, f.ds.Inserts)
}

func TestTickHonorsRunCooldown(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(2)

	require.NoError(t, f.sched.Enable(context.Background(), "item", "", "", 1, 10))
	f.sched.Tick(context.Background())
	assert.Equal(t, 1, f.fetcher.Fetches)

	state, err := f.store.GetScheduleState(context.Background(), "item")
	require.NoError(t, err)
	require.True(t, state.NextRunAt.After(f.now))

	// Quota remains, but the cooldown from the last run has not elapsed.
	f.now = f.now.Add(30 * time.Second)
	f.sched.Tick(context.Background())
	assert.Equal(t, 1, f.fetcher.Fetches, "early tick must not re-run")

	// Past the cooldown the schedule is eligible again.
	f.now = f.now.Add(2 * time.Minute)
	f.sched.Tick(context.Background())
	assert.Equal(t, 2, f.fetcher.Fetches)
}

func TestTickSkipsOutsideWindow(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(2)

	require.NoError(t, f.sched.Enable(context.Background(), "item", "19:00", "07:00", 1, 10))
	f.sched.Tick(context.Background())
	assert.Zero(t, f.ds.Inserts)

	// Midnight-wrapped window opens late evening.
	f.now = time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	f.sched.Tick(context.Background())
	assert.Equal(t, 2, f.ds.Inserts)
}

func TestNewWindowResetsQuota(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(4)

	require.NoError(t, f.sched.Enable(context.Background(), "item", "09:00", "17:00", 2, 2))
	f.sched.Tick(context.Background())
	assert.Equal(t, 2, f.ds.Inserts)

	// Next day's window: the quota resets and the transfer resumes from
	// the stored offset.
	f.now = f.now.AddDate(0, 0, 1)
	f.sched.Tick(context.Background())
	assert.Equal(t, 4, f.ds.Inserts)

	state, err := f.store.GetScheduleState(context.Background(), "item")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentOffset, "completed transfer wraps to the start")
}

func TestTriggerNowBypassesWindowNotPacing(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(4)

	// Outside the window.
	require.NoError(t, f.sched.Enable(context.Background(), "item", "19:00", "07:00", 2, 2))

	require.NoError(t, f.sched.TriggerNow(context.Background(), "item", false))
	assert.Equal(t, 2, f.ds.Inserts, "quota still applies")

	require.NoError(t, f.sched.TriggerNow(context.Background(), "item", true))
	assert.Equal(t, 4, f.ds.Inserts, "force ignores the quota")
}

func TestDisabledScheduleNeverRuns(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(2)

	require.NoError(t, f.sched.Enable(context.Background(), "item", "", "", 1, 10))
	require.NoError(t, f.sched.Disable(context.Background(), "item"))

	f.sched.Tick(context.Background())
	assert.Zero(t, f.ds.Inserts)
}

func TestRowsPerDayDefaultsFromEstimate(t *testing.T) {
	f := newSchedFixture(t)
	f.loadItems(4)

	// No explicit rows_per_day: 4 rows over 2 days paces 2 per window.
	require.NoError(t, f.sched.Enable(context.Background(), "item", "", "", 2, 0))
	f.sched.Tick(context.Background())

	state, err := f.store.GetScheduleState(context.Background(), "item")
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.TotalRowsEstimate, "estimate taken from the source count")
	assert.Equal(t, int64(2), state.RowsThisWindow)
	assert.Equal(t, 2, f.ds.Inserts)
}
