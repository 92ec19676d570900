package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/store"
)

// mockMaintenanceStore satisfies store.Store for housekeeping tests.
type mockMaintenanceStore struct {
	store.Store
	mu       sync.Mutex
	cutoffs  []time.Time
	purged   int64
	vacuumed int
}

func (m *mockMaintenanceStore) PurgeExecutions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return m.purged, nil
}

func (m *mockMaintenanceStore) Vacuum(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vacuumed++
	return nil
}

type recovererFunc func(ctx context.Context, lease time.Duration) (int, error)

func (f recovererFunc) RecoverStale(ctx context.Context, lease time.Duration) (int, error) {
	return f(ctx, lease)
}

func newTestHousekeeper() (*Housekeeper, *time.Time) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := NewHousekeeper(slog.Default(), time.Hour)
	h.now = func() time.Time { return clock }
	return h, &clock
}

func TestHousekeeper_AddRejectsBadCron(t *testing.T) {
	h, _ := newTestHousekeeper()
	err := h.Add("bad", "not a cron", func(context.Context) (int64, error) { return 0, nil })
	assert.Error(t, err)

	require.NoError(t, h.Add("ok", "@every 1m", func(context.Context) (int64, error) { return 0, nil }))
	assert.Error(t, h.Add("ok", "* * * * *", nil), "duplicate names rejected")
}

func TestHousekeeper_RunDueHonoursSchedule(t *testing.T) {
	h, clock := newTestHousekeeper()
	var runs int64
	require.NoError(t, h.Add("purge", "*/5 * * * *", func(context.Context) (int64, error) {
		atomic.AddInt64(&runs, 1)
		return 2, nil
	}))

	assert.Equal(t, 0, h.RunDue(context.Background()))

	*clock = clock.Add(5 * time.Minute)
	assert.Equal(t, 1, h.RunDue(context.Background()))
	assert.Equal(t, 0, h.RunDue(context.Background()), "next run moved forward")
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))

	jobs := h.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "purge", jobs[0].Name)
	assert.Equal(t, "success", jobs[0].LastStatus)
	assert.Equal(t, int64(2), jobs[0].LastCount)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.Equal(t, clock.Add(5*time.Minute), jobs[0].NextRunAt)
}

func TestHousekeeper_RecordsTaskErrors(t *testing.T) {
	h, _ := newTestHousekeeper()
	require.NoError(t, h.Add("vacuum", "@daily", func(context.Context) (int64, error) {
		return 0, errors.New("disk full")
	}))
	require.NoError(t, h.RunNow(context.Background(), "vacuum"))
	assert.Equal(t, "error", h.Jobs()[0].LastStatus)

	assert.Error(t, h.RunNow(context.Background(), "missing"))
}

func TestHousekeeper_RunAllSortedByName(t *testing.T) {
	h, _ := newTestHousekeeper()
	var order []string
	for _, name := range []string{"vacuum", "purge", "recover"} {
		name := name
		require.NoError(t, h.Add(name, "@hourly", func(context.Context) (int64, error) {
			order = append(order, name)
			return 0, nil
		}))
	}
	assert.Equal(t, 3, h.RunAll(context.Background()))
	assert.Equal(t, []string{"purge", "recover", "vacuum"}, order)
}

func TestHousekeeper_SkipsInflightJob(t *testing.T) {
	h, _ := newTestHousekeeper()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.Add("slow", "@hourly", func(context.Context) (int64, error) {
		close(started)
		<-release
		return 0, nil
	}))

	done := make(chan error, 1)
	go func() { done <- h.RunNow(context.Background(), "slow") }()
	<-started

	assert.Error(t, h.RunNow(context.Background(), "slow"), "second run rejected while first in flight")
	close(release)
	assert.NoError(t, <-done)
}

func TestHousekeeper_StartRunsCatchUpAndStops(t *testing.T) {
	h, _ := newTestHousekeeper()
	var runs int64
	require.NoError(t, h.Add("recover", "@hourly", func(context.Context) (int64, error) {
		atomic.AddInt64(&runs, 1)
		return 0, nil
	}))

	require.NoError(t, h.Start(context.Background()))
	assert.Error(t, h.Start(context.Background()), "double start rejected")

	require.Eventually(t, func() bool { return atomic.LoadInt64(&runs) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
}

func TestHousekeeper_CalculateNextRun(t *testing.T) {
	h, _ := newTestHousekeeper()
	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

	next, err := h.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	_, err = h.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestPurgeTask(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s := &mockMaintenanceStore{purged: 7}

	n, err := PurgeTask(s, 72*time.Hour, func() time.Time { return now })(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.Len(t, s.cutoffs, 1)
	assert.Equal(t, now.Add(-72*time.Hour), s.cutoffs[0])

	n, err = PurgeTask(s, 0, nil)(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, s.cutoffs, 1, "zero retention keeps everything")
}

func TestVacuumTask(t *testing.T) {
	s := &mockMaintenanceStore{}
	_, err := VacuumTask(s)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.vacuumed)
}

func TestRecoverTask(t *testing.T) {
	var gotLease time.Duration
	task := RecoverTask(recovererFunc(func(_ context.Context, lease time.Duration) (int, error) {
		gotLease = lease
		return 3, nil
	}), 5*time.Minute)

	n, err := task(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 5*time.Minute, gotLease)
}
