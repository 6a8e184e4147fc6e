package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

// scriptedFetcher returns its responses in order, then repeats the last one
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []*safetyapi.ActiveAlertsResponse
	errs      []error
	calls     int
}

func (f *scriptedFetcher) ActiveAlerts(context.Context) (*safetyapi.ActiveAlertsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.responses) == 0 {
		return &safetyapi.ActiveAlertsResponse{}, nil
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// mockJobScheduler captures the scheduled callback so tests can run cycles by hand
type mockJobScheduler struct {
	jobID    string
	nextWait cluster.NextWaitInterval
	callback func()
	job      *mockJob
	err      error
}

func (m *mockJobScheduler) Schedule(jobID string, nextWaitInterval cluster.NextWaitInterval, callback func()) (Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.jobID = jobID
	m.nextWait = nextWaitInterval
	m.callback = callback
	m.job = &mockJob{}
	return m.job, nil
}

type mockJob struct {
	mu     sync.Mutex
	closed bool
}

func (m *mockJob) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockJob) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recordingSurfacer remembers the ids it was asked to surface
type recordingSurfacer struct {
	mu  sync.Mutex
	ids []int64
}

func (s *recordingSurfacer) Surface(alert safetyapi.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, alert.ID)
}

func (s *recordingSurfacer) surfaced() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids...)
}

func activeAlerts(ids ...int64) *safetyapi.ActiveAlertsResponse {
	resp := &safetyapi.ActiveAlertsResponse{HasActiveAlerts: len(ids) > 0}
	for _, id := range ids {
		resp.Alerts = append(resp.Alerts, safetyapi.Alert{ID: id, AlertLevel: safetyapi.LevelWarning})
	}
	return resp
}

func TestSeenSet(t *testing.T) {
	t.Run("record is check-and-add", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()

		assert.True(t, seen.Record(5))
		assert.False(t, seen.Record(5))
		assert.True(t, seen.Contains(5))
		assert.False(t, seen.Contains(7))
		assert.Equal(t, 1, seen.Len())
	})

	t.Run("clear forgets everything at once", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()

		seen.Record(1)
		seen.Record(2)
		seen.Clear()

		assert.Zero(t, seen.Len())
		assert.True(t, seen.Record(1))
	})

	t.Run("prune only drops ids outside the retention window", func(t *testing.T) {
		seen := NewSeenSet(24*time.Hour, logging.Nop())
		defer seen.Stop()

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		seen.now = func() time.Time { return now.Add(-25 * time.Hour) }
		seen.Record(1)
		seen.now = func() time.Time { return now.Add(-time.Hour) }
		seen.Record(2)
		seen.now = func() time.Time { return now }

		assert.Equal(t, 1, seen.prune())
		assert.False(t, seen.Contains(1))
		assert.True(t, seen.Contains(2))
	})

	t.Run("ids still active are kept past the retention window", func(t *testing.T) {
		seen := NewSeenSet(24*time.Hour, logging.Nop())
		defer seen.Stop()

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		seen.now = func() time.Time { return now.Add(-30 * time.Hour) }
		seen.Record(1)
		seen.Record(2)

		seen.now = func() time.Time { return now.Add(-time.Hour) }
		seen.Refresh([]int64{1, 3})
		seen.now = func() time.Time { return now }

		assert.Equal(t, 1, seen.prune())
		assert.True(t, seen.Contains(1))
		assert.False(t, seen.Contains(2))
		assert.False(t, seen.Contains(3), "refresh does not add ids")
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		seen := NewSeenSet(0, logging.Nop())
		assert.Equal(t, DefaultSeenRetention, seen.retention)
		seen.Stop()
		seen.Stop()
	})
}

func TestProcessor_HandleBatch(t *testing.T) {
	t.Run("surfaces head of list once per id", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()
		surfacer := &recordingSurfacer{}
		processor := NewProcessor(seen, surfacer, logging.Nop())

		assert.True(t, processor.HandleBatch(activeAlerts(5)))
		assert.False(t, processor.HandleBatch(activeAlerts(5)))
		assert.True(t, processor.HandleBatch(activeAlerts(7)))

		assert.Equal(t, []int64{5, 7}, surfacer.surfaced())
	})

	t.Run("only the head is considered", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()
		surfacer := &recordingSurfacer{}
		processor := NewProcessor(seen, surfacer, logging.Nop())

		processor.HandleBatch(activeAlerts(9, 8, 7))
		processor.HandleBatch(activeAlerts(9, 8, 7))

		assert.Equal(t, []int64{9}, surfacer.surfaced())
		assert.False(t, seen.Contains(8))
	})

	t.Run("long-lived active alert is not surfaced again", func(t *testing.T) {
		seen := NewSeenSet(24*time.Hour, logging.Nop())
		defer seen.Stop()
		surfacer := &recordingSurfacer{}
		processor := NewProcessor(seen, surfacer, logging.Nop())

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for hour := 0; hour <= 48; hour += 12 {
			at := now.Add(time.Duration(hour) * time.Hour)
			seen.now = func() time.Time { return at }
			processor.HandleBatch(activeAlerts(21))
			seen.prune()
		}

		assert.Equal(t, []int64{21}, surfacer.surfaced())
	})

	t.Run("ignores empty and inactive responses", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()
		surfacer := &recordingSurfacer{}
		processor := NewProcessor(seen, surfacer, logging.Nop())

		assert.False(t, processor.HandleBatch(nil))
		assert.False(t, processor.HandleBatch(activeAlerts()))
		assert.False(t, processor.HandleBatch(&safetyapi.ActiveAlertsResponse{
			HasActiveAlerts: false,
			Alerts:          []safetyapi.Alert{{ID: 3}},
		}))
		assert.Empty(t, surfacer.surfaced())
	})

	t.Run("alert is recorded before it is surfaced", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()

		var seenWhenSurfaced bool
		processor := NewProcessor(seen, SurfacerFunc(func(alert safetyapi.Alert) {
			seenWhenSurfaced = seen.Contains(alert.ID)
		}), logging.Nop())

		processor.HandleBatch(activeAlerts(11))
		assert.True(t, seenWhenSurfaced)
	})

	t.Run("a poll landing during surfacing does not surface again", func(t *testing.T) {
		seen := NewSeenSet(time.Hour, logging.Nop())
		defer seen.Stop()

		var processor *Processor
		count := 0
		processor = NewProcessor(seen, SurfacerFunc(func(alert safetyapi.Alert) {
			count++
			if count == 1 {
				processor.HandleBatch(activeAlerts(alert.ID))
			}
		}), logging.Nop())

		processor.HandleBatch(activeAlerts(12))
		assert.Equal(t, 1, count)
	})
}

func newTestPoller(t *testing.T, fetcher Fetcher, opts ...PollerOption) (*Poller, *mockJobScheduler) {
	t.Helper()
	scheduler := &mockJobScheduler{}
	poller := NewPoller("user1", 30*time.Second, fetcher, scheduler, logging.Nop(), opts...)
	return poller, scheduler
}

func TestPoller_SurfacesEachAlertOnce(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []*safetyapi.ActiveAlertsResponse{
		activeAlerts(5),
		activeAlerts(5),
		activeAlerts(7),
	}}
	poller, scheduler := newTestPoller(t, fetcher)

	seen := NewSeenSet(time.Hour, logging.Nop())
	defer seen.Stop()
	surfacer := &recordingSurfacer{}
	processor := NewProcessor(seen, surfacer, logging.Nop())

	stop, err := poller.Start(func(resp *safetyapi.ActiveAlertsResponse) { processor.HandleBatch(resp) })
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, "safety_alert_poll_user1", scheduler.jobID)

	// Start performs the first fetch immediately
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(surfacer.surfaced()) == 1 }, time.Second, 5*time.Millisecond)

	scheduler.callback()
	scheduler.callback()

	assert.Equal(t, 3, fetcher.callCount())
	assert.Equal(t, []int64{5, 7}, surfacer.surfaced())
}

func TestPoller_StartTwice(t *testing.T) {
	poller, _ := newTestPoller(t, &scriptedFetcher{})

	stop, err := poller.Start(nil)
	require.NoError(t, err)
	defer stop()

	_, err = poller.Start(nil)
	assert.Error(t, err)
}

func TestPoller_ScheduleFailure(t *testing.T) {
	scheduler := &mockJobScheduler{err: errors.New("cluster unavailable")}
	poller := NewPoller("user1", 30*time.Second, &scriptedFetcher{}, scheduler, logging.Nop())

	_, err := poller.Start(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to schedule cluster job")
}

func TestPoller_StopClosesJobAndDropsLateCycles(t *testing.T) {
	fetcher := &scriptedFetcher{}
	poller, scheduler := newTestPoller(t, fetcher)

	stop, err := poller.Start(nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, time.Second, 5*time.Millisecond)

	stop()
	assert.True(t, scheduler.job.isClosed())

	scheduler.callback()
	assert.Equal(t, 1, fetcher.callCount(), "no fetch after stop")

	assert.NoError(t, poller.Stop(), "stopping twice is a no-op")
}

func TestPoller_FailuresBackOffAndRecover(t *testing.T) {
	fetcher := &scriptedFetcher{
		errs: []error{
			errors.New("connection refused"),
			errors.New("connection refused"),
			errors.New("connection refused"),
		},
		responses: []*safetyapi.ActiveAlertsResponse{activeAlerts()},
	}
	poller, scheduler := newTestPoller(t, fetcher)

	batches := 0
	stop, err := poller.Start(func(*safetyapi.ActiveAlertsResponse) { batches++ })
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool { return poller.Status().ConsecutiveFailures == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 60*time.Second, poller.Status().NextInterval)

	scheduler.callback()
	scheduler.callback()

	status := poller.Status()
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, "connection refused", status.LastError)
	assert.Equal(t, 240*time.Second, status.NextInterval)
	assert.False(t, status.Healthy())
	assert.Zero(t, batches, "failures are swallowed")

	scheduler.callback()

	status = poller.Status()
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
	assert.Equal(t, 30*time.Second, status.NextInterval, "first success restores the fixed cadence")
	assert.True(t, status.Healthy())
	assert.Equal(t, 1, batches)
}

func TestPoller_nextWaitInterval(t *testing.T) {
	poller, _ := newTestPoller(t, &scriptedFetcher{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poller.startedAt = now.Add(-5 * time.Second)

	t.Run("first scheduled run waits a full interval after start", func(t *testing.T) {
		wait := poller.nextWaitInterval(now, cluster.JobMetadata{})
		assert.Equal(t, 25*time.Second, wait)
	})

	t.Run("returns remaining wait", func(t *testing.T) {
		wait := poller.nextWaitInterval(now, cluster.JobMetadata{LastFinished: now.Add(-2 * time.Second)})
		assert.Equal(t, 28*time.Second, wait)
	})

	t.Run("overdue runs immediately", func(t *testing.T) {
		later := now.Add(time.Minute)
		wait := poller.nextWaitInterval(later, cluster.JobMetadata{LastFinished: now})
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("backoff doubles per failure and is capped", func(t *testing.T) {
		tests := []struct {
			failures int
			want     time.Duration
		}{
			{0, 30 * time.Second},
			{1, 60 * time.Second},
			{2, 120 * time.Second},
			{3, 240 * time.Second},
			{4, 5 * time.Minute},
			{12, 5 * time.Minute},
		}

		for _, tt := range tests {
			poller.mu.Lock()
			poller.status.ConsecutiveFailures = tt.failures
			poller.mu.Unlock()

			wait := poller.nextWaitInterval(now, cluster.JobMetadata{LastFinished: now})
			assert.Equal(t, tt.want, wait, "failures=%d", tt.failures)
		}
	})
}

func TestPoller_SessionLossEndsPolling(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{safetyapi.ErrSessionExpired, safetyapi.ErrSessionExpired}}

	lost := make(chan error, 2)
	poller, scheduler := newTestPoller(t, fetcher, WithAuthLostCallback(func(err error) { lost <- err }))

	stop, err := poller.Start(nil)
	require.NoError(t, err)
	defer stop()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, safetyapi.ErrSessionExpired)
	case <-time.After(time.Second):
		t.Fatal("auth lost callback was not called")
	}

	scheduler.callback()
	assert.Zero(t, poller.Status().ConsecutiveFailures, "session loss is not a transient failure")

	select {
	case <-lost:
		t.Fatal("auth lost callback must fire once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoller_SessionLossStopsWithoutCallback(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{safetyapi.ErrNotAuthenticated}}
	poller, scheduler := newTestPoller(t, fetcher)

	_, err := poller.Start(nil)
	require.NoError(t, err)

	require.Eventually(t, scheduler.job.isClosed, time.Second, 5*time.Millisecond)

	poller.mu.Lock()
	defer poller.mu.Unlock()
	assert.Nil(t, poller.job)
}
