package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

const (
	// DefaultPollInterval is the fixed happy-path cadence
	DefaultPollInterval = 30 * time.Second

	// MinPollInterval is the shortest interval accepted in configuration
	MinPollInterval = 10 * time.Second

	// MaxPollBackoff caps the wait after consecutive failures
	MaxPollBackoff = 5 * time.Minute

	// pollRequestTimeout bounds a single fetch
	pollRequestTimeout = 20 * time.Second
)

// Fetcher retrieves the user's active alerts
type Fetcher interface {
	ActiveAlerts(ctx context.Context) (*safetyapi.ActiveAlertsResponse, error)
}

// BatchHandler receives every successful poll result
type BatchHandler func(resp *safetyapi.ActiveAlertsResponse)

// PollerOption configures a Poller
type PollerOption func(*Poller)

// WithStateStore persists poll status after every cycle
func WithStateStore(store *StateStore) PollerOption {
	return func(p *Poller) {
		p.stateStore = store
	}
}

// WithAuthLostCallback registers a callback fired when polling ends because
// the user is no longer signed in to the backend
func WithAuthLostCallback(fn func(err error)) PollerOption {
	return func(p *Poller) {
		p.onAuthLost = fn
	}
}

// WithMaxBackoff overrides MaxPollBackoff
func WithMaxBackoff(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.maxBackoff = d
	}
}

// Poller fetches a user's active alerts on a cluster-scheduled job. Polls
// run on a fixed cadence; consecutive failures stretch the wait with capped
// exponential backoff and the first success restores the fixed cadence.
type Poller struct {
	userID     string
	interval   time.Duration
	maxBackoff time.Duration
	client     Fetcher
	scheduler  JobScheduler
	stateStore *StateStore
	onAuthLost func(err error)
	logger     logging.Logger
	now        func() time.Time

	mu        sync.Mutex
	job       Job
	handler   BatchHandler
	startedAt time.Time
	status    Status
	ctx       context.Context
	cancel    context.CancelFunc
	authLost  bool

	inflight sync.WaitGroup
}

// NewPoller creates a poller for one user
func NewPoller(
	userID string,
	interval time.Duration,
	client Fetcher,
	scheduler JobScheduler,
	logger logging.Logger,
	opts ...PollerOption,
) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p := &Poller{
		userID:     userID,
		interval:   interval,
		maxBackoff: MaxPollBackoff,
		client:     client,
		scheduler:  scheduler,
		logger:     logger,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Poller) jobID() string {
	return fmt.Sprintf("safety_alert_poll_%s", p.userID)
}

// Start performs an immediate fetch and schedules the recurring job.
// The returned function stops polling.
func (p *Poller) Start(handler BatchHandler) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job != nil {
		return nil, fmt.Errorf("poller already running")
	}

	p.handler = handler
	p.startedAt = p.now()
	p.authLost = false
	p.ctx, p.cancel = context.WithCancel(context.Background())

	job, err := p.scheduler.Schedule(p.jobID(), p.nextWaitInterval, p.run)
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to schedule cluster job: %w", err)
	}
	p.job = job

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.poll()
	}()

	p.logger.Info("Alert poller started", "userId", p.userID, "interval", p.interval.String())

	return func() {
		if stopErr := p.Stop(); stopErr != nil {
			p.logger.Error("Failed to stop alert poller", "userId", p.userID, "error", stopErr.Error())
		}
	}, nil
}

// Stop closes the scheduled job and waits for an in-flight poll to finish.
// Responses arriving after Stop are discarded.
func (p *Poller) Stop() error {
	p.mu.Lock()
	job := p.job
	p.job = nil
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if job == nil {
		return nil
	}

	err := job.Close()
	p.inflight.Wait()

	if err != nil {
		return fmt.Errorf("failed to close cluster job: %w", err)
	}

	p.logger.Info("Alert poller stopped", "userId", p.userID)
	return nil
}

// Status returns a copy of the current poll status
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := p.status
	status.NextInterval = p.backoffLocked()
	return status
}

// nextWaitInterval is called by the cluster job scheduler to decide how long
// to wait before the next poll
func (p *Poller) nextWaitInterval(now time.Time, metadata cluster.JobMetadata) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	last := metadata.LastFinished
	if last.IsZero() || last.Before(p.startedAt) {
		// The immediate fetch in Start covers the first cycle
		last = p.startedAt
	}

	wait := p.backoffLocked()
	elapsed := now.Sub(last)
	if elapsed < wait {
		return wait - elapsed
	}

	return 0
}

// backoffLocked returns min(interval * 2^failures, maxBackoff)
func (p *Poller) backoffLocked() time.Duration {
	wait := p.interval
	for i := 0; i < p.status.ConsecutiveFailures; i++ {
		wait *= 2
		if wait >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	return wait
}

// run is called by the cluster job scheduler to execute a poll cycle
func (p *Poller) run() {
	p.mu.Lock()
	if p.job == nil {
		p.mu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	defer p.inflight.Done()
	p.poll()
}

func (p *Poller) poll() {
	p.mu.Lock()
	ctx := p.ctx
	handler := p.handler
	p.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	p.logger.Debug("Starting alert poll", "userId", p.userID)

	p.mu.Lock()
	p.status.LastPoll = p.now()
	p.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	resp, err := p.client.ActiveAlerts(fetchCtx)
	cancel()

	if ctx.Err() != nil {
		// Stopped while the request was in flight
		return
	}

	if err != nil {
		p.handlePollError(err)
		return
	}
	if resp == nil {
		resp = &safetyapi.ActiveAlertsResponse{}
	}

	if handler != nil {
		handler(resp)
	}

	p.mu.Lock()
	p.status.LastSuccess = p.now()
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	status := p.status
	p.mu.Unlock()

	p.saveStatus(status)

	p.logger.Debug("Alert poll completed",
		"userId", p.userID,
		"hasActiveAlerts", resp.HasActiveAlerts,
		"alertCount", len(resp.Alerts))
}

// handlePollError records a failed cycle. Transient failures are swallowed
// and stretch the next wait; losing the session ends polling.
func (p *Poller) handlePollError(err error) {
	if errors.Is(err, safetyapi.ErrSessionExpired) || errors.Is(err, safetyapi.ErrNotAuthenticated) {
		p.endPolling(err)
		return
	}

	p.mu.Lock()
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()
	status := p.status
	next := p.backoffLocked()
	p.mu.Unlock()

	p.logger.Warn("Alert poll failed",
		"userId", p.userID,
		"error", err.Error(),
		"consecutiveFailures", status.ConsecutiveFailures,
		"nextWait", next.String())

	p.saveStatus(status)
}

func (p *Poller) endPolling(err error) {
	p.mu.Lock()
	if p.authLost {
		p.mu.Unlock()
		return
	}
	p.authLost = true
	p.status.LastError = err.Error()
	p.mu.Unlock()

	p.logger.Info("Ending alert polling, user is signed out", "userId", p.userID, "reason", err.Error())

	// Stop waits for in-flight polls, so it cannot run on this goroutine
	go func() {
		if p.onAuthLost != nil {
			p.onAuthLost(err)
			return
		}
		if stopErr := p.Stop(); stopErr != nil {
			p.logger.Error("Failed to stop alert poller", "userId", p.userID, "error", stopErr.Error())
		}
	}()
}

func (p *Poller) saveStatus(status Status) {
	if p.stateStore == nil {
		return
	}
	if err := p.stateStore.SaveStatus(status); err != nil {
		p.logger.Error("Failed to save poll status", "userId", p.userID, "error", err.Error())
	}
}
