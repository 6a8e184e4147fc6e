// Package audio runs the audio monitor: while a user's risk is above the
// threshold it records short samples from their microphone and submits them
// for crisis analysis.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/capability"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

const (
	// DefaultThreshold is the risk above which the monitor records
	DefaultThreshold = 70.0

	// DefaultRecordDuration is the length of one sample
	DefaultRecordDuration = 5 * time.Second

	// DefaultRecordInterval is the pause between samples
	DefaultRecordInterval = 10 * time.Second

	// analyzeTimeout bounds one analysis request
	analyzeTimeout = 30 * time.Second
)

// ErrRecordingFailed wraps a failed sample. The monitor stays Active and
// tries again on the next cycle.
var ErrRecordingFailed = errors.New("audio recording failed")

// State is the gate state
type State int

const (
	// Standby means the microphone is not held
	Standby State = iota
	// Active means the gate holds, or is acquiring, the microphone
	Active
)

func (s State) String() string {
	if s == Active {
		return "Active"
	}
	return "Standby"
}

// Stream is an open microphone. Release must be idempotent.
type Stream interface {
	capability.Lease
	Record(ctx context.Context, d time.Duration) ([]byte, error)
}

// Microphone opens the user's microphone, asking for permission if needed
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Analyzer submits a sample for server-side crisis detection
type Analyzer interface {
	AnalyzeAudio(ctx context.Context, wav []byte) (*safetyapi.AudioAnalysis, error)
}

// Reporter surfaces monitor results to the user
type Reporter interface {
	CrisisDetected(analysis *safetyapi.AudioAnalysis)
	MonitorError(err error)
}

// Config holds the gate settings
type Config struct {
	Threshold      float64
	RecordDuration time.Duration
	RecordInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.RecordDuration <= 0 {
		c.RecordDuration = DefaultRecordDuration
	}
	if c.RecordInterval <= 0 {
		c.RecordInterval = DefaultRecordInterval
	}
}

// activation is one Standby to Active period
type activation struct {
	cancel context.CancelFunc
	slot   *capability.Slot
	done   chan struct{}
}

// Gate opens the microphone while risk is above the threshold and releases
// it, before returning, whenever the gate leaves Active.
type Gate struct {
	cfg      Config
	mic      Microphone
	analyzer Analyzer
	reporter Reporter
	logger   logging.Logger

	mu      sync.Mutex
	risk    float64
	enabled bool
	closed  bool
	// denied latches after a failed acquisition so the user is not asked
	// again until risk drops to the threshold or the gate is re-enabled
	denied  bool
	current *activation
}

// NewGate creates an enabled gate in Standby
func NewGate(cfg Config, mic Microphone, analyzer Analyzer, reporter Reporter, logger logging.Logger) *Gate {
	cfg.setDefaults()
	return &Gate{
		cfg:      cfg,
		mic:      mic,
		analyzer: analyzer,
		reporter: reporter,
		logger:   logger,
		enabled:  true,
	}
}

// SetRiskLevel feeds the latest risk value into the gate
func (g *Gate) SetRiskLevel(r float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.risk = r
	if r <= g.cfg.Threshold {
		g.denied = false
	}
	g.reconcileLocked()
}

// SetEnabled turns the monitor on or off. Re-enabling clears a denial.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if enabled && !g.enabled {
		g.denied = false
	}
	g.enabled = enabled
	g.reconcileLocked()
}

// Close leaves Active for good and waits for the recording loop to exit
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	current := g.current
	g.reconcileLocked()
	g.mu.Unlock()

	if current != nil {
		<-current.done
	}
}

// State returns the current gate state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		return Active
	}
	return Standby
}

// Denied reports whether the gate is holding off after a failed acquisition
func (g *Gate) Denied() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denied
}

func (g *Gate) shouldBeActiveLocked() bool {
	return g.enabled && !g.closed && !g.denied && g.risk > g.cfg.Threshold
}

func (g *Gate) reconcileLocked() {
	want := g.shouldBeActiveLocked()

	switch {
	case want && g.current == nil:
		g.activateLocked()
	case !want && g.current != nil:
		g.deactivateLocked()
	}
}

func (g *Gate) activateLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	act := &activation{
		cancel: cancel,
		slot:   &capability.Slot{},
		done:   make(chan struct{}),
	}
	g.current = act

	g.logger.Info("Audio monitor active", "risk", g.risk, "threshold", g.cfg.Threshold)

	go g.loop(ctx, act)
}

// deactivateLocked stops the loop and releases the microphone synchronously
func (g *Gate) deactivateLocked() {
	act := g.current
	g.current = nil

	act.cancel()
	act.slot.Release()

	g.logger.Info("Audio monitor on standby", "risk", g.risk)
}

func (g *Gate) loop(ctx context.Context, act *activation) {
	defer close(act.done)

	stream, err := g.mic.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.acquireFailed(act, err)
		}
		return
	}

	if !act.slot.Put(stream) {
		// Left Active while the microphone was being opened
		return
	}
	defer act.slot.Release()

	// a run of failed recordings is reported once
	reported := false
	for {
		switch err := g.cycle(ctx, stream); {
		case err == nil:
			reported = false
		case !reported:
			reported = true
			g.reporter.MonitorError(fmt.Errorf("%w: %v", ErrRecordingFailed, err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.cfg.RecordInterval):
		}
	}
}

// cycle records one sample, submits it and discards it. It returns the
// recording error, if any.
func (g *Gate) cycle(ctx context.Context, stream Stream) error {
	wav, err := stream.Record(ctx, g.cfg.RecordDuration)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		g.logger.Warn("Audio recording failed", "error", err.Error())
		return err
	}

	analyzeCtx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	analysis, err := g.analyzer.AnalyzeAudio(analyzeCtx, wav)
	cancel()

	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		g.logger.Warn("Audio analysis failed", "error", err.Error())
		return nil
	}

	if analysis != nil && analysis.CrisisDetected {
		g.logger.Warn("Audio analysis detected crisis indicators",
			"keywords", analysis.KeywordsFound,
			"confidence", analysis.Confidence,
			"alertCreated", analysis.AlertCreated)
		g.reporter.CrisisDetected(analysis)
	}
	return nil
}

func (g *Gate) acquireFailed(act *activation, err error) {
	g.mu.Lock()
	if g.current != act {
		g.mu.Unlock()
		return
	}
	g.denied = true
	g.deactivateLocked()
	g.mu.Unlock()

	g.logger.Warn("Microphone unavailable, audio monitor on standby", "error", err.Error())
	g.reporter.MonitorError(fmt.Errorf("microphone access failed: %w", err))
}
