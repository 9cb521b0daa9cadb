// Package remediation turns error batches reported by the preview sandbox
// into automatic fix jobs without letting fixes trigger each other forever.
//
// States run idle → debouncing → fixing → cooldown → idle. A batch is
// suppressed when it matches the batch that triggered the previous attempt,
// when it arrives inside the cooldown window, or when the chain of
// consecutive attempts is used up.
package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/internal/pushchan"
	"github.com/forgeline/jobsync/internal/syncer"
	"github.com/forgeline/jobsync/pkg/types"
)

type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateFixing
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateFixing:
		return "fixing"
	case StateCooldown:
		return "cooldown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Reason explains a Report decision
type Reason string

const (
	ReasonAccepted    Reason = "accepted"
	ReasonResolved    Reason = "resolved"
	ReasonFixing      Reason = "fixing"
	ReasonUnchanged   Reason = "unchanged"
	ReasonCooldown    Reason = "cooldown"
	ReasonMaxAttempts Reason = "max_attempts"
	ReasonStopped     Reason = "stopped"
)

// Decision is the outcome of one Report
type Decision struct {
	Reason    Reason
	Signature string
}

// Accepted reports whether the batch will lead to a fix attempt
func (d Decision) Accepted() bool {
	return d.Reason == ReasonAccepted
}

// Submitter creates a fix job for an error batch
type Submitter interface {
	SubmitFix(ctx context.Context, batch []types.EnvError) (jobID string, err error)
}

// Applier installs the artifact set a completed fix job produced
type Applier interface {
	Apply(ctx context.Context, jobID string, result json.RawMessage) error
}

// Tracker follows one fix job. *syncer.Controller satisfies it.
type Tracker interface {
	Start(ctx context.Context) error
	Wait(ctx context.Context) error
	Stop()
}

// TrackFunc builds a tracker for a submitted fix job
type TrackFunc func(jobID string, observer syncer.Observer) Tracker

// ControllerTracker tracks fix jobs with synchronization controllers on the
// shared push channel
func ControllerTracker(ownerID string, store jobstore.Store, channel *pushchan.Channel, cfg syncer.Config) TrackFunc {
	return func(jobID string, observer syncer.Observer) Tracker {
		return syncer.New(jobID, ownerID, store, channel, observer, cfg)
	}
}

// Attempt describes a finished fix attempt
type Attempt struct {
	JobID     string
	Signature string
	Applied   bool
	Err       error
}

// Config tunes a Loop
type Config struct {
	Debounce    time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	// OnAttempt is called after every fixing exit. It must not call Stop.
	OnAttempt func(Attempt)
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		Debounce:    2 * time.Second,
		Cooldown:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// Loop is the auto-remediation state machine
type Loop struct {
	submitter Submitter
	applier   Applier
	track     TrackFunc
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	stopped       bool
	lastSignature string
	lastAttempt   time.Time
	attempts      int
	pending       []types.EnvError
	pendingSig    string
	evidence      []types.EnvError
	hasEvidence   bool
	debounceStop  chan struct{}
	debounceTimer clock.Timer
	cooldownStop  chan struct{}
	cooldownTimer clock.Timer
	active        Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(submitter Submitter, applier Applier, track TrackFunc, cfg Config) *Loop {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Loop{
		submitter: submitter,
		applier:   applier,
		track:     track,
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "remediation"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current state
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Report feeds the latest error batch into the loop
func (l *Loop) Report(batch []types.EnvError) Decision {
	l.mu.Lock()
	d := l.report(batch)
	l.mu.Unlock()

	l.cfg.Metrics.RecordRemediationDecision(string(d.Reason))
	if d.Reason != ReasonAccepted {
		l.logger.Debug("Error batch not acted on", "reason", d.Reason, "errors", len(batch))
	}
	return d
}

func (l *Loop) report(batch []types.EnvError) Decision {
	sig := Signature(batch)
	d := Decision{Signature: sig}

	if l.stopped {
		d.Reason = ReasonStopped
		return d
	}

	if l.state == StateFixing {
		l.evidence = batch
		l.hasEvidence = true
		d.Reason = ReasonFixing
		return d
	}

	if len(batch) == 0 {
		l.lastSignature = ""
		l.attempts = 0
		if l.state == StateDebouncing {
			l.stopDebounce()
			l.state = StateIdle
		}
		d.Reason = ReasonResolved
		return d
	}

	if sig == l.lastSignature {
		d.Reason = ReasonUnchanged
		return d
	}
	// different errors than the last attempt's trigger
	l.lastSignature = ""

	if !l.lastAttempt.IsZero() && l.clock.Since(l.lastAttempt) < l.cfg.Cooldown {
		d.Reason = ReasonCooldown
		return d
	}
	if l.attempts >= l.cfg.MaxAttempts {
		d.Reason = ReasonMaxAttempts
		return d
	}

	l.stopCooldown()
	l.pending = batch
	l.pendingSig = sig
	l.state = StateDebouncing
	l.restartDebounce()

	d.Reason = ReasonAccepted
	return d
}

// Stop cancels timers and any fix being tracked. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.stopDebounce()
	l.stopCooldown()
	active := l.active
	l.mu.Unlock()

	l.cancel()
	if active != nil {
		active.Stop()
	}
	l.wg.Wait()
}

// restartDebounce must be called with l.mu held
func (l *Loop) restartDebounce() {
	l.stopDebounce()

	stop := make(chan struct{})
	timer := l.clock.NewTimer(l.cfg.Debounce)
	l.debounceStop = stop
	l.debounceTimer = timer

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		select {
		case <-stop:
		case <-l.ctx.Done():
		case <-timer.C():
			l.fire(stop)
		}
	}()
}

// stopDebounce must be called with l.mu held
func (l *Loop) stopDebounce() {
	if l.debounceStop != nil {
		l.debounceTimer.Stop()
		close(l.debounceStop)
		l.debounceStop = nil
		l.debounceTimer = nil
	}
}

// stopCooldown must be called with l.mu held
func (l *Loop) stopCooldown() {
	if l.cooldownStop != nil {
		l.cooldownTimer.Stop()
		close(l.cooldownStop)
		l.cooldownStop = nil
		l.cooldownTimer = nil
	}
}

// fire moves debouncing to fixing if the timer that expired is still current
func (l *Loop) fire(stop chan struct{}) {
	l.mu.Lock()
	if l.stopped || l.debounceStop != stop || l.state != StateDebouncing {
		l.mu.Unlock()
		return
	}
	l.debounceStop = nil
	l.debounceTimer = nil
	batch := l.pending
	sig := l.pendingSig
	l.pending = nil
	l.state = StateFixing
	l.lastSignature = sig
	l.attempts++
	l.evidence = nil
	l.hasEvidence = false
	attempt := l.attempts
	l.mu.Unlock()

	l.logger.Info("Submitting fix", "errors", len(batch), "attempt", attempt)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.exitFixing(l.fix(batch, sig))
	}()
}

func (l *Loop) fix(batch []types.EnvError, sig string) Attempt {
	attempt := Attempt{Signature: sig}

	jobID, err := l.submitter.SubmitFix(l.ctx, batch)
	if err != nil {
		attempt.Err = fmt.Errorf("failed to submit fix: %w", err)
		return attempt
	}
	attempt.JobID = jobID

	var result json.RawMessage
	tracker := l.track(jobID, syncer.Callbacks{
		Complete: func(r json.RawMessage) { result = r },
	})

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		attempt.Err = context.Canceled
		return attempt
	}
	l.active = tracker
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.active = nil
		l.mu.Unlock()
		tracker.Stop()
	}()

	if err := tracker.Start(l.ctx); err != nil {
		attempt.Err = err
		return attempt
	}
	if err := tracker.Wait(l.ctx); err != nil {
		attempt.Err = err
		return attempt
	}
	if l.ctx.Err() != nil {
		attempt.Err = l.ctx.Err()
		return attempt
	}

	if err := l.applier.Apply(l.ctx, jobID, result); err != nil {
		attempt.Err = fmt.Errorf("failed to apply fix %s: %w", jobID, err)
		return attempt
	}
	attempt.Applied = true
	return attempt
}

// exitFixing enters cooldown whatever the outcome and checks post-fix evidence
func (l *Loop) exitFixing(attempt Attempt) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.lastAttempt = l.clock.Now()
	l.state = StateCooldown

	if l.hasEvidence {
		evidence := Signature(l.evidence)
		if evidence == "" {
			l.lastSignature = ""
			l.attempts = 0
		} else if evidence != l.lastSignature {
			l.lastSignature = ""
		}
		l.evidence = nil
		l.hasEvidence = false
	}
	// nothing was applied, so the same batch may be tried again
	if attempt.Err != nil && !attempt.Applied {
		l.lastSignature = ""
	}

	stop := make(chan struct{})
	timer := l.clock.NewTimer(l.cfg.Cooldown)
	l.cooldownStop = stop
	l.cooldownTimer = timer
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		select {
		case <-stop:
		case <-l.ctx.Done():
		case <-timer.C():
			l.mu.Lock()
			if l.cooldownStop == stop {
				l.cooldownStop = nil
				l.cooldownTimer = nil
				if l.state == StateCooldown {
					l.state = StateIdle
				}
			}
			l.mu.Unlock()
		}
	}()
	l.mu.Unlock()

	switch {
	case attempt.Err == nil:
		l.logger.Info("Fix applied", "job", attempt.JobID)
	case errors.Is(attempt.Err, context.Canceled):
		l.logger.Debug("Fix abandoned", "job", attempt.JobID)
	default:
		l.logger.Warn("Fix attempt failed", "job", attempt.JobID, "error", attempt.Err)
	}

	if l.cfg.OnAttempt != nil {
		l.cfg.OnAttempt(attempt)
	}
}
