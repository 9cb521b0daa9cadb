// Package syncer tracks one job to its terminal state over the shared push
// channel, falling back to polling when push is not available.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/internal/poller"
	"github.com/forgeline/jobsync/internal/pushchan"
	"github.com/forgeline/jobsync/pkg/types"
)

// Mode is the tracking state of a Controller
type Mode int

const (
	ModeIdle Mode = iota
	ModeConnecting
	ModePush
	ModePoll
	ModeTerminal
	ModeStopped
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeConnecting:
		return "connecting"
	case ModePush:
		return "push"
	case ModePoll:
		return "poll"
	case ModeTerminal:
		return "terminal"
	case ModeStopped:
		return "stopped"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Config tunes a Controller
type Config struct {
	// ConnectBudget bounds both the initial connect and a reconnect while tracking
	ConnectBudget time.Duration
	Poll          poller.Config
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		ConnectBudget: 5 * time.Second,
		Poll:          poller.Foreground(),
	}
}

// messages consumed by the event loop
type (
	pushMsg      struct{ ev types.Event }
	stateMsg     struct{ state pushchan.State }
	entriesMsg   struct{ entries []types.ProgressEntry }
	jobMsg       struct{ job *types.Job }
	failureMsg   struct{ err error }
	reconcileMsg struct{}
	reconciled   struct {
		job *types.Job
		err error
	}
)

// Controller is a per-job tracking session
type Controller struct {
	jobID    string
	ownerID  string
	store    jobstore.Store
	channel  *pushchan.Channel
	observer Observer
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	inbox chan any

	mu          sync.Mutex
	mode        Mode
	err         error
	started     bool
	stopping    bool
	dispatching bool
	cancel      context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once

	// owned by the loop goroutine
	ctx         context.Context
	seen        map[string]struct{}
	terminal    bool
	pushStop    chan struct{}
	unsubs      []func()
	reconnectT  clock.Timer
	poll        *poller.Poller
	reconciling bool
	rereconcile bool
	lastPercent int
}

// New creates an idle controller. channel may be nil, in which case the
// controller polls from the start.
func New(jobID, ownerID string, store jobstore.Store, channel *pushchan.Channel, observer Observer, cfg Config) *Controller {
	if cfg.ConnectBudget <= 0 {
		cfg.ConnectBudget = DefaultConfig().ConnectBudget
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll = poller.Foreground()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if observer == nil {
		observer = Callbacks{}
	}

	return &Controller{
		jobID:    jobID,
		ownerID:  ownerID,
		store:    store,
		channel:  channel,
		observer: observer,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("job", jobID),
		inbox:    make(chan any, 64),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// JobID returns the tracked job id
func (c *Controller) JobID() string {
	return c.jobID
}

// Mode returns the current tracking mode. Diagnostic only.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Err returns the terminal error once tracking ended, nil on completion
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start begins tracking in the background
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller for job %s already started", c.jobID)
	}
	if c.mode == ModeStopped {
		c.mu.Unlock()
		return fmt.Errorf("controller for job %s stopped", c.jobID)
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.ctx = runCtx
	go c.run()
	return nil
}

// Wait blocks until the job is terminal or tracking stopped
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when tracking has ended
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stop tears down push subscriptions and polling. Idempotent and safe after
// natural termination. No observer callback starts once Stop returns.
// While a callback is running Stop does not wait for the loop to exit: it may
// be called from that callback, and the running callback is the last one.
func (c *Controller) Stop() {
	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	c.stopping = true
	inCallback := c.dispatching
	if !started {
		c.mode = ModeStopped
	}
	c.mu.Unlock()

	if !started {
		c.stopOnce.Do(func() { close(c.done) })
		return
	}

	cancel()
	if inCallback {
		return
	}
	<-c.done
}

// Cancel asks the store to cancel the job. Tracking ends once the
// cancelled state is observed.
func (c *Controller) Cancel(ctx context.Context) error {
	if err := c.store.CancelJob(ctx, c.jobID); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", c.jobID, err)
	}

	select {
	case c.inbox <- reconcileMsg{}:
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Retry derives a new job from this failed one and returns an unstarted
// controller for it
func (c *Controller) Retry(ctx context.Context, observer Observer) (*Controller, error) {
	newID, err := c.store.RetryJob(ctx, c.jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to retry job %s: %w", c.jobID, err)
	}
	return New(newID, c.ownerID, c.store, c.channel, observer, c.cfg), nil
}

func (c *Controller) run() {
	defer func() {
		c.cancel()
		c.teardown()

		c.mu.Lock()
		if c.mode != ModeTerminal {
			c.mode = ModeStopped
		}
		c.mu.Unlock()

		c.stopOnce.Do(func() { close(c.done) })
	}()

	c.setMode(ModeConnecting)
	if c.connectPush() {
		c.enterPush()
	} else {
		c.enterPoll("push channel not connected")
	}

	for !c.terminal {
		var reconnectC <-chan time.Time
		if c.reconnectT != nil {
			reconnectC = c.reconnectT.C()
		}

		select {
		case <-c.ctx.Done():
			return
		case <-reconnectC:
			c.reconnectT = nil
			c.enterPoll("reconnect exceeded budget")
		case msg := <-c.inbox:
			// select picks at random when both are ready
			if c.ctx.Err() != nil {
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Controller) connectPush() bool {
	if c.channel == nil {
		return false
	}
	if c.channel.Connected() {
		return true
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectBudget)
	defer cancel()

	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Info("Push channel unavailable, polling", "error", err)
		return false
	}
	return true
}

func (c *Controller) enterPush() {
	stop := make(chan struct{})
	c.pushStop = stop

	onEvent := func(ev types.Event) {
		if je, ok := ev.(types.JobEvent); ok && je.Job() == c.jobID {
			c.post(stop, pushMsg{ev: ev})
		}
	}
	for _, t := range []types.EventType{
		types.EventJobProgress,
		types.EventJobComplete,
		types.EventJobError,
		types.EventJobCancelled,
	} {
		c.unsubs = append(c.unsubs, c.channel.Subscribe(t, onEvent))
	}
	c.unsubs = append(c.unsubs, c.channel.OnStateChange(func(s pushchan.State) {
		c.post(stop, stateMsg{state: s})
	}))

	if err := c.channel.Join(c.ctx, c.ownerID); err != nil {
		c.enterPoll(fmt.Sprintf("join failed: %v", err))
		return
	}

	c.setMode(ModePush)
	c.logger.Debug("Tracking over push channel", "room", c.ownerID)

	// a terminal state reached before the subscription would never be pushed
	c.reconcile()

	// the channel may have dropped between Connect and Subscribe
	if s := c.channel.State(); s != pushchan.StateConnected {
		c.handleState(s)
	}
}

func (c *Controller) leavePush() {
	if c.pushStop != nil {
		close(c.pushStop)
		c.pushStop = nil
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	if c.reconnectT != nil {
		c.reconnectT.Stop()
		c.reconnectT = nil
	}
}

func (c *Controller) enterPoll(reason string) {
	if c.poll != nil {
		return
	}
	c.leavePush()

	c.logger.Info("Tracking by polling", "reason", reason)
	c.setMode(ModePoll)

	c.poll = poller.New(c.store, c.jobID, c.cfg.Poll, poller.Callbacks{
		OnEntries: func(_ *types.Job, entries []types.ProgressEntry) {
			c.post(nil, entriesMsg{entries: entries})
		},
		OnTerminal: func(job *types.Job) {
			c.post(nil, jobMsg{job: job})
		},
		OnFailure: func(err error) {
			c.post(nil, failureMsg{err: err})
		},
	}, poller.WithClock(c.clock), poller.WithLogger(c.cfg.Logger), poller.WithMetrics(c.cfg.Metrics))
	c.poll.Start(c.ctx)
}

func (c *Controller) teardown() {
	c.leavePush()
	if c.poll != nil {
		c.poll.Stop()
	}
}

// post hands msg to the loop unless the loop or the sender is shutting down
func (c *Controller) post(senderDone <-chan struct{}, msg any) {
	select {
	case <-senderDone:
		return
	default:
	}
	select {
	case c.inbox <- msg:
	case <-c.ctx.Done():
	case <-senderDone:
	}
}

// reconcile reads the job once outside the poll loop. A request made while
// a read is in flight schedules one more read.
func (c *Controller) reconcile() {
	if c.reconciling {
		c.rereconcile = true
		return
	}
	c.reconciling = true

	go func() {
		job, err := c.store.GetJob(c.ctx, c.jobID)
		c.post(nil, reconciled{job: job, err: err})
	}()
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case pushMsg:
		c.handleEvent(m.ev)

	case stateMsg:
		c.handleState(m.state)

	case entriesMsg:
		for _, e := range m.entries {
			c.progress(e)
		}

	case jobMsg:
		c.applyJob(m.job)

	case reconciled:
		c.reconciling = false
		switch {
		case m.err == nil:
			c.applyJob(m.job)
		case errors.Is(m.err, types.ErrNotFound):
			c.logger.Debug("Job not visible yet")
		case c.ctx.Err() == nil:
			c.logger.Warn("Reconcile read failed", "error", m.err)
		}
		if c.rereconcile && !c.terminal {
			c.rereconcile = false
			c.reconcile()
		}

	case failureMsg:
		outcome := "failed"
		switch {
		case errors.Is(m.err, types.ErrPollTimeout):
			outcome = "timeout"
		case errors.Is(m.err, types.ErrNotFound):
			outcome = "not_found"
		}
		c.finish(outcome, m.err, func() { c.observer.OnError(m.err) })

	case reconcileMsg:
		c.reconcile()
	}
}

func (c *Controller) handleEvent(ev types.Event) {
	switch e := ev.(type) {
	case types.ProgressEvent:
		if e.Entry != nil {
			entry := *e.Entry
			if entry.Percent == 0 {
				entry.Percent = e.Progress
			}
			c.progress(entry)
			return
		}
		// percent-only update, reported when it advances
		if !c.terminal && e.Progress > c.lastPercent {
			c.lastPercent = e.Progress
			entry := types.ProgressEntry{Timestamp: c.clock.Now(), Percent: e.Progress}
			c.notify(func() { c.observer.OnProgress(entry) })
		}
	case types.CompleteEvent:
		c.finish("completed", nil, func() { c.observer.OnComplete(e.Result) })
	case types.ErrorEvent:
		err := &types.ProducerError{JobID: c.jobID, Message: e.Error.Message, Producer: e.Error.Producer}
		c.finish("failed", err, func() { c.observer.OnError(err) })
	case types.CancelledEvent:
		err := &types.CancelledError{JobID: c.jobID}
		c.finish("cancelled", err, func() { c.observer.OnCancelled() })
	}
}

func (c *Controller) handleState(s pushchan.State) {
	if c.Mode() != ModePush {
		return
	}

	switch s {
	case pushchan.StateReconnecting:
		if c.reconnectT == nil {
			c.logger.Debug("Push channel reconnecting", "budget", c.cfg.ConnectBudget)
			c.reconnectT = c.clock.NewTimer(c.cfg.ConnectBudget)
		}
	case pushchan.StateConnected:
		if c.reconnectT != nil {
			c.reconnectT.Stop()
			c.reconnectT = nil
			// events published during the gap were lost
			c.reconcile()
		}
	case pushchan.StateUnavailable, pushchan.StateClosed, pushchan.StateDisconnected:
		c.enterPoll("push channel " + s.String())
	}
}

// applyJob folds a full job read into the session
func (c *Controller) applyJob(job *types.Job) {
	for _, e := range job.ProgressLog {
		c.progress(e)
	}

	switch job.Status {
	case types.JobStatusCompleted:
		c.finish("completed", nil, func() { c.observer.OnComplete(job.Result) })
	case types.JobStatusFailed:
		jobErr := types.JobError{Message: "job failed"}
		if job.Error != nil {
			jobErr = *job.Error
		}
		err := &types.ProducerError{JobID: c.jobID, Message: jobErr.Message, Producer: jobErr.Producer}
		c.finish("failed", err, func() { c.observer.OnError(err) })
	case types.JobStatusCancelled:
		err := &types.CancelledError{JobID: c.jobID}
		c.finish("cancelled", err, func() { c.observer.OnCancelled() })
	}
}

func (c *Controller) progress(entry types.ProgressEntry) {
	if c.terminal {
		return
	}
	key := entry.Key()
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	if entry.Percent > c.lastPercent {
		c.lastPercent = entry.Percent
	}
	c.notify(func() { c.observer.OnProgress(entry) })
}

// finish delivers the first terminal observation; later ones are no-ops
func (c *Controller) finish(outcome string, err error, deliver func()) {
	if c.terminal || c.ctx.Err() != nil {
		return
	}
	c.terminal = true

	c.mu.Lock()
	mode := c.mode
	c.mode = ModeTerminal
	c.err = err
	c.mu.Unlock()

	c.cfg.Metrics.RecordTerminalDelivery(outcome, mode.String())
	c.logger.Info("Job reached terminal state", "outcome", outcome, "mode", mode)
	c.notify(deliver)
}

// notify runs an observer callback on the loop goroutine unless Stop was called
func (c *Controller) notify(fn func()) {
	c.mu.Lock()
	if c.stopping || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.dispatching = false
		c.mu.Unlock()
	}()
	fn()
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	prev := c.mode
	if prev == ModeTerminal || prev == ModeStopped || prev == m {
		c.mu.Unlock()
		return
	}
	c.mode = m
	c.mu.Unlock()

	if (prev == ModePush || prev == ModePoll) && (m == ModePush || m == ModePoll) {
		c.cfg.Metrics.RecordModeSwitch(prev.String(), m.String())
	}
}
