// Package poller implements the bounded pull loop used when no push channel
// is available for a job.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/internal/metrics"
	"github.com/forgeline/jobsync/pkg/types"
)

// Config bounds a poll loop. MaxAttempts <= 0 means unbounded.
type Config struct {
	Interval      time.Duration `yaml:"interval"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	NotFoundGrace int           `yaml:"notFoundGrace"`
}

// Foreground is the profile for a job the user is actively watching
func Foreground() Config {
	return Config{Interval: 500 * time.Millisecond, MaxAttempts: 240, NotFoundGrace: 3}
}

// Background is the profile for jobs tracked without a user waiting
func Background() Config {
	return Config{Interval: 3 * time.Second, MaxAttempts: 200, NotFoundGrace: 3}
}

// Callbacks receive poll results. All are optional and run on the poll goroutine.
type Callbacks struct {
	// OnEntries gets log entries past the last length this poller saw
	OnEntries func(job *types.Job, entries []types.ProgressEntry)
	// OnTerminal fires once when a terminal status is read
	OnTerminal func(job *types.Job)
	// OnFailure gets *types.NotFoundError or *types.TimeoutError
	OnFailure func(err error)
}

// Option customizes a Poller
type Option func(*Poller)

func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller reads one job until it is terminal, the budget runs out or Stop is called
type Poller struct {
	store   jobstore.Reader
	jobID   string
	cfg     Config
	cb      Callbacks
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New(store jobstore.Reader, jobID string, cfg Config, cb Callbacks, opts ...Option) *Poller {
	p := &Poller{
		store:   store,
		jobID:   jobID,
		cfg:     cfg,
		cb:      cb,
		clock:   clock.RealClock{},
		logger:  slog.Default(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("job", jobID)
	return p
}

// Start launches the loop. The first read happens immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	select {
	case <-p.stopped:
		close(p.done)
		return
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
}

// Stop halts the loop and waits for it to exit. Idempotent. Must not be
// called from a callback.
func (p *Poller) Stop() {
	p.once.Do(func() {
		close(p.stopped)
	})

	p.mu.Lock()
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-p.done
	}
}

// Stopping is closed as soon as Stop is called
func (p *Poller) Stopping() <-chan struct{} {
	return p.stopped
}

// Done is closed when the loop has exited
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	var (
		attempts int
		notFound int
		seen     int
	)

	for {
		attempts++
		job, err := p.store.GetJob(ctx, p.jobID)
		if p.halted(ctx) {
			return
		}

		switch {
		case err == nil:
			notFound = 0
			p.metrics.RecordPollRead("ok")

			if len(job.ProgressLog) > seen {
				entries := job.ProgressLog[seen:]
				seen = len(job.ProgressLog)
				if p.cb.OnEntries != nil {
					p.cb.OnEntries(job, entries)
				}
			}
			if job.Status.IsTerminal() {
				p.logger.Debug("Poll observed terminal status", "status", job.Status, "attempts", attempts)
				if p.cb.OnTerminal != nil {
					p.cb.OnTerminal(job)
				}
				return
			}

		case errors.Is(err, types.ErrNotFound):
			notFound++
			p.metrics.RecordPollRead("not_found")
			if notFound > p.cfg.NotFoundGrace {
				p.fail(&types.NotFoundError{JobID: p.jobID})
				return
			}
			p.logger.Debug("Job not visible yet", "reads", notFound)

		default:
			p.metrics.RecordPollRead("error")
			p.logger.Warn("Poll read failed", "attempt", attempts, "error", err)
		}

		if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
			p.fail(&types.TimeoutError{JobID: p.jobID, Attempts: attempts})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

func (p *Poller) halted(ctx context.Context) bool {
	select {
	case <-p.stopped:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (p *Poller) fail(err error) {
	p.logger.Info("Polling gave up", "error", err)
	if p.cb.OnFailure != nil {
		p.cb.OnFailure(err)
	}
}
