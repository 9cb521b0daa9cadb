// Package listsync keeps an owner's job list current from list:update
// pushes, with de-duplicated on-demand refreshes.
package listsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/internal/pushchan"
	"github.com/forgeline/jobsync/pkg/types"
)

// Snapshot is an owner's job list at one point in time
type Snapshot struct {
	Jobs        []*types.Job
	ActiveCount int
}

// Config tunes a Synchronizer
type Config struct {
	// FallbackInterval polls the list while the channel is down. 0 disables it.
	FallbackInterval time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// Synchronizer mirrors one owner's job list
type Synchronizer struct {
	ownerID string
	store   jobstore.Lister
	channel *pushchan.Channel
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	snapshot   Snapshot
	generation uint64
	inflight   *refreshCall
	listeners  map[uint64]func(Snapshot)
	nextID     uint64
	started    bool
	unsubs     []func()

	notifyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a synchronizer. channel may be nil.
func New(ownerID string, store jobstore.Lister, channel *pushchan.Channel, cfg Config) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Synchronizer{
		ownerID:   ownerID,
		store:     store,
		channel:   channel,
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("owner", ownerID),
		listeners: make(map[uint64]func(Snapshot)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start populates the list and begins listening for pushes
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.channel != nil {
		s.unsubs = append(s.unsubs,
			s.channel.Subscribe(types.EventListUpdate, s.handlePush),
			s.channel.OnStateChange(s.handleState),
		)
		if err := s.channel.Join(ctx, s.ownerID); err != nil {
			s.logger.Warn("Failed to join owner room", "error", err)
		}
	}

	if s.cfg.FallbackInterval > 0 {
		s.wg.Add(1)
		go s.fallbackLoop()
	}

	return s.Refresh(ctx)
}

// Refresh re-reads the list. Concurrent callers share one request; a
// result overtaken by a push snapshot is discarded.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	gen := s.generation
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx, s.ownerID)

	s.mu.Lock()
	s.inflight = nil
	applied := false
	if err == nil && s.generation == gen {
		s.generation++
		s.snapshot = Snapshot{Jobs: jobs, ActiveCount: types.CountActive(jobs)}
		applied = true
	}
	s.mu.Unlock()

	call.err = err
	close(call.done)

	switch {
	case err != nil:
		s.logger.Warn("List refresh failed", "error", err)
	case applied:
		s.notify()
	default:
		s.logger.Debug("Discarded refresh superseded by push")
	}
	return err
}

// Snapshot returns a copy of the current list
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*types.Job, len(s.snapshot.Jobs))
	for i, j := range s.snapshot.Jobs {
		jobs[i] = j.Clone()
	}
	return Snapshot{Jobs: jobs, ActiveCount: s.snapshot.ActiveCount}
}

// OnChange registers fn for every applied snapshot
func (s *Synchronizer) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Stop detaches from the channel and halts the fallback loop. Idempotent.
func (s *Synchronizer) Stop() {
	s.once.Do(func() {
		s.cancel()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.listeners = make(map[uint64]func(Snapshot))
		s.mu.Unlock()
	})
}

func (s *Synchronizer) handlePush(ev types.Event) {
	update, ok := ev.(types.ListUpdateEvent)
	if !ok || update.OwnerID != s.ownerID {
		return
	}

	s.mu.Lock()
	s.generation++
	s.snapshot = Snapshot{Jobs: update.Jobs, ActiveCount: update.ActiveCount}
	s.mu.Unlock()

	s.notify()
}

func (s *Synchronizer) handleState(state pushchan.State) {
	if state != pushchan.StateConnected {
		return
	}
	// catch up on pushes missed while disconnected
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.ctx.Err() == nil {
			s.Refresh(s.ctx)
		}
	}()
}

func (s *Synchronizer) fallbackLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.cfg.FallbackInterval):
		}

		if s.channel != nil && s.channel.Connected() {
			continue
		}
		s.Refresh(s.ctx)
	}
}

// notify hands listeners the latest snapshot. Serialized so a listener never
// sees an older list after a newer one.
func (s *Synchronizer) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	snap := s.Snapshot()
	s.mu.Lock()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
