package jobs

import (
	"log/slog"
	"sync"

	"github.com/forgeline/jobsync/pkg/types"
)

const (
	jobListenerBuffer    = 10
	changeListenerBuffer = 64
)

// listeners fans store updates out to per-job and global subscribers.
// Sends never block the store. A full per-job listener misses progress but
// still gets the terminal update; a full change watcher gets coalesced changes.
type listeners struct {
	mu      sync.RWMutex
	perJob  map[string][]chan types.JobUpdate
	changes []*watcher
}

func newListeners() *listeners {
	return &listeners{perJob: make(map[string][]chan types.JobUpdate)}
}

func (l *listeners) subscribe(jobID string) chan types.JobUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan types.JobUpdate, jobListenerBuffer)
	l.perJob[jobID] = append(l.perJob[jobID], ch)
	return ch
}

func (l *listeners) unsubscribe(jobID string, ch chan types.JobUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.perJob[jobID]
	for i, sub := range subs {
		if sub == ch {
			l.perJob[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(l.perJob[jobID]) == 0 {
		delete(l.perJob, jobID)
	}
}

func (l *listeners) watch() chan Change {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := newWatcher()
	l.changes = append(l.changes, w)
	return w.ch
}

func (l *listeners) unwatch(ch chan Change) {
	l.mu.Lock()
	var found *watcher
	for i, w := range l.changes {
		if w.ch == ch {
			found = w
			l.changes = append(l.changes[:i], l.changes[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	if found != nil {
		found.stop()
	}
}

func (l *listeners) notify(job *types.Job, update types.JobUpdate) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.perJob[update.JobID] {
		select {
		case ch <- update:
			continue
		default:
		}
		if !update.Status.IsTerminal() {
			slog.Warn("Job listener full, dropping update", "job", update.JobID)
			continue
		}
		// evict the oldest buffered update to make room for the final one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- update:
		default:
			slog.Warn("Job listener full, dropping terminal update", "job", update.JobID)
		}
	}

	if len(l.changes) == 0 {
		return
	}
	change := Change{Job: job.Clone(), Update: update}
	for _, w := range l.changes {
		w.offer(change)
	}
}

func (l *listeners) closeAll() {
	l.mu.Lock()
	watchers := l.changes
	l.changes = nil
	for jobID, subs := range l.perJob {
		for _, ch := range subs {
			close(ch)
		}
		delete(l.perJob, jobID)
	}
	l.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
}

// watcher is one Watch subscription. Changes that do not fit the buffer are
// parked, one per job with the latest winning, and forwarded in arrival order
// by a pump goroutine. A slow consumer may miss intermediate progress of a job
// but always receives its most recent state.
type watcher struct {
	ch chan Change

	mu      sync.Mutex
	parked  map[string]Change
	order   []string
	sending bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newWatcher() *watcher {
	w := &watcher{
		ch:      make(chan Change, changeListenerBuffer),
		parked:  make(map[string]Change),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *watcher) offer(change Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// sending directly while older changes wait would reorder them
	if len(w.order) == 0 && !w.sending {
		select {
		case w.ch <- change:
			return
		default:
		}
	}

	id := change.Update.JobID
	if _, ok := w.parked[id]; !ok {
		w.order = append(w.order, id)
		if len(w.order) == 1 {
			slog.Warn("Change listener full, coalescing updates", "job", id)
		}
	}
	w.parked[id] = change

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest parked change. The watcher counts as sending until
// next reports nothing is left.
func (w *watcher) next() (Change, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.order) == 0 {
		w.sending = false
		return Change{}, false
	}
	id := w.order[0]
	w.order = w.order[1:]
	change := w.parked[id]
	delete(w.parked, id)
	w.sending = true
	return change, true
}

func (w *watcher) pump() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			change, ok := w.next()
			if !ok {
				break
			}
			select {
			case w.ch <- change:
			case <-w.done:
				return
			}
		}
	}
}

// stop ends the pump and closes the channel. The watcher must already be
// removed from listeners so nothing offers to it anymore.
func (w *watcher) stop() {
	close(w.done)
	<-w.stopped
	close(w.ch)
}
