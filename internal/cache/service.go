package cache

import (
	"context"
	"sync"
	"time"

	"github.com/flowkeep/engine/internal/lifecycle"
	"github.com/flowkeep/engine/internal/logging"
	"github.com/flowkeep/engine/internal/store"
)

var _ lifecycle.Service = (*Watcher)(nil)

// Watcher is the lifecycle.Service that warms a Cache, drains
// store.NextChange into a Coalescer, and refreshes the cache from each
// coalesced batch. It is the only writer to its Cache once started.
//
// It also fans each coalesced batch out to any number of subscribers
// (internal/httpapi's GET /changes SSE handler, one subscription per
// connected client) — the multi-consumer event bus half of C4 that the
// Coalescer itself, being single-consumer, doesn't provide on its own.
type Watcher struct {
	store     store.Store
	cache     *Cache
	coalescer *Coalescer
	mirror    *RedisMirror
	log       *logging.Logger

	subMu sync.RWMutex
	subs  map[chan CoalescedEvent]struct{}

	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewWatcher builds a Watcher. window/forceEmit are the cache.CoalesceWindowSeconds
// / cache.ForceEmitSeconds config values converted to time.Duration. mirror
// may be nil when config.CacheConfig.Backend is "memory".
func NewWatcher(st store.Store, c *Cache, window, forceEmit time.Duration, mirror *RedisMirror, log *logging.Logger) *Watcher {
	if log == nil {
		log = logging.NewDefault("cache")
	}
	return &Watcher{
		store:     st,
		cache:     c,
		coalescer: NewCoalescer(RealClock(), window, forceEmit),
		mirror:    mirror,
		log:       log,
		subs:      make(map[chan CoalescedEvent]struct{}),
	}
}

// Subscribe registers a new listener for coalesced change batches. The
// returned channel first carries a Started marker, then every batch from
// the moment of subscription onward; it is buffered but not
// guaranteed lossless under a slow consumer, which is acceptable for a
// status-notification stream that clients can always re-fetch state from on
// reconnect. Callers must invoke the returned cancel func exactly once.
func (w *Watcher) Subscribe() (<-chan CoalescedEvent, func()) {
	ch := make(chan CoalescedEvent, 16)
	ch <- CoalescedEvent{Started: true}
	w.subMu.Lock()
	w.subs[ch] = struct{}{}
	w.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.subMu.Lock()
			delete(w.subs, ch)
			w.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (w *Watcher) broadcast(batch CoalescedEvent) {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	for ch := range w.subs {
		select {
		case ch <- batch:
		default:
			w.log.Warn("cache watcher: subscriber lagging, dropped batch")
		}
	}
}

func (w *Watcher) Name() string { return "cache" }

// Start launches the drain goroutine (store.NextChange -> coalescer.Feed),
// the coalescer's own Run loop, and the refresh goroutine
// (coalescer.Events -> cache writes).
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.stopped = make(chan struct{})

	go w.coalescer.Run()
	go w.drain(runCtx)
	go w.refresh(runCtx)

	return nil
}

func (w *Watcher) drain(ctx context.Context) {
	for {
		ev, err := w.store.NextChange(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithField("error", err).Warn("cache watcher: NextChange failed")
			continue
		}
		w.coalescer.Feed(ev)
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	defer close(w.stopped)
	for {
		select {
		case <-ctx.Done():
			w.coalescer.Stop()
			return
		case batch, ok := <-w.coalescer.Events():
			if !ok {
				return
			}
			w.broadcast(batch)
			if batch.Started {
				continue
			}
			w.applyBatch(ctx, batch)
		}
	}
}

func (w *Watcher) applyBatch(ctx context.Context, batch CoalescedEvent) {
	touched := make([]string, 0, len(batch.NewIDs)+len(batch.ChangedIDs))
	touched = append(touched, batch.NewIDs...)
	touched = append(touched, batch.ChangedIDs...)
	for _, id := range touched {
		n, err := w.store.Get(ctx, id)
		if err != nil {
			w.log.WithField("id", id).WithField("error", err).Warn("cache watcher: refresh failed")
			continue
		}
		w.cache.Put(n)
		if w.mirror != nil {
			if err := w.mirror.Put(ctx, n); err != nil {
				w.log.WithField("id", id).WithField("error", err).Warn("cache watcher: redis mirror failed")
			}
		}
	}
}

// Stop cancels the watcher's goroutines and waits for the refresh loop to
// exit.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
