package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/flowkeep/engine/internal/store"
)

// CoalescedEvent is what the coalescer hands downstream: either the
// one-off startup signal, or a batch of node ids touched since the last
// emission, split by whether they're newly-stored or merely changed.
type CoalescedEvent struct {
	Started    bool
	NewIDs     []string
	ChangedIDs []string
}

func (e CoalescedEvent) empty() bool {
	return !e.Started && len(e.NewIDs) == 0 && len(e.ChangedIDs) == 0
}

// Coalescer turns a stream of store.ChangeEvent into a rate-limited,
// coalesced batch stream per spec §4.4: at most one batch every window
// (2.0s), with pending events never waiting longer than forceEmit (1.0s)
// once the rate-limit cooldown has elapsed. Grounded on
// infrastructure/ratelimit.RateLimiter's dual-limiter shape, repurposed
// from inbound admission control to outbound emission scheduling: the
// next allowed emission time is whichever is later of (last emission +
// window) and (first pending event + forceEmit), so a quiet stream never
// waits the full window once its cooldown has already elapsed, and a busy
// stream never emits more than once per window.
type Coalescer struct {
	clock     Clock
	window    time.Duration
	forceEmit time.Duration

	raw  chan store.ChangeEvent
	out  chan CoalescedEvent
	stop chan struct{}
	done chan struct{}

	once sync.Once
}

// NewCoalescer builds a Coalescer with the given clock (pass nil for
// RealClock()) and timing parameters.
func NewCoalescer(clock Clock, window, forceEmit time.Duration) *Coalescer {
	if clock == nil {
		clock = RealClock()
	}
	return &Coalescer{
		clock:     clock,
		window:    window,
		forceEmit: forceEmit,
		raw:       make(chan store.ChangeEvent, 256),
		out:       make(chan CoalescedEvent, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Events returns the channel coalesced batches are delivered on.
func (c *Coalescer) Events() <-chan CoalescedEvent { return c.out }

// Feed submits a raw change event for coalescing. It blocks briefly if the
// internal buffer is full and returns without effect once Stop has run.
func (c *Coalescer) Feed(ev store.ChangeEvent) {
	select {
	case c.raw <- ev:
	case <-c.stop:
	}
}

// Run drives the coalescing loop until Stop is called. Intended to run in
// its own goroutine.
func (c *Coalescer) Run() {
	defer close(c.done)

	timer := c.clock.NewTimer(c.window)
	timer.Stop()

	var pending CoalescedEvent
	batchOpen := false
	var pendingSince time.Time
	var lastEmit time.Time

	uniqueSorted := func(ids []string) []string {
		sort.Strings(ids)
		out := ids[:0]
		for i, id := range ids {
			if i == 0 || id != ids[i-1] {
				out = append(out, id)
			}
		}
		return out
	}

	flush := func() {
		if pending.empty() {
			batchOpen = false
			return
		}
		pending.NewIDs = uniqueSorted(pending.NewIDs)
		pending.ChangedIDs = uniqueSorted(pending.ChangedIDs)
		select {
		case c.out <- pending:
		case <-c.stop:
		}
		pending = CoalescedEvent{}
		batchOpen = false
		lastEmit = c.clock.Now()
	}

	for {
		select {
		case ev, ok := <-c.raw:
			if !ok {
				return
			}
			if ev.Kind == store.EventStarted {
				select {
				case c.out <- CoalescedEvent{Started: true}:
				case <-c.stop:
					return
				}
				continue
			}

			switch ev.Kind {
			case store.EventNewNodes:
				pending.NewIDs = append(pending.NewIDs, ev.IDs...)
			case store.EventNodesChanged:
				pending.ChangedIDs = append(pending.ChangedIDs, ev.IDs...)
			}

			if !batchOpen {
				batchOpen = true
				pendingSince = c.clock.Now()

				deadline := lastEmit.Add(c.window)
				floor := pendingSince.Add(c.forceEmit)
				if floor.After(deadline) {
					deadline = floor
				}
				d := deadline.Sub(pendingSince)
				if d < 0 {
					d = 0
				}
				timer.Reset(d)
			}
		case <-timer.C():
			flush()
		case <-c.stop:
			return
		}
	}
}

// Stop halts Run and waits for it to return.
func (c *Coalescer) Stop() {
	c.once.Do(func() {
		close(c.stop)
	})
	<-c.done
}
