package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/engine/internal/store"
)

// waitForArmedTimer blocks until the coalescer's background goroutine has
// reacted to the most recent Feed and armed its timer, so the test's next
// clock.Advance lands relative to a deadline the goroutine actually set
// rather than racing its scheduling.
func waitForArmedTimer(t *testing.T, clock *FakeClock) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if clock.PendingTimers() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for the coalescer to arm its timer")
}

func TestCoalescerForcesEmissionAfterOneSecond(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	c := NewCoalescer(clock, 2*time.Second, time.Second)
	go c.Run()
	defer c.Stop()

	c.Feed(store.ChangeEvent{Kind: store.EventNewNodes, IDs: []string{"a"}})
	waitForArmedTimer(t, clock)

	select {
	case <-c.Events():
		t.Fatal("should not emit before the force-emit deadline")
	default:
	}

	clock.Advance(999 * time.Millisecond)
	select {
	case <-c.Events():
		t.Fatal("should not emit one millisecond short of the force-emit deadline")
	default:
	}

	clock.Advance(2 * time.Millisecond)
	select {
	case ev := <-c.Events():
		assert.Equal(t, []string{"a"}, ev.NewIDs)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forced emission")
	}
}

func TestCoalescerDeduplicatesAndSortsWithinABatch(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	c := NewCoalescer(clock, 2*time.Second, time.Second)
	go c.Run()
	defer c.Stop()

	c.Feed(store.ChangeEvent{Kind: store.EventNodesChanged, IDs: []string{"z"}})
	waitForArmedTimer(t, clock)
	c.Feed(store.ChangeEvent{Kind: store.EventNodesChanged, IDs: []string{"a", "z"}})

	clock.Advance(2 * time.Second)
	select {
	case ev := <-c.Events():
		assert.Equal(t, []string{"a", "z"}, ev.ChangedIDs)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emission")
	}
}

func TestCoalescerRespectsRateLimitAfterAnEmission(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	c := NewCoalescer(clock, 2*time.Second, 500*time.Millisecond)
	go c.Run()
	defer c.Stop()

	c.Feed(store.ChangeEvent{Kind: store.EventNewNodes, IDs: []string{"a"}})
	waitForArmedTimer(t, clock)

	clock.Advance(500 * time.Millisecond)
	var first CoalescedEvent
	select {
	case first = <-c.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first emission")
	}
	assert.Equal(t, []string{"a"}, first.NewIDs)

	// A second event arrives immediately after the first emission; since
	// the 2s rate-limit window hasn't elapsed since lastEmit, it must wait
	// for the window, not just the 500ms force-emit floor.
	c.Feed(store.ChangeEvent{Kind: store.EventNewNodes, IDs: []string{"b"}})
	waitForArmedTimer(t, clock)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-c.Events():
		t.Fatal("should still be inside the 2s rate-limit cooldown")
	default:
	}

	clock.Advance(time.Second + 500*time.Millisecond)
	select {
	case ev := <-c.Events():
		assert.Equal(t, []string{"b"}, ev.NewIDs)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rate-limited emission")
	}
}

func TestCoalescerPassesStartedThroughImmediately(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	c := NewCoalescer(clock, 2*time.Second, time.Second)
	go c.Run()
	defer c.Stop()

	c.Feed(store.ChangeEvent{Kind: store.EventStarted})
	select {
	case ev := <-c.Events():
		assert.True(t, ev.Started)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for started event")
	}
}

func TestFakeClockTimerFiresOnlyOnceWithoutReset(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)
	clock.Advance(2 * time.Second)
	require.Len(t, timer.C(), 1)
	<-timer.C()
	clock.Advance(2 * time.Second)
	assert.Len(t, timer.C(), 0)
}
