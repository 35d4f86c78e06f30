package replication

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/qri-io/oplogdb/pubsub"
)

type fakeMerger struct {
	mu     sync.Mutex
	merged [][]string
}

func (m *fakeMerger) Merge(heads []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merged = append(m.merged, heads)
	return nil
}

func (m *fakeMerger) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.merged)
}

func (m *fakeMerger) last() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.merged) == 0 {
		return nil
	}
	return m.merged[len(m.merged)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoordinatorPublishesOnWrite(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemBus()

	var mu sync.Mutex
	var gotPayload []byte
	if err := bus.Subscribe(ctx, "/orbit/root/log", func(msg pubsub.Message) {
		mu.Lock()
		gotPayload = msg.Payload
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	c := New(bus, 50*time.Millisecond)
	if err := c.Register(ctx, "/orbit/root/log", &fakeMerger{}); err != nil {
		t.Fatal(err)
	}

	c.NotifyWrite("/orbit/root/log", []string{"h1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPayload != nil
	})

	var m headsMessage
	mu.Lock()
	err := json.Unmarshal(gotPayload, &m)
	mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Heads) != 1 || m.Heads[0] != "h1" {
		t.Errorf("expected heads [h1], got %v", m.Heads)
	}
}

func TestCoordinatorCoalescesRapidWrites(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemBus()

	var mu sync.Mutex
	var deliveries [][]string
	if err := bus.Subscribe(ctx, "/orbit/root/log", func(msg pubsub.Message) {
		var m headsMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return
		}
		mu.Lock()
		deliveries = append(deliveries, m.Heads)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	c := New(bus, time.Second)
	if err := c.Register(ctx, "/orbit/root/log", &fakeMerger{}); err != nil {
		t.Fatal(err)
	}

	c.NotifyWrite("/orbit/root/log", []string{"h1"})
	c.NotifyWrite("/orbit/root/log", []string{"h1", "h2"})
	c.NotifyWrite("/orbit/root/log", []string{"h1", "h2", "h3"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) > 0
	})

	// Allow any further coalesced delivery to land before inspecting the
	// final state.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	last := deliveries[len(deliveries)-1]
	if len(last) != 3 || last[2] != "h3" {
		t.Errorf("expected the final delivery to carry the latest heads [h1 h2 h3], got %v", last)
	}
}

func TestCoordinatorMergesInboundMessages(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemBus()
	address := "/orbit/root/log"

	cA := New(bus, time.Second)
	mergerA := &fakeMerger{}
	if err := cA.Register(ctx, address, mergerA); err != nil {
		t.Fatal(err)
	}

	cB := New(bus, time.Second)
	mergerB := &fakeMerger{}
	if err := cB.Register(ctx, address, mergerB); err != nil {
		t.Fatal(err)
	}

	cA.NotifyWrite(address, []string{"h1", "h2"})

	waitFor(t, func() bool { return mergerB.calls() >= 1 })
	if got := mergerB.last(); len(got) != 2 || got[1] != "h2" {
		t.Errorf("expected peer B to merge [h1 h2], got %v", got)
	}
}

func TestCoordinatorNotifyReadyRepublishesAfterSettle(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemBus()
	address := "/orbit/root/log"

	var mu sync.Mutex
	deliveries := 0
	if err := bus.Subscribe(ctx, address, func(msg pubsub.Message) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	c := New(bus, 20*time.Millisecond)
	if err := c.Register(ctx, address, &fakeMerger{}); err != nil {
		t.Fatal(err)
	}

	c.NotifyReady(address, []string{"h1"})

	mu.Lock()
	before := deliveries
	mu.Unlock()
	if before != 0 {
		t.Errorf("expected no publish before the settle delay elapses, got %d", before)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	})
}

func TestCoordinatorUnregisterStopsPublishing(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemBus()
	address := "/orbit/root/log"

	var mu sync.Mutex
	deliveries := 0
	if err := bus.Subscribe(ctx, address, func(msg pubsub.Message) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	c := New(bus, time.Second)
	if err := c.Register(ctx, address, &fakeMerger{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Unregister(address); err != nil {
		t.Fatal(err)
	}
	if got := c.State(address); got != Unsubscribed {
		t.Errorf("expected state Unsubscribed after Unregister, got %s", got)
	}

	c.NotifyWrite(address, []string{"h1"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 0 {
		t.Errorf("expected no publish after Unregister, got %d", deliveries)
	}
}
