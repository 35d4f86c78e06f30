// Package replication implements the Replication Coordinator (spec §4.6):
// the bridge between a Store and the Pub/Sub Bus. It coalesces local write
// notifications into per-address head publications, republishes once after
// a settle delay so newly-subscribed peers converge without waiting for the
// next write, and merges inbound head-sets back into the Store that owns
// the address they target.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	golog "github.com/ipfs/go-log"

	"github.com/qri-io/oplogdb/dberrors"
	"github.com/qri-io/oplogdb/pubsub"
)

var log = golog.Logger("replication")

// Merger is the narrow Store surface the Coordinator needs: the ability to
// fold a foreign head-set into the local Oplog. Satisfied by *store.Store;
// kept narrow here so replication never imports store, avoiding the import
// cycle store.Notifier would otherwise create.
type Merger interface {
	Merge(foreignHeads []string) error
}

// subState is a subscription's position in the per-address state machine
// (spec §4.6 "Unsubscribed -> Subscribing -> Subscribed -> Unsubscribing ->
// Unsubscribed. Only Subscribed sends or receives.").
type subState int

const (
	Unsubscribed subState = iota
	Subscribing
	Subscribed
	Unsubscribing
)

func (s subState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// headsMessage is the wire envelope published on an address's pub/sub
// channel.
type headsMessage struct {
	Heads []string `json:"heads"`
}

// subscription tracks one address's state-machine position and the worker
// goroutine coalescing its outbound head publications.
type subscription struct {
	state   subState
	merger  Merger
	wake    chan struct{}
	pending []string
	settle  *time.Timer
	done    chan struct{}
}

// Coordinator implements store.Notifier and owns one subscription per
// replicating address.
type Coordinator struct {
	bus         pubsub.Bus
	settleDelay time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

// New constructs a Coordinator publishing and subscribing over bus. A
// settleDelay of zero republishes the heads immediately on ready.
func New(bus pubsub.Bus, settleDelay time.Duration) *Coordinator {
	return &Coordinator{
		bus:         bus,
		settleDelay: settleDelay,
		subs:        map[string]*subscription{},
	}
}

// Register begins replicating address against m, subscribing on the bus and
// starting its outbound coalescing worker. Calling Register on an address
// already Subscribed is a no-op.
func (c *Coordinator) Register(ctx context.Context, address string, m Merger) error {
	c.mu.Lock()
	sub, ok := c.subs[address]
	if ok && sub.state != Unsubscribed {
		c.mu.Unlock()
		return nil
	}
	if !ok {
		sub = &subscription{wake: make(chan struct{}, 1), done: make(chan struct{})}
		c.subs[address] = sub
	}
	sub.state = Subscribing
	sub.merger = m
	c.mu.Unlock()

	err := c.bus.Subscribe(ctx, address, func(msg pubsub.Message) {
		c.handleMessage(address, msg)
	})
	if err != nil {
		c.mu.Lock()
		sub.state = Unsubscribed
		c.mu.Unlock()
		return fmt.Errorf("replication: subscribing to %s: %w", address, dberrors.ErrTransportError)
	}

	c.mu.Lock()
	sub.state = Subscribed
	c.mu.Unlock()

	go c.runWorker(address, sub)
	return nil
}

// Unregister tears down replication for address: stops the outbound worker,
// cancels any pending settle timer, and unsubscribes from the bus.
func (c *Coordinator) Unregister(address string) error {
	c.mu.Lock()
	sub, ok := c.subs[address]
	if !ok || sub.state != Subscribed {
		c.mu.Unlock()
		return nil
	}
	sub.state = Unsubscribing
	if sub.settle != nil {
		sub.settle.Stop()
	}
	close(sub.done)
	c.mu.Unlock()

	if err := c.bus.Unsubscribe(address); err != nil {
		return fmt.Errorf("replication: unsubscribing from %s: %w", address, dberrors.ErrTransportError)
	}

	c.mu.Lock()
	sub.state = Unsubscribed
	delete(c.subs, address)
	c.mu.Unlock()
	return nil
}

// NotifyWrite implements store.Notifier: it enqueues heads for publication
// on address's channel. Publishing is asynchronous but ordered per address;
// heads are a monotonically growing frontier, so only the latest value need
// survive coalescing (spec §4.6 "On local write").
func (c *Coordinator) NotifyWrite(address string, heads []string) {
	c.enqueue(address, heads)
}

// NotifyReady implements store.Notifier: after the configured settle delay
// it publishes the current heads once, so peers that subscribed after the
// last write converge without waiting for the next one (spec §4.6 "On
// ready").
func (c *Coordinator) NotifyReady(address string, heads []string) {
	c.mu.Lock()
	sub, ok := c.subs[address]
	if !ok || sub.state != Subscribed {
		c.mu.Unlock()
		return
	}
	delay := c.settleDelay
	sub.settle = time.AfterFunc(delay, func() {
		c.enqueue(address, heads)
	})
	c.mu.Unlock()
}

func (c *Coordinator) enqueue(address string, heads []string) {
	c.mu.Lock()
	sub, ok := c.subs[address]
	if !ok || sub.state != Subscribed {
		c.mu.Unlock()
		return
	}
	sub.pending = heads
	c.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// runWorker drains wake signals for address, publishing whatever the most
// recent enqueue left pending. Multiple coalesced writes before the bus
// accepts a publish collapse into a single send of the latest heads.
func (c *Coordinator) runWorker(address string, sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		c.mu.Lock()
		heads := sub.pending
		state := sub.state
		c.mu.Unlock()
		if state != Subscribed || len(heads) == 0 {
			continue
		}

		payload, err := json.Marshal(headsMessage{Heads: heads})
		if err != nil {
			log.Errorf("replication: marshaling heads for %s: %s", address, err)
			continue
		}
		if err := c.bus.Publish(context.Background(), address, payload); err != nil {
			log.Debugf("replication: publish to %s failed, will retry on next write: %s", address, err)
			continue
		}
	}
}

// handleMessage merges an inbound head-set into the Merger registered for
// address. Integrity and access failures are logged and dropped per spec
// §7; the Oplog is left consistent with whatever verified.
func (c *Coordinator) handleMessage(address string, msg pubsub.Message) {
	c.mu.Lock()
	sub, ok := c.subs[address]
	var merger Merger
	state := Unsubscribed
	if ok {
		merger = sub.merger
		state = sub.state
	}
	c.mu.Unlock()
	if !ok || state != Subscribed || merger == nil {
		return
	}

	var m headsMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		log.Debugf("replication: dropping unparsable message on %s: %s", address, err)
		return
	}

	if err := merger.Merge(m.Heads); err != nil {
		log.Debugf("replication: dropping merge failure on %s: %s", address, err)
		return
	}
}

// State reports address's current subscription state, for tests and
// diagnostics.
func (c *Coordinator) State(address string) subState {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[address]
	if !ok {
		return Unsubscribed
	}
	return sub.state
}
