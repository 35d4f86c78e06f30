// Package pubsub implements the Pub/Sub Bus external interface (spec §6):
// subscribe/unsubscribe/publish/peers over named channels, one per database
// address. Delivery is best-effort — duplicates and reordering are
// permitted, since the Replication Coordinator only ever merges idempotent
// head-sets on top.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	golog "github.com/ipfs/go-log"
)

var log = golog.Logger("pubsub")

// Message is a single payload delivered on a channel. From names the peer
// that published it where the Bus knows it; the in-memory Bus leaves it
// empty.
type Message struct {
	Channel string
	From    string
	Payload []byte
}

// OnMessage handles an inbound Message for a subscribed channel.
type OnMessage func(msg Message)

// Bus is the Pub/Sub Bus contract. Implementations must tolerate concurrent
// Subscribe/Unsubscribe/Publish calls on independent channels (spec §5
// "Pub/sub bus: shared; channels are disjoint across addresses").
type Bus interface {
	Subscribe(ctx context.Context, channel string, onMessage OnMessage) error
	Unsubscribe(channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Peers(channel string) ([]string, error)
}

// memBus is an in-process Bus used for tests and single-process Managers
// running multiple Stores that replicate against each other without a
// network, mirroring how the teacher's event package keeps a transport-free
// Bus available alongside network-backed ones.
type memBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]OnMessage
	next int
}

// NewMemBus constructs an in-memory Bus. Every subscriber of one memBus
// observes publishes made through that same memBus, so sharing one instance
// between Managers simulates a gossip mesh for tests.
func NewMemBus() Bus {
	return &memBus{subs: map[string]map[int]OnMessage{}}
}

func (b *memBus) Subscribe(ctx context.Context, channel string, onMessage OnMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[int]OnMessage{}
	}
	id := b.next
	b.next++
	b.subs[channel][id] = onMessage
	log.Debugf("subscribed to %s", channel)
	return nil
}

func (b *memBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, channel)
	return nil
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]OnMessage, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, h := range handlers {
		go h(msg)
	}
	return nil
}

func (b *memBus) Peers(channel string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peers := make([]string, 0, len(b.subs[channel]))
	for id := range b.subs[channel] {
		peers = append(peers, fmt.Sprintf("local-%d", id))
	}
	return peers, nil
}
