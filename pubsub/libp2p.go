package pubsub

import (
	"context"
	"fmt"
	"sync"

	gossip "github.com/libp2p/go-libp2p-pubsub"

	"github.com/qri-io/oplogdb/dberrors"
)

// libp2pBus is a gossip-based Bus backed by go-libp2p-pubsub, the natural
// network transport for a Replication Coordinator running across real
// peers instead of in one process.
type libp2pBus struct {
	ps *gossip.PubSub

	mu   sync.Mutex
	subs map[string]*gossip.Subscription
}

// NewLibp2pBus wraps an already-constructed gossipsub router (built with
// gossip.NewGossipSub(ctx, host)) as a Bus.
func NewLibp2pBus(ps *gossip.PubSub) Bus {
	return &libp2pBus{ps: ps, subs: map[string]*gossip.Subscription{}}
}

func (b *libp2pBus) Subscribe(ctx context.Context, channel string, onMessage OnMessage) error {
	sub, err := b.ps.Subscribe(channel)
	if err != nil {
		return fmt.Errorf("%w: subscribing to %q: %s", dberrors.ErrTransportError, channel, err)
	}

	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				log.Debugf("pubsub subscription to %s ended: %s", channel, err)
				return
			}
			onMessage(Message{
				Channel: channel,
				From:    msg.GetFrom().String(),
				Payload: msg.GetData(),
			})
		}
	}()

	log.Debugf("subscribed to %s", channel)
	return nil
}

func (b *libp2pBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	sub.Cancel()
	delete(b.subs, channel)
	return nil
}

func (b *libp2pBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.ps.Publish(channel, payload); err != nil {
		return fmt.Errorf("%w: publishing to %q: %s", dberrors.ErrTransportError, channel, err)
	}
	return nil
}

func (b *libp2pBus) Peers(channel string) ([]string, error) {
	ids := b.ps.ListPeers(channel)
	peers := make([]string, len(ids))
	for i, id := range ids {
		peers[i] = id.String()
	}
	return peers, nil
}
