// Package event implements the typed event bus used to notify of Store
// lifecycle transitions (spec §4.4 "ready", §4.5 "write", §4.6 "replicated",
// "close"). Handlers subscribe to Topics instead of magic strings, and a
// Synchronizer lets a publisher wait for every channel subscriber to
// acknowledge an event before proceeding.
package event

import (
	"context"
	"sync"
	"time"

	golog "github.com/ipfs/go-log"
)

var log = golog.Logger("event")

// Topic names a class of event. Packages that emit events declare their own
// Topic constants, following the teacher's ETMain-prefixed naming.
type Topic string

// Event is a single occurrence on the bus.
type Event struct {
	Topic     Topic
	ID        string
	Timestamp int64
	Payload   interface{}
}

// Handler processes one Event. A returned error is logged at debug level;
// it never stops delivery to other handlers and is not reported to a
// Synchronizer.
type Handler func(ctx context.Context, e Event) error

// NowFunc returns the current time, overridden in tests for deterministic
// timestamps.
var NowFunc = time.Now

// Bus distributes Events to subscribed Handlers.
type Bus interface {
	// SubscribeTopics registers handler to be called for each listed Topic.
	SubscribeTopics(handler Handler, topics ...Topic)
	// SubscribeID registers handler to be called only for events published
	// with PublishID using the given id.
	SubscribeID(handler Handler, id string)
	// SubscribeAll registers handler to be called for every event.
	SubscribeAll(handler Handler)
	// Subscribe returns a channel that receives events on topic. The channel
	// buffers 16 events; an event that arrives while it is full is dropped.
	Subscribe(topic Topic) <-chan Event
	// Publish emits an event with no associated id.
	Publish(ctx context.Context, topic Topic, payload interface{})
	// PublishID emits an event tagged with id, for SubscribeID handlers.
	PublishID(ctx context.Context, topic Topic, id string, payload interface{})
	// Synchronizer returns a handle a caller can use to wait for handlers
	// to acknowledge events published after it was created.
	Synchronizer() Synchronizer
	// Acknowledge reports that a handler has finished processing e, with an
	// optional error. Acknowledge is a no-op if no Synchronizer is waiting.
	Acknowledge(e Event, err error)
}

// Synchronizer lets a publisher block until outstanding handler invocations
// it cares about have acknowledged.
type Synchronizer interface {
	// Outstanding records that n more acknowledgements are expected for
	// topic before Wait can return.
	Outstanding(topic Topic, n int)
	// Wait blocks until every outstanding acknowledgement has arrived,
	// returning the first non-nil error reported to Acknowledge, if any.
	Wait() error
}

type subscription struct {
	handler Handler
	topics  map[Topic]bool
	id      string
	all     bool
}

type bus struct {
	ctx context.Context

	mu   sync.RWMutex
	subs []*subscription
	chs  map[Topic][]chan Event

	syncMu sync.Mutex
	syncs  []*synchronizer
}

// NewBus constructs a Bus. Sends to channels handed out by Subscribe never
// block: an event is dropped for a channel whose buffer is full, and may be
// dropped once ctx is done.
func NewBus(ctx context.Context) Bus {
	return &bus{
		ctx: ctx,
		chs: map[Topic][]chan Event{},
	}
}

func (b *bus) SubscribeTopics(handler Handler, topics ...Topic) {
	set := map[Topic]bool{}
	for _, t := range topics {
		set[t] = true
	}
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{handler: handler, topics: set})
	b.mu.Unlock()
}

func (b *bus) SubscribeID(handler Handler, id string) {
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{handler: handler, id: id})
	b.mu.Unlock()
}

func (b *bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{handler: handler, all: true})
	b.mu.Unlock()
}

func (b *bus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.chs[topic] = append(b.chs[topic], ch)
	b.mu.Unlock()
	return ch
}

func (b *bus) Publish(ctx context.Context, topic Topic, payload interface{}) {
	b.dispatch(ctx, Event{Topic: topic, Timestamp: NowFunc().UnixNano(), Payload: payload})
}

func (b *bus) PublishID(ctx context.Context, topic Topic, id string, payload interface{}) {
	b.dispatch(ctx, Event{Topic: topic, ID: id, Timestamp: NowFunc().UnixNano(), Payload: payload})
}

func (b *bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	chs := append([]chan Event(nil), b.chs[e.Topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		matches := false
		switch {
		case s.all:
			matches = true
		case s.id != "":
			matches = s.id == e.ID
		default:
			matches = s.topics[e.Topic]
		}
		if !matches {
			continue
		}
		if err := s.handler(ctx, e); err != nil {
			log.Debugf("event handler for %s: %s", e.Topic, err)
		}
	}

	if len(chs) > 0 {
		b.syncMu.Lock()
		for _, s := range b.syncs {
			s.Outstanding(e.Topic, len(chs))
		}
		b.syncMu.Unlock()
	}

	for _, ch := range chs {
		select {
		case ch <- e:
		case <-b.ctx.Done():
		default:
			log.Debugf("dropping event on topic %s: subscriber channel full", e.Topic)
		}
	}
}

func (b *bus) Synchronizer() Synchronizer {
	s := &synchronizer{done: make(chan struct{})}
	b.syncMu.Lock()
	b.syncs = append(b.syncs, s)
	b.syncMu.Unlock()
	return s
}

// Acknowledge fans out to every live Synchronizer expecting this topic.
// Synchronizers track outstanding counts per topic, so only calls matching
// an Outstanding registration affect Wait.
func (b *bus) Acknowledge(e Event, err error) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	for _, s := range b.syncs {
		s.ack(e.Topic, err)
	}
}

type synchronizer struct {
	mu          sync.Mutex
	outstanding map[Topic]int
	err         error
	done        chan struct{}
	closed      bool
}

func (s *synchronizer) Outstanding(topic Topic, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding == nil {
		s.outstanding = map[Topic]int{}
	}
	s.outstanding[topic] += n
}

func (s *synchronizer) ack(topic Topic, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil && s.err == nil {
		s.err = err
	}
	if s.outstanding == nil {
		s.outstanding = map[Topic]int{}
	}
	s.outstanding[topic]--
	if s.allSettled() {
		s.closed = true
		close(s.done)
	}
}

func (s *synchronizer) allSettled() bool {
	for _, n := range s.outstanding {
		if n > 0 {
			return false
		}
	}
	return true
}

func (s *synchronizer) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
