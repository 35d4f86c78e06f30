// Package store implements the common Store lifecycle (spec §4.4 "Construct
// the appropriate Store", §4.5 intro, §4.6) and the five type adapters that
// interpret an Oplog as a higher-level data structure. A Store owns its
// Oplog exclusively: every mutation is serialized through its mutex (spec §5
// "single-logical-owner per Store").
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	golog "github.com/ipfs/go-log"

	"github.com/qri-io/oplogdb/access"
	"github.com/qri-io/oplogdb/cache"
	"github.com/qri-io/oplogdb/dberrors"
	"github.com/qri-io/oplogdb/entry"
	"github.com/qri-io/oplogdb/event"
	"github.com/qri-io/oplogdb/keystore"
	"github.com/qri-io/oplogdb/manifest"
	"github.com/qri-io/oplogdb/objectstore"
	"github.com/qri-io/oplogdb/oplog"
)

var log = golog.Logger("store")

// Event topics a Store publishes on its Bus (spec §4.4 "ready", §4.2
// "write", §4.6 "replicated", §4.4 "close").
const (
	TopicReady      = event.Topic("store:ready")
	TopicWrite      = event.Topic("store:write")
	TopicReplicated = event.Topic("store:replicated")
	TopicClose      = event.Topic("store:close")
)

// WritePayload accompanies TopicWrite and TopicReplicated events.
type WritePayload struct {
	Address string
	Heads   []string
}

// Notifier is the narrow interface the Replication Coordinator satisfies
// (spec §4.6 "on local write" / "on ready"). Kept local so this package
// never imports replication; the dependency runs replication -> store.
type Notifier interface {
	NotifyWrite(address string, heads []string)
	NotifyReady(address string, heads []string)
}

// Options configure a new Store. Every field is required except Notifier,
// which may be nil for a non-replicating Store (spec §4.4 "replicate:
// false").
type Options struct {
	Address      manifest.Address
	Access       *access.Controller
	Objects      objectstore.Store
	Cache        cache.Bucket
	Keystore     keystore.Keystore
	IdentityName string
	Bus          event.Bus
	Notifier     Notifier
}

// Store wires an Oplog to persistence, signing, and event emission. It is
// the shared base every type adapter (EventLog, Feed, KeyValue, Counter,
// DocStore) embeds and operates through.
type Store struct {
	mu sync.Mutex

	addr         manifest.Address
	log          *oplog.Log
	access       *access.Controller
	objects      objectstore.Store
	cacheBucket  cache.Bucket
	ks           keystore.Keystore
	identityName string
	bus          event.Bus
	notifier     Notifier
	closed       bool
}

// accessAdapter satisfies oplog.AccessController against an
// *access.Controller without oplog needing to import access.
type accessAdapter struct{ c *access.Controller }

func (a accessAdapter) CanAppend(identity string) bool { return a.c.CanAppend(identity) }

// New constructs a Store with an empty Oplog. Callers that are opening an
// existing address should follow New with Load to replay cached heads.
func New(opts Options) *Store {
	return &Store{
		addr:         opts.Address,
		log:          oplog.New(opts.Address.String(), accessAdapter{opts.Access}),
		access:       opts.Access,
		objects:      opts.Objects,
		cacheBucket:  opts.Cache,
		ks:           opts.Keystore,
		identityName: opts.IdentityName,
		bus:          opts.Bus,
		notifier:     opts.Notifier,
	}
}

// Address returns the database address this Store was opened at.
func (s *Store) Address() manifest.Address { return s.addr }

// AccessController returns the Store's Access Controller.
func (s *Store) AccessController() *access.Controller { return s.access }

func (s *Store) verify(identity string, data, signature []byte) (bool, error) {
	return s.ks.Verify(identity, data, signature)
}

func (s *Store) fetchEntry(hash string) (*entry.Entry, error) {
	data, err := s.objects.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching entry %q: %s", dberrors.ErrTransportError, hash, err)
	}
	return entry.Unmarshal(data)
}

// headHashes returns the current head hash set; callers hold s.mu.
func (s *Store) headHashes() []string {
	return s.log.HeadHashes()
}

// Append signs payload with the Store's identity, appends it to the Oplog,
// persists the entry, records the new local heads in the cache, and emits a
// write event (spec §4.2 "Append").
func (s *Store) Append(payload []byte) (*entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.ks.GetKey(s.identityName)
	if !ok {
		return nil, fmt.Errorf("store: no identity registered under %q", s.identityName)
	}

	e, err := s.log.Append(payload, identity, func(data []byte) ([]byte, error) {
		return s.ks.Sign(s.identityName, data)
	})
	if err != nil {
		return nil, fmt.Errorf("store: appending: %w", err)
	}

	data, err := entry.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling entry %q: %w", e.Hash, err)
	}
	if _, err := s.objects.Put(data); err != nil {
		return nil, fmt.Errorf("%w: persisting entry %q: %s", dberrors.ErrTransportError, e.Hash, err)
	}

	heads := s.headHashes()
	if err := putHeads(s.cacheBucket, cache.SlotLocalHeads, heads); err != nil {
		log.Debugf("append: caching local heads for %s: %s", s.addr, err)
	}

	log.Debugf("appended %s to %s, heads now %v", e.Hash, s.addr, heads)
	s.bus.Publish(context.Background(), TopicWrite, WritePayload{Address: s.addr.String(), Heads: heads})
	if s.notifier != nil {
		s.notifier.NotifyWrite(s.addr.String(), heads)
	}

	return e, nil
}

// Merge applies foreignHeads to the Oplog (spec §4.2 "Merge"), fetching
// unknown ancestors from the Object Store. On success it records the merged
// heads in the cache and emits a replicated event; a transport failure is
// returned for the caller to retry, per §7.
func (s *Store) Merge(foreignHeads []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(foreignHeads)
}

func (s *Store) mergeLocked(foreignHeads []string) error {
	if len(foreignHeads) == 0 {
		return nil
	}

	before := s.log.Len()
	if err := s.log.Merge(foreignHeads, s.fetchEntry, s.verify); err != nil {
		return err
	}
	if s.log.Len() == before {
		return nil
	}

	heads := s.headHashes()
	if err := putHeads(s.cacheBucket, cache.SlotHeads, heads); err != nil {
		log.Debugf("merge: caching heads for %s: %s", s.addr, err)
	}

	log.Debugf("merged into %s, heads now %v", s.addr, heads)
	s.bus.Publish(context.Background(), TopicReplicated, WritePayload{Address: s.addr.String(), Heads: heads})
	return nil
}

// Load replays any heads cached from a previous session (local writes and
// previously replicated heads), merging them into the Oplog, and emits a
// ready event with the resulting head set (spec §4.4 "open").
func (s *Store) Load() error {
	s.mu.Lock()
	localHeads, _ := getHeads(s.cacheBucket, cache.SlotLocalHeads)
	remoteHeads, _ := getHeads(s.cacheBucket, cache.SlotHeads)
	s.mu.Unlock()

	all := append(append([]string(nil), localHeads...), remoteHeads...)
	if len(all) > 0 {
		s.mu.Lock()
		err := s.mergeLocked(all)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("store: loading cached heads for %s: %w", s.addr, err)
		}
	}

	s.mu.Lock()
	heads := s.headHashes()
	s.mu.Unlock()
	s.bus.Publish(context.Background(), TopicReady, WritePayload{Address: s.addr.String(), Heads: heads})
	if s.notifier != nil {
		s.notifier.NotifyReady(s.addr.String(), heads)
	}
	return nil
}

// Close releases the Store's cache bucket and emits a close event. Calling
// Close more than once is a no-op (spec §4.4 "disconnect").
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.cacheBucket.Close()
	s.bus.Publish(context.Background(), TopicClose, WritePayload{Address: s.addr.String()})
	if err != nil {
		return fmt.Errorf("store: closing cache bucket for %s: %w", s.addr, err)
	}
	return nil
}

// Iterator returns entries from the underlying Oplog honoring opts (spec
// §4.2 "Traversal"). Adapters build their projections on top of this.
func (s *Store) Iterator(opts oplog.IteratorOptions) []*entry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Iterator(opts)
}

// Heads returns the Store's current Oplog heads.
func (s *Store) Heads() []*entry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Heads()
}

func putHeads(bucket cache.Bucket, slot string, heads []string) error {
	data, err := json.Marshal(heads)
	if err != nil {
		return fmt.Errorf("store: marshaling heads: %w", err)
	}
	return bucket.Put(slot, data)
}

func getHeads(bucket cache.Bucket, slot string) ([]string, error) {
	data, ok, err := bucket.Get(slot)
	if err != nil || !ok {
		return nil, err
	}
	var heads []string
	if err := json.Unmarshal(data, &heads); err != nil {
		return nil, fmt.Errorf("store: unmarshaling heads: %w", err)
	}
	return heads, nil
}
