// Package manager implements the Database Manager façade (spec §4.4): the
// single entry point that turns a name or address plus an identity into a
// live Store, wiring together the Keystore, Cache, Object Store,
// Access Controller, and Replication Coordinator a Store needs.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	golog "github.com/ipfs/go-log"

	"github.com/qri-io/oplogdb/access"
	"github.com/qri-io/oplogdb/cache"
	"github.com/qri-io/oplogdb/config"
	"github.com/qri-io/oplogdb/dberrors"
	"github.com/qri-io/oplogdb/event"
	"github.com/qri-io/oplogdb/keystore"
	"github.com/qri-io/oplogdb/manifest"
	"github.com/qri-io/oplogdb/objectstore"
	"github.com/qri-io/oplogdb/pubsub"
	"github.com/qri-io/oplogdb/replication"
	"github.com/qri-io/oplogdb/store"
)

var log = golog.Logger("manager")

// Options configure a single create/open call (spec §4.4 "options").
type Options struct {
	// Write lists additional identities granted the write capability when
	// Create builds a fresh Access Controller. Ignored by Open. Defaults to
	// the Manager's own identity when empty.
	Write []string
	// Overwrite permits Create to reuse a cache bucket that already holds a
	// manifest slot.
	Overwrite bool
	// Create lets Open fall back to Create when the given string fails to
	// parse as an address; Type must also be set.
	Create bool
	// Type constrains Open to a specific database type, and selects the
	// type Create builds. Empty means "accept whatever the manifest says".
	Type manifest.Type
	// LocalOnly makes Open fail NotFound rather than fetching a manifest
	// this Manager has never cached.
	LocalOnly bool
	// Replicate subscribes the opened Store to the pub/sub bus. Defaults to
	// true; set to a false pointer to opt out.
	Replicate *bool
}

func (o Options) replicate() bool {
	if o.Replicate == nil {
		return true
	}
	return *o.Replicate
}

// entryHandle is what the active-stores map holds per address (spec §4.4
// "Active-stores map").
type entryHandle struct {
	typ        manifest.Type
	store      *store.Store
	replicated bool
}

// Manager is the Database Manager façade.
type Manager struct {
	cfg          *config.Config
	identityName string

	ks      keystore.Keystore
	cache   cache.Cache
	objects objectstore.Store
	bus     event.Bus
	ps      pubsub.Bus
	coord   *replication.Coordinator

	mu     sync.Mutex
	active map[string]*entryHandle
}

// New constructs a Manager from cfg, signing as identityName (created if
// not already present in the Keystore). bus is the Pub/Sub Bus transport;
// pass nil to have New build an in-process bus per cfg.PubSub.Backend
// (only valid when that backend is config.BackendMem — config.BackendLibp2p
// requires a caller-supplied bus wrapping a live libp2p host, since config
// alone cannot construct one).
func New(ctx context.Context, cfg *config.Config, identityName string, bus pubsub.Bus) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("manager: invalid config: %w", err)
	}

	ks, err := buildKeystore(cfg.Keystore)
	if err != nil {
		return nil, err
	}
	cacheBackend, err := buildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	objects, err := buildObjectStore(cfg.Objects)
	if err != nil {
		return nil, err
	}

	if bus == nil {
		if cfg.PubSub.Backend != config.BackendMem {
			return nil, fmt.Errorf("manager: pubsub backend %q requires a caller-supplied Bus", cfg.PubSub.Backend)
		}
		bus = pubsub.NewMemBus()
	}

	identity, ok := ks.GetKey(identityName)
	if !ok {
		identity, err = ks.CreateKey(identityName)
		if err != nil {
			return nil, fmt.Errorf("manager: creating identity %q: %w", identityName, err)
		}
	}
	log.Debugf("manager: signing as %q (%s)", identityName, identity)

	settleDelay := time.Duration(cfg.Replication.SettleDelayMS) * time.Millisecond

	return &Manager{
		cfg:          cfg,
		identityName: identityName,
		ks:           ks,
		cache:        cacheBackend,
		objects:      objects,
		bus:          event.NewBus(ctx),
		ps:           bus,
		coord:        replication.New(bus, settleDelay),
		active:       map[string]*entryHandle{},
	}, nil
}

// Bus returns the shared lifecycle event Bus every Store managed by m
// publishes on; handlers filter by the Address field on each event's
// WritePayload.
func (m *Manager) Bus() event.Bus { return m.bus }

// Create builds a brand-new database (spec §4.4 "create").
func (m *Manager) Create(ctx context.Context, name string, typ manifest.Type, opts Options) (*store.Store, manifest.Type, error) {
	if !manifest.IsValidType(typ) {
		return nil, "", fmt.Errorf("manager: %w: %q", dberrors.ErrInvalidType, typ)
	}
	if manifest.IsValid(name) {
		return nil, "", fmt.Errorf("manager: %w: %q", dberrors.ErrNameIsAddress, name)
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	selfIdentity, ok := m.ks.GetKey(m.identityName)
	if !ok {
		return nil, "", fmt.Errorf("manager: no identity registered under %q", m.identityName)
	}

	ac := access.New()
	if err := ac.Add(access.Admin, selfIdentity); err != nil {
		return nil, "", err
	}
	writers := append([]string(nil), opts.Write...)
	if len(writers) == 0 {
		writers = []string{selfIdentity}
	}
	writers = append(writers, m.cfg.Access.DefaultWrite...)
	for _, w := range writers {
		if err := ac.Add(access.Write, w); err != nil {
			return nil, "", err
		}
	}

	acAddr, err := ac.Save(m.objects)
	if err != nil {
		return nil, "", fmt.Errorf("%w: persisting access controller: %s", dberrors.ErrTransportError, err)
	}

	manifestHash, err := manifest.Save(m.objects, manifest.Manifest{
		Name:             name,
		Type:             typ,
		AccessController: acAddr,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: persisting manifest: %s", dberrors.ErrTransportError, err)
	}

	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	addr := manifest.New(manifestHash, name)
	bucket, err := m.cache.Bucket(addr.Root, addr.Path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: opening cache bucket: %s", dberrors.ErrTransportError, err)
	}

	_, found, err := bucket.Get(cache.SlotManifest)
	if err != nil {
		bucket.Close()
		return nil, "", fmt.Errorf("%w: reading cache manifest slot: %s", dberrors.ErrTransportError, err)
	}
	if found && !opts.Overwrite {
		bucket.Close()
		return nil, "", fmt.Errorf("manager: %w: %s", dberrors.ErrAlreadyExists, addr)
	}
	if err := bucket.Put(cache.SlotManifest, []byte(manifestHash)); err != nil {
		bucket.Close()
		return nil, "", fmt.Errorf("%w: writing cache manifest slot: %s", dberrors.ErrTransportError, err)
	}
	// The Open call below reacquires the bucket through m.cache.Bucket;
	// release this handle so a badger-backed Cache doesn't leak it.
	bucket.Close()

	openOpts := opts
	openOpts.Create = false
	openOpts.Type = typ
	return m.Open(ctx, addr.String(), openOpts)
}

// Open opens an existing database, or — when opts.Create is set and
// nameOrAddress fails to parse as an address — delegates to Create (spec
// §4.4 "open").
func (m *Manager) Open(ctx context.Context, nameOrAddress string, opts Options) (*store.Store, manifest.Type, error) {
	addr, parseErr := manifest.Parse(nameOrAddress)
	if parseErr != nil {
		if opts.Create && opts.Type != "" {
			createOpts := opts
			createOpts.Overwrite = true
			return m.Create(ctx, nameOrAddress, opts.Type, createOpts)
		}
		return nil, "", fmt.Errorf("manager: %w: %s", dberrors.ErrInvalidAddress, parseErr)
	}

	addrStr := addr.String()

	m.mu.Lock()
	if existing, ok := m.active[addrStr]; ok {
		m.mu.Unlock()
		if opts.Type != "" && opts.Type != existing.typ {
			return nil, "", fmt.Errorf("manager: %w: opened as %q, requested %q", dberrors.ErrTypeMismatch, existing.typ, opts.Type)
		}
		return existing.store, existing.typ, nil
	}
	m.mu.Unlock()

	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	bucket, err := m.cache.Bucket(addr.Root, addr.Path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: opening cache bucket: %s", dberrors.ErrTransportError, err)
	}

	_, found, err := bucket.Get(cache.SlotManifest)
	if err != nil {
		bucket.Close()
		return nil, "", fmt.Errorf("%w: reading cache manifest slot: %s", dberrors.ErrTransportError, err)
	}
	if opts.LocalOnly && !found {
		bucket.Close()
		return nil, "", fmt.Errorf("manager: %w: %s", dberrors.ErrNotFound, addrStr)
	}

	man, err := manifest.Load(m.objects, addr.Root)
	if err != nil {
		bucket.Close()
		return nil, "", fmt.Errorf("manager: fetching manifest for %s: %w", addrStr, err)
	}
	if opts.Type != "" && opts.Type != man.Type {
		bucket.Close()
		return nil, "", fmt.Errorf("manager: %w: manifest is %q, requested %q", dberrors.ErrTypeMismatch, man.Type, opts.Type)
	}

	if !found {
		if err := bucket.Put(cache.SlotManifest, []byte(addr.Root)); err != nil {
			log.Debugf("open: caching manifest slot for %s: %s", addrStr, err)
		}
	}

	ac, err := access.Load(m.objects, man.AccessController)
	if err != nil {
		bucket.Close()
		return nil, "", fmt.Errorf("manager: loading access controller for %s: %w", addrStr, err)
	}

	if ctx.Err() != nil {
		bucket.Close()
		return nil, "", ctx.Err()
	}

	st := store.New(store.Options{
		Address:      addr,
		Access:       ac,
		Objects:      m.objects,
		Cache:        bucket,
		Keystore:     m.ks,
		IdentityName: m.identityName,
		Bus:          m.bus,
		Notifier:     m.coord,
	})

	// Register before Load: the settle-delay republish NotifyReady schedules
	// (spec §4.6 "on ready") only fires while the Coordinator already
	// considers this address Subscribed, so the subscription must exist
	// before Load's ready event can reach it.
	replicated := opts.replicate()
	if replicated {
		if err := m.coord.Register(ctx, addrStr, st); err != nil {
			log.Debugf("open: registering replication for %s: %s", addrStr, err)
			replicated = false
		}
	}

	if err := st.Load(); err != nil {
		if replicated {
			m.coord.Unregister(addrStr)
		}
		bucket.Close()
		return nil, "", fmt.Errorf("manager: loading store %s: %w", addrStr, err)
	}

	m.mu.Lock()
	m.active[addrStr] = &entryHandle{typ: man.Type, store: st, replicated: replicated}
	m.mu.Unlock()

	return st, man.Type, nil
}

// EventLog is Open with Create and Type defaulted to eventlog.
func (m *Manager) EventLog(ctx context.Context, nameOrAddress string, opts Options) (*store.EventLog, error) {
	st, _, err := m.openTyped(ctx, nameOrAddress, manifest.EventLog, opts)
	if err != nil {
		return nil, err
	}
	return store.NewEventLog(st), nil
}

// Feed is Open with Create and Type defaulted to feed.
func (m *Manager) Feed(ctx context.Context, nameOrAddress string, opts Options) (*store.Feed, error) {
	st, _, err := m.openTyped(ctx, nameOrAddress, manifest.Feed, opts)
	if err != nil {
		return nil, err
	}
	return store.NewFeed(st), nil
}

// KeyValue is Open with Create and Type defaulted to keyvalue.
func (m *Manager) KeyValue(ctx context.Context, nameOrAddress string, opts Options) (*store.KeyValue, error) {
	st, _, err := m.openTyped(ctx, nameOrAddress, manifest.KeyValue, opts)
	if err != nil {
		return nil, err
	}
	return store.NewKeyValue(st), nil
}

// Counter is Open with Create and Type defaulted to counter.
func (m *Manager) Counter(ctx context.Context, nameOrAddress string, opts Options) (*store.Counter, error) {
	st, _, err := m.openTyped(ctx, nameOrAddress, manifest.Counter, opts)
	if err != nil {
		return nil, err
	}
	return store.NewCounter(st), nil
}

// DocStore is Open with Create and Type defaulted to docstore, using
// idField ("" for store.DefaultIDField) to extract document ids.
func (m *Manager) DocStore(ctx context.Context, nameOrAddress, idField string, opts Options) (*store.DocStore, error) {
	st, _, err := m.openTyped(ctx, nameOrAddress, manifest.DocStore, opts)
	if err != nil {
		return nil, err
	}
	return store.NewDocStore(st, idField), nil
}

func (m *Manager) openTyped(ctx context.Context, nameOrAddress string, typ manifest.Type, opts Options) (*store.Store, error) {
	opts.Create = true
	opts.Type = typ
	st, _, err := m.Open(ctx, nameOrAddress, opts)
	return st, err
}

// Disconnect closes every active Store, unregisters their replication
// subscriptions, and clears the active-stores map (spec §4.4
// "disconnect").
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for addrStr, h := range m.active {
		if h.replicated {
			if err := m.coord.Unregister(addrStr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.active, addrStr)
	}
	return firstErr
}

func buildKeystore(cfg *config.Keystore) (keystore.Keystore, error) {
	switch cfg.Backend {
	case config.BackendMem:
		return keystore.NewMemKeystore(), nil
	case config.BackendBadger:
		return keystore.NewLocalStore(cfg.Path), nil
	default:
		return nil, fmt.Errorf("manager: unknown keystore backend %q", cfg.Backend)
	}
}

func buildCache(cfg *config.Cache) (cache.Cache, error) {
	switch cfg.Backend {
	case config.BackendMem:
		return cache.NewMemCache(), nil
	case config.BackendBadger:
		return cache.NewBadgerCache(cfg.Dir)
	default:
		return nil, fmt.Errorf("manager: unknown cache backend %q", cfg.Backend)
	}
}

func buildObjectStore(cfg *config.ObjectStore) (objectstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMem:
		return objectstore.NewMemStore(), nil
	case config.BackendBadger:
		return objectstore.NewBadgerStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("manager: unknown object store backend %q", cfg.Backend)
	}
}
