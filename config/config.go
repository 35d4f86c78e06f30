// Package config encapsulates Manager configuration: which backends the
// Keystore, Cache, Object Store and Pub/Sub Bus use, the Replication
// Coordinator's settle delay, and the default write access granted to
// newly created databases (spec §4.4, §4.6). Configuration is generally
// stored as a .yaml file, or built in memory with DefaultConfig and
// adjusted before use.
package config

import (
	"fmt"
	"io/ioutil"
	"reflect"

	"github.com/ghodss/yaml"

	"github.com/qri-io/oplogdb/base/fill"
)

// CurrentConfigRevision is the latest configuration revision; configs that
// don't match this revision number are accepted as-is today since there is
// no migration path yet.
const CurrentConfigRevision = 1

const (
	BackendMem    = "mem"
	BackendBadger = "badger"
	BackendLibp2p = "libp2p"
)

// Keystore configures the identity backend (spec §6 "Keystore").
type Keystore struct {
	// Backend is one of BackendMem or BackendBadger.
	Backend string
	// Path is the keystore file, used only when Backend is BackendBadger.
	Path string
}

// DefaultKeystore returns an in-memory keystore, suitable for tests and
// ephemeral nodes.
func DefaultKeystore() *Keystore {
	return &Keystore{Backend: BackendMem}
}

// Validate reports whether k names a supported backend.
func (k *Keystore) Validate() error {
	return validateBackend("keystore", k.Backend, BackendMem, BackendBadger)
}

// Copy returns a deep copy of k.
func (k *Keystore) Copy() *Keystore {
	res := *k
	return &res
}

// Cache configures the local key/value backend partitioned per
// (manifestHash, dbName) (spec §6 "Cache").
type Cache struct {
	Backend string
	Dir     string
}

// DefaultCache returns an in-memory cache.
func DefaultCache() *Cache {
	return &Cache{Backend: BackendMem}
}

// Validate reports whether c names a supported backend.
func (c *Cache) Validate() error {
	return validateBackend("cache", c.Backend, BackendMem, BackendBadger)
}

// Copy returns a deep copy of c.
func (c *Cache) Copy() *Cache {
	res := *c
	return &res
}

// ObjectStore configures the content-addressed backend manifests, access
// controllers, and entries are persisted to (spec §6 "Object Store").
type ObjectStore struct {
	Backend string
	Dir     string
}

// DefaultObjectStore returns an in-memory object store.
func DefaultObjectStore() *ObjectStore {
	return &ObjectStore{Backend: BackendMem}
}

// Validate reports whether o names a supported backend.
func (o *ObjectStore) Validate() error {
	return validateBackend("objects", o.Backend, BackendMem, BackendBadger)
}

// Copy returns a deep copy of o.
func (o *ObjectStore) Copy() *ObjectStore {
	res := *o
	return &res
}

// PubSub configures the transport the Replication Coordinator publishes
// and subscribes on (spec §6 "Pub/Sub Bus"). BackendLibp2p requires the
// caller to supply an already-constructed go-libp2p-pubsub PubSub at
// Manager construction, since building one needs a live libp2p host the
// config alone cannot describe.
type PubSub struct {
	Backend string
}

// DefaultPubSub returns the in-process bus.
func DefaultPubSub() *PubSub {
	return &PubSub{Backend: BackendMem}
}

// Validate reports whether p names a supported backend.
func (p *PubSub) Validate() error {
	return validateBackend("pubsub", p.Backend, BackendMem, BackendLibp2p)
}

// Copy returns a deep copy of p.
func (p *PubSub) Copy() *PubSub {
	res := *p
	return &res
}

// Replication configures the Replication Coordinator (spec §4.6).
type Replication struct {
	// SettleDelayMS is how long, in milliseconds, the Coordinator waits
	// after a Store becomes ready before republishing its current heads.
	SettleDelayMS int
}

// DefaultReplication returns a 200ms settle delay, short enough that a
// freshly-joined peer converges quickly without flooding the bus on every
// ready event.
func DefaultReplication() *Replication {
	return &Replication{SettleDelayMS: 200}
}

// Validate reports whether r's settle delay is in range.
func (r *Replication) Validate() error {
	if r.SettleDelayMS < 0 {
		return fmt.Errorf("config: replication.settleDelayMS must be non-negative, got %d", r.SettleDelayMS)
	}
	return nil
}

// Copy returns a deep copy of r.
func (r *Replication) Copy() *Replication {
	res := *r
	return &res
}

// Access configures the default write capability list newly Created
// databases start with, beyond the creator's own identity (spec §4.3,
// §4.4 "create").
type Access struct {
	// DefaultWrite lists additional identities granted the write
	// capability on every database this Manager creates. Empty means only
	// the creator may write.
	DefaultWrite []string
}

// DefaultAccess grants no additional writers.
func DefaultAccess() *Access {
	return &Access{}
}

// Validate is a no-op; any string list is an acceptable default writer set.
func (a *Access) Validate() error {
	return nil
}

// Copy returns a deep copy of a.
func (a *Access) Copy() *Access {
	res := &Access{}
	if a.DefaultWrite != nil {
		res.DefaultWrite = append([]string{}, a.DefaultWrite...)
	}
	return res
}

// Config encapsulates all configuration details for a Manager.
type Config struct {
	path string

	Revision int

	Keystore    *Keystore
	Cache       *Cache
	Objects     *ObjectStore
	PubSub      *PubSub
	Replication *Replication
	Access      *Access
}

// SetArbitrary is an interface implementation of base/fill/struct in order
// to safely consume config files that have definitions beyond those
// specified in the struct. This simply ignores all additional fields at
// read time.
func (cfg *Config) SetArbitrary(key string, val interface{}) error {
	return nil
}

// DefaultConfig gives a new configuration with in-memory backends, fit for
// tests and single-process nodes. Real multi-peer deployments swap in
// BackendBadger and BackendLibp2p before constructing a Manager.
func DefaultConfig() *Config {
	return &Config{
		Revision:    CurrentConfigRevision,
		Keystore:    DefaultKeystore(),
		Cache:       DefaultCache(),
		Objects:     DefaultObjectStore(),
		PubSub:      DefaultPubSub(),
		Replication: DefaultReplication(),
		Access:      DefaultAccess(),
	}
}

// ReadFromFile reads a YAML configuration file from path.
func ReadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{})
	if err = yaml.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	cfg := &Config{path: path}
	if rev, ok := fields["revision"]; ok {
		if f, ok := rev.(float64); ok {
			cfg.Revision = int(f)
		}
	}
	if err = fill.Struct(fields, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SetPath assigns the unexported filepath a config will be written to by
// WriteToFile.
func (cfg *Config) SetPath(path string) {
	cfg.path = path
}

// Path gives the unexported filepath a config was loaded from or last set
// to.
func (cfg Config) Path() string {
	return cfg.path
}

// WriteToFile encodes cfg to YAML and writes it to path.
func (cfg Config) WriteToFile(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Get a config value with case.insensitive.dot.separated.paths
func (cfg Config) Get(path string) (interface{}, error) {
	return fill.GetPathValue(path, cfg)
}

// Set a config value with case.insensitive.dot.separated.paths
func (cfg *Config) Set(path string, value interface{}) error {
	return fill.SetPathValue(path, value, cfg)
}

type validator interface {
	Validate() error
}

// Validate checks that every section names a supported backend and every
// numeric field is in range, returning the first problem found. Unlike the
// teacher's jsonschema-backed Validate, this module has no component that
// benefits from general-purpose JSON Schema validation (Config's shape is
// fixed and small), so each section validates its own fixed fields
// directly.
func (cfg Config) Validate() error {
	if cfg.Keystore == nil || cfg.Cache == nil || cfg.Objects == nil || cfg.PubSub == nil || cfg.Replication == nil || cfg.Access == nil {
		return fmt.Errorf("config: all sections are required")
	}

	validators := []validator{
		cfg.Keystore,
		cfg.Cache,
		cfg.Objects,
		cfg.PubSub,
		cfg.Replication,
		cfg.Access,
	}
	for _, v := range validators {
		if !reflect.ValueOf(v).IsNil() {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy returns a deep copy of the Config struct.
func (cfg *Config) Copy() *Config {
	res := &Config{Revision: cfg.Revision, path: cfg.path}
	if cfg.Keystore != nil {
		res.Keystore = cfg.Keystore.Copy()
	}
	if cfg.Cache != nil {
		res.Cache = cfg.Cache.Copy()
	}
	if cfg.Objects != nil {
		res.Objects = cfg.Objects.Copy()
	}
	if cfg.PubSub != nil {
		res.PubSub = cfg.PubSub.Copy()
	}
	if cfg.Replication != nil {
		res.Replication = cfg.Replication.Copy()
	}
	if cfg.Access != nil {
		res.Access = cfg.Access.Copy()
	}
	return res
}

func validateBackend(field, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s.backend %q is not one of %v", field, got, allowed)
}
