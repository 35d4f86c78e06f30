// Package access implements the capability list that gates who may author
// entries in an Oplog (spec §4.3). A Controller is itself persisted as its
// own content-addressed object, the same way a Manifest is.
package access

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	golog "github.com/ipfs/go-log"
)

var log = golog.Logger("access")

// Capability names a permission a public key can hold.
type Capability string

const (
	// Admin may amend the access list itself.
	Admin Capability = "admin"
	// Write may author entries.
	Write Capability = "write"
	// MatchAll is the special writer "*" meaning "any identity".
	MatchAll = "*"
)

// ObjectStore is the narrow persistence contract a Controller needs,
// satisfied by objectstore.Store; kept local so this package never imports
// objectstore and the dependency runs access -> (caller's object store),
// not the other way around.
type ObjectStore interface {
	Put([]byte) (string, error)
	Get(string) ([]byte, error)
}

// Controller is a mapping from capability to the set of public keys that
// hold it.
type Controller struct {
	mu      sync.RWMutex
	address string
	writers map[string]bool
	admins  map[string]bool
}

// wireFormat is the canonical JSON encoding persisted to the Object Store.
type wireFormat struct {
	Write []string `json:"write"`
	Admin []string `json:"admin"`
}

// New constructs an empty Controller.
func New() *Controller {
	return &Controller{
		writers: map[string]bool{},
		admins:  map[string]bool{},
	}
}

// Add inserts identity into the list for capability. The host Store is
// responsible for enforcing that the caller is itself an admin before
// calling Add (spec §4.3).
func (c *Controller) Add(capability Capability, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch capability {
	case Write:
		c.writers[identity] = true
	case Admin:
		c.admins[identity] = true
	default:
		return fmt.Errorf("access: unknown capability %q", capability)
	}
	return nil
}

// IsAdmin reports whether identity holds the admin capability.
func (c *Controller) IsAdmin(identity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admins[identity]
}

// CanAppend reports whether identity may author an entry: it is a writer,
// an admin, or the writer list contains the MatchAll wildcard (spec §4.3).
// It satisfies oplog.AccessController; signature verification itself
// happens separately in entry.Verify during Oplog.Merge.
func (c *Controller) CanAppend(identity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writers[identity] || c.admins[identity] || c.writers[MatchAll]
}

// Address returns the content address this Controller was last persisted
// to or loaded from, or "" if it has never been saved.
func (c *Controller) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

func (c *Controller) marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wf := wireFormat{
		Write: sortedKeys(c.writers),
		Admin: sortedKeys(c.admins),
	}
	return json.Marshal(wf)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save persists the canonical encoding of the capability list to store and
// records the returned address (spec §4.3).
func (c *Controller) Save(store ObjectStore) (string, error) {
	data, err := c.marshal()
	if err != nil {
		return "", fmt.Errorf("access: marshaling controller: %w", err)
	}

	addr, err := store.Put(data)
	if err != nil {
		return "", fmt.Errorf("access: persisting controller: %w", err)
	}

	c.mu.Lock()
	c.address = addr
	c.mu.Unlock()

	log.Debugf("saved access controller at %q (%d writers, %d admins)", addr, len(c.writers), len(c.admins))
	return addr, nil
}

// Load fetches and populates a Controller from address.
func Load(store ObjectStore, address string) (*Controller, error) {
	data, err := store.Get(address)
	if err != nil {
		return nil, fmt.Errorf("access: fetching controller %q: %w", address, err)
	}

	var wf wireFormat
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("access: unmarshaling controller %q: %w", address, err)
	}

	c := New()
	c.address = address
	for _, w := range wf.Write {
		c.writers[w] = true
	}
	for _, a := range wf.Admin {
		c.admins[a] = true
	}
	return c, nil
}
