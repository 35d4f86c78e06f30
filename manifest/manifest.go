// Package manifest implements the small addressed object that anchors a
// database's root identity (spec §3 "Manifest") and the canonical address
// form built from it (spec §3 "Address", §6 "Address wire form").
package manifest

import (
	"encoding/json"
	"fmt"
)

// Type enumerates the valid database flavors (spec §6).
type Type string

const (
	EventLog Type = "eventlog"
	Feed     Type = "feed"
	KeyValue Type = "keyvalue"
	Counter  Type = "counter"
	DocStore Type = "docstore"
)

// ValidTypes is the complete set of database types a Manifest may declare.
var ValidTypes = map[Type]bool{
	EventLog: true,
	Feed:     true,
	KeyValue: true,
	Counter:  true,
	DocStore: true,
}

// IsValidType reports whether t is one of the five valid database types.
func IsValidType(t Type) bool {
	return ValidTypes[t]
}

// Manifest is the immutable descriptor of a database: its name, its type,
// and the address of its Access Controller. A Manifest's content hash is
// the database's root identity.
type Manifest struct {
	Name             string `json:"name"`
	Type             Type   `json:"type"`
	AccessController string `json:"accessController"`
}

// ObjectStore is the narrow persistence contract this package needs.
type ObjectStore interface {
	Put([]byte) (string, error)
	Get(string) ([]byte, error)
}

// Marshal serializes a Manifest to its canonical wire form.
func Marshal(m Manifest) ([]byte, error) {
	return json.Marshal(m)
}

// Save persists m to store and returns its content hash, the database's
// root identity (spec §3).
func Save(store ObjectStore, m Manifest) (string, error) {
	if !IsValidType(m.Type) {
		return "", fmt.Errorf("manifest: invalid type %q", m.Type)
	}
	data, err := Marshal(m)
	if err != nil {
		return "", fmt.Errorf("manifest: marshaling: %w", err)
	}
	hash, err := store.Put(data)
	if err != nil {
		return "", fmt.Errorf("manifest: persisting: %w", err)
	}
	return hash, nil
}

// Load fetches and decodes the Manifest stored at hash.
func Load(store ObjectStore, hash string) (Manifest, error) {
	data, err := store.Get(hash)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: fetching %q: %w", hash, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: unmarshaling %q: %w", hash, err)
	}
	return m, nil
}
