package store

import (
	"encoding/json"
	"fmt"

	"github.com/qri-io/oplogdb/entry"
	"github.com/qri-io/oplogdb/oplog"
)

const (
	kvOpPut    = "put"
	kvOpDelete = "delete"
)

// kvOp is the wire envelope every KeyValue entry's payload carries: either a
// put (Key/Value set) or a tombstone referencing a prior entry's hash by
// Target, the same shape Feed uses for its delete marker (spec §4.5
// supplemented: "key/doc deletes reuse the same tombstone entry shape keyed
// by the original entry hash rather than the key/id, so a later write for
// the same key still wins over a stale tombstone").
type kvOp struct {
	Op     string `json:"op"`
	Key    string `json:"key,omitempty"`
	Value  []byte `json:"value,omitempty"`
	Target string `json:"target,omitempty"`
}

// KeyValue projects the Oplog as a last-write-wins map (spec §4.5
// "keyvalue": for each key, the payload of the entry with greatest
// (clock.time, clock.id, hash) among entries targeting that key).
type KeyValue struct {
	*Store
}

// NewKeyValue wraps base as a KeyValue adapter.
func NewKeyValue(base *Store) *KeyValue {
	return &KeyValue{Store: base}
}

// Put records value under key.
func (kv *KeyValue) Put(key string, value []byte) error {
	payload, err := json.Marshal(kvOp{Op: kvOpPut, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("keyvalue: marshaling: %w", err)
	}
	_, err = kv.Append(payload)
	return err
}

// Delete tombstones the entry at targetHash. A later Put for the same key
// still wins over this tombstone, since the tombstone only removes that one
// entry from consideration, not the key itself.
func (kv *KeyValue) Delete(targetHash string) error {
	payload, err := json.Marshal(kvOp{Op: kvOpDelete, Target: targetHash})
	if err != nil {
		return fmt.Errorf("keyvalue: marshaling delete: %w", err)
	}
	_, err = kv.Append(payload)
	return err
}

// Get returns the latest value recorded for key, and whether any entry
// targets it.
func (kv *KeyValue) Get(key string) ([]byte, bool) {
	winner := kv.winners()[key]
	if winner == nil {
		return nil, false
	}
	var op kvOp
	if err := json.Unmarshal(winner.Payload, &op); err != nil {
		return nil, false
	}
	return op.Value, true
}

// All returns the full last-write-wins projection.
func (kv *KeyValue) All() map[string][]byte {
	out := map[string][]byte{}
	for key, winner := range kv.winners() {
		var op kvOp
		if err := json.Unmarshal(winner.Payload, &op); err != nil {
			log.Debugf("keyvalue: skipping key %q, unparsable payload in %q: %s", key, winner.Hash, err)
			continue
		}
		out[key] = op.Value
	}
	return out
}

func (kv *KeyValue) winners() map[string]*entry.Entry {
	entries := kv.Iterator(oplog.IteratorOptions{Limit: -1})

	deleted := map[string]bool{}
	for _, e := range entries {
		var op kvOp
		if err := json.Unmarshal(e.Payload, &op); err != nil {
			continue
		}
		if op.Op == kvOpDelete {
			deleted[op.Target] = true
		}
	}

	winners := map[string]*entry.Entry{}
	for _, e := range entries {
		var op kvOp
		if err := json.Unmarshal(e.Payload, &op); err != nil || op.Op != kvOpPut || deleted[e.Hash] {
			continue
		}
		cur, ok := winners[op.Key]
		if !ok || greater(e, cur) {
			winners[op.Key] = e
		}
	}
	return winners
}

// greater reports whether a sorts after b under the (clock.time, clock.id,
// hash) tie-break order (spec §4.5 "greatest (clock.time, clock.id, hash)").
func greater(a, b *entry.Entry) bool {
	if a.Clock.Less(b.Clock) {
		return false
	}
	if b.Clock.Less(a.Clock) {
		return true
	}
	return a.Hash > b.Hash
}
