package store

import (
	"encoding/json"
	"fmt"

	"github.com/qri-io/oplogdb/entry"
	"github.com/qri-io/oplogdb/oplog"
)

// DefaultIDField is the document field DocStore extracts an id from when no
// other field is configured (spec §4.5 "docstore").
const DefaultIDField = "_id"

const (
	docOpPut    = "put"
	docOpDelete = "delete"
)

// docOp is the wire envelope every DocStore entry's payload carries: either
// a put (ID/Doc set) or a tombstone referencing a prior entry's hash by
// Target (spec §4.5 supplemented: "key/doc deletes reuse the same tombstone
// entry shape keyed by the original entry hash rather than the key/id").
type docOp struct {
	Op     string          `json:"op"`
	ID     string          `json:"id,omitempty"`
	Doc    json.RawMessage `json:"doc,omitempty"`
	Target string          `json:"target,omitempty"`
}

// DocStore projects the Oplog as a last-write-wins map keyed by a
// document id extracted from a configurable field (spec §4.5 "docstore":
// "like keyvalue, where document id is extracted from payload per a
// configured field").
type DocStore struct {
	*Store
	idField string
}

// NewDocStore wraps base as a DocStore adapter. idField is the document
// field holding each document's id; an empty idField defaults to
// DefaultIDField.
func NewDocStore(base *Store, idField string) *DocStore {
	if idField == "" {
		idField = DefaultIDField
	}
	return &DocStore{Store: base, idField: idField}
}

// Put marshals doc, extracts its id from the configured field, and records
// it.
func (d *DocStore) Put(doc interface{}) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("docstore: marshaling document: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("docstore: document must be a JSON object: %w", err)
	}
	idRaw, ok := fields[d.idField]
	if !ok {
		return "", fmt.Errorf("docstore: document missing id field %q", d.idField)
	}
	var id string
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return "", fmt.Errorf("docstore: id field %q must be a string: %w", d.idField, err)
	}

	payload, err := json.Marshal(docOp{Op: docOpPut, ID: id, Doc: raw})
	if err != nil {
		return "", fmt.Errorf("docstore: marshaling entry: %w", err)
	}
	if _, err := d.Append(payload); err != nil {
		return "", err
	}
	return id, nil
}

// Delete tombstones the entry at targetHash. A later Put for the same
// document id still wins over this tombstone.
func (d *DocStore) Delete(targetHash string) error {
	payload, err := json.Marshal(docOp{Op: docOpDelete, Target: targetHash})
	if err != nil {
		return fmt.Errorf("docstore: marshaling delete: %w", err)
	}
	_, err = d.Append(payload)
	return err
}

// Get returns the raw JSON of the latest document recorded under id, and
// whether any entry targets it.
func (d *DocStore) Get(id string) (json.RawMessage, bool) {
	winner := d.winners()[id]
	if winner == nil {
		return nil, false
	}
	var op docOp
	if err := json.Unmarshal(winner.Payload, &op); err != nil {
		return nil, false
	}
	return op.Doc, true
}

// All returns the full last-write-wins projection, keyed by document id.
func (d *DocStore) All() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for id, winner := range d.winners() {
		var op docOp
		if err := json.Unmarshal(winner.Payload, &op); err != nil {
			log.Debugf("docstore: skipping id %q, unparsable payload in %q: %s", id, winner.Hash, err)
			continue
		}
		out[id] = op.Doc
	}
	return out
}

func (d *DocStore) winners() map[string]*entry.Entry {
	entries := d.Iterator(oplog.IteratorOptions{Limit: -1})

	deleted := map[string]bool{}
	for _, e := range entries {
		var op docOp
		if err := json.Unmarshal(e.Payload, &op); err == nil && op.Op == docOpDelete {
			deleted[op.Target] = true
		}
	}

	winners := map[string]*entry.Entry{}
	for _, e := range entries {
		var op docOp
		if err := json.Unmarshal(e.Payload, &op); err != nil || op.Op != docOpPut || deleted[e.Hash] {
			continue
		}
		cur, ok := winners[op.ID]
		if !ok || greater(e, cur) {
			winners[op.ID] = e
		}
	}
	return winners
}
