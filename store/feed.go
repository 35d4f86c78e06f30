package store

import (
	"encoding/json"
	"fmt"

	"github.com/qri-io/oplogdb/oplog"
)

// feedOp is the wire envelope every Feed entry's payload carries: either an
// added event (Data set) or a tombstone referencing a prior entry's hash by
// Target (spec §4.5 "feed": "entries may carry a delete marker referencing
// a prior entry hash").
type feedOp struct {
	Op     string `json:"op"`
	Data   []byte `json:"data,omitempty"`
	Target string `json:"target,omitempty"`
}

const (
	feedOpAdd    = "add"
	feedOpDelete = "delete"
)

// Feed projects the Oplog as an event sequence that supports deletion:
// entries tombstoned by a later delete marker are filtered from the
// projection (spec §4.5 "feed").
type Feed struct {
	*Store
}

// NewFeed wraps base as a Feed adapter.
func NewFeed(base *Store) *Feed {
	return &Feed{Store: base}
}

// Add appends data as a new feed event, returning its entry hash so it can
// later be targeted by Delete.
func (f *Feed) Add(data []byte) (string, error) {
	payload, err := json.Marshal(feedOp{Op: feedOpAdd, Data: data})
	if err != nil {
		return "", fmt.Errorf("feed: marshaling add: %w", err)
	}
	e, err := f.Append(payload)
	if err != nil {
		return "", err
	}
	return e.Hash, nil
}

// Delete appends a tombstone marker for the entry at targetHash.
func (f *Feed) Delete(targetHash string) error {
	payload, err := json.Marshal(feedOp{Op: feedOpDelete, Target: targetHash})
	if err != nil {
		return fmt.Errorf("feed: marshaling delete: %w", err)
	}
	_, err = f.Append(payload)
	return err
}

// List returns the data of every entry not covered by a later tombstone, in
// the traversal order opts describes. Tombstones are resolved over the full
// history regardless of opts' window, since a delete marker may itself fall
// outside the requested window.
func (f *Feed) List(opts oplog.IteratorOptions) [][]byte {
	entries := f.Iterator(oplog.IteratorOptions{Limit: -1})

	deleted := map[string]bool{}
	data := map[string][]byte{}
	var hashes []string

	for _, e := range entries {
		var op feedOp
		if err := json.Unmarshal(e.Payload, &op); err != nil {
			log.Debugf("feed: skipping entry %q with unparsable payload: %s", e.Hash, err)
			continue
		}
		switch op.Op {
		case feedOpDelete:
			deleted[op.Target] = true
		case feedOpAdd:
			data[e.Hash] = op.Data
			hashes = append(hashes, e.Hash)
		}
	}

	start, end := 0, len(hashes)
	for i, h := range hashes {
		if opts.GT != "" && h == opts.GT {
			start = i + 1
		}
		if opts.GTE != "" && h == opts.GTE {
			start = i
		}
		if opts.LT != "" && h == opts.LT {
			end = i
		}
		if opts.LTE != "" && h == opts.LTE {
			end = i + 1
		}
	}
	if start > len(hashes) {
		start = len(hashes)
	}
	if end < start {
		end = start
	}
	window := hashes[start:end]

	out := make([][]byte, 0, len(window))
	for _, h := range window {
		if deleted[h] {
			continue
		}
		out = append(out, data[h])
	}

	if opts.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit >= 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}
