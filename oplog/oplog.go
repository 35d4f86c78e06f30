// Package oplog implements the replicated operation log: an in-memory DAG
// of signed entries with a known head-set and a logical clock (spec §4.2).
// A Log is owned exclusively by one Store; concurrent callers must
// serialize their own access (spec §5) — this package does not lock
// internally.
package oplog

import (
	"fmt"

	golog "github.com/ipfs/go-log"

	"github.com/qri-io/oplogdb/clock"
	"github.com/qri-io/oplogdb/dberrors"
	"github.com/qri-io/oplogdb/entry"
)

var log = golog.Logger("oplog")

// AccessController is the subset of access.Controller the Oplog needs to
// enforce spec §4.3's canAppend check during merge. It is a narrow
// interface so this package never imports access, keeping the dependency
// direction access -> oplog consumer, not oplog -> access.
type AccessController interface {
	CanAppend(identity string) bool
}

// FetchEntryFunc retrieves an entry by hash from the Object Store. It may
// suspend on network or disk I/O (spec §5).
type FetchEntryFunc func(hash string) (*entry.Entry, error)

// Log is the DAG of entries for one database address.
type Log struct {
	id       string
	entries  map[string]*entry.Entry
	heads    map[string]struct{}
	hasChild map[string]bool
	maxTime  uint64
	access   AccessController
}

// New constructs an empty Log for the given database address id.
func New(id string, access AccessController) *Log {
	return &Log{
		id:       id,
		entries:  map[string]*entry.Entry{},
		heads:    map[string]struct{}{},
		hasChild: map[string]bool{},
		access:   access,
	}
}

// ID returns the database address this log belongs to.
func (l *Log) ID() string { return l.id }

// Len returns the number of entries held by the log.
func (l *Log) Len() int { return len(l.entries) }

// Has reports whether hash is already present in the log.
func (l *Log) Has(hash string) bool {
	_, ok := l.entries[hash]
	return ok
}

// Get returns the entry for hash, if present.
func (l *Log) Get(hash string) (*entry.Entry, bool) {
	e, ok := l.entries[hash]
	return e, ok
}

// Heads returns the current head set: entries with no known child in this
// log (spec §3 invariant).
func (l *Log) Heads() []*entry.Entry {
	heads := make([]*entry.Entry, 0, len(l.heads))
	for h := range l.heads {
		heads = append(heads, l.entries[h])
	}
	return heads
}

// HeadHashes returns the hashes of the current head set.
func (l *Log) HeadHashes() []string {
	hashes := make([]string, 0, len(l.heads))
	for h := range l.heads {
		hashes = append(hashes, h)
	}
	return hashes
}

// insert adds e to the log and maintains the incremental has-child set used
// to recompute heads (spec §4.2 "Find-heads algorithm"). It assumes e has
// already passed integrity and access checks.
func (l *Log) insert(e *entry.Entry) {
	l.entries[e.Hash] = e
	if e.Clock.Time > l.maxTime {
		l.maxTime = e.Clock.Time
	}

	for _, p := range e.Next {
		l.hasChild[p] = true
		delete(l.heads, p)
	}

	if !l.hasChild[e.Hash] {
		l.heads[e.Hash] = struct{}{}
	}
}

// Append signs and inserts a new entry whose parents are the current heads,
// replacing the head set with just the new entry (spec §4.2 "Append").
// Identities outside the Access Controller's writers are rejected before
// any entry is created (spec §7, "fails AccessDenied locally").
func (l *Log) Append(payload []byte, identity string, sign entry.SignFunc) (*entry.Entry, error) {
	if l.access != nil && !l.access.CanAppend(identity) {
		return nil, fmt.Errorf("%w: identity %q may not append to %q", dberrors.ErrAccessDenied, identity, l.id)
	}

	parents := l.Heads()
	parentClocks := make([]clock.Clock, len(parents))
	next := make([]string, len(parents))
	for i, p := range parents {
		parentClocks[i] = p.Clock
		next[i] = p.Hash
	}

	clk := clock.Tick(identity, parentClocks)

	e, err := entry.Create(payload, next, clk, identity, sign)
	if err != nil {
		return nil, fmt.Errorf("appending entry: %w", err)
	}

	l.insert(e)
	return e, nil
}

// Merge traverses the DAG rooted at foreignHeads, fetching any unknown
// ancestor via fetchEntry, and inserts every entry that passes integrity
// and access checks (spec §4.2 "Merge"). It is commutative, associative and
// idempotent: entries already present are silently skipped, and bad
// entries are dropped without aborting the rest of the batch (spec §7).
func (l *Log) Merge(foreignHeads []string, fetchEntry FetchEntryFunc, verify entry.VerifyFunc) error {
	visited := map[string]bool{}
	queue := append([]string(nil), foreignHeads...)

	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]

		if visited[hash] || l.Has(hash) {
			continue
		}
		visited[hash] = true

		e, err := fetchEntry(hash)
		if err != nil {
			log.Debugf("merge: dropping %q, fetch failed: %s", hash, err)
			return fmt.Errorf("%w: fetching entry %q: %s", dberrors.ErrTransportError, hash, err)
		}
		if e == nil || e.Hash != hash {
			log.Debugf("merge: dropping %q, fetched entry hash mismatch", hash)
			continue
		}

		ok, err := entry.Verify(e, verify)
		if err != nil {
			log.Debugf("merge: dropping %q, verify error: %s", hash, err)
			continue
		}
		if !ok {
			log.Debugf("merge: dropping %q, integrity check failed", hash)
			continue
		}

		if l.access != nil && !l.access.CanAppend(e.Identity) {
			log.Debugf("merge: dropping %q, access denied for identity %q", hash, e.Identity)
			continue
		}

		l.insert(e)

		for _, p := range e.Next {
			if !visited[p] && !l.Has(p) {
				queue = append(queue, p)
			}
		}
	}

	return nil
}
