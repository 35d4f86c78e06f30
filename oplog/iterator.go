package oplog

import (
	"sort"

	"github.com/qri-io/oplogdb/entry"
)

// IteratorOptions controls traversal bounds (spec §4.2 "Traversal").
type IteratorOptions struct {
	// GT, GTE, LT, LTE are entry hashes acting as exclusive/inclusive
	// boundary markers within the linearized sequence. At most one of
	// {GT, GTE} and one of {LT, LTE} should be set.
	GT, GTE, LT, LTE string
	// Limit caps the number of entries returned. A negative Limit means
	// unbounded.
	Limit int
	// Reverse flips the output order.
	Reverse bool
}

// linearize flattens the DAG into the deterministic causal order defined by
// spec §4.2: (clock.time asc, clock.id asc, hash asc) tie-break. Two logs
// holding identical entry sets produce identical linearizations regardless
// of insertion history (spec §8 property 7).
func (l *Log) linearize() []*entry.Entry {
	all := make([]*entry.Entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Clock.Less(b.Clock) {
			return true
		}
		if b.Clock.Less(a.Clock) {
			return false
		}
		return a.Hash < b.Hash
	})
	return all
}

// Iterator returns entries from the log honoring opts. Default order is
// causal ascending; opts.Reverse flips it. Boundary hashes that are not
// present in the log are simply never matched, leaving the window unbounded
// on that side rather than erroring, since an iterator may run against a log
// that hasn't finished replicating the boundary entry yet.
func (l *Log) Iterator(opts IteratorOptions) []*entry.Entry {
	entries := l.linearize()

	start, end := 0, len(entries)
	if opts.GT != "" {
		for i, e := range entries {
			if e.Hash == opts.GT {
				start = i + 1
				break
			}
		}
	}
	if opts.GTE != "" {
		for i, e := range entries {
			if e.Hash == opts.GTE {
				start = i
				break
			}
		}
	}
	if opts.LT != "" {
		for i, e := range entries {
			if e.Hash == opts.LT {
				end = i
				break
			}
		}
	}
	if opts.LTE != "" {
		for i, e := range entries {
			if e.Hash == opts.LTE {
				end = i + 1
				break
			}
		}
	}

	if start > len(entries) {
		start = len(entries)
	}
	if end < start {
		end = start
	}
	window := entries[start:end]

	if opts.Reverse {
		reversed := make([]*entry.Entry, len(window))
		for i, e := range window {
			reversed[len(window)-1-i] = e
		}
		window = reversed
	}

	if opts.Limit >= 0 && opts.Limit < len(window) {
		window = window[:opts.Limit]
	}

	return window
}
