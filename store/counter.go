package store

import (
	"encoding/json"
	"fmt"

	"github.com/qri-io/oplogdb/oplog"
)

// counterOp carries the cumulative value this identity has reached as of
// this entry, not a delta — the classic G-Counter encoding, where each
// replica's own running total only ever increases (spec §4.5 "counter": "a
// G-counter map {identity -> non-negative integer} obtained by taking the
// per-identity maximum across all increment entries").
type counterOp struct {
	Value int64 `json:"value"`
}

// Counter projects the Oplog as a grow-only distributed counter.
type Counter struct {
	*Store
}

// NewCounter wraps base as a Counter adapter.
func NewCounter(base *Store) *Counter {
	return &Counter{Store: base}
}

// Increase records an increment of n (n must be non-negative) against the
// Store's own identity, as the new cumulative total for that identity.
func (c *Counter) Increase(n int64) error {
	if n < 0 {
		return fmt.Errorf("counter: increase must be non-negative, got %d", n)
	}

	identity, ok := c.ks.GetKey(c.identityName)
	if !ok {
		return fmt.Errorf("counter: no identity registered under %q", c.identityName)
	}

	current := c.perIdentityMax()[identity]
	payload, err := json.Marshal(counterOp{Value: current + n})
	if err != nil {
		return fmt.Errorf("counter: marshaling: %w", err)
	}
	_, err = c.Append(payload)
	return err
}

// Value returns the sum over every identity's maximum recorded cumulative
// total.
func (c *Counter) Value() int64 {
	var total int64
	for _, v := range c.perIdentityMax() {
		total += v
	}
	return total
}

func (c *Counter) perIdentityMax() map[string]int64 {
	entries := c.Iterator(oplog.IteratorOptions{Limit: -1})

	max := map[string]int64{}
	for _, e := range entries {
		var op counterOp
		if err := json.Unmarshal(e.Payload, &op); err != nil {
			log.Debugf("counter: skipping entry %q with unparsable payload: %s", e.Hash, err)
			continue
		}
		if op.Value > max[e.Identity] {
			max[e.Identity] = op.Value
		}
	}
	return max
}
