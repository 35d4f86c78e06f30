// Package clock implements the Lamport-style logical clock used to order
// entries in an Oplog (spec §3 "Clock"). Total order is only ever used as a
// deterministic tie-break when causal order can't decide between two
// entries.
package clock

import "fmt"

// Clock pairs a logical timestamp with the identity that produced it. Time
// is monotonically increasing per append: a new entry's Time is always
// strictly greater than every parent it names.
type Clock struct {
	ID   string
	Time uint64
}

// New builds a Clock for id at the given logical time.
func New(id string, time uint64) Clock {
	return Clock{ID: id, Time: time}
}

// Tick returns a new Clock for id one step past the maximum time observed
// among a set of parent clocks. With no parents, time starts at 1, per
// spec §3: "if no parents, clock.time >= 1".
func Tick(id string, parents []Clock) Clock {
	var max uint64
	for _, p := range parents {
		if p.Time > max {
			max = p.Time
		}
	}
	return Clock{ID: id, Time: max + 1}
}

// Less implements the (time asc, id asc) total order used as a tie-break
// during linearization (spec §4.2).
func (c Clock) Less(o Clock) bool {
	if c.Time != o.Time {
		return c.Time < o.Time
	}
	return c.ID < o.ID
}

func (c Clock) String() string {
	return fmt.Sprintf("%s@%d", c.ID, c.Time)
}
