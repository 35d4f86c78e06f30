package store

import "github.com/qri-io/oplogdb/oplog"

// EventLog projects the Oplog as an append-only sequence of opaque events
// (spec §4.5 "eventlog": linearized traversal of all entries in causal
// order).
type EventLog struct {
	*Store
}

// NewEventLog wraps base as an EventLog adapter.
func NewEventLog(base *Store) *EventLog {
	return &EventLog{Store: base}
}

// Add appends data as a new event.
func (l *EventLog) Add(data []byte) ([]byte, error) {
	e, err := l.Append(data)
	if err != nil {
		return nil, err
	}
	return e.Payload, nil
}

// List returns every event's payload in the traversal order opts
// describes.
func (l *EventLog) List(opts oplog.IteratorOptions) [][]byte {
	entries := l.Iterator(opts)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Payload
	}
	return out
}
