// Package replication implements the Replication Publisher (C6) and
// Replication Applier (C7): ordered CBOR change events, a durable outbox,
// at-least-once delivery, and loop-free reconciliation.
package replication

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/store"
)

// MaxEventBytes is the encoded size cap for one Replication Event (spec §3,
// §4.5, §6).
const MaxEventBytes = 300 * 1024

// Event is the wire format for a Replication Event (spec §3/§6): a CBOR map
// with a deterministic field order and strict snake_case keys. cbor/v2
// preserves struct field declaration order on encode, which is what gives us
// the deterministic ordering — no custom sort step is needed.
type Event struct {
	Key         string `cbor:"key"`
	NodeID      string `cbor:"node_id"`
	Seq         uint64 `cbor:"seq"`
	TimestampMs uint64 `cbor:"timestamp_ms"`
	Tombstone   bool   `cbor:"tombstone"`
	Value       []byte `cbor:"value,omitempty"`
}

// FromEntry builds the wire Event for a store.Entry, omitting Value for
// tombstones per §6 ("value omitted when tombstone = true").
func FromEntry(e store.Entry) Event {
	ev := Event{
		Key: e.Key, NodeID: e.NodeID, Seq: e.Seq,
		TimestampMs: e.TimestampMs, Tombstone: e.Tombstone,
	}
	if !e.Tombstone {
		ev.Value = e.Value
	}
	return ev
}

// ToEntry converts a decoded Event back into a store.Entry for application
// via PutWithReconciliation.
func (e Event) ToEntry() store.Entry {
	return store.Entry{
		Key: e.Key, Value: e.Value, Tombstone: e.Tombstone,
		TimestampMs: e.TimestampMs, NodeID: e.NodeID, Seq: e.Seq,
	}
}

// Encode CBOR-encodes the event and enforces the 300 KiB cap (spec §4.5:
// "oversize -> PayloadTooLarge, the event is dropped").
func Encode(e Event) ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, errs.Internal("encode replication event", err)
	}
	if len(data) > MaxEventBytes {
		return nil, errs.PayloadTooLarge(fmt.Sprintf("replication event %d bytes exceeds %d", len(data), MaxEventBytes))
	}
	return data, nil
}

// Decode validates size and field types before handing the event to the
// Applier (spec §4.6: "validate field types and size").
func Decode(data []byte) (Event, error) {
	if len(data) > MaxEventBytes {
		return Event{}, errs.PayloadTooLarge("replication event exceeds 300 KiB on decode")
	}
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Event{}, errs.Validation(fmt.Sprintf("malformed replication event: %v", err))
	}
	if e.Key == "" || len(e.Key) > store.MaxKeyBytes {
		return Event{}, errs.Validation("replication event key out of bounds")
	}
	if e.NodeID == "" || len(e.NodeID) > 128 {
		return Event{}, errs.Validation("replication event node_id out of bounds")
	}
	if !e.Tombstone && len(e.Value) > store.MaxValueBytes {
		return Event{}, errs.Validation("replication event value out of bounds")
	}
	return e, nil
}
