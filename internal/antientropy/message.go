package antientropy

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/store"
)

// MaxMessageBytes is the per-message serialized cap for SYNC/SYNC_KEYS
// traffic (spec §4.7 "each SYNC/SYNC_KEYS message ≤ 512 KiB serialized").
const MaxMessageBytes = 512 * 1024

// MaxRounds bounds SYNC_KEYS splitting so a persistently divergent bucket
// cannot loop forever (spec §4.7 "split into rounds until convergence or max
// rounds").
const MaxRounds = 64

type kind string

const (
	kindSyncRequest      kind = "sync_request"
	kindSyncResponse     kind = "sync_response"
	kindSyncKeysRequest  kind = "sync_keys_request"
	kindSyncKeysResponse kind = "sync_keys_response"
)

// SyncRequest carries this node's root hash (spec §4.7 phase 1).
type SyncRequest struct {
	RootHash [32]byte `cbor:"root_hash"`
}

// SyncResponse carries the peer's root hash and its per-bucket branch
// summary.
type SyncResponse struct {
	RootHash     [32]byte   `cbor:"root_hash"`
	BucketHashes [][32]byte `cbor:"bucket_hashes"`
}

// wireKeyFingerprint is the wire form of KeyFingerprint (fixed-size arrays
// don't need a byte-slice indirection, but cbor needs exported fields).
type wireKeyFingerprint struct {
	Key         string   `cbor:"key"`
	Fingerprint [32]byte `cbor:"fingerprint"`
}

// SyncKeysRequest exchanges one bucket's (key, fingerprint) pairs (spec
// §4.7 phase 2).
type SyncKeysRequest struct {
	Bucket  int                  `cbor:"bucket"`
	Round   int                  `cbor:"round"`
	Offset  int                  `cbor:"offset"` // candidates already consumed by prior rounds for this bucket
	Entries []wireKeyFingerprint `cbor:"entries"`
}

// wireEntry is the CBOR form of a divergent store.Entry pushed during
// SYNC_KEYS, matching the Replication Event field order for consistency.
type wireEntry struct {
	Key         string `cbor:"key"`
	NodeID      string `cbor:"node_id"`
	Seq         uint64 `cbor:"seq"`
	TimestampMs uint64 `cbor:"timestamp_ms"`
	Tombstone   bool   `cbor:"tombstone"`
	Value       []byte `cbor:"value,omitempty"`
}

func toWireEntry(e store.Entry) wireEntry {
	w := wireEntry{Key: e.Key, NodeID: e.NodeID, Seq: e.Seq, TimestampMs: e.TimestampMs, Tombstone: e.Tombstone}
	if !e.Tombstone {
		w.Value = e.Value
	}
	return w
}

func (w wireEntry) toEntry() store.Entry {
	return store.Entry{Key: w.Key, Value: w.Value, Tombstone: w.Tombstone, TimestampMs: w.TimestampMs, NodeID: w.NodeID, Seq: w.Seq}
}

// SyncKeysResponse carries the responder's full Entry for each key whose
// fingerprint differs from, or is missing in, the request; the receiver
// resolves LWW when it applies them.
type SyncKeysResponse struct {
	Round    int         `cbor:"round"`
	Final    bool        `cbor:"final"`
	Consumed int         `cbor:"consumed"` // candidates consumed this round, for the caller's next Offset
	Entries  []wireEntry `cbor:"entries"`
}

func encodeCapped(v interface{}) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, errs.Internal("encode anti-entropy message", err)
	}
	if len(data) > MaxMessageBytes {
		return nil, errs.PayloadTooLarge(fmt.Sprintf("anti-entropy message %d bytes exceeds %d", len(data), MaxMessageBytes))
	}
	return data, nil
}

func decodeCapped(data []byte, v interface{}) error {
	if len(data) > MaxMessageBytes {
		return errs.PayloadTooLarge("anti-entropy message exceeds 512 KiB on decode")
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return errs.Validation(fmt.Sprintf("malformed anti-entropy message: %v", err))
	}
	return nil
}
