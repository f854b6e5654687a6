package replication

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/merklekv/internal/durablelog"
	"github.com/merklekv/merklekv/internal/errs"
)

// Record is an Outbox Record (spec §3): a pending replication event awaiting
// a QoS-1 publish acknowledgement.
type Record struct {
	EventBytes []byte
	NodeID     string
	Seq        uint64
	CreatedAt  time.Time
	Attempts   int
	LastError  string
}

type outboxEnvelope struct {
	EventBytes []byte `cbor:"event_bytes"`
	NodeID     string `cbor:"node_id"`
	Seq        uint64 `cbor:"seq"`
	CreatedAt  int64  `cbor:"created_at_ms"`
}

// Outbox is the durable, FIFO-per-origin queue of pending replication
// events, adapting the teacher's append-only WAL idiom
// (internal/store/wal.go) to a queue that also needs removal-on-ack;
// removal rewrites the log in place: it is truncated and the surviving
// records are appended again. The rewrite is not atomic.
type Outbox struct {
	mu      sync.Mutex
	pending []*Record // ordered by (node_id, seq) append order == FIFO per origin.
	log     *durablelog.Log
	dataDir string
	persist bool

	highWaterMark int
}

// OpenOutbox creates or recovers a durable Outbox. dataDir == "" disables
// persistence (in-memory only outbox, still FIFO and still durable across
// the process lifetime, just not across restarts).
func OpenOutbox(dataDir string, highWaterMark int) (*Outbox, error) {
	ob := &Outbox{highWaterMark: highWaterMark}
	if dataDir == "" {
		return ob, nil
	}
	lg, err := durablelog.Open(filepath.Join(dataDir, "outbox.log"))
	if err != nil {
		return nil, errs.Internal("open outbox log", err)
	}
	ob.log = lg
	ob.persist = true
	ob.dataDir = dataDir

	raws, err := lg.ReadAll()
	if err != nil {
		return nil, errs.Internal("replay outbox log", err)
	}
	for _, raw := range raws {
		var env outboxEnvelope
		if err := cbor.Unmarshal(raw, &env); err != nil {
			break
		}
		ob.pending = append(ob.pending, &Record{
			EventBytes: env.EventBytes,
			NodeID:     env.NodeID,
			Seq:        env.Seq,
			CreatedAt:  time.UnixMilli(env.CreatedAt),
		})
	}
	return ob, nil
}

// Depth reports how many records are currently pending (used for the
// high-water-mark backpressure check and for metrics).
func (ob *Outbox) Depth() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.pending)
}

// Enqueue durably appends a new pending record. It refuses new work once the
// outbox is at its configured high-water mark (spec §5 "Backpressure").
func (ob *Outbox) Enqueue(eventBytes []byte, nodeID string, seq uint64, now time.Time) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.highWaterMark > 0 && len(ob.pending) >= ob.highWaterMark {
		return errs.Backpressure("outbox at high-water mark")
	}

	rec := &Record{EventBytes: eventBytes, NodeID: nodeID, Seq: seq, CreatedAt: now}
	if ob.persist {
		payload, err := cbor.Marshal(outboxEnvelope{
			EventBytes: eventBytes, NodeID: nodeID, Seq: seq, CreatedAt: now.UnixMilli(),
		})
		if err != nil {
			return errs.Internal("encode outbox record", err)
		}
		if err := ob.log.Append(payload); err != nil {
			return errs.Internal("append outbox log", err)
		}
	}
	ob.pending = append(ob.pending, rec)
	return nil
}

// Snapshot returns a copy of all currently pending records, oldest first,
// for the flusher to batch and publish.
func (ob *Outbox) Snapshot() []*Record {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	out := make([]*Record, len(ob.pending))
	copy(out, ob.pending)
	return out
}

// Ack removes a record after its QoS-1 publish has been acknowledged (spec
// §3 "removed upon ack of a QoS-1 publish"), then compacts the durable log so
// it doesn't grow unboundedly.
func (ob *Outbox) Ack(nodeID string, seq uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	idx := -1
	for i, r := range ob.pending {
		if r.NodeID == nodeID && r.Seq == seq {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	ob.pending = append(ob.pending[:idx], ob.pending[idx+1:]...)
	return ob.compactLocked()
}

// RecordFailure bumps the attempt counter/last error for retry metrics, but
// leaves the record pending — transport errors are retried indefinitely from
// the outbox (spec §7).
func (ob *Outbox) RecordFailure(nodeID string, seq uint64, errMsg string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, r := range ob.pending {
		if r.NodeID == nodeID && r.Seq == seq {
			r.Attempts++
			r.LastError = errMsg
			return
		}
	}
}

// HasPending reports whether (node_id, seq) still has a pending outbox
// record — wired into the store's tombstone GC (spec §3).
func (ob *Outbox) HasPending(nodeID string, seq uint64) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, r := range ob.pending {
		if r.NodeID == nodeID && r.Seq == seq {
			return true
		}
	}
	return false
}

// compactLocked rewrites the durable log with only the currently pending
// records, mirroring the teacher's Store.Snapshot compaction pattern.
func (ob *Outbox) compactLocked() error {
	if !ob.persist {
		return nil
	}
	if err := ob.log.Truncate(); err != nil {
		return errs.Internal("truncate outbox log", err)
	}
	for _, r := range ob.pending {
		payload, err := cbor.Marshal(outboxEnvelope{
			EventBytes: r.EventBytes, NodeID: r.NodeID, Seq: r.Seq, CreatedAt: r.CreatedAt.UnixMilli(),
		})
		if err != nil {
			return errs.Internal("encode outbox record", err)
		}
		if err := ob.log.Append(payload); err != nil {
			return errs.Internal("append outbox log", err)
		}
	}
	return nil
}

func (ob *Outbox) Close() error {
	if !ob.persist {
		return nil
	}
	return ob.log.Close()
}
