package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/merklekv/internal/errs"
)

// TombstoneRetention is the minimum time a tombstone's suppression of reads
// must survive (spec §3 invariant 6, testable property 6).
const TombstoneRetention = 24 * time.Hour

// Store is the in-memory LWW map, optionally backed by durable persistence.
// Safe for concurrent use; mutations only happen through its entry points
// (spec §5 "Storage map: exclusive ownership by the engine").
type Store struct {
	mu     sync.RWMutex
	data   map[string]Entry
	nodeID string

	persist bool
	dataDir string
	log     *appendLog

	// outboxRef reports whether a (node_id, seq) pair still has a pending
	// outbox record, so tombstone GC can honor "eligible for GC only if no
	// pending outbound replication references them" (spec §3).
	outboxRef func(nodeID string, seq uint64) bool
}

// Open creates or recovers a Store. If dataDir is empty, persistence is
// disabled and the store is purely in-memory (spec §4.1 "Persistence
// (optional)"). Recovery loads the snapshot file written by Snapshot, if one
// exists, and then replays the append log over it, rebuilding the map via
// LWW. Each log record carries its own checksum; replay stops at the first
// record that does not verify.
func Open(nodeID, dataDir string) (*Store, error) {
	s := &Store{
		data:   make(map[string]Entry),
		nodeID: nodeID,
	}
	if dataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errs.Internal("create data dir", err)
	}
	lg, err := openAppendLog(filepath.Join(dataDir, "store.log"))
	if err != nil {
		return nil, errs.Internal("open store log", err)
	}
	s.persist = true
	s.dataDir = dataDir
	s.log = lg

	if err := s.loadSnapshot(); err != nil {
		return nil, errs.Internal("load snapshot", err)
	}

	entries, err := lg.readAll()
	if err != nil {
		return nil, errs.Internal("replay store log", err)
	}
	for _, e := range entries {
		s.applyLWWLocked(e) // rebuild, don't re-append
	}
	return s, nil
}

// SetOutboxRefChecker wires the outbox's "is this (node_id, seq) still
// pending" predicate into tombstone GC (spec §3 Outbox Record lifecycle).
func (s *Store) SetOutboxRefChecker(f func(nodeID string, seq uint64) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxRef = f
}

func validateKey(key string) error {
	if len(key) == 0 || len(key) > MaxKeyBytes {
		return errs.SizeLimit(fmt.Sprintf("key length %d outside 1-%d bytes", len(key), MaxKeyBytes))
	}
	if strings.ContainsRune(key, 0) {
		return errs.Validation("key contains a null byte")
	}
	for _, r := range key {
		if r < 0x20 && r != '\t' {
			return errs.Validation("key contains a control character")
		}
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > MaxValueBytes {
		return errs.SizeLimit(fmt.Sprintf("value length %d exceeds %d bytes", len(value), MaxValueBytes))
	}
	return nil
}

// Put writes a local value under (timestamp_ms, node_id, seq), the local
// node's own coordinates — it always wins over whatever is currently stored
// unless an equal-or-newer write raced it in, which Put still resolves via
// the same LWW rule as PutWithReconciliation (a local clock must still lose to a
// stored entry from another node if that entry sorts later).
func (s *Store) Put(key string, value []byte, timestampMs uint64, seq uint64) (Entry, Outcome, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, Suppressed, err
	}
	if err := validateValue(value); err != nil {
		return Entry{}, Suppressed, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{Key: key, Value: value, TimestampMs: timestampMs, NodeID: s.nodeID, Seq: seq}
	outcome, err := s.applyLocked(e, true)
	return e, outcome, err
}

// Delete writes a tombstone under the local node's clock (spec §4.1/§4.2).
func (s *Store) Delete(key string, timestampMs uint64, seq uint64) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{Key: key, Tombstone: true, TimestampMs: timestampMs, NodeID: s.nodeID, Seq: seq}
	_, err := s.applyLocked(e, true)
	return e, err
}

// PutWithReconciliation applies an Entry that originated elsewhere (from the
// Replication Applier or Anti-Entropy). It is the only path the replicator
// can call, and it never triggers re-emission by the Publisher (spec
// §4.1/§4.6/§4.7 loop prevention via the reconciliation flag).
func (s *Store) PutWithReconciliation(e Entry) (Outcome, error) {
	if err := validateKey(e.Key); err != nil {
		return Suppressed, err
	}
	if !e.Tombstone {
		if err := validateValue(e.Value); err != nil {
			return Suppressed, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(e, true)
}

// applyLocked is the single LWW decision point. durable controls whether the
// write is appended to the persistence log (local writes and reconciled
// remote writes both persist; replay of the log on startup must not, to
// avoid re-appending what it just read).
func (s *Store) applyLocked(e Entry, durable bool) (Outcome, error) {
	existing, ok := s.data[e.Key]
	if ok {
		if e.Same(existing) {
			return Suppressed, nil // duplicate (node_id, seq) — idempotent no-op.
		}
		if !existing.Less(e) {
			return Suppressed, nil // existing is >= incoming under LWW — discard.
		}
	}
	if durable && s.persist {
		if err := s.log.append(e); err != nil {
			return Suppressed, errs.Internal("append store log", err)
		}
	}
	s.data[e.Key] = e
	return Applied, nil
}

// applyLWWLocked is used only during log replay: entries are already durable,
// so this just resolves LWW without re-appending.
func (s *Store) applyLWWLocked(e Entry) {
	existing, ok := s.data[e.Key]
	if ok && (e.Same(existing) || !existing.Less(e)) {
		return
	}
	s.data[e.Key] = e
}

// Get returns the live value for key, or NotFound if absent or tombstoned
// (spec §3 "a Tombstone newer than a Value suppresses reads").
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || e.Tombstone {
		return nil, errs.NotFound(fmt.Sprintf("key %q not found", key))
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, nil
}

// GetRaw returns the stored Entry exactly as held, tombstone or not — used
// internally by the Anti-Entropy responder.
func (s *Store) GetRaw(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	return e, ok
}

// Entries returns a point-in-time snapshot of all entries, tombstones
// included. Callers get a consistent iterator rather than a live view (spec
// §5 "External readers obtain snapshot iterators").
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, e)
	}
	return out
}

// LiveKeys returns keys that are not tombstoned. The Merkle snapshot is not
// built from it; it is built from Entries(), tombstones included.
func (s *Store) LiveKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !e.Tombstone {
			keys = append(keys, k)
		}
	}
	return keys
}

// MaxSeq returns the highest seq this node has ever authored, used to
// recover the publisher's monotonic counter at startup (spec §4.5, §9
// "recovery derives the counter from the maximum observed seq").
func (s *Store) MaxSeq(nodeID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, e := range s.data {
		if e.NodeID == nodeID && e.Seq > max {
			max = e.Seq
		}
	}
	return max
}

// GCTombstones removes tombstones older than TombstoneRetention that have no
// pending outbox reference (spec §3/§4.1). Returns the number removed.
func (s *Store) GCTombstones(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := uint64(now.Add(-TombstoneRetention).UnixMilli())
	for k, e := range s.data {
		if !e.Tombstone || e.TimestampMs >= cutoff {
			continue
		}
		if s.outboxRef != nil && s.outboxRef(e.NodeID, e.Seq) {
			continue
		}
		delete(s.data, k)
		removed++
	}
	return removed
}

// Snapshot writes the entire store to disk via atomic rename, then truncates
// the log — the same pattern as the teacher's store.Snapshot, reworked to
// CBOR-encode Entry values instead of JSON-encoding the teacher's Value type.
func (s *Store) Snapshot() error {
	if !s.persist {
		return nil
	}
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	recs := make([]record, len(entries))
	for i, e := range entries {
		recs[i] = toRecord(e)
	}
	data, err := cbor.Marshal(recs)
	if err != nil {
		return errs.Internal("encode snapshot", err)
	}

	path := filepath.Join(s.dataDir, "snapshot.cbor")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Internal("write snapshot tmp", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Internal("rename snapshot", err)
	}
	return s.log.truncate()
}

// loadSnapshot restores snapshot.cbor into memory if present, matching the
// teacher's loadSnapshot ("if no snapshot exists, this is not an error").
func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.dataDir, "snapshot.cbor")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var recs []record
	if err := cbor.Unmarshal(data, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		s.data[r.Key] = r.toEntry()
	}
	return nil
}

// Close releases the persistence log handle.
func (s *Store) Close() error {
	if !s.persist {
		return nil
	}
	return s.log.close()
}
