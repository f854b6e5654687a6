// Package antientropy implements the Anti-Entropy Protocol (C8): a 16-ary
// Merkle tree over live (key, fingerprint) pairs, the SYNC/SYNC_KEYS exchange
// that repairs divergence after a partition, rate limiting, and payload-size
// round-splitting.
//
// Grounded on the teacher's internal/cluster/ring.go hashing idiom (stable
// hash of a key selecting a bucket) generalized from "pick a node" to "pick a
// Merkle bucket", and on internal/store/store.go's entry iteration for
// building the live-key snapshot.
package antientropy

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/merklekv/merklekv/internal/store"
)

// Fanout is the fixed top-level bucket count (spec §4.7: "fixed fan-out tree
// (e.g., 16-ary)"); resolved as exactly 16 per the Open Question decision in
// DESIGN.md.
const Fanout = 16

// KeyFingerprint is one leaf of the Merkle snapshot.
type KeyFingerprint struct {
	Key         string
	Fingerprint [32]byte
}

// Fingerprint computes H(value_bytes ‖ timestamp_ms ‖ node_id ‖
// tombstone_flag) for one Entry (spec §3 "Merkle Snapshot").
func Fingerprint(e store.Entry) [32]byte {
	h := sha256.New()
	h.Write(e.Value)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], e.TimestampMs)
	h.Write(tsBuf[:])
	h.Write([]byte(e.NodeID))
	if e.Tombstone {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// bucketOf assigns a key to one of Fanout top-level buckets via a stable
// hash, independent of Fingerprint (which also covers the value/ts/node so
// that it changes whenever the entry changes; bucketing must be stable for a
// given key regardless of its current value).
func bucketOf(key string) int {
	sum := sha256.Sum256([]byte(key))
	return int(sum[0]) % Fanout
}

// Tree is an in-memory Merkle snapshot built fresh from the live store on
// each anti-entropy cycle (spec §4.1 "Merkle Snapshot", §4.7 bucketing).
type Tree struct {
	buckets [Fanout][]KeyFingerprint // sorted by Key within each bucket
}

// Build constructs a Tree over every entry passed in, tombstones included
// (callers pass store.Entries(), which returns them), so a tombstone on one
// side and absence on the other is detected as divergence too.
func Build(entries []store.Entry) *Tree {
	t := &Tree{}
	for _, e := range entries {
		b := bucketOf(e.Key)
		t.buckets[b] = append(t.buckets[b], KeyFingerprint{Key: e.Key, Fingerprint: Fingerprint(e)})
	}
	for i := range t.buckets {
		sort.Slice(t.buckets[i], func(a, b int) bool { return t.buckets[i][a].Key < t.buckets[i][b].Key })
	}
	return t
}

// BucketHash hashes the sorted (key, fingerprint) pairs of one bucket into a
// single summary hash for the SYNC branch-summary response.
func (t *Tree) BucketHash(bucket int) [32]byte {
	h := sha256.New()
	for _, kf := range t.buckets[bucket] {
		h.Write([]byte(kf.Key))
		h.Write(kf.Fingerprint[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BucketHashes returns all Fanout bucket hashes, in bucket order — the
// "branch summary (hash list per top-level bucket)" of spec §4.7 SYNC.
func (t *Tree) BucketHashes() [][32]byte {
	out := make([][32]byte, Fanout)
	for i := range t.buckets {
		out[i] = t.BucketHash(i)
	}
	return out
}

// RootHash combines all bucket hashes into the single root hash exchanged in
// SYNC (spec §3 "the root hash is exchanged during anti-entropy").
func (t *Tree) RootHash() [32]byte {
	h := sha256.New()
	for _, bh := range t.BucketHashes() {
		h.Write(bh[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Bucket returns the sorted (key, fingerprint) pairs for one bucket, for the
// SYNC_KEYS exchange.
func (t *Tree) Bucket(bucket int) []KeyFingerprint {
	return t.buckets[bucket]
}

// DivergentBuckets compares this tree's bucket hashes against a peer's and
// returns the indices that differ — the set SYNC_KEYS must reconcile.
func (t *Tree) DivergentBuckets(peerHashes [][32]byte) []int {
	var out []int
	mine := t.BucketHashes()
	for i := 0; i < Fanout && i < len(peerHashes); i++ {
		if mine[i] != peerHashes[i] {
			out = append(out, i)
		}
	}
	return out
}

// Diff compares this bucket's (key, fingerprint) pairs against a peer's and
// returns the keys present here with a different (or absent-there)
// fingerprint — the candidates this side may need to push.
func Diff(mine, peers []KeyFingerprint) []string {
	peerByKey := make(map[string][32]byte, len(peers))
	for _, kf := range peers {
		peerByKey[kf.Key] = kf.Fingerprint
	}
	var out []string
	for _, kf := range mine {
		if pf, ok := peerByKey[kf.Key]; !ok || pf != kf.Fingerprint {
			out = append(out, kf.Key)
		}
	}
	return out
}
