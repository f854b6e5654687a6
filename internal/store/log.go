package store

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/merklekv/internal/durablelog"
)

// record is the CBOR encoding of one stored Entry, framed on disk by
// durablelog as {len, sha256, entry_cbor} (spec §4.1/§6).
//
// This reworks the teacher's internal/store/wal.go, which appended
// newline-delimited JSON and relied on bufio.Scanner to find entry
// boundaries. MerkleKV entries can carry arbitrary binary values, so the
// framing is delegated to durablelog's length-prefixed binary format instead
// of NDJSON.
type record struct {
	Key         string `cbor:"key"`
	Value       []byte `cbor:"value,omitempty"`
	Tombstone   bool   `cbor:"tombstone"`
	TimestampMs uint64 `cbor:"timestamp_ms"`
	NodeID      string `cbor:"node_id"`
	Seq         uint64 `cbor:"seq"`
}

func toRecord(e Entry) record {
	return record{
		Key: e.Key, Value: e.Value, Tombstone: e.Tombstone,
		TimestampMs: e.TimestampMs, NodeID: e.NodeID, Seq: e.Seq,
	}
}

func (r record) toEntry() Entry {
	return Entry{
		Key: r.Key, Value: r.Value, Tombstone: r.Tombstone,
		TimestampMs: r.TimestampMs, NodeID: r.NodeID, Seq: r.Seq,
	}
}

// appendLog is the durable, append-only entry log backing the store. Every
// write is fsync'd before the in-memory map is mutated — the same
// "WAL-first" rule the teacher documents in store.Put.
type appendLog struct {
	log *durablelog.Log
}

func openAppendLog(path string) (*appendLog, error) {
	lg, err := durablelog.Open(path)
	if err != nil {
		return nil, err
	}
	return &appendLog{log: lg}, nil
}

func (l *appendLog) append(e Entry) error {
	payload, err := cbor.Marshal(toRecord(e))
	if err != nil {
		return err
	}
	return l.log.Append(payload)
}

func (l *appendLog) readAll() ([]Entry, error) {
	raws, err := l.log.ReadAll()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raws))
	for _, payload := range raws {
		var rec record
		if err := cbor.Unmarshal(payload, &rec); err != nil {
			break // malformed record at the tail — truncate replay here too.
		}
		entries = append(entries, rec.toEntry())
	}
	return entries, nil
}

func (l *appendLog) truncate() error { return l.log.Truncate() }
func (l *appendLog) close() error    { return l.log.Close() }
