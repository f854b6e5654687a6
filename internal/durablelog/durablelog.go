// Package durablelog implements the append-only, checksummed record log used
// by both the storage engine's persistence path and the replication outbox
// (spec §4.1, §4.5, §6: "append-only file of {len, sha256, entry_cbor}
// records"). It generalizes the teacher's internal/store/wal.go (NDJSON,
// fsync-per-write, scan-to-replay) to an arbitrary byte-slice payload so it
// can back two different record types without duplicating the framing logic.
package durablelog

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Log is an append-only file of length-prefixed, checksummed byte records.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open durable log %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Append writes payload framed as {len uint32, sha256, payload} and fsyncs.
func (l *Log) Append(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := sha256.Sum256(payload)
	var header [4 + 32]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	copy(header[4:], sum[:])

	if _, err := l.file.Write(header[:]); err != nil {
		return err
	}
	if _, err := l.file.Write(payload); err != nil {
		return err
	}
	return l.file.Sync()
}

// ReadAll replays every valid record from the start, stopping at the first
// torn or checksum-mismatched record (corruption == truncation, spec §4.1).
func (l *Log) ReadAll() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(l.file)

	var out [][]byte
	for {
		var header [4 + 32]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(header[:4])
		wantSum := header[4:]

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		gotSum := sha256.Sum256(payload)
		if !equal(gotSum[:], wantSum) {
			break
		}
		out = append(out, payload)
	}
	return out, nil
}

func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.Seek(0, io.SeekStart)
	return err
}

func (l *Log) Close() error {
	return l.file.Close()
}

func equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
