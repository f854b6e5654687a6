package replication

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/store"
)

func TestEventRoundTrip(t *testing.T) {
	e := store.Entry{Key: "k", Value: []byte("v"), TimestampMs: 42, NodeID: "n1", Seq: 7}
	payload, err := Encode(FromEntry(e))
	require.NoError(t, err)

	ev, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, e, ev.ToEntry())
}

func TestEventTombstoneOmitsValue(t *testing.T) {
	e := store.Entry{Key: "k", Tombstone: true, TimestampMs: 42, NodeID: "n1", Seq: 7}
	ev := FromEntry(e)
	require.Nil(t, ev.Value)
}

func TestEventOversizeRejected(t *testing.T) {
	e := store.Entry{Key: "k", Value: make([]byte, MaxEventBytes), TimestampMs: 1, NodeID: "n1", Seq: 1}
	_, err := Encode(FromEntry(e))
	require.Error(t, err)
}

func TestDecodeMalformedRejected(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
}

func TestDecodeOversizeRejected(t *testing.T) {
	_, err := Decode(make([]byte, MaxEventBytes+1))
	require.Error(t, err)
}
