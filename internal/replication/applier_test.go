package replication

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/store"
)

func TestApplierAppliesNewEvent(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ap := NewApplier(st, zerolog.Nop())

	e := store.Entry{Key: "k", Value: []byte("v"), TimestampMs: 10, NodeID: "n2", Seq: 1}
	require.NoError(t, ap.Apply(e))

	v, err := st.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	applied, suppressed, malformed := ap.Stats()
	require.Equal(t, uint64(1), applied)
	require.Equal(t, uint64(0), suppressed)
	require.Equal(t, uint64(0), malformed)
}

func TestApplierDedupsBelowWatermark(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ap := NewApplier(st, zerolog.Nop())

	e := store.Entry{Key: "k", Value: []byte("v"), TimestampMs: 10, NodeID: "n2", Seq: 5}
	require.NoError(t, ap.Apply(e))
	require.NoError(t, ap.Apply(e)) // replay at-least-once duplicate

	_, suppressed, _ := ap.Stats()
	require.Equal(t, uint64(1), suppressed)
}

func TestApplierDoesNotLoopViaReconciliation(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ob, err := OpenOutbox("", 0)
	require.NoError(t, err)
	pub := NewPublisher("n1", "t", st, ob, &fakeTransport{}, zerolog.Nop())
	ap := NewApplier(st, zerolog.Nop())

	// An event that originated on n1 itself (e.g. echoed back by a bridge)
	// must apply without the Publisher re-emitting it.
	e := store.Entry{Key: "k", Value: []byte("v"), TimestampMs: 10, NodeID: "n1", Seq: 1}
	require.NoError(t, ap.Apply(e))
	require.Equal(t, 0, ob.Depth())
	_ = pub // Publisher is never invoked from Apply; this asserts that absence.
}

func TestApplierRejectsMalformedWirePayload(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ap := NewApplier(st, zerolog.Nop())

	require.NoError(t, ap.ApplyWire([]byte{0xff, 0x01}))
	_, _, malformed := ap.Stats()
	require.Equal(t, uint64(1), malformed)
}

func TestApplierRecoversWatermarksFromExistingStore(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	_, err = st.PutWithReconciliation(store.Entry{Key: "k", Value: []byte("v"), TimestampMs: 1, NodeID: "n2", Seq: 3})
	require.NoError(t, err)

	ap := NewApplier(st, zerolog.Nop())
	// Replaying seq 3 again from n2 must be suppressed as a duplicate.
	require.NoError(t, ap.Apply(store.Entry{Key: "k", Value: []byte("v"), TimestampMs: 1, NodeID: "n2", Seq: 3}))
	_, suppressed, _ := ap.Stats()
	require.Equal(t, uint64(1), suppressed)
}
