package replication

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/store"
)

type fakeTransport struct {
	mu        sync.Mutex
	published [][]byte
	failNext  bool
}

func (f *fakeTransport) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errs.Transport("simulated broker failure", nil)
	}
	f.published = append(f.published, payload)
	return nil
}

func TestPublisherEmitAndFlush(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ob, err := OpenOutbox("", 0)
	require.NoError(t, err)
	tr := &fakeTransport{}
	pub := NewPublisher("n1", "mk/replication/events", st, ob, tr, zerolog.Nop())

	seq := pub.NextSeq()
	e, _, err := st.Put("k", []byte("v"), 100, seq)
	require.NoError(t, err)
	require.NoError(t, pub.Emit(e))
	require.Equal(t, 1, ob.Depth())

	pub.FlushOnce(context.Background())
	require.Equal(t, 0, ob.Depth())
	require.Len(t, tr.published, 1)
}

func TestPublisherOversizeDroppedNotEnqueued(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ob, err := OpenOutbox("", 0)
	require.NoError(t, err)
	tr := &fakeTransport{}
	pub := NewPublisher("n1", "mk/replication/events", st, ob, tr, zerolog.Nop())

	e := store.Entry{Key: "k", Value: make([]byte, MaxEventBytes), TimestampMs: 1, NodeID: "n1", Seq: 1}
	require.NoError(t, pub.Emit(e))
	require.Equal(t, 0, ob.Depth())
	require.Equal(t, uint64(1), pub.DroppedCount())
}

func TestPublisherRetriesAfterTransientFailure(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ob, err := OpenOutbox("", 0)
	require.NoError(t, err)
	tr := &fakeTransport{failNext: true}
	pub := NewPublisher("n1", "mk/replication/events", st, ob, tr, zerolog.Nop())

	seq := pub.NextSeq()
	e, _, err := st.Put("k", []byte("v"), 100, seq)
	require.NoError(t, err)
	require.NoError(t, pub.Emit(e))

	pub.FlushOnce(context.Background())
	require.Equal(t, 1, ob.Depth()) // still pending after failure

	pub.FlushOnce(context.Background())
	require.Equal(t, 0, ob.Depth()) // succeeds on retry
}

func TestPublisherSeqRecoveryFromStore(t *testing.T) {
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	_, _, err = st.Put("k", []byte("v"), 1, 5)
	require.NoError(t, err)

	ob, err := OpenOutbox("", 0)
	require.NoError(t, err)
	pub := NewPublisher("n1", "t", st, ob, &fakeTransport{}, zerolog.Nop())
	require.Equal(t, uint64(6), pub.NextSeq())
}
