package command

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/replication"
	"github.com/merklekv/merklekv/internal/store"
)

func newProcessor(t *testing.T) *Processor {
	t.Helper()
	st, err := store.Open("n1", "")
	require.NoError(t, err)
	ob, err := replication.OpenOutbox("", 0)
	require.NoError(t, err)
	pub := replication.NewPublisher("n1", "t", st, ob, noopTransport{}, zerolog.Nop())
	return NewProcessor(st, pub, 0, zerolog.Nop())
}

type noopTransport struct{}

func (noopTransport) Publish(context.Context, string, []byte) error { return nil }

func TestBasicSetGetDel(t *testing.T) {
	// S1 from spec.md §8.
	p := newProcessor(t)
	ctx := context.Background()

	r1 := p.Handle(ctx, Request{ID: "r1", Op: OpSet, Key: "u:1", Value: "Alice"})
	require.Equal(t, StatusOK, r1.Status)

	r2 := p.Handle(ctx, Request{ID: "r2", Op: OpGet, Key: "u:1"})
	require.Equal(t, StatusOK, r2.Status)
	require.Equal(t, "Alice", r2.Value)

	r3 := p.Handle(ctx, Request{ID: "r3", Op: OpDel, Key: "u:1"})
	require.Equal(t, StatusOK, r3.Status)

	r4 := p.Handle(ctx, Request{ID: "r4", Op: OpGet, Key: "u:1"})
	require.Equal(t, StatusError, r4.Status)
	require.Equal(t, 500, r4.ErrorCode)
}

func TestDedupReturnsCachedResponse(t *testing.T) {
	// S5 from spec.md §8.
	p := newProcessor(t)
	ctx := context.Background()

	r1 := p.Handle(ctx, Request{ID: "r1", Op: OpSet, Key: "c", Value: "1"})
	r1Again := p.Handle(ctx, Request{ID: "r1", Op: OpSet, Key: "c", Value: "1"})
	require.Equal(t, r1, r1Again)
	require.Equal(t, uint64(1), p.CacheHits())

	seq := p.pub.NextSeq()
	require.Equal(t, uint64(2), seq) // incremented exactly once by the first SET, this call is #2
}

func TestIncrDecr(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	r1 := p.Handle(ctx, Request{ID: "r1", Op: OpIncr, Key: "counter"})
	require.Equal(t, StatusOK, r1.Status)
	require.Equal(t, int64(1), r1.Value)

	amount := int64(5)
	r2 := p.Handle(ctx, Request{ID: "r2", Op: OpIncr, Key: "counter", Amount: &amount})
	require.Equal(t, int64(6), r2.Value)

	r3 := p.Handle(ctx, Request{ID: "r3", Op: OpDecr, Key: "counter"})
	require.Equal(t, int64(5), r3.Value)
}

func TestAppendPrepend(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	r1 := p.Handle(ctx, Request{ID: "r1", Op: OpAppend, Key: "s", Fragment: "hello"})
	require.Equal(t, 5, r1.Value)

	r2 := p.Handle(ctx, Request{ID: "r2", Op: OpPrepend, Key: "s", Fragment: ">>"})
	require.Equal(t, 7, r2.Value)

	r3 := p.Handle(ctx, Request{ID: "r3", Op: OpGet, Key: "s"})
	require.Equal(t, ">>hello", r3.Value)
}

func TestMGetMSet(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	rset := p.Handle(ctx, Request{ID: "r1", Op: OpMSet, Pairs: []KVPair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}})
	require.Equal(t, StatusOK, rset.Status)
	results := rset.Value.([]MSetResult)
	require.True(t, results[0].OK)
	require.True(t, results[1].OK)

	rget := p.Handle(ctx, Request{ID: "r2", Op: OpMGet, Keys: []string{"a", "b", "missing"}})
	require.Equal(t, StatusOK, rget.Status)
	m := rget.Value.(map[string]*string)
	require.Equal(t, "1", *m["a"])
	require.Equal(t, "2", *m["b"])
	require.Nil(t, m["missing"])
}

func TestValueSizeLimitRejected(t *testing.T) {
	// S4 from spec.md §8.
	p := newProcessor(t)
	ctx := context.Background()

	big := make([]byte, store.MaxValueBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	r := p.Handle(ctx, Request{ID: "r1", Op: OpSet, Key: "k", Value: string(big)})
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, 200, r.ErrorCode)

	rget := p.Handle(ctx, Request{ID: "r2", Op: OpGet, Key: "k"})
	require.Equal(t, StatusError, rget.Status)
}

func TestIncrOverflowRejected(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	maxAmount := int64(1)
	r1 := p.Handle(ctx, Request{ID: "r1", Op: OpSet, Key: "k", Value: "9223372036854775807"})
	require.Equal(t, StatusOK, r1.Status)

	r2 := p.Handle(ctx, Request{ID: "r2", Op: OpIncr, Key: "k", Amount: &maxAmount})
	require.Equal(t, StatusError, r2.Status)
	require.Equal(t, 100, r2.ErrorCode)
}
