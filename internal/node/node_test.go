package node

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/command"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/telemetry"
)

func testConfig() config.Config {
	c := config.Default()
	c.NodeID = "n1"
	c.ClientID = "d1"
	c.PersistencePath = "" // in-memory store, no disk I/O in unit tests
	return c
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(testConfig(), telemetry.NewLogger("error", false), nil)
	require.NoError(t, err)
	return n
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ClientID = ""
	_, err := New(cfg, telemetry.NewLogger("error", false), nil)
	require.Error(t, err)
}

func TestSetGetRoundTrip(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.Set(ctx, "k1", "v1"))
	v, err := n.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Get(context.Background(), "missing")
	require.Error(t, err)
	ee, ok := err.(*errs.Error)
	require.True(t, ok)
	require.Equal(t, errs.CodeNotFound, ee.Code)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	require.NoError(t, n.Set(ctx, "k1", "v1"))
	require.NoError(t, n.Delete(ctx, "k1"))
	_, err := n.Get(ctx, "k1")
	require.Error(t, err)
}

func TestIncrDecr(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	v, err := n.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = n.Decr(ctx, "counter", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

func TestAppendPrepend(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.Set(ctx, "s", "b"))
	l, err := n.Append(ctx, "s", "c")
	require.NoError(t, err)
	require.Equal(t, 2, l)

	l, err = n.Prepend(ctx, "s", "a")
	require.NoError(t, err)
	require.Equal(t, 3, l)

	v, err := n.Get(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "abc", v)
}

func TestMSetMGet(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	results, err := n.MSet(ctx, []command.KVPair{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.OK)
	}

	out, err := n.MGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.NotNil(t, out["a"])
	require.Equal(t, "1", *out["a"])
	require.Nil(t, out["missing"])
}

func TestStatsReflectsActivity(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	require.NoError(t, n.Set(ctx, "k", "v"))

	stats := n.Stats()
	require.GreaterOrEqual(t, stats.CommandsProcessed, uint64(1))
	require.GreaterOrEqual(t, stats.OutboxDepth, 0)
}

func TestSetBatteryStatusAdjustsIntervals(t *testing.T) {
	n := newTestNode(t)
	baseAE := n.antiEntropyIntervalNs.Load()
	baseFlush := n.outboxFlushIntervalNs.Load()

	n.SetBatteryStatus(BatteryStatus{Level: 50, Charging: false})
	require.Equal(t, baseAE, n.antiEntropyIntervalNs.Load())
	require.Equal(t, baseFlush, n.outboxFlushIntervalNs.Load())

	n.SetBatteryStatus(BatteryStatus{Level: 10, Charging: false}) // below LowThreshold(20), AdaptiveSync on
	require.Equal(t, baseAE*lowBatteryIntervalMultiplier, n.antiEntropyIntervalNs.Load())

	n.SetBatteryStatus(BatteryStatus{Level: 3, Charging: false}) // below CriticalThreshold(5), ReduceBackground on
	require.Equal(t, baseAE*criticalBatteryIntervalMultiplier, n.antiEntropyIntervalNs.Load())

	n.SetBatteryStatus(BatteryStatus{Level: 100, Charging: true})
	require.Equal(t, baseAE, n.antiEntropyIntervalNs.Load())
	require.Equal(t, BatteryStatus{Level: 100, Charging: true}, n.BatteryStatus())
}

func TestCallIncrementsCommandsMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	n, err := New(testConfig(), telemetry.NewLogger("error", false), reg)
	require.NoError(t, err)

	require.NoError(t, n.Set(context.Background(), "k", "v"))

	count := testutilGatherCounter(t, reg, "merklekv_commands_total")
	require.GreaterOrEqual(t, count, 1.0)
}

func TestCallRecordsCommandDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	n, err := New(testConfig(), telemetry.NewLogger("error", false), reg)
	require.NoError(t, err)

	require.NoError(t, n.Set(context.Background(), "k", "v"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var sampleCount uint64
	for _, fam := range families {
		if fam.GetName() != "merklekv_command_duration_seconds" {
			continue
		}
		for _, m := range fam.GetMetric() {
			sampleCount += m.GetHistogram().GetSampleCount()
		}
	}
	require.GreaterOrEqual(t, sampleCount, uint64(1))
}

func TestResponseErrorMapsEveryCode(t *testing.T) {
	cases := []struct {
		code int
		kind errs.Kind
	}{
		{errs.CodeValidation, errs.KindValidation},
		{errs.CodeSizeLimit, errs.KindSizeLimit},
		{errs.CodeAuthzCommand, errs.KindAuthz},
		{errs.CodeAuthzReplicate, errs.KindAuthz},
		{errs.CodeTimeout, errs.KindTimeout},
		{errs.CodeNotFound, errs.KindNotFound},
		{errs.CodeTransport, errs.KindTransport},
		{errs.CodeRateLimited, errs.KindRateLimited},
		{errs.CodePayloadTooLarge, errs.KindPayloadTooLarge},
		{errs.CodeInternal, errs.KindInternal},
	}
	for _, c := range cases {
		resp := command.Response{Status: command.StatusError, ErrorCode: c.code, Error: "x"}
		err := responseError(resp)
		ee, ok := err.(*errs.Error)
		require.True(t, ok)
		require.Equal(t, c.kind, ee.Kind)
	}
}

func TestResponseErrorNilOnOK(t *testing.T) {
	require.NoError(t, responseError(command.Response{Status: command.StatusOK}))
}

// testutilGatherCounter reads the current value of the counter (plain or
// labelled vec) registered under name, summing all label combinations.
func testutilGatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}
