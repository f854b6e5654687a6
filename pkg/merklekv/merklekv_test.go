package merklekv

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	c := DefaultConfig()
	c.NodeID = "n1"
	c.ClientID = "d1"
	c.PersistencePath = ""
	return c
}

func TestOpenAndTypedOperations(t *testing.T) {
	n, err := Open(testConfig(), zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Set(ctx, "k", "v"))
	v, err := n.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	require.NoError(t, n.Delete(ctx, "k"))
	_, err = n.Get(ctx, "k")
	require.Error(t, err)

	count, err := n.Incr(ctx, "c", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.NodeID = ""
	_, err := Open(cfg, zerolog.Nop(), nil)
	require.Error(t, err)
}

func TestBatteryStatusRoundTrip(t *testing.T) {
	n, err := Open(testConfig(), zerolog.Nop(), nil)
	require.NoError(t, err)

	n.SetBatteryStatus(BatteryStatus{Level: 42, Charging: true})
	require.Equal(t, BatteryStatus{Level: 42, Charging: true}, n.BatteryStatus())
}

func TestStatsStartsAtZero(t *testing.T) {
	n, err := Open(testConfig(), zerolog.Nop(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n.Stats().CommandsProcessed)
}
