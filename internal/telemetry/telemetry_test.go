package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.CommandsTotal.WithLabelValues("GET", "ok").Inc()
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewLoggerDefaultsToInfoOnBadLevel(t *testing.T) {
	log := NewLogger("not-a-level", false)
	require.Equal(t, "info", log.GetLevel().String())
}
