package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAllocation(true, 20, time.Millisecond)
		m.ObserveSimulation(false)
		m.ObserveQueueOp("add", nil)
		m.ObserveEarnings(true)
		m.ObserveSync("markets", nil)
		m.ObserveHTTP("GET", "/api/health", "200", time.Millisecond)
	})
}

func TestCountersByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSimulation(true)
	m.ObserveSimulation(true)
	m.ObserveSimulation(false)
	m.ObserveQueueOp("add", errors.New("nope"))
	m.ObserveAllocation(false, 0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.simulatorCalls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.simulatorCalls.WithLabelValues("unusable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueOps.WithLabelValues("add", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationRuns.WithLabelValues("none")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
