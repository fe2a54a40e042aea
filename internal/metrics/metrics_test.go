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

func TestRecordTask(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordTask("scale", time.Millisecond, nil)
	m.RecordTask("scale", time.Millisecond, nil)
	m.RecordTask("scale", time.Millisecond, errors.New("boom"))

	assert.InDelta(t, 2, testutil.ToFloat64(m.TasksTotal.WithLabelValues("scale", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.TasksTotal.WithLabelValues("scale", "failed")), 0)
}

func TestRecordMacrocycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordMacrocycle("scale", 12.5)
	m.RecordMacrocycle("scale", 3.5)
	m.SetMeanB(1e-20)
	m.RecordClamped("refine", 0)
	m.RecordClamped("refine", 2)

	assert.InDelta(t, 2, testutil.ToFloat64(m.MacrocycleTotal.WithLabelValues("scale")), 0)
	assert.InDelta(t, 3.5, testutil.ToFloat64(m.Residual.WithLabelValues("scale")), 0)
	assert.InDelta(t, 1e-20, testutil.ToFloat64(m.MeanB), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ClampedShifts.WithLabelValues("refine")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTask("x", time.Second, nil)
		m.RecordPairs("x", 10)
		m.RecordMacrocycle("x", 1)
		m.SetMeanB(1)
		m.RecordClamped("x", 1)
	})
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
