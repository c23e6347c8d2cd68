package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Response("html-v5", "cache")
	m.Response("html-v5", "cache")
	m.Response("api-v5", "offline")
	m.StoreError("write")
	m.BackgroundRefresh("failed")
	m.ControlCommand("ClearNamespace", "CacheCleared")
	m.NamespacesDeleted(2)
	m.InstallFailure()
	m.GenerationActivated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.responses.WithLabelValues("html-v5", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("api-v5", "offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("write")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.namespacesDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generationsApplied))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Response("a", "b")
		m.StoreError("read")
		m.BackgroundRefresh("ok")
		m.ControlCommand("x", "y")
		m.NamespacesDeleted(1)
		m.InstallFailure()
		m.GenerationActivated()
	})
}
