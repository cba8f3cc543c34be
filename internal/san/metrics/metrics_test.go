package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Alloc()
		m.Free()
		m.Report("use-after-free")
		m.Disabled("alloc")
		m.Quarantine(10, 1)
		m.Evicted(3)
		m.Reduced()
		m.Unregister(prometheus.NewRegistry())
	})
}

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Alloc()
	m.Alloc()
	m.Free()
	m.Report("double-free")
	m.Disabled("free")
	m.Quarantine(4096, 7)
	m.Evicted(0)
	m.Evicted(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Allocs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Frees))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues("double-free")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MetadataDisabled.WithLabelValues("free")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.QuarantineBytes))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QuarantineObjects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuarantineEvicted))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)

	m.Unregister(reg)
	_, err = New(reg)
	assert.NoError(t, err)
}
