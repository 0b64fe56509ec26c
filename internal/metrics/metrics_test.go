package metrics

import (
	"testing"

	"callsignal/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Transition(calls.StateRinging, calls.StateAccepted)
	r.Transition(calls.StateRinging, calls.StateAccepted)
	r.Candidate(calls.SourcePoll, "too_old")
	r.Candidate(calls.SourcePush, "")
	r.AvailabilitySync("rate_limited")
	r.Connected(true)
	r.Reconnecting()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("ringing", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.candidates.WithLabelValues("poll", "too_old")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.candidates.WithLabelValues("push", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.syncs.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnects))

	r.Connected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.connected))
}

func TestRecorder_RegistrySize(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	size := 3
	r.RegistrySize(func() int { return size })

	n, err := testutil.GatherAndCount(reg, "callsignal_registry_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "callsignal_registry_entries" {
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
