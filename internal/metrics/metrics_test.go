package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/resilience"
)

func TestHandler_ServesRegisteredCollectors(t *testing.T) {
	RecordLockContention("session:s1")
	SetQueueDepth("t1", 3)
	ObserveSupervisorAttempt("completed", 250*time.Millisecond)
	ObserveHealthScore("execution", "high", 0.9)

	h := Handler()
	require.NotNil(t, h)
}

func TestBreakerCollector_ReportsRegisteredBreakerState(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "internal-agent", FailureThreshold: 1})
	collector := NewBreakerCollector()
	collector.Register("internal-agent", b)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "orchestrator_breaker_state" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(0), mf.GetMetric()[0].GetGauge().GetValue(), "a fresh breaker starts closed")
		}
	}
	assert.True(t, found, "breaker state metric must be exported")
}

func TestBreakerCollector_RegisterPipelineSkipsNilBreaker(t *testing.T) {
	collector := NewBreakerCollector()
	p := resilience.NewPipeline("no-breaker", nil, nil, resilience.DefaultRetryConfig())
	collector.RegisterPipeline(p)
	assert.Empty(t, collector.breakers)
}
