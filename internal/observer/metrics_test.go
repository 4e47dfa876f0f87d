package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeErrorType(t *testing.T) {
	assert.Equal(t, "none", SanitizeErrorType(""))
	assert.Equal(t, "flow_runner", SanitizeErrorType("flow runner error: 502"))
	assert.Equal(t, "database", SanitizeErrorType("database error: boom"))
	assert.Equal(t, "validation", SanitizeErrorType("validation failed: wait_hours"))
	assert.Equal(t, "not_found", SanitizeErrorType("resource not found"))
	assert.Equal(t, "timeout", SanitizeErrorType("context deadline exceeded"))
	assert.Equal(t, "unknown", SanitizeErrorType("something else"))
}

func TestCountersRespectEnabledFlag(t *testing.T) {
	t.Cleanup(func() { InitMetrics(true) })

	InitMetrics(true)
	before := testutil.ToFloat64(sweepRunsTotal.WithLabelValues("acme-metrics", "moved"))
	IncSweepOutcome("acme-metrics", "moved")
	assert.Equal(t, before+1, testutil.ToFloat64(sweepRunsTotal.WithLabelValues("acme-metrics", "moved")))

	InitMetrics(false)
	IncSweepOutcome("acme-metrics", "moved")
	assert.Equal(t, before+1, testutil.ToFloat64(sweepRunsTotal.WithLabelValues("acme-metrics", "moved")))
}

func TestObserveFlowRunnerCallOutcome(t *testing.T) {
	InitMetrics(true)
	ObserveFlowRunnerCall("acme-flow", "start", 10*time.Millisecond, errors.New("flow runner error: 500"))
	ObserveFlowRunnerCall("acme-flow", "start", 10*time.Millisecond, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(flowRunnerCallsTotal.WithLabelValues("acme-flow", "start", "flow_runner")))
	assert.Equal(t, float64(1), testutil.ToFloat64(flowRunnerCallsTotal.WithLabelValues("acme-flow", "start", "success")))
}
