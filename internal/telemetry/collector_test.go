package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	snap Snapshot
}

func (s staticSource) TelemetrySnapshot() Snapshot { return s.snap }

func testSnapshot() Snapshot {
	return Snapshot{
		StartedAt:  time.Now().Add(-time.Minute),
		QueueDepth: 3,
		Running:    1,
		TasksTotal: map[TaskKey]int64{
			{Source: "email", State: "completed"}: 5,
			{Source: "cloud", State: "failed"}:    2,
		},
		PolicyRejects: map[string]int64{
			"UNKNOWN_SENDER": 4,
		},
		HeartbeatFailures: 1,
		ResultsLost:       0,
		ComponentHealth: map[string]float64{
			"email": 1,
			"cloud": 0.5,
		},
	}
}

func TestCollectorGathers(t *testing.T) {
	registry := NewRegistry(staticSource{snap: testSnapshot()})

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ccjk_info",
		"ccjk_uptime_seconds",
		"ccjk_queue_depth",
		"ccjk_tasks_running",
		"ccjk_tasks_total",
		"ccjk_policy_rejects_total",
		"ccjk_heartbeat_failures_total",
		"ccjk_results_lost_total",
		"ccjk_component_health",
		"go_goroutines",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestCollectorValues(t *testing.T) {
	collector := NewCollector(staticSource{snap: testSnapshot()})

	expected := strings.NewReader(`
# HELP ccjk_queue_depth Number of tasks waiting to be dispatched
# TYPE ccjk_queue_depth gauge
ccjk_queue_depth 3
# HELP ccjk_tasks_total Terminal tasks by source and state
# TYPE ccjk_tasks_total counter
ccjk_tasks_total{source="cloud",state="failed"} 2
ccjk_tasks_total{source="email",state="completed"} 5
`)
	require.NoError(t, testutil.CollectAndCompare(collector, expected,
		"ccjk_queue_depth", "ccjk_tasks_total"))

	// One labeled series per component.
	assert.Equal(t, 2, testutil.CollectAndCount(collector, "ccjk_component_health"))
}
