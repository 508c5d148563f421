package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)

	// a second collector on the same registry collides
	assert.Panics(t, func() { NewCollector(reg) })
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestRecordDecision(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordDecision(types.RoutingDecision{Action: types.ActionDelegate, TargetRole: types.RoleDeveloper})
	c.RecordDecision(types.RoutingDecision{Action: types.ActionRespond, TargetRole: types.RoleDeveloper, WIPBlocked: true})
	c.RecordDecision(types.RoutingDecision{Action: types.ActionRespond})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("DELEGATE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.decisions.WithLabelValues("RESPOND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wipBlocked.WithLabelValues("developer")))
}

func TestRecordAssignmentAndTasks(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	for i := 0; i < 3; i++ {
		c.RecordAssignment(types.RoleAnalyst, "assigned")
	}
	c.RecordAssignment(types.RoleAnalyst, "no_worker_available")
	c.ObserveTask(types.RoleAnalyst, "completed", 2*time.Second)
	c.ObserveTask(types.RoleAnalyst, "failed", time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.assignments.WithLabelValues("analyst", "assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.assignments.WithLabelValues("analyst", "no_worker_available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("analyst", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.taskDuration))
}

func TestWorkflowObserver(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.OnNodeStart("i1", "implement")
	c.OnNodeEnd("i1", "implement", 10*time.Millisecond, nil)
	c.OnNodeEnd("i1", "run_tests", 5*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2, testutil.CollectAndCount(c.nodeDuration))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.nodeErrors.WithLabelValues("implement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeErrors.WithLabelValues("run_tests")))
}

func TestUpdatePoolStats(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.UpdatePoolStats(types.PoolStats{
		TotalPools: 2, OverallLoad: 0.5,
		Pools: []types.PoolStat{
			{Name: "developer", Current: 3, Max: 5, Load: 0.6},
			{Name: "overflow-1", Current: 1, Max: 50, Load: 1},
		},
	})
	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolWorkers.WithLabelValues("developer")))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.poolCapacity.WithLabelValues("overflow-1")))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.overallLoad))

	// deactivated pools drop out
	c.UpdatePoolStats(types.PoolStats{TotalPools: 1, Pools: []types.PoolStat{{Name: "developer", Current: 1, Max: 5}}})
	assert.Equal(t, 1, testutil.CollectAndCount(c.poolWorkers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pools))
}

type failingBus struct{ bus.Bus }

func (failingBus) Publish(ctx context.Context, topic, key string, ev types.Event) error {
	return fmt.Errorf("%w: no route", bus.ErrPublishFailed)
}

func TestInstrumentBus(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	b := c.InstrumentBus(failingBus{})

	err := b.Publish(context.Background(), bus.TopicAssigned, "k", types.Event{ID: "e1"})
	assert.ErrorIs(t, err, bus.ErrPublishFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishFailures.WithLabelValues(bus.TopicAssigned)))
}

func TestHandler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordAssignment(types.RoleTester, "queued")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `fleet_assignments_total{outcome="queued",role="tester"} 1`))
}
