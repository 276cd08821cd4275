package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveConnections))
	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveConnections))
}

func TestLabeledMetricsInitialized(t *testing.T) {
	// Increment/observe without panic implies the collectors registered.
	SignalingEvents.WithLabelValues("join", "success").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(SignalingEvents.WithLabelValues("join", "success")), float64(1))

	RoomMembers.WithLabelValues("test-room").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(RoomMembers.WithLabelValues("test-room")))
	RoomMembers.DeleteLabelValues("test-room")

	EngineResources.WithLabelValues("producer").Inc()
	EngineResources.WithLabelValues("producer").Dec()

	EngineOperations.WithLabelValues("createTransport", "error").Inc()
	MessageProcessingDuration.WithLabelValues("sfu.produce").Observe(0.01)
	BroadcastsSent.Inc()
}
