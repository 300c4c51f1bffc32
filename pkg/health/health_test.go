package health

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("loader")
	tracker.RegisterComponent("loader")

	assert.Equal(t, StateHealthy, tracker.State("loader"))
	assert.Equal(t, StateUnavailable, tracker.State("unknown"))
	assert.Len(t, tracker.Status().Components, 1)
}

func TestTracker_ErrorThresholds(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 2, UnavailableThreshold: 4})
	tracker.RegisterComponent("sink")

	tracker.RecordError("sink", errors.New("503"))
	assert.Equal(t, StateHealthy, tracker.State("sink"))

	tracker.RecordError("sink", errors.New("503"))
	assert.Equal(t, StateDegraded, tracker.State("sink"))

	tracker.RecordError("sink", nil)
	tracker.RecordError("sink", nil)
	assert.Equal(t, StateUnavailable, tracker.State("sink"))

	h, err := tracker.Component("sink")
	require.NoError(t, err)
	assert.Equal(t, 4, h.ConsecutiveErrors)
	assert.Equal(t, "operation failed", h.LastErrorMessage)
}

func TestTracker_RecoveryPaysOffErrors(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 2, UnavailableThreshold: 10})
	tracker.RegisterComponent("loader")

	tracker.RecordError("loader", errors.New("fetch failed"))
	tracker.RecordError("loader", errors.New("fetch failed"))
	require.Equal(t, StateDegraded, tracker.State("loader"))

	tracker.RecordSuccess("loader")
	assert.Equal(t, StateDegraded, tracker.State("loader"))

	tracker.RecordSuccess("loader")
	assert.Equal(t, StateHealthy, tracker.State("loader"))

	h, err := tracker.Component("loader")
	require.NoError(t, err)
	assert.Equal(t, 0, h.ConsecutiveErrors)
	assert.Empty(t, h.LastErrorMessage)
}

func TestTracker_SetStateAndOverall(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("loader")
	tracker.RegisterComponent("memory-monitor")
	assert.Equal(t, StateHealthy, tracker.Overall())

	tracker.SetState("memory-monitor", StateDegraded, "memory introspection unavailable")
	assert.Equal(t, StateDegraded, tracker.Overall())

	status := tracker.Status()
	assert.Equal(t, StateDegraded, status.State)
	require.Len(t, status.Components, 2)
	assert.Equal(t, "loader", status.Components[0].Name)
	assert.Equal(t, "memory introspection unavailable", status.Components[1].LastErrorMessage)
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 2})
	tracker.RegisterComponent("sink")

	type change struct{ from, to State }
	var changes []change
	tracker.OnStateChange(func(_ string, from, to State) {
		changes = append(changes, change{from, to})
	})

	tracker.RecordError("sink", nil)
	tracker.RecordError("sink", nil)
	tracker.RecordError("sink", nil)
	tracker.RecordSuccess("unregistered")

	assert.Equal(t, []change{
		{StateHealthy, StateDegraded},
		{StateDegraded, StateUnavailable},
	}, changes)
}

func TestTracker_Clock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewTracker(Config{ErrorThreshold: 1, Clock: func() time.Time { return now }})
	tracker.RegisterComponent("sink")

	now = now.Add(time.Minute)
	tracker.RecordError("sink", nil)

	h, err := tracker.Component("sink")
	require.NoError(t, err)
	assert.Equal(t, now, h.LastStateChange)
	assert.Equal(t, now, h.LastCheck)
}

func TestStatus_JSON(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("loader")

	data, err := json.Marshal(tracker.Status())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"healthy"`)
	assert.Contains(t, string(data), `"name":"loader"`)
}

func TestTracker_ComponentNotRegistered(t *testing.T) {
	_, err := NewTracker(DefaultConfig()).Component("nope")
	assert.Error(t, err)
}
