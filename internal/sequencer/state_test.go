package sequencer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Init, SessionStarting, true},
		{Init, SessionFailed, true},
		{Init, ConveyorRunningToPoint, false},
		{SessionStarting, ConveyorRunningToPoint, true},
		{SessionStarting, SessionFailed, true},
		{ConveyorRunningToPoint, ConveyorRunningToPoint, true},
		{ConveyorRunningToPoint, AtInspectionPoint, true},
		{ConveyorRunningToPoint, DetectionTimedOut, true},
		{ConveyorRunningToPoint, Holding, false},
		{AtInspectionPoint, ConveyorStopped, true},
		{AtInspectionPoint, ConveyorResuming, false},
		{ConveyorStopped, Holding, true},
		{Holding, ConveyorResuming, true},
		{Holding, Dispatching, false},
		{ConveyorResuming, AwaitingArrival, true},
		{AwaitingArrival, Dispatching, true},
		{Dispatching, Done, true},
		{Dispatching, DispatchFailed, true},
		{Done, Init, false},
		{DispatchFailed, Dispatching, false},
		{SessionFailed, SessionStarting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	all := []State{
		Init, SessionStarting, SessionFailed, ConveyorRunningToPoint, AtInspectionPoint,
		ConveyorStopped, Holding, ConveyorResuming, AwaitingArrival, Dispatching,
		Done, DispatchFailed, DetectionTimedOut,
	}
	for _, s := range all {
		if !s.Terminal() {
			assert.NotEmpty(t, transitions[s], "%s is not terminal but has no successor", s)
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(s, to), "terminal %s -> %s", s, to)
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AT_INSPECTION_POINT", AtInspectionPoint.String())
}
