package sequencer

// State is a step of the conveyor sequence.
type State string

const (
	Init                   State = "INIT"
	SessionStarting        State = "SESSION_STARTING"
	SessionFailed          State = "SESSION_FAILED"
	ConveyorRunningToPoint State = "CONVEYOR_RUNNING_TO_POINT"
	AtInspectionPoint      State = "AT_INSPECTION_POINT"
	ConveyorStopped        State = "CONVEYOR_STOPPED"
	Holding                State = "HOLDING"
	ConveyorResuming       State = "CONVEYOR_RESUMING"
	AwaitingArrival        State = "AWAITING_ARRIVAL"
	Dispatching            State = "DISPATCHING"
	Done                   State = "DONE"
	DispatchFailed         State = "DISPATCH_FAILED"
	DetectionTimedOut      State = "DETECTION_TIMED_OUT"
)

// transitions lists every legal successor of each state. Terminal states have
// none. ConveyorRunningToPoint may loop on itself while polling.
var transitions = map[State][]State{
	Init:                   {SessionStarting, SessionFailed},
	SessionStarting:        {ConveyorRunningToPoint, SessionFailed},
	ConveyorRunningToPoint: {ConveyorRunningToPoint, AtInspectionPoint, DetectionTimedOut},
	AtInspectionPoint:      {ConveyorStopped},
	ConveyorStopped:        {Holding},
	Holding:                {ConveyorResuming},
	ConveyorResuming:       {AwaitingArrival},
	AwaitingArrival:        {Dispatching},
	Dispatching:            {Done, DispatchFailed},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the run.
func (s State) Terminal() bool {
	switch s {
	case SessionFailed, Done, DispatchFailed, DetectionTimedOut:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }
