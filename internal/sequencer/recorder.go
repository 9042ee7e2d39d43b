package sequencer

import (
	"context"
	"time"
)

// CallKind names a gateway operation.
type CallKind string

const (
	CallBeginSession   CallKind = "begin_session"
	CallConveyorPower  CallKind = "set_conveyor_power"
	CallDispatchPickup CallKind = "dispatch_pickup"
)

// Transition is one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Call is one completed gateway call. Arg is the power level or shipment id.
type Call struct {
	Kind     CallKind  `json:"kind"`
	Arg      string    `json:"arg,omitempty"`
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Recorder persists the history of a run. Errors are logged by the
// controller and never change the sequence.
type Recorder interface {
	StartRun(ctx context.Context, runID string, started time.Time, cfg Config) error
	RecordTransition(ctx context.Context, runID string, t Transition) error
	RecordCall(ctx context.Context, runID string, c Call) error
	RecordDetection(ctx context.Context, runID string, d Detection) error
	FinishRun(ctx context.Context, o Outcome) error
}

type nopRecorder struct{}

func (nopRecorder) StartRun(context.Context, string, time.Time, Config) error  { return nil }
func (nopRecorder) RecordTransition(context.Context, string, Transition) error { return nil }
func (nopRecorder) RecordCall(context.Context, string, Call) error             { return nil }
func (nopRecorder) RecordDetection(context.Context, string, Detection) error   { return nil }
func (nopRecorder) FinishRun(context.Context, Outcome) error                   { return nil }
