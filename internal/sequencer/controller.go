// Package sequencer drives the conveyor through session start, detection at
// the inspection point, the settle hold, the run to the pickup zone and the
// final dispatch.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/conveyor/internal/gateway"
	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/timeutil"
)

var (
	ErrSessionRejected  = errors.New("session start rejected")
	ErrConveyorRejected = errors.New("conveyor command rejected")
	ErrDispatchRejected = errors.New("pickup dispatch rejected")
	ErrDetectionTimeout = errors.New("object never reached the inspection point")
	ErrAlreadyRun       = errors.New("controller has already run")
)

// SessionStarter begins the session.
type SessionStarter interface {
	BeginSession(ctx context.Context) (gateway.Result, error)
}

// Actuator drives the conveyor and the pickup agent.
type Actuator interface {
	SetConveyorPower(ctx context.Context, power float64) (gateway.Result, error)
	DispatchPickup(ctx context.Context, shipmentID string) (gateway.Result, error)
}

// Detector exposes the latest position classification.
type Detector interface {
	Latest() (observer.Reading, bool)
	Updates() <-chan struct{}
}

// Config holds the timing and command parameters of a run. The holds stand in
// for events the system cannot observe (the object settling, the pickup agent
// becoming ready) and are tuned, not guaranteed.
type Config struct {
	ConveyorPower float64
	// StartupDelay is waited after the session starts, before the conveyor.
	StartupDelay time.Duration
	// SettleHold is how long the conveyor stays stopped at the inspection point.
	SettleHold time.Duration
	// ArrivalHold approximates the travel time to the pickup zone.
	ArrivalHold time.Duration
	// CollectWait is waited after a successful dispatch.
	CollectWait  time.Duration
	PollInterval time.Duration
	// DetectionTimeout bounds the wait for the object. Zero waits forever.
	DetectionTimeout time.Duration
	ShipmentID       string
}

// DefaultConfig returns the standard run parameters.
func DefaultConfig() Config {
	return Config{
		ConveyorPower: 100,
		SettleHold:    5 * time.Second,
		ArrivalHold:   15 * time.Second,
		PollInterval:  50 * time.Millisecond,
		ShipmentID:    "order_0_shipment_0",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConveyorPower <= 0 || c.ConveyorPower > 100 {
		return fmt.Errorf("conveyor power must be in (0, 100], got %v", c.ConveyorPower)
	}
	for name, d := range map[string]time.Duration{
		"startup_delay":     c.StartupDelay,
		"settle_hold":       c.SettleHold,
		"arrival_hold":      c.ArrivalHold,
		"collect_wait":      c.CollectWait,
		"detection_timeout": c.DetectionTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.ShipmentID == "" {
		return errors.New("shipment id is required")
	}
	return nil
}

// Detection describes the observation that stopped the conveyor. Observation
// counts readings since the conveyor was started, starting at 1.
type Detection struct {
	Observation uint64    `json:"observation"`
	Seq         uint64    `json:"seq"`
	Coordinate  float64   `json:"coordinate"`
	At          time.Time `json:"at"`
}

// Outcome summarises a run.
type Outcome struct {
	RunID     string
	Final     State
	Detection *Detection
	// Halted is set when the run stopped in a non-terminal state.
	Halted   bool
	Reason   string
	Started  time.Time
	Finished time.Time
}

// Status is a read-only snapshot of the controller.
type Status struct {
	RunID     string     `json:"run_id"`
	State     State      `json:"state"`
	Since     time.Time  `json:"since"`
	Detection *Detection `json:"detection,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Deps are the collaborators of a Controller. Recorder and Clock are
// optional.
type Deps struct {
	Session  SessionStarter
	Actuator Actuator
	Detector Detector
	Clock    timeutil.Clock
	Recorder Recorder
}

// Controller runs the sequence once. Its state is mutated only by Run.
type Controller struct {
	cfg      Config
	session  SessionStarter
	actuator Actuator
	detector Detector
	clock    timeutil.Clock
	recorder Recorder

	ran       atomic.Bool
	runID     string
	state     State
	detection *Detection
	status    atomic.Pointer[Status]
}

// New returns a Controller in state INIT.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Session == nil || deps.Actuator == nil || deps.Detector == nil {
		return nil, errors.New("session, actuator and detector are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	c := &Controller{
		cfg:      cfg,
		session:  deps.Session,
		actuator: deps.Actuator,
		detector: deps.Detector,
		clock:    clock,
		recorder: recorder,
		state:    Init,
	}
	c.publish("")
	return c, nil
}

// Status returns the latest snapshot. Safe for concurrent use.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

func (c *Controller) publish(reason string) {
	c.status.Store(&Status{
		RunID:     c.runID,
		State:     c.state,
		Since:     c.clock.Now(),
		Detection: c.detection,
		Reason:    reason,
	})
}

// transition moves to the next state. An illegal transition is a programming
// error.
func (c *Controller) transition(ctx context.Context, to State, note string) {
	from := c.state
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("sequencer: illegal transition %s -> %s", from, to))
	}
	c.state = to
	monitoring.Logf("state %s -> %s", from, to)
	c.publish(note)
	if err := c.recorder.RecordTransition(ctx, c.runID, Transition{From: from, To: to, At: c.clock.Now(), Note: note}); err != nil {
		monitoring.Logf("failed to record transition: %v", err)
	}
}

// Run executes the sequence. It returns nil only on DONE; rejected calls
// return an error wrapping one of the Err* sentinels and leave the controller
// in the state where the sequence stopped. Cancelling ctx stops the run at
// the current state and returns ctx.Err().
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	if !c.ran.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyRun
	}
	c.runID = uuid.NewString()
	started := c.clock.Now()
	c.publish("")

	// the journal must see the end of a cancelled run too
	recCtx := context.WithoutCancel(ctx)
	if err := c.recorder.StartRun(recCtx, c.runID, started, c.cfg); err != nil {
		monitoring.Logf("failed to record run start: %v", err)
	}

	err := c.run(ctx, recCtx)

	out := Outcome{
		RunID:     c.runID,
		Final:     c.state,
		Detection: c.detection,
		Halted:    !c.state.Terminal(),
		Started:   started,
		Finished:  c.clock.Now(),
	}
	if err != nil {
		out.Reason = err.Error()
		c.publish(out.Reason)
	}
	if rerr := c.recorder.FinishRun(recCtx, out); rerr != nil {
		monitoring.Logf("failed to record run finish: %v", rerr)
	}
	return out, err
}

func (c *Controller) run(ctx, recCtx context.Context) error {
	c.transition(recCtx, SessionStarting, "begin_session issued")
	monitoring.Logf("Requesting competition start...")
	res, err := c.session.BeginSession(ctx)
	c.recordCall(recCtx, CallBeginSession, "", res, err)
	if err != nil {
		return err
	}
	if !res.Success {
		monitoring.Logf("Failed to start the competition: %s", res.Message)
		c.transition(recCtx, SessionFailed, res.Message)
		return fmt.Errorf("%w: %s", ErrSessionRejected, res.Message)
	}
	monitoring.Logf("Competition started!")

	if c.cfg.StartupDelay > 0 {
		monitoring.Logf("Waiting %s before starting the conveyor belt...", c.cfg.StartupDelay)
		if err := c.hold(ctx, c.cfg.StartupDelay); err != nil {
			return err
		}
	}

	monitoring.Logf("Requesting conveyor belt start...")
	if err := c.setPower(ctx, recCtx, c.cfg.ConveyorPower); err != nil {
		return err
	}
	armSeq := c.latestSeq()
	c.transition(recCtx, ConveyorRunningToPoint, "conveyor started")
	monitoring.Logf("Conveyor belt started!")

	hit, err := c.awaitDetection(ctx, armSeq)
	if errors.Is(err, ErrDetectionTimeout) {
		monitoring.Logf("No object at the inspection point after %s; leaving conveyor as is", c.cfg.DetectionTimeout)
		c.transition(recCtx, DetectionTimedOut, err.Error())
		return err
	}
	if err != nil {
		return err
	}
	c.detection = &Detection{
		Observation: hit.HitSeq - armSeq,
		Seq:         hit.HitSeq,
		Coordinate:  hit.HitCoordinate,
		At:          c.clock.Now(),
	}
	if err := c.recorder.RecordDetection(recCtx, c.runID, *c.detection); err != nil {
		monitoring.Logf("failed to record detection: %v", err)
	}
	c.transition(recCtx, AtInspectionPoint, fmt.Sprintf("coordinate %.4f", hit.HitCoordinate))
	monitoring.Logf("Object at inspection point (coordinate %.4f)", hit.HitCoordinate)

	monitoring.Logf("Stopping the conveyor belt...")
	if err := c.setPower(ctx, recCtx, 0); err != nil {
		return err
	}
	c.transition(recCtx, ConveyorStopped, "conveyor stopped")
	monitoring.Logf("Conveyor belt stopped!")

	c.transition(recCtx, Holding, "settle hold "+c.cfg.SettleHold.String())
	monitoring.Logf("Holding for %s.", c.cfg.SettleHold)
	if err := c.hold(ctx, c.cfg.SettleHold); err != nil {
		return err
	}

	monitoring.Logf("Resuming conveyor belt until the shipment reaches the pickup zone.")
	if err := c.setPower(ctx, recCtx, c.cfg.ConveyorPower); err != nil {
		return err
	}
	c.transition(recCtx, ConveyorResuming, "conveyor resumed")
	monitoring.Logf("Conveyor belt resumed!")

	c.transition(recCtx, AwaitingArrival, "arrival hold "+c.cfg.ArrivalHold.String())
	monitoring.Logf("Waiting %s for the shipment to reach the pickup zone.", c.cfg.ArrivalHold)
	if err := c.hold(ctx, c.cfg.ArrivalHold); err != nil {
		return err
	}

	c.transition(recCtx, Dispatching, "dispatch "+c.cfg.ShipmentID)
	monitoring.Logf("Sending drone to pick up shipment %s.", c.cfg.ShipmentID)
	res, err = c.actuator.DispatchPickup(ctx, c.cfg.ShipmentID)
	c.recordCall(recCtx, CallDispatchPickup, c.cfg.ShipmentID, res, err)
	if err != nil {
		return err
	}
	if !res.Success {
		monitoring.Logf("Failed to start the drone: %s", res.Message)
		c.transition(recCtx, DispatchFailed, res.Message)
		return fmt.Errorf("%w: %s", ErrDispatchRejected, res.Message)
	}
	c.transition(recCtx, Done, "dispatched")
	monitoring.Logf("Drone started!")

	if c.cfg.CollectWait > 0 {
		monitoring.Logf("Waiting %s for drone to collect shipment.", c.cfg.CollectWait)
		if err := c.hold(ctx, c.cfg.CollectWait); err != nil {
			return err
		}
	}
	monitoring.Logf("Success.")
	return nil
}

// setPower commands the conveyor and converts a rejection into
// ErrConveyorRejected, leaving the state unchanged.
func (c *Controller) setPower(ctx, recCtx context.Context, power float64) error {
	res, err := c.actuator.SetConveyorPower(ctx, power)
	c.recordCall(recCtx, CallConveyorPower, strconv.FormatFloat(power, 'f', -1, 64), res, err)
	if err != nil {
		return err
	}
	if !res.Success {
		monitoring.Logf("Failed to set conveyor power to %v: %s", power, res.Message)
		return fmt.Errorf("%w: power %v: %s", ErrConveyorRejected, power, res.Message)
	}
	return nil
}

func (c *Controller) hold(ctx context.Context, d time.Duration) error {
	if !timeutil.Sleep(c.clock, d, ctx.Done()) {
		return ctx.Err()
	}
	return nil
}

func (c *Controller) latestSeq() uint64 {
	r, _ := c.detector.Latest()
	return r.Seq
}

// hit returns the latest reading if it carries an AT_POINT observation made
// after armSeq.
func (c *Controller) hit(armSeq uint64) (observer.Reading, bool) {
	r, ok := c.detector.Latest()
	return r, ok && r.HitSeq > armSeq
}

// awaitDetection waits for an AT_POINT observation newer than armSeq. It is
// woken by detector updates and, as a fallback, by the poll ticker.
func (c *Controller) awaitDetection(ctx context.Context, armSeq uint64) (observer.Reading, error) {
	if r, ok := c.hit(armSeq); ok {
		return r, nil
	}
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if c.cfg.DetectionTimeout > 0 {
		timer := c.clock.NewTimer(c.cfg.DetectionTimeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	for {
		select {
		case <-ctx.Done():
			return observer.Reading{}, ctx.Err()
		case <-timeout:
			return observer.Reading{}, fmt.Errorf("%w within %s", ErrDetectionTimeout, c.cfg.DetectionTimeout)
		case <-c.detector.Updates():
		case <-ticker.C():
		}
		if r, ok := c.hit(armSeq); ok {
			return r, nil
		}
	}
}

func (c *Controller) recordCall(ctx context.Context, kind CallKind, arg string, res gateway.Result, err error) {
	call := Call{
		Kind:     kind,
		Arg:      arg,
		Success:  err == nil && res.Success,
		Message:  res.Message,
		Attempts: res.Attempts,
		At:       c.clock.Now(),
	}
	if err != nil {
		call.Message = err.Error()
	}
	if rerr := c.recorder.RecordCall(ctx, c.runID, call); rerr != nil {
		monitoring.Logf("failed to record %s call: %v", kind, rerr)
	}
}
