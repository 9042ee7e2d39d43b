// Package observer classifies position-sensor frames as at or away from the
// inspection point and publishes the latest classification to a single
// reader.
package observer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/timeutil"
)

// DefaultTolerance is the half-width of the window around the inspection
// point, in coordinate units.
const DefaultTolerance = 0.01

// Signal is the classification of one observation.
type Signal int

const (
	None Signal = iota
	AtPoint
)

func (s Signal) String() string {
	switch s {
	case AtPoint:
		return "AT_POINT"
	default:
		return "NONE"
	}
}

// Classify reports AtPoint iff |c| < tolerance. NaN is never at the point.
func Classify(c, tolerance float64) Signal {
	if math.Abs(c) < tolerance {
		return AtPoint
	}
	return None
}

// Reading is the latest published classification. HitSeq and HitCoordinate
// remember the most recent AtPoint observation so a hit overwritten by a later
// miss is still visible to the reader.
type Reading struct {
	Seq           uint64
	Coordinate    float64
	Signal        Signal
	At            time.Time
	HitSeq        uint64
	HitCoordinate float64
}

// Options configure an Observer.
type Options struct {
	Tolerance float64
	Axis      Axis
	Clock     timeutil.Clock
}

// Observer turns feed frames into Readings. Observe and OnObservation must be
// called from a single goroutine (normally Consume); Latest and Updates may be
// used from one other goroutine.
type Observer struct {
	tolerance float64
	axis      Axis
	clock     timeutil.Clock

	seq     uint64
	hitSeq  uint64
	hitC    float64
	latest  atomic.Pointer[Reading]
	updates chan struct{}

	skipped   atomic.Uint64
	malformed atomic.Uint64
}

// New returns an Observer. A zero tolerance selects DefaultTolerance.
func New(opts Options) (*Observer, error) {
	tol := opts.Tolerance
	if tol == 0 {
		tol = DefaultTolerance
	}
	if tol < 0 || math.IsNaN(tol) || math.IsInf(tol, 0) {
		return nil, fmt.Errorf("invalid tolerance %v: must be a positive finite number", opts.Tolerance)
	}
	axis := opts.Axis
	if axis == "" {
		axis = AxisZ
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Observer{
		tolerance: tol,
		axis:      axis,
		clock:     clock,
		updates:   make(chan struct{}, 1),
	}, nil
}

// Tolerance returns the fixed tolerance for this observer.
func (o *Observer) Tolerance() float64 { return o.tolerance }

// OnObservation classifies one coordinate and publishes it.
func (o *Observer) OnObservation(c float64) Signal {
	sig := Classify(c, o.tolerance)
	o.seq++
	if sig == AtPoint {
		o.hitSeq = o.seq
		o.hitC = c
	}
	o.latest.Store(&Reading{
		Seq:           o.seq,
		Coordinate:    c,
		Signal:        sig,
		At:            o.clock.Now(),
		HitSeq:        o.hitSeq,
		HitCoordinate: o.hitC,
	})
	select {
	case o.updates <- struct{}{}:
	default:
	}
	return sig
}

// Observe classifies the first model of f. Empty batches are skipped and
// report ok=false without publishing anything.
func (o *Observer) Observe(f Frame) (sig Signal, ok bool) {
	c, ok := f.Coordinate(o.axis)
	if !ok {
		o.skipped.Add(1)
		return None, false
	}
	return o.OnObservation(c), true
}

// HandleLine parses and observes one feed line.
func (o *Observer) HandleLine(line string) error {
	f, err := ParseFrame(line)
	if err != nil {
		o.malformed.Add(1)
		return err
	}
	o.Observe(f)
	return nil
}

// Consume drains lines until ctx is done or the channel closes. Malformed
// lines are logged and skipped; Consume never blocks on the reader.
func (o *Observer) Consume(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := o.HandleLine(line); err != nil {
				monitoring.Logf("observer: skipping frame: %v", err)
			}
		}
	}
}

// Latest returns the most recent reading, if any observation has been made.
func (o *Observer) Latest() (Reading, bool) {
	r := o.latest.Load()
	if r == nil {
		return Reading{}, false
	}
	return *r, true
}

// Seq returns the sequence number of the latest reading, or 0.
func (o *Observer) Seq() uint64 {
	r, _ := o.Latest()
	return r.Seq
}

// Updates is signalled (coalesced) after each published reading.
func (o *Observer) Updates() <-chan struct{} { return o.updates }

// Skipped returns the number of empty batches ignored so far.
func (o *Observer) Skipped() uint64 { return o.skipped.Load() }

// Malformed returns the number of unparseable lines dropped so far.
func (o *Observer) Malformed() uint64 { return o.malformed.Load() }
