// Package sim is an in-process stand-in for the work cell: it serves the
// session, conveyor and dispatch services and streams camera frames of a
// single box riding the belt.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/conveyor/internal/gateway"
	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/timeutil"
)

// DefaultStart places the box upstream of the camera's field of view.
const DefaultStart = -1.5

// Options describe the simulated cell. Positions are along the belt, in the
// camera axis, with the inspection point at 0. Zero values select defaults.
type Options struct {
	Services gateway.Services
	// Start is where the box sits initially.
	Start float64
	// Speed is the belt speed at full power, in units per second.
	Speed float64
	// PickupAt is where the pickup zone begins.
	PickupAt float64
	// ReadyAfter delays every service's existence after the cell is created.
	ReadyAfter time.Duration
	Clock      timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.Services == (gateway.Services{}) {
		o.Services = gateway.DefaultServices()
	}
	if o.Speed == 0 {
		o.Speed = 0.2
	}
	if o.PickupAt == 0 {
		o.PickupAt = 2
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Cell is a simulated work cell. It implements gateway.Transport.
type Cell struct {
	opts    Options
	created time.Time

	mu         sync.Mutex
	started    bool
	power      float64
	position   float64
	lastUpdate time.Time
	dispatched string
	calls      map[string]int
}

var _ gateway.Transport = (*Cell)(nil)

func NewCell(opts Options) *Cell {
	opts = opts.withDefaults()
	now := opts.Clock.Now()
	return &Cell{
		opts:       opts,
		created:    now,
		position:   opts.Start,
		lastUpdate: now,
		calls:      make(map[string]int),
	}
}

// advance moves the box for the time elapsed since the last update. The
// caller holds mu.
func (c *Cell) advance() {
	now := c.opts.Clock.Now()
	dt := now.Sub(c.lastUpdate).Seconds()
	c.lastUpdate = now
	if dt > 0 && c.power > 0 {
		c.position += c.opts.Speed * c.power / 100 * dt
	}
}

// Position returns the box position along the belt.
func (c *Cell) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.position
}

// Power returns the current conveyor power.
func (c *Cell) Power() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

// Dispatched returns the shipment the drone was sent for, if any.
func (c *Cell) Dispatched() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}

// Calls returns how many calls a service has received.
func (c *Cell) Calls(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[service]
}

func (c *Cell) known(service string) bool {
	s := c.opts.Services
	return service == s.Session || service == s.Conveyor || service == s.Dispatch
}

func (c *Cell) Exists(ctx context.Context, service string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.opts.Clock.Now().Sub(c.created) < c.opts.ReadyAfter {
		return false, nil
	}
	return c.known(service), nil
}

func (c *Cell) Call(ctx context.Context, service string, args map[string]any) (gateway.Result, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Result{}, err
	}
	if ok, _ := c.Exists(ctx, service); !ok {
		return gateway.Result{}, fmt.Errorf("service %s: %w", service, gateway.ErrUnreachable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[service]++
	c.advance()

	switch service {
	case c.opts.Services.Session:
		return c.startSession(), nil
	case c.opts.Services.Conveyor:
		return c.setPower(args), nil
	default:
		return c.dispatch(args), nil
	}
}

func (c *Cell) startSession() gateway.Result {
	if c.started {
		return gateway.Result{Message: "competition already started"}
	}
	c.started = true
	monitoring.Logf("sim: competition started, box at %.3f", c.position)
	return gateway.Result{Success: true, Message: "competition started"}
}

func (c *Cell) setPower(args map[string]any) gateway.Result {
	if !c.started {
		return gateway.Result{Message: "competition not started"}
	}
	p, ok := args["power"].(float64)
	if !ok {
		return gateway.Result{Message: fmt.Sprintf("invalid power argument %v", args["power"])}
	}
	if p < 0 || p > 100 {
		return gateway.Result{Message: fmt.Sprintf("power %v out of range", p)}
	}
	c.power = p
	return gateway.Result{Success: true, Message: fmt.Sprintf("conveyor power set to %v", p)}
}

func (c *Cell) dispatch(args map[string]any) gateway.Result {
	if !c.started {
		return gateway.Result{Message: "competition not started"}
	}
	id, _ := args["shipment_type"].(string)
	if id == "" {
		return gateway.Result{Message: "missing shipment_type"}
	}
	if c.dispatched != "" {
		return gateway.Result{Message: "drone already dispatched"}
	}
	if c.position < c.opts.PickupAt {
		return gateway.Result{Message: fmt.Sprintf("shipment %s not in pickup zone", id)}
	}
	c.dispatched = id
	monitoring.Logf("sim: drone dispatched for %s", id)
	return gateway.Result{Success: true, Message: "drone dispatched"}
}
