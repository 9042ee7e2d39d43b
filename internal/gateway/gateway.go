// Package gateway wraps the remote session, conveyor and dispatch services
// behind synchronous calls that first wait for the service to exist and then
// report success or rejection without aborting the caller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/timeutil"
)

// Default service names, as exposed by the competition environment.
const (
	DefaultSessionService  = "/ariac/start_competition"
	DefaultConveyorService = "/ariac/conveyor/control"
	DefaultDispatchService = "/ariac/drone"
)

var (
	// ErrInvalidPower is returned for conveyor power outside [0, 100].
	ErrInvalidPower = errors.New("conveyor power must be between 0 and 100")
	// ErrUnreachable is returned when a configured reachability timeout
	// elapses before the service exists.
	ErrUnreachable = errors.New("service unreachable")
)

// ExistsLogInterval spaces out repeated errors from existence checks.
const ExistsLogInterval = 5 * time.Second

// Result is the outcome of one remote call.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Attempts is the number of calls issued, including retries.
	Attempts int `json:"-"`
}

// Transport reaches the remote services. Exists reports whether a service
// currently accepts calls; Call issues one request. Call returns an error only
// when the request could not be completed; a rejection is a Result with
// Success false.
type Transport interface {
	Exists(ctx context.Context, service string) (bool, error)
	Call(ctx context.Context, service string, args map[string]any) (Result, error)
}

// connector is implemented by transports with a connection that must be
// established before Exists is meaningful.
type connector interface {
	WaitConnected(ctx context.Context) error
}

// Services names the remote services.
type Services struct {
	Session  string
	Conveyor string
	Dispatch string
}

// DefaultServices returns the standard service names.
func DefaultServices() Services {
	return Services{
		Session:  DefaultSessionService,
		Conveyor: DefaultConveyorService,
		Dispatch: DefaultDispatchService,
	}
}

func (s Services) withDefaults() Services {
	d := DefaultServices()
	if s.Session == "" {
		s.Session = d.Session
	}
	if s.Conveyor == "" {
		s.Conveyor = d.Conveyor
	}
	if s.Dispatch == "" {
		s.Dispatch = d.Dispatch
	}
	return s
}

// RetryPolicy bounds retries of failed calls. Attempts <= 1 disables retry.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}
	d := float64(backoff) * math.Pow(2, float64(attempt-1))
	if d >= float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// Options configure the gateways.
type Options struct {
	Clock timeutil.Clock
	// ReadyPoll is how often Exists is polled while waiting for a service.
	ReadyPoll time.Duration
	// ReachabilityTimeout bounds the wait for a service to exist. Zero waits
	// forever.
	ReachabilityTimeout time.Duration
	Retry               RetryPolicy
}

// caller implements the wait-then-call contract shared by both gateways.
type caller struct {
	transport Transport
	clock     timeutil.Clock
	readyPoll time.Duration
	timeout   time.Duration
	retry     RetryPolicy
	ready     map[string]bool
	existsLog *monitoring.Throttle
}

func newCaller(t Transport, opts Options) *caller {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	poll := opts.ReadyPoll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &caller{
		transport: t,
		clock:     clock,
		readyPoll: poll,
		timeout:   opts.ReachabilityTimeout,
		retry:     opts.Retry,
		ready:     make(map[string]bool),
		existsLog: monitoring.NewThrottle(ExistsLogInterval),
	}
}

// waitForExistence blocks until service exists, ctx ends, or the reachability
// timeout elapses. The timeout covers the connection wait as well as the
// existence polling.
func (c *caller) waitForExistence(ctx context.Context, service string) error {
	if c.ready[service] {
		return nil
	}

	var deadline <-chan time.Time
	if c.timeout > 0 {
		timer := c.clock.NewTimer(c.timeout)
		defer timer.Stop()
		deadline = timer.C()
	}
	unreachable := func() error {
		return fmt.Errorf("%w: %s did not become ready within %s", ErrUnreachable, service, c.timeout)
	}

	if conn, ok := c.transport.(connector); ok {
		connCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- conn.WaitConnected(connCtx) }()
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-deadline:
			cancel()
			<-done
			return unreachable()
		case <-ctx.Done():
			<-done
			return ctx.Err()
		}
	}

	ok, err := c.transport.Exists(ctx, service)
	if ok {
		c.ready[service] = true
		return nil
	}
	if err != nil && ctx.Err() == nil {
		c.existsLog.Logf("checking %s: %v", service, err)
	}

	monitoring.Logf("Waiting for %s to be ready...", service)
	ticker := c.clock.NewTicker(c.readyPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return unreachable()
		case <-ticker.C():
			ok, err := c.transport.Exists(ctx, service)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.existsLog.Logf("checking %s: %v", service, err)
			}
			if ok {
				monitoring.Logf("%s is now ready.", service)
				c.ready[service] = true
				return nil
			}
		}
	}
}

// call waits for the service and issues the request, retrying failed
// attempts per the retry policy. Transport errors become failed Results.
func (c *caller) call(ctx context.Context, service string, args map[string]any) (Result, error) {
	if err := c.waitForExistence(ctx, service); err != nil {
		return Result{}, err
	}

	attempts := c.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := c.transport.Call(ctx, service, args)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Attempts: attempt}, ctx.Err()
			}
			r = Result{Success: false, Message: err.Error()}
		}
		res = r
		res.Attempts = attempt
		if res.Success {
			return res, nil
		}
		if attempt < attempts {
			d := c.retry.delay(attempt)
			monitoring.Logf("%s rejected (attempt %d/%d): %s; retrying in %s", service, attempt, attempts, res.Message, d)
			if !timeutil.Sleep(c.clock, d, ctx.Done()) {
				return res, ctx.Err()
			}
		}
	}
	return res, nil
}

// SessionGateway starts the competition session.
type SessionGateway struct {
	c       *caller
	service string
}

// NewSessionGateway returns a SessionGateway over t.
func NewSessionGateway(t Transport, services Services, opts Options) *SessionGateway {
	return &SessionGateway{c: newCaller(t, opts), service: services.withDefaults().Session}
}

// BeginSession requests the session start.
func (g *SessionGateway) BeginSession(ctx context.Context) (Result, error) {
	return g.c.call(ctx, g.service, map[string]any{})
}

// ActuatorGateway drives the conveyor and the pickup dispatcher.
type ActuatorGateway struct {
	c        *caller
	conveyor string
	dispatch string
}

// NewActuatorGateway returns an ActuatorGateway over t.
func NewActuatorGateway(t Transport, services Services, opts Options) *ActuatorGateway {
	s := services.withDefaults()
	return &ActuatorGateway{c: newCaller(t, opts), conveyor: s.Conveyor, dispatch: s.Dispatch}
}

// SetConveyorPower sets the conveyor power, 0 to 100.
func (g *ActuatorGateway) SetConveyorPower(ctx context.Context, power float64) (Result, error) {
	if math.IsNaN(power) || power < 0 || power > 100 {
		return Result{}, fmt.Errorf("%w: got %v", ErrInvalidPower, power)
	}
	return g.c.call(ctx, g.conveyor, map[string]any{"power": power})
}

// DispatchPickup asks the pickup agent to collect shipmentID.
func (g *ActuatorGateway) DispatchPickup(ctx context.Context, shipmentID string) (Result, error) {
	return g.c.call(ctx, g.dispatch, map[string]any{"shipment_type": shipmentID})
}
