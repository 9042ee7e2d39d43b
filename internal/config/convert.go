package config

import (
	"github.com/banshee-data/conveyor/internal/gateway"
	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/sequencer"
	"github.com/banshee-data/conveyor/internal/timeutil"
)

// SequencerConfig returns the controller parameters.
func (c *RunConfig) SequencerConfig() sequencer.Config {
	return sequencer.Config{
		ConveyorPower:    c.GetConveyorPower(),
		StartupDelay:     c.GetStartupDelay(),
		SettleHold:       c.GetSettleHold(),
		ArrivalHold:      c.GetArrivalHold(),
		CollectWait:      c.GetCollectWait(),
		PollInterval:     c.GetPollInterval(),
		DetectionTimeout: c.GetDetectionTimeout(),
		ShipmentID:       c.GetShipmentID(),
	}
}

// ObserverOptions returns the detection parameters.
func (c *RunConfig) ObserverOptions(clock timeutil.Clock) observer.Options {
	return observer.Options{
		Tolerance: c.GetTolerance(),
		Axis:      c.GetAxis(),
		Clock:     clock,
	}
}

// Services returns the configured service names, defaulting each one left
// unset.
func (c *RunConfig) Services() gateway.Services {
	d := gateway.DefaultServices()
	return gateway.Services{
		Session:  str(c.SessionService, d.Session),
		Conveyor: str(c.ConveyorService, d.Conveyor),
		Dispatch: str(c.DispatchService, d.Dispatch),
	}
}

// GatewayOptions returns the reachability and retry behaviour of both
// gateways.
func (c *RunConfig) GatewayOptions(clock timeutil.Clock) gateway.Options {
	return gateway.Options{
		Clock:               clock,
		ReachabilityTimeout: c.GetReachabilityTimeout(),
		Retry: gateway.RetryPolicy{
			Attempts: c.GetRetryAttempts(),
			Backoff:  c.GetRetryBackoff(),
		},
	}
}
