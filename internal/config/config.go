// Package config loads the run configuration. Every field is optional; the
// Get* methods supply defaults for anything the file leaves out, so partial
// files are safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/serialmux"
)

// DefaultConfigPath is the checked-in configuration with every default
// spelled out.
const DefaultConfigPath = "config/conveyor.defaults.jsonc"

const maxFileSize = 1 * 1024 * 1024

// Transport names.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
	TransportSim  = "sim"
)

// RunConfig is the root configuration. Durations are strings such as "5s".
type RunConfig struct {
	// Detection
	Tolerance *float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Axis      *string  `json:"axis,omitempty" yaml:"axis,omitempty"`

	// Sequence timing
	ConveyorPower    *float64 `json:"conveyor_power,omitempty" yaml:"conveyor_power,omitempty"`
	StartupDelay     *string  `json:"startup_delay,omitempty" yaml:"startup_delay,omitempty"`
	SettleHold       *string  `json:"settle_hold,omitempty" yaml:"settle_hold,omitempty"`
	ArrivalHold      *string  `json:"arrival_hold,omitempty" yaml:"arrival_hold,omitempty"`
	CollectWait      *string  `json:"collect_wait,omitempty" yaml:"collect_wait,omitempty"`
	PollInterval     *string  `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	DetectionTimeout *string  `json:"detection_timeout,omitempty" yaml:"detection_timeout,omitempty"`
	ShipmentID       *string  `json:"shipment_id,omitempty" yaml:"shipment_id,omitempty"`

	// Gateways
	ReachabilityTimeout *string `json:"reachability_timeout,omitempty" yaml:"reachability_timeout,omitempty"`
	RetryAttempts       *int    `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	RetryBackoff        *string `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	SessionService      *string `json:"session_service,omitempty" yaml:"session_service,omitempty"`
	ConveyorService     *string `json:"conveyor_service,omitempty" yaml:"conveyor_service,omitempty"`
	DispatchService     *string `json:"dispatch_service,omitempty" yaml:"dispatch_service,omitempty"`
	Transport           *string `json:"transport,omitempty" yaml:"transport,omitempty"`
	Endpoint            *string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Sensor feed
	SerialPort *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`

	// Process
	JournalPath *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	Listen      *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Load reads a configuration file. ".json" and ".jsonc" files may carry
// comments and trailing commas; ".yaml" and ".yml" files are YAML. Unknown
// keys are rejected.
func Load(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".jsonc", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must be .json, .jsonc, .yaml or .yml, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RunConfig{}
	if ext == ".yaml" || ext == ".yml" {
		err = decodeYAML(data, cfg)
	} else {
		err = decodeJSON(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *RunConfig) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeYAML(data []byte, cfg *RunConfig) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate checks every field that is set.
func (c *RunConfig) Validate() error {
	if c.Tolerance != nil {
		if t := *c.Tolerance; t <= 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("tolerance must be a positive number, got %v", t)
		}
	}
	if c.Axis != nil {
		if _, err := observer.ParseAxis(*c.Axis); err != nil {
			return err
		}
	}
	if c.ConveyorPower != nil {
		if p := *c.ConveyorPower; p <= 0 || p > 100 {
			return fmt.Errorf("conveyor_power must be in (0, 100], got %v", p)
		}
	}
	for _, d := range []struct {
		name     string
		value    *string
		positive bool
	}{
		{"startup_delay", c.StartupDelay, false},
		{"settle_hold", c.SettleHold, false},
		{"arrival_hold", c.ArrivalHold, false},
		{"collect_wait", c.CollectWait, false},
		{"detection_timeout", c.DetectionTimeout, false},
		{"reachability_timeout", c.ReachabilityTimeout, false},
		{"retry_backoff", c.RetryBackoff, false},
		{"poll_interval", c.PollInterval, true},
	} {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return fmt.Errorf("%s out of range: %s", d.name, v)
		}
	}
	if c.RetryAttempts != nil && *c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", *c.RetryAttempts)
	}
	if c.ShipmentID != nil && strings.TrimSpace(*c.ShipmentID) == "" {
		return fmt.Errorf("shipment_id must not be empty")
	}
	if c.Transport != nil {
		switch *c.Transport {
		case TransportGRPC, TransportHTTP, TransportSim:
		default:
			return fmt.Errorf("unknown transport %q: expected grpc, http or sim", *c.Transport)
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func str(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetTolerance returns the inspection window half-width.
func (c *RunConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return observer.DefaultTolerance
	}
	return *c.Tolerance
}

func (c *RunConfig) GetAxis() observer.Axis {
	a, err := observer.ParseAxis(str(c.Axis, ""))
	if err != nil {
		a, _ = observer.ParseAxis("")
	}
	return a
}

func (c *RunConfig) GetConveyorPower() float64 {
	if c.ConveyorPower == nil {
		return 100
	}
	return *c.ConveyorPower
}

func (c *RunConfig) GetStartupDelay() time.Duration { return duration(c.StartupDelay, 0) }
func (c *RunConfig) GetSettleHold() time.Duration   { return duration(c.SettleHold, 5*time.Second) }
func (c *RunConfig) GetArrivalHold() time.Duration  { return duration(c.ArrivalHold, 15*time.Second) }
func (c *RunConfig) GetCollectWait() time.Duration  { return duration(c.CollectWait, 0) }

func (c *RunConfig) GetPollInterval() time.Duration {
	return duration(c.PollInterval, 50*time.Millisecond)
}

// GetDetectionTimeout returns zero, meaning no timeout, unless set.
func (c *RunConfig) GetDetectionTimeout() time.Duration { return duration(c.DetectionTimeout, 0) }

// GetReachabilityTimeout returns zero, meaning wait forever, unless set.
func (c *RunConfig) GetReachabilityTimeout() time.Duration {
	return duration(c.ReachabilityTimeout, 0)
}

func (c *RunConfig) GetRetryAttempts() int {
	if c.RetryAttempts == nil {
		return 1
	}
	return *c.RetryAttempts
}

func (c *RunConfig) GetRetryBackoff() time.Duration {
	return duration(c.RetryBackoff, 500*time.Millisecond)
}

func (c *RunConfig) GetShipmentID() string { return str(c.ShipmentID, "order_0_shipment_0") }

func (c *RunConfig) GetTransport() string { return str(c.Transport, TransportGRPC) }

// GetEndpoint returns the gateway address. The default depends on the
// transport; the simulator has none.
func (c *RunConfig) GetEndpoint() string {
	switch c.GetTransport() {
	case TransportHTTP:
		return str(c.Endpoint, "http://localhost:8080")
	case TransportSim:
		return str(c.Endpoint, "")
	default:
		return str(c.Endpoint, "localhost:50051")
	}
}

// GetSerialPort returns the sensor device path. Empty means no device.
func (c *RunConfig) GetSerialPort() string { return str(c.SerialPort, "") }

func (c *RunConfig) GetSerialOptions() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Serial
}

// GetJournalPath returns the sqlite journal path. An explicit empty string
// disables the journal.
func (c *RunConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return "conveyor.db"
	}
	return *c.JournalPath
}

// GetListen returns the admin HTTP address. An explicit empty string disables
// the server.
func (c *RunConfig) GetListen() string {
	if c.Listen == nil {
		return "localhost:8090"
	}
	return *c.Listen
}
