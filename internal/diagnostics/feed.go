// Package diagnostics watches the sensor feed without influencing the
// sequence: throttled feed logging, coordinate statistics and a trace chart.
package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/timeutil"
)

const (
	DefaultWindow         = 600
	FrameLogInterval      = 5 * time.Second
	CoordinateLogInterval = time.Second
)

// Sample is one coordinate taken from the feed.
type Sample struct {
	At         time.Time `json:"at"`
	Coordinate float64   `json:"coordinate"`
}

// Options configure a Monitor. Zero values select the defaults.
type Options struct {
	Axis      observer.Axis
	Tolerance float64
	// Window is how many recent samples are kept.
	Window int
	Clock  timeutil.Clock
}

// Monitor keeps a window of recent coordinates from the feed.
type Monitor struct {
	axis      observer.Axis
	tolerance float64
	clock     timeutil.Clock

	frameLog *monitoring.Throttle
	coordLog *monitoring.Throttle

	mu      sync.Mutex
	ring    []Sample
	next    int
	full    bool
	frames  uint64
	empty   uint64
	invalid uint64
}

func New(opts Options) *Monitor {
	if opts.Axis == "" {
		opts.Axis = observer.AxisZ
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = observer.DefaultTolerance
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Monitor{
		axis:      opts.Axis,
		tolerance: opts.Tolerance,
		clock:     opts.Clock,
		frameLog:  monitoring.NewThrottle(FrameLogInterval),
		coordLog:  monitoring.NewThrottle(CoordinateLogInterval),
		ring:      make([]Sample, opts.Window),
	}
}

// HandleLine records one feed line.
func (m *Monitor) HandleLine(line string) {
	m.frameLog.Logf("camera frame received")

	f, err := observer.ParseFrame(line)
	if err != nil {
		m.mu.Lock()
		m.invalid++
		m.mu.Unlock()
		return
	}
	c, ok := f.Coordinate(m.axis)

	m.mu.Lock()
	m.frames++
	if !ok {
		m.empty++
		m.mu.Unlock()
		return
	}
	m.ring[m.next] = Sample{At: m.clock.Now(), Coordinate: c}
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	m.coordLog.Logf("%s coordinate %.4f (%s)", m.axis, c, observer.Classify(c, m.tolerance))
}

// Consume drains lines until ctx is done or the channel closes.
func (m *Monitor) Consume(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			m.HandleLine(line)
		}
	}
}

// Samples returns the window oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]Sample(nil), m.ring[:m.next]...)
	}
	out := make([]Sample, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// Tolerance returns the inspection window half-width used for classification.
func (m *Monitor) Tolerance() float64 { return m.tolerance }
