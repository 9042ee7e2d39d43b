package sim

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/banshee-data/conveyor/internal/observer"
)

// Camera renders the cell as a stream of newline-delimited JSON frames.
type Camera struct {
	cell *Cell
	axis observer.Axis
	// FieldOfView is the half-width the camera sees; outside it frames carry
	// no models.
	fov      float64
	interval time.Duration
}

// CameraOptions configure a Camera. Zero values select defaults.
type CameraOptions struct {
	Axis        observer.Axis
	FieldOfView float64
	Interval    time.Duration
}

func NewCamera(cell *Cell, opts CameraOptions) *Camera {
	if opts.Axis == "" {
		opts.Axis = observer.AxisZ
	}
	if opts.FieldOfView <= 0 {
		opts.FieldOfView = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	return &Camera{cell: cell, axis: opts.Axis, fov: opts.FieldOfView, interval: opts.Interval}
}

// Frame returns what the camera currently sees.
func (c *Camera) Frame() observer.Frame {
	p := c.cell.Position()
	if math.Abs(p) > c.fov {
		return observer.Frame{Models: []observer.Model{}}
	}
	var pos observer.Position
	switch c.axis {
	case observer.AxisX:
		pos.X = p
	case observer.AxisY:
		pos.Y = p
	default:
		pos.Z = p
	}
	return observer.Frame{Models: []observer.Model{{Type: "shipping_box", Pose: observer.Pose{Position: pos}}}}
}

// Stream writes one frame per interval to w until ctx is done or a write
// fails. The writer is closed on return.
func (c *Camera) Stream(ctx context.Context, w io.WriteCloser) error {
	defer w.Close()
	ticker := c.cell.opts.Clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		line, err := c.Frame().Encode()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("camera stream: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
