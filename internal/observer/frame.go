package observer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Axis names the pose component compared against the inspection point.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// ParseAxis accepts x, y or z in any case. An empty string selects z.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return AxisX, nil
	case "y":
		return AxisY, nil
	case "z", "":
		return AxisZ, nil
	default:
		return "", fmt.Errorf("unsupported axis %q: expected x, y or z", s)
	}
}

// Position is a model position in the camera frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose of a detected model. Orientation is not used.
type Pose struct {
	Position Position `json:"position"`
}

// Model is one detected object record.
type Model struct {
	Type string `json:"type"`
	Pose Pose   `json:"pose"`
}

// Frame is one logical camera image: zero or more detected models.
type Frame struct {
	Models []Model `json:"models"`
}

// ParseFrame decodes one JSON frame line from the sensor feed.
func ParseFrame(line string) (Frame, error) {
	var f Frame
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return f, fmt.Errorf("frame is not a JSON object: %q", line)
	}
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return f, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return f, nil
}

// Encode renders the frame as a single feed line without trailing newline.
func (f Frame) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Coordinate returns the along-axis coordinate of the first model. ok is false
// for an empty batch.
func (f Frame) Coordinate(axis Axis) (c float64, ok bool) {
	if len(f.Models) == 0 {
		return 0, false
	}
	p := f.Models[0].Pose.Position
	switch axis {
	case AxisX:
		return p.X, true
	case AxisY:
		return p.Y, true
	default:
		return p.Z, true
	}
}
