package diagnostics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the coordinates in the current window.
type Summary struct {
	Frames  uint64  `json:"frames"`
	Empty   uint64  `json:"empty_batches"`
	Invalid uint64  `json:"invalid_lines"`
	Count   int     `json:"count"`
	AtPoint int     `json:"at_point"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	// MinAbs is the closest the object came to the inspection point.
	MinAbs float64 `json:"min_abs"`
}

// Summary computes statistics over the window.
func (m *Monitor) Summary() Summary {
	samples := m.Samples()

	m.mu.Lock()
	s := Summary{Frames: m.frames, Empty: m.empty, Invalid: m.invalid, Count: len(samples)}
	m.mu.Unlock()
	if len(samples) == 0 {
		return s
	}

	xs := make([]float64, len(samples))
	abs := make([]float64, len(samples))
	for i, smp := range samples {
		xs[i] = smp.Coordinate
		abs[i] = math.Abs(smp.Coordinate)
		if abs[i] < m.tolerance {
			s.AtPoint++
		}
	}
	s.Mean = stat.Mean(xs, nil)
	if len(xs) > 1 {
		s.StdDev = stat.StdDev(xs, nil)
	}
	s.Min = floats.Min(xs)
	s.Max = floats.Max(xs)
	s.MinAbs = floats.Min(abs)
	return s
}
