package observer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conveyor/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		c    float64
		want Signal
	}{
		{0, AtPoint},
		{0.009, AtPoint},
		{-0.009, AtPoint},
		{0.00999, AtPoint},
		{0.01, None},
		{-0.01, None},
		{0.011, None},
		{0.5, None},
		{-3.2, None},
		{math.NaN(), None},
		{math.Inf(1), None},
	}
	for _, tt := range tests {
		if got := Classify(tt.c, DefaultTolerance); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestNew_RejectsInvalidTolerance(t *testing.T) {
	for _, tol := range []float64{-0.01, math.NaN(), math.Inf(1)} {
		_, err := New(Options{Tolerance: tol})
		assert.Error(t, err, "tolerance %v", tol)
	}

	o, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, o.Tolerance())
}

func TestObserve_EmptyBatchNeverSignals(t *testing.T) {
	o, err := New(Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sig, ok := o.Observe(Frame{})
		assert.False(t, ok)
		assert.Equal(t, None, sig)
	}
	_, ok := o.Latest()
	assert.False(t, ok, "empty batches must not publish a reading")
	assert.Equal(t, uint64(5), o.Skipped())

	select {
	case <-o.Updates():
		t.Fatal("empty batches must not notify the reader")
	default:
	}
}

func TestObserve_UsesFirstModelOnly(t *testing.T) {
	o, err := New(Options{Axis: AxisZ})
	require.NoError(t, err)

	f := Frame{Models: []Model{
		{Type: "shipping_box", Pose: Pose{Position: Position{Z: 0.4}}},
		{Type: "shipping_box", Pose: Pose{Position: Position{Z: 0.0}}},
	}}
	sig, ok := o.Observe(f)
	require.True(t, ok)
	assert.Equal(t, None, sig)
}

func TestObserve_AxisSelection(t *testing.T) {
	f := Frame{Models: []Model{{Pose: Pose{Position: Position{X: 0.001, Y: 2, Z: 3}}}}}

	ox, _ := New(Options{Axis: AxisX})
	sig, _ := ox.Observe(f)
	assert.Equal(t, AtPoint, sig)

	oy, _ := New(Options{Axis: AxisY})
	sig, _ = oy.Observe(f)
	assert.Equal(t, None, sig)
}

func TestOnObservation_HitSurvivesOverwrite(t *testing.T) {
	o, err := New(Options{})
	require.NoError(t, err)

	for _, c := range []float64{0.5, 0.2, 0.009, 0.3} {
		o.OnObservation(c)
	}
	r, ok := o.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(4), r.Seq)
	assert.Equal(t, None, r.Signal)
	assert.Equal(t, 0.3, r.Coordinate)
	assert.Equal(t, uint64(3), r.HitSeq, "hit on the third observation")
	assert.Equal(t, 0.009, r.HitCoordinate)
}

func TestOnObservation_CoalescedNotification(t *testing.T) {
	o, _ := New(Options{})
	o.OnObservation(1)
	o.OnObservation(2)

	select {
	case <-o.Updates():
	default:
		t.Fatal("expected a pending update")
	}
	select {
	case <-o.Updates():
		t.Fatal("updates should coalesce into a single pending signal")
	default:
	}
}

func TestParseFrame(t *testing.T) {
	line := `{"models":[{"type":"shipping_box","pose":{"position":{"x":1.2,"y":-0.3,"z":0.005}}}]}`
	f, err := ParseFrame(line)
	require.NoError(t, err)
	require.Len(t, f.Models, 1)
	assert.Equal(t, "shipping_box", f.Models[0].Type)
	c, ok := f.Coordinate(AxisZ)
	assert.True(t, ok)
	assert.Equal(t, 0.005, c)

	_, err = ParseFrame("1.0,2.0,3.0")
	assert.Error(t, err)
	_, err = ParseFrame(`{"models":`)
	assert.Error(t, err)

	f, err = ParseFrame(`{}`)
	require.NoError(t, err)
	_, ok = f.Coordinate(AxisZ)
	assert.False(t, ok)
}

func TestFrameEncodeRoundTrip(t *testing.T) {
	in := Frame{Models: []Model{{Type: "shipping_box", Pose: Pose{Position: Position{Z: -0.25}}}}}
	line, err := in.Encode()
	require.NoError(t, err)
	out, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseAxis(t *testing.T) {
	a, err := ParseAxis("")
	require.NoError(t, err)
	assert.Equal(t, AxisZ, a)
	a, err = ParseAxis(" X ")
	require.NoError(t, err)
	assert.Equal(t, AxisX, a)
	_, err = ParseAxis("w")
	assert.Error(t, err)
}

func TestConsume_DrainsAndSkipsMalformed(t *testing.T) {
	o, _ := New(Options{})
	lines := make(chan string, 4)
	lines <- `{"models":[]}`
	lines <- `garbage`
	lines <- `{"models":[{"pose":{"position":{"z":0.002}}}]}`
	lines <- `{"models":[{"pose":{"position":{"z":0.7}}}]}`
	close(lines)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Consume(ctx, lines))

	r, ok := o.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.Seq)
	assert.Equal(t, uint64(1), r.HitSeq)
	assert.Equal(t, uint64(1), o.Skipped())
	assert.Equal(t, uint64(1), o.Malformed())
}

func TestConsume_StopsOnCancel(t *testing.T) {
	o, _ := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Consume(ctx, make(chan string))
	assert.ErrorIs(t, err, context.Canceled)
}
