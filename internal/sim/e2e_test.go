package sim_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conveyor/internal/gateway"
	"github.com/banshee-data/conveyor/internal/journal"
	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/sequencer"
	"github.com/banshee-data/conveyor/internal/serialmux"
	"github.com/banshee-data/conveyor/internal/sim"
	"github.com/banshee-data/conveyor/internal/testutil"
)

const shipment = "order_0_shipment_0"

type scenario struct {
	cell    *sim.Cell
	journal *journal.Journal
	ctrl    *sequencer.Controller
	obs     *observer.Observer
}

// startFeed runs the camera through a pipe-backed serial mux into obs.
func startFeed(t *testing.T, ctx context.Context, cell *sim.Cell, obs *observer.Observer) {
	t.Helper()
	mux, w := serialmux.NewPipeSerialMux()
	_, lines := mux.Subscribe()
	cam := sim.NewCamera(cell, sim.CameraOptions{Interval: time.Millisecond})

	go mux.Monitor(ctx)
	go obs.Consume(ctx, lines)
	go cam.Stream(ctx, w)
	t.Cleanup(func() { mux.Close() })
}

func newScenario(t *testing.T, ctx context.Context, cell *sim.Cell, transport gateway.Transport, cfg sequencer.Config) *scenario {
	t.Helper()
	testutil.MuteLogs(t)

	obs, err := observer.New(observer.Options{})
	require.NoError(t, err)
	startFeed(t, ctx, cell, obs)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	gwOpts := gateway.Options{ReadyPoll: 5 * time.Millisecond}
	services := gateway.DefaultServices()
	ctrl, err := sequencer.New(cfg, sequencer.Deps{
		Session:  gateway.NewSessionGateway(transport, services, gwOpts),
		Actuator: gateway.NewActuatorGateway(transport, services, gwOpts),
		Detector: obs,
		Recorder: j,
	})
	require.NoError(t, err)
	return &scenario{cell: cell, journal: j, ctrl: ctrl, obs: obs}
}

func quickConfig() sequencer.Config {
	cfg := sequencer.DefaultConfig()
	cfg.SettleHold = 50 * time.Millisecond
	cfg.ArrivalHold = 150 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShipmentID = shipment
	return cfg
}

func quickCell() *sim.Cell {
	return sim.NewCell(sim.Options{Start: -0.1, Speed: 1, PickupAt: 0.1})
}

func (s *scenario) assertDelivered(t *testing.T, out sequencer.Outcome, err error) {
	t.Helper()
	require.NoError(t, err)
	assert.Equal(t, sequencer.Done, out.Final)
	require.NotNil(t, out.Detection)
	assert.Less(t, abs(out.Detection.Coordinate), observer.DefaultTolerance)
	assert.Equal(t, shipment, s.cell.Dispatched())
	assert.Equal(t, 100.0, s.cell.Power(), "belt left running after dispatch")

	ctx := context.Background()
	run, jerr := s.journal.Run(ctx, out.RunID)
	require.NoError(t, jerr)
	assert.Equal(t, sequencer.Done, run.Final)
	transitions, jerr := s.journal.Transitions(ctx, out.RunID)
	require.NoError(t, jerr)
	assert.Len(t, transitions, 9)
	calls, jerr := s.journal.Calls(ctx, out.RunID)
	require.NoError(t, jerr)
	assert.Len(t, calls, 5)
	det, jerr := s.journal.Detection(ctx, out.RunID)
	require.NoError(t, jerr)
	require.NotNil(t, det)
	assert.Equal(t, out.Detection.Coordinate, det.Coordinate)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestEndToEnd_InProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cell := quickCell()
	s := newScenario(t, ctx, cell, cell, quickConfig())

	out, err := s.ctrl.Run(ctx)
	s.assertDelivered(t, out, err)
}

func TestEndToEnd_GRPC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cell := quickCell()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	srvCtx, stop := context.WithCancel(ctx)
	go func() { served <- sim.ServeGRPC(srvCtx, lis, cell) }()

	transport, err := gateway.DialGRPC(lis.Addr().String())
	require.NoError(t, err)
	defer transport.Close()

	s := newScenario(t, ctx, cell, transport, quickConfig())
	out, err := s.ctrl.Run(ctx)
	s.assertDelivered(t, out, err)

	stop()
	assert.NoError(t, <-served)
}

func TestEndToEnd_HTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cell := quickCell()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	srvCtx, stop := context.WithCancel(ctx)
	go func() { served <- sim.ServeHTTP(srvCtx, lis, cell) }()

	transport := gateway.NewHTTPTransport("http://"+lis.Addr().String(), nil)
	s := newScenario(t, ctx, cell, transport, quickConfig())
	out, err := s.ctrl.Run(ctx)
	s.assertDelivered(t, out, err)

	stop()
	assert.NoError(t, <-served)
}

func TestEndToEnd_WaitsForServices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cell := sim.NewCell(sim.Options{Start: -0.1, Speed: 1, PickupAt: 0.1, ReadyAfter: 100 * time.Millisecond})
	s := newScenario(t, ctx, cell, cell, quickConfig())

	started := time.Now()
	out, err := s.ctrl.Run(ctx)
	s.assertDelivered(t, out, err)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
}

func TestEndToEnd_DispatchTooEarly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cell := sim.NewCell(sim.Options{Start: -0.1, Speed: 1, PickupAt: 50})
	s := newScenario(t, ctx, cell, cell, quickConfig())

	out, err := s.ctrl.Run(ctx)
	require.ErrorIs(t, err, sequencer.ErrDispatchRejected)
	assert.Equal(t, sequencer.DispatchFailed, out.Final)
	assert.Contains(t, out.Reason, "not in pickup zone")
	assert.Empty(t, cell.Dispatched())
}

func TestEndToEnd_ObjectNeverArrives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	// the box starts downstream of the camera's field of view and moves away
	cell := sim.NewCell(sim.Options{Start: 1.2, Speed: 1})
	cfg := quickConfig()
	cfg.DetectionTimeout = 200 * time.Millisecond
	s := newScenario(t, ctx, cell, cell, cfg)

	out, err := s.ctrl.Run(ctx)
	require.ErrorIs(t, err, sequencer.ErrDetectionTimeout)
	assert.Equal(t, sequencer.DetectionTimedOut, out.Final)
	assert.Nil(t, out.Detection)
	assert.Greater(t, s.obs.Skipped(), uint64(0), "frames outside the field of view are empty batches")
}
