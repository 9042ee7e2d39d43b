// Command cellsim serves a simulated work cell for the sequencer.
//
// It exposes the session, conveyor and drone services over gRPC or HTTP and
// can write the camera's frames, one JSON object per line, to a file, a FIFO
// or stdout. Point the sequencer's serial_port at a pty carrying those lines
// to run the whole loop out of process.
//
// Usage:
//
//	go run ./cmd/cellsim [flags]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/sim"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openFrames(path string, stdout io.Writer) (io.WriteCloser, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return nopWriteCloser{stdout}, nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("cellsim", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	addr := fs.String("addr", "localhost:50051", "Listen address")
	protocol := fs.String("protocol", "grpc", "Service protocol: grpc or http")
	start := fs.Float64("start", sim.DefaultStart, "Initial box position; the inspection point is 0")
	speed := fs.Float64("speed", 0.2, "Belt speed at full power, units per second")
	pickupAt := fs.Float64("pickup-at", 2, "Start of the pickup zone")
	readyAfter := fs.Duration("ready-after", 0, "Delay before the services exist")
	frames := fs.String("frames", "", "Write camera frames here (\"-\" for stdout)")
	interval := fs.Duration("interval", 20*time.Millisecond, "Camera frame interval")
	axisName := fs.String("axis", string(observer.AxisZ), "Axis the box moves along")
	if err := fs.Parse(args); err != nil {
		return err
	}

	axis, err := observer.ParseAxis(*axisName)
	if err != nil {
		return err
	}
	var serve func(context.Context, net.Listener, *sim.Cell) error
	switch *protocol {
	case "grpc":
		serve = sim.ServeGRPC
	case "http":
		serve = sim.ServeHTTP
	default:
		return fmt.Errorf("unknown protocol %q: expected grpc or http", *protocol)
	}

	cell := sim.NewCell(sim.Options{
		Start:      *start,
		Speed:      *speed,
		PickupAt:   *pickupAt,
		ReadyAfter: *readyAfter,
	})

	w, err := openFrames(*frames, stdout)
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		if w != nil {
			w.Close()
		}
		return err
	}
	log.Printf("Simulated cell serving %s on %s (box at %.2f, pickup zone from %.2f)", *protocol, lis.Addr(), *start, *pickupAt)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(ctx, lis, cell) })
	if w != nil {
		cam := sim.NewCamera(cell, sim.CameraOptions{Axis: axis, Interval: *interval})
		g.Go(func() error {
			err := cam.Stream(ctx, w)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	err = g.Wait()
	log.Printf("Shutting down (box at %.3f, dispatched %q)", cell.Position(), cell.Dispatched())
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, pflag.ErrHelp) {
		log.Fatalf("cellsim: %v", err)
	}
}
