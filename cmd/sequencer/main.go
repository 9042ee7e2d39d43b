// Command sequencer runs one conveyor inspection and dispatch sequence: it
// starts the session, runs the belt until the camera sees the object at the
// inspection point, holds, resumes and sends the drone for the shipment.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/conveyor/internal/config"
	"github.com/banshee-data/conveyor/internal/diagnostics"
	"github.com/banshee-data/conveyor/internal/gateway"
	"github.com/banshee-data/conveyor/internal/httputil"
	"github.com/banshee-data/conveyor/internal/journal"
	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/sequencer"
	"github.com/banshee-data/conveyor/internal/serialmux"
	"github.com/banshee-data/conveyor/internal/sim"
	"github.com/banshee-data/conveyor/internal/version"
)

// Exit codes.
const (
	exitDone           = 0
	exitSetup          = 1
	exitSessionFailed  = 2
	exitHalted         = 3
	exitDispatchFailed = 4
	exitDetectionTimed = 5
	exitInterrupted    = 130
)

// simOptions describe the cell started by --dev or transport "sim".
var simOptions = sim.Options{Start: sim.DefaultStart}

type flags struct {
	fs *pflag.FlagSet

	configPath string
	dev        bool
	listen     string
	port       string
	endpoint   string
	transport  string
	journal    string
	shipment   string
	version    bool
}

func parseFlags(args []string, out io.Writer) (*flags, error) {
	f := &flags{fs: pflag.NewFlagSet("sequencer", pflag.ContinueOnError)}
	f.fs.SetOutput(out)
	f.fs.StringVar(&f.configPath, "config", "", "Run configuration file (.json, .jsonc, .yaml)")
	f.fs.BoolVar(&f.dev, "dev", false, "Run against the in-process simulated cell")
	f.fs.StringVar(&f.listen, "listen", "", "Admin HTTP listen address; empty disables it")
	f.fs.StringVar(&f.port, "port", "", "Serial port carrying camera frames")
	f.fs.StringVar(&f.endpoint, "endpoint", "", "Service gateway address")
	f.fs.StringVar(&f.transport, "transport", "", "Service transport: grpc, http or sim")
	f.fs.StringVar(&f.journal, "journal", "", "SQLite run journal path; empty disables it")
	f.fs.StringVar(&f.shipment, "shipment", "", "Shipment the drone is sent for")
	f.fs.BoolVar(&f.version, "version", false, "Print the version and exit")
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig reads the configuration file, if any, and applies the flags the
// user set on top of it.
func (f *flags) loadConfig() (*config.RunConfig, error) {
	cfg := &config.RunConfig{}
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	override := func(name string, dst **string, v string) {
		if f.fs.Changed(name) {
			*dst = &v
		}
	}
	override("listen", &cfg.Listen, f.listen)
	override("port", &cfg.SerialPort, f.port)
	override("endpoint", &cfg.Endpoint, f.endpoint)
	override("transport", &cfg.Transport, f.transport)
	override("journal", &cfg.JournalPath, f.journal)
	override("shipment", &cfg.ShipmentID, f.shipment)
	if f.dev {
		t := config.TransportSim
		cfg.Transport = &t
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the wired components of one run.
type app struct {
	transport gateway.Transport
	cell      *sim.Cell
	camera    *sim.Camera
	cameraOut io.WriteCloser
	feed      serialmux.Mux
	obs       *observer.Observer
	diag      *diagnostics.Monitor
	journal   *journal.Journal
	ctrl      *sequencer.Controller
	admin     net.Listener
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			monitoring.Logf("close: %v", err)
		}
	}
}

func setup(cfg *config.RunConfig) (*app, error) {
	a := &app{}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	switch cfg.GetTransport() {
	case config.TransportGRPC:
		t, err := gateway.DialGRPC(cfg.GetEndpoint())
		if err != nil {
			return nil, err
		}
		a.transport = t
		a.closers = append(a.closers, t.Close)
	case config.TransportHTTP:
		a.transport = gateway.NewHTTPTransport(cfg.GetEndpoint(), nil)
	case config.TransportSim:
		opts := simOptions
		opts.Services = cfg.Services()
		a.cell = sim.NewCell(opts)
		a.transport = a.cell
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.GetTransport())
	}

	if a.cell != nil {
		mux, w := serialmux.NewPipeSerialMux()
		a.feed = mux
		a.camera = sim.NewCamera(a.cell, sim.CameraOptions{Axis: cfg.GetAxis()})
		a.cameraOut = w
	} else {
		port := cfg.GetSerialPort()
		if port == "" {
			return nil, errors.New("serial port is required (serial_port or --port)")
		}
		mux, err := serialmux.NewRealSerialMux(port, cfg.GetSerialOptions())
		if err != nil {
			return nil, err
		}
		monitoring.Logf("opened sensor feed on %s", port)
		a.feed = mux
	}
	a.closers = append(a.closers, a.feed.Close)

	var err error
	if a.obs, err = observer.New(cfg.ObserverOptions(nil)); err != nil {
		return nil, err
	}
	a.diag = diagnostics.New(diagnostics.Options{Axis: cfg.GetAxis(), Tolerance: cfg.GetTolerance()})

	deps := sequencer.Deps{
		Session:  gateway.NewSessionGateway(a.transport, cfg.Services(), cfg.GatewayOptions(nil)),
		Actuator: gateway.NewActuatorGateway(a.transport, cfg.Services(), cfg.GatewayOptions(nil)),
		Detector: a.obs,
	}
	if path := cfg.GetJournalPath(); path != "" {
		if a.journal, err = journal.Open(path); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.journal.Close)
		deps.Recorder = a.journal
	}
	if a.ctrl, err = sequencer.New(cfg.SequencerConfig(), deps); err != nil {
		return nil, err
	}

	if addr := cfg.GetListen(); addr != "" {
		if a.admin, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("admin listener: %w", err)
		}
		a.closers = append(a.closers, func() error {
			if err := a.admin.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	ready = true
	return a, nil
}

func (a *app) adminHandler() http.Handler {
	mux := http.NewServeMux()
	a.ctrl.AttachAdminRoutes(mux)
	a.feed.AttachAdminRoutes(mux)
	a.diag.AttachAdminRoutes(mux)
	if a.journal != nil {
		a.journal.AttachAdminRoutes(mux)
	}
	return httputil.LoggingMiddleware(mux)
}

func serveAdmin(ctx context.Context, lis net.Listener, h http.Handler) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("admin server shutdown error: %v", err)
			server.Close()
		}
	}()
	monitoring.Logf("admin server listening on %s", lis.Addr())
	if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// quiet turns a shutdown cancellation into a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type result struct {
	out sequencer.Outcome
	err error
	// bgErr is the first failure of a task running beside the sequence.
	bgErr error
}

// execute runs the sequence with the feed, diagnostics and admin server
// alongside it. A failing background task cancels the run.
func (a *app) execute(ctx context.Context) result {
	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBg := context.WithCancel(gctx)
	defer stopBg()

	_, obsLines := a.feed.Subscribe()
	_, diagLines := a.feed.Subscribe()

	g.Go(func() error {
		// closing the port unblocks the reader and every subscriber
		defer a.feed.Close()
		err := a.feed.Monitor(bgCtx)
		if err == nil && bgCtx.Err() == nil {
			monitoring.Logf("sensor feed ended")
		}
		return quiet(err)
	})
	g.Go(func() error { return quiet(a.obs.Consume(bgCtx, obsLines)) })
	g.Go(func() error { return quiet(a.diag.Consume(bgCtx, diagLines)) })
	if a.camera != nil {
		g.Go(func() error {
			err := a.camera.Stream(bgCtx, a.cameraOut)
			if bgCtx.Err() != nil {
				return nil
			}
			return err
		})
	}
	if a.admin != nil {
		h := a.adminHandler()
		g.Go(func() error { return serveAdmin(bgCtx, a.admin, h) })
	}

	out, err := a.ctrl.Run(gctx)
	stopBg()
	return result{out: out, err: err, bgErr: g.Wait()}
}

// exitCode maps the result of a run onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitDone
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, sequencer.ErrSessionRejected):
		return exitSessionFailed
	case errors.Is(err, sequencer.ErrDispatchRejected):
		return exitDispatchFailed
	case errors.Is(err, sequencer.ErrDetectionTimeout):
		return exitDetectionTimed
	}
	// conveyor rejections, unreachable services and transport failures all
	// leave the run halted mid-sequence
	return exitHalted
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	f, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitDone
		}
		return exitSetup
	}
	if f.version {
		fmt.Fprintf(stdout, "sequencer %s\n", version.String())
		return exitDone
	}

	cfg, err := f.loadConfig()
	if err != nil {
		log.Printf("configuration: %v", err)
		return exitSetup
	}
	a, err := setup(cfg)
	if err != nil {
		log.Printf("setup: %v", err)
		return exitSetup
	}
	defer a.Close()

	res := a.execute(ctx)
	out, runErr := res.out, res.err
	if res.bgErr != nil {
		log.Printf("background task failed: %v", res.bgErr)
		if errors.Is(runErr, context.Canceled) && ctx.Err() == nil {
			return exitSetup
		}
	}

	fmt.Fprintf(stdout, "run %s: %s", out.RunID, out.Final)
	if out.Detection != nil {
		fmt.Fprintf(stdout, " (detected at %.4f on observation %d)", out.Detection.Coordinate, out.Detection.Observation)
	}
	if runErr != nil {
		fmt.Fprintf(stdout, ": %v", runErr)
	}
	fmt.Fprintf(stdout, " in %s\n", out.Finished.Sub(out.Started).Round(time.Millisecond))
	return exitCode(runErr)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}
