package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conveyor/internal/config"
	"github.com/banshee-data/conveyor/internal/gateway"
	"github.com/banshee-data/conveyor/internal/journal"
	"github.com/banshee-data/conveyor/internal/sequencer"
	"github.com/banshee-data/conveyor/internal/sim"
	"github.com/banshee-data/conveyor/internal/testutil"
	"github.com/banshee-data/conveyor/internal/version"
)

// fastCell reaches the inspection point within half a second and the pickup
// zone within the arrival hold of fastConfig.
func fastCell(t *testing.T, pickupAt float64) {
	t.Helper()
	prev := simOptions
	simOptions = sim.Options{Start: -0.1, Speed: 0.25, PickupAt: pickupAt}
	t.Cleanup(func() { simOptions = prev })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const fastConfig = `
settle_hold: 10ms
arrival_hold: 1s
poll_interval: 5ms
detection_timeout: 10s
`

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
endpoint: cell:9000
shipment_id: from_file
listen: localhost:9999
settle_hold: 2s
`)
	f, err := parseFlags([]string{"--config", path, "--shipment", "from_flag", "--journal="}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg, err := f.loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "from_flag", cfg.GetShipmentID())
	assert.Equal(t, "cell:9000", cfg.GetEndpoint())
	assert.Equal(t, "localhost:9999", cfg.GetListen())
	assert.Equal(t, "", cfg.GetJournalPath(), "an empty --journal disables the journal")
	assert.Equal(t, 2*time.Second, cfg.GetSettleHold())
	assert.Equal(t, config.TransportGRPC, cfg.GetTransport())
}

func TestLoadConfig_DevSelectsSimulator(t *testing.T) {
	f, err := parseFlags([]string{"--dev", "--transport", "http"}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg, err := f.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.TransportSim, cfg.GetTransport())
}

func TestLoadConfig_Invalid(t *testing.T) {
	f, err := parseFlags([]string{"--transport", "carrier-pigeon"}, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = f.loadConfig()
	assert.Error(t, err)

	f, err = parseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = f.loadConfig()
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"done", nil, exitDone},
		{"interrupted", fmt.Errorf("hold: %w", context.Canceled), exitInterrupted},
		{"session", fmt.Errorf("%w: busy", sequencer.ErrSessionRejected), exitSessionFailed},
		{"conveyor", fmt.Errorf("%w: power 0: jammed", sequencer.ErrConveyorRejected), exitHalted},
		{"unreachable", fmt.Errorf("service /ariac/drone: %w", gateway.ErrUnreachable), exitHalted},
		{"transport", errors.New("connection reset"), exitHalted},
		{"dispatch", fmt.Errorf("%w: no drone", sequencer.ErrDispatchRejected), exitDispatchFailed},
		{"detection", fmt.Errorf("%w within 1s", sequencer.ErrDetectionTimeout), exitDetectionTimed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, exitDone, run(context.Background(), []string{"--version"}, &out))
	assert.Equal(t, "sequencer "+version.String()+"\n", out.String())
}

func TestRun_SetupErrors(t *testing.T) {
	testutil.MuteLogs(t)
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bogus"}},
		{"bad config", []string{"--config", writeConfig(t, "tolerance: -1\n")}},
		{"no serial port", []string{"--transport", "http", "--listen=", "--journal="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, exitSetup, run(context.Background(), tt.args, &bytes.Buffer{}))
		})
	}
}

func TestRun_DevSequence(t *testing.T) {
	testutil.MuteLogs(t)
	fastCell(t, 0.2)
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	var out bytes.Buffer
	code := run(context.Background(), []string{
		"--dev", "--config", writeConfig(t, fastConfig),
		"--listen=", "--journal", dbPath, "--shipment", "order_1_shipment_0",
	}, &out)
	require.Equal(t, exitDone, code, out.String())
	assert.Contains(t, out.String(), ": DONE (detected at ")

	j, err := journal.Open(dbPath)
	require.NoError(t, err)
	defer j.Close()

	runs, err := j.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sequencer.Done, runs[0].Final)
	assert.Equal(t, "order_1_shipment_0", runs[0].ShipmentID)
	assert.True(t, strings.HasPrefix(out.String(), "run "+runs[0].RunID))
}

func TestRun_DevDispatchRejected(t *testing.T) {
	testutil.MuteLogs(t)
	fastCell(t, 50)

	var out bytes.Buffer
	code := run(context.Background(), []string{
		"--dev", "--config", writeConfig(t, fastConfig), "--listen=", "--journal=",
	}, &out)
	assert.Equal(t, exitDispatchFailed, code, out.String())
	assert.Contains(t, out.String(), "DISPATCH_FAILED")
}

func TestRun_Interrupted(t *testing.T) {
	testutil.MuteLogs(t)
	fastCell(t, 0.2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	var out bytes.Buffer
	code := run(ctx, []string{
		"--dev", "--config", writeConfig(t, "settle_hold: 1h\n"), "--listen=", "--journal=",
	}, &out)
	assert.Equal(t, exitInterrupted, code, out.String())
}

func TestAdminHandler(t *testing.T) {
	testutil.MuteLogs(t)
	f, err := parseFlags([]string{"--dev", "--listen=", "--journal", filepath.Join(t.TempDir(), "j.db")}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg, err := f.loadConfig()
	require.NoError(t, err)

	a, err := setup(cfg)
	require.NoError(t, err)
	defer a.Close()
	h := a.adminHandler()

	for _, path := range []string{"/debug/sequence", "/debug/serial", "/debug/feed", "/debug/runs"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/sequence", nil))
	assert.Contains(t, w.Body.String(), `"state":"INIT"`)
}
