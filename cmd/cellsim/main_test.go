package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conveyor/internal/observer"
	"github.com/banshee-data/conveyor/internal/testutil"
)

func TestRun_WritesFrames(t *testing.T) {
	testutil.MuteLogs(t)
	path := filepath.Join(t.TempDir(), "frames.jsonl")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := run(ctx, []string{
		"--addr", "127.0.0.1:0", "--protocol", "http",
		"--start", "0.5", "--frames", path, "--interval", "5ms",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scan := bufio.NewScanner(f)
	n := 0
	for scan.Scan() {
		frame, err := observer.ParseFrame(scan.Text())
		require.NoError(t, err)
		c, ok := frame.Coordinate(observer.AxisZ)
		require.True(t, ok)
		assert.InDelta(t, 0.5, c, 1e-9, "the belt never starts")
		n++
	}
	assert.Greater(t, n, 1)
}

func TestRun_FramesToStdout(t *testing.T) {
	testutil.MuteLogs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"--addr", "127.0.0.1:0", "--frames", "-", "--start", "5"}, &out))
	assert.Contains(t, out.String(), `{"models":[]}`)
}

func TestRun_InvalidFlags(t *testing.T) {
	testutil.MuteLogs(t)
	for _, args := range [][]string{
		{"--protocol", "carrier-pigeon"},
		{"--axis", "w"},
		{"--addr", "not-an-address"},
	} {
		assert.Error(t, run(context.Background(), args, &bytes.Buffer{}), "%v", args)
	}
}
