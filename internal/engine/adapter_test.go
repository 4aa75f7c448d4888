//go:build !windows

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapfree/internal/apperr"
	"mapfree/internal/config"
	"mapfree/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) notify(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestAdapter(t *testing.T, retries int) (*Adapter, *recorder) {
	t.Helper()
	a := NewAdapter(config.Retry{Count: retries, FallbackScale: 0.75, MinImageSize: 400},
		nil, filepath.Join(t.TempDir(), "logs"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	a.Notify = rec.notify
	return a, rec
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// gpuInvocation passes "--use_gpu N" so scripts can react to the fallback.
func gpuInvocation(script, output string) Invocation {
	return Invocation{
		Stage:   StageFeatures,
		Options: Options{UseGPU: true, MaxImageSize: 1600, DenseMaxImageSize: 1000},
		Outputs: []string{output},
		Build: func(o Options) ([]Command, error) {
			return []Command{{Name: "fake", Path: script, Args: []string{"--use_gpu", boolFlag(o.UseGPU), output}}}, nil
		},
	}
}

func TestInvokeRetryBound(t *testing.T) {
	a, _ := newTestAdapter(t, 2)
	script := writeScript(t, `echo "mapper: no good initial pair"; exit 1`)

	res, err := a.Invoke(context.Background(), gpuInvocation(script, filepath.Join(t.TempDir(), "out")))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrEngineInvocation)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.FellBack)
	assert.Equal(t, 3, strings.Count(res.Log, "--- attempt"))
	assert.Contains(t, res.Log, "no good initial pair")
}

func TestInvokeFallsBackToCPUOnce(t *testing.T) {
	a, rec := newTestAdapter(t, 2)
	script := writeScript(t, `
if [ "$2" = "1" ]; then echo "CUDA error: an illegal memory access was encountered"; exit 1; fi
touch "$3"`)
	out := filepath.Join(t.TempDir(), "database.db")

	res, err := a.Invoke(context.Background(), gpuInvocation(script, out))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.FellBack)
	assert.False(t, res.Options.UseGPU)
	assert.Equal(t, 1200, res.Options.MaxImageSize)
	assert.Equal(t, 750, res.Options.DenseMaxImageSize)
	assert.Equal(t, 1, rec.count(events.TypeFallback))
	assert.Contains(t, res.Log, "gpu=false")
}

func TestInvokeFallbackGrantedWithoutRetries(t *testing.T) {
	a, rec := newTestAdapter(t, 0)
	script := writeScript(t, `
if [ "$2" = "1" ]; then echo "out of memory"; exit 1; fi
touch "$3"`)

	res, err := a.Invoke(context.Background(), gpuInvocation(script, filepath.Join(t.TempDir(), "out")))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, rec.count(events.TypeFallback))
}

func TestInvokeFallbackConsumesRetry(t *testing.T) {
	a, rec := newTestAdapter(t, 2)
	script := writeScript(t, `echo "CUDA error: out of memory"; exit 1`)

	res, err := a.Invoke(context.Background(), gpuInvocation(script, filepath.Join(t.TempDir(), "out")))
	require.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, rec.count(events.TypeFallback))
	assert.False(t, res.Options.UseGPU)
}

func TestInvokeFatalSignatureFailsCleanExit(t *testing.T) {
	a, _ := newTestAdapter(t, 0)
	out := filepath.Join(t.TempDir(), "out")
	script := writeScript(t, `touch "$3"; echo "Check failed: num_images > 0"`)

	_, err := a.Invoke(context.Background(), gpuInvocation(script, out))
	assert.ErrorIs(t, err, apperr.ErrEngineInvocation)
}

func TestInvokeVerifyFailureIsOutputError(t *testing.T) {
	a, _ := newTestAdapter(t, 1)
	out := filepath.Join(t.TempDir(), "out")
	script := writeScript(t, `touch "$3"`)
	inv := gpuInvocation(script, out)
	calls := 0
	inv.Options.Verify = func() error {
		calls++
		return errors.New("model has 0 registered images")
	}

	res, err := a.Invoke(context.Background(), inv)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrEngineOutput)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)
}

func TestInvokeMissingOutputIsOutputError(t *testing.T) {
	a, _ := newTestAdapter(t, 0)
	script := writeScript(t, `exit 0`)

	_, err := a.Invoke(context.Background(), gpuInvocation(script, filepath.Join(t.TempDir(), "never")))
	assert.ErrorIs(t, err, apperr.ErrEngineOutput)
}

func TestInvokeTimeoutKillsProcessGroup(t *testing.T) {
	a, _ := newTestAdapter(t, 0)
	script := writeScript(t, `sleep 30 & wait`)
	inv := gpuInvocation(script, filepath.Join(t.TempDir(), "out"))
	inv.Options.UseGPU = false
	inv.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := a.Invoke(context.Background(), inv)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, res.Log, "timed out")
	assert.ErrorIs(t, err, apperr.ErrEngineInvocation)
}

func TestInvokeCancellationDoesNotRetry(t *testing.T) {
	a, _ := newTestAdapter(t, 2)
	script := writeScript(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	res, err := a.Invoke(ctx, gpuInvocation(script, filepath.Join(t.TempDir(), "out")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}

func TestInvokeAppendsStageLog(t *testing.T) {
	a, _ := newTestAdapter(t, 1)
	script := writeScript(t, `echo "attempt output"; exit 1`)
	inv := gpuInvocation(script, filepath.Join(t.TempDir(), "out"))
	inv.LogName = "features_chunk_001"

	res, err := a.Invoke(context.Background(), inv)
	require.Error(t, err)
	require.Equal(t, filepath.Join(a.LogDir, "features_chunk_001.log"), res.LogPath)
	data, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "--- attempt 1 (gpu=true")
	assert.Contains(t, string(data), "--- attempt 2 (gpu=true")
	assert.Equal(t, 2, strings.Count(string(data), "attempt output"))
}

func TestCPUFallbackFloor(t *testing.T) {
	o := Options{UseGPU: true, MaxImageSize: 500, DenseMaxImageSize: 300}.CPUFallback(0.75, 400)
	assert.False(t, o.UseGPU)
	assert.Equal(t, 400, o.MaxImageSize)
	assert.Equal(t, 300, o.DenseMaxImageSize, "never grows above the original size")
}
