package cli

import (
	"bytes"
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
	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/fsutil"
	"mapfree/internal/hardware"
	"mapfree/internal/pipeline"
	"mapfree/internal/profile"
	"mapfree/internal/state"
	"mapfree/internal/storage"
)

type fakeRunner struct {
	mu   sync.Mutex
	bus  *events.Bus
	reqs []pipeline.Request
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Summary, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.bus.Publish(events.Event{Type: events.TypeStageStarted, Stage: "features"})
	if f.err != nil {
		f.bus.Publish(events.Event{Type: events.TypeError, Stage: "features", Message: f.err.Error()})
		return nil, f.err
	}
	f.bus.Publish(events.Event{Type: events.TypeStageCompleted, Stage: "features", Progress: 0.2})
	return &pipeline.Summary{
		RunID:    "run-1",
		State:    state.Complete,
		Profile:  profile.High,
		Images:   42,
		Chunks:   1,
		FinalDir: filepath.Join(req.ProjectDir, "final_results"),
		Duration: 3 * time.Second,
	}, nil
}

type fakeProbe struct{ reading hardware.Reading }

func (p fakeProbe) Detect(context.Context) hardware.Reading { return p.reading }

type fakeTools struct{ status map[string]engine.ToolStatus }

func (f fakeTools) Names() []string { return []string{engine.ToolColmap, engine.ToolOpenMVS} }

func (f fakeTools) Status(context.Context) map[string]engine.ToolStatus { return f.status }

type testRoot struct {
	root   *Root
	runner *fakeRunner
	opened []string
}

func newTestRoot(t *testing.T) *testRoot {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.FileOutput = false
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "history.db")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tr := &testRoot{runner: &fakeRunner{}}
	root := NewRoot(cfg, log)
	root.runnerFactory = func(cfg *config.Config, bus *events.Bus, history *storage.Store, log *slog.Logger) (runner, func()) {
		tr.runner.bus = bus
		return tr.runner, func() {}
	}
	root.probe = fakeProbe{hardware.Reading{RAMBytes: 32 * hardware.GiB, RAMKnown: true, HasGPU: true, GPUName: "RTX", VRAMBytes: 8192 * hardware.MiB}}
	root.toolFactory = func(*config.Config) toolChecker {
		return fakeTools{status: map[string]engine.ToolStatus{
			engine.ToolColmap: {Available: true, Version: "3.9", Path: "/usr/bin/colmap"},
			engine.ToolOpenMVS: {Available: false, Error: "DensifyPointCloud not found"},
		}}
	}
	root.open = func(path string) error {
		tr.opened = append(tr.opened, path)
		return nil
	}
	t.Cleanup(func() { root.Close() })
	tr.root = root
	return tr
}

func (tr *testRoot) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var err error
	out := captureOutput(t, func() {
		cmd := NewRootCmd(tr.root)
		cmd.SetArgs(args)
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		err = cmd.ExecuteContext(context.Background())
	})
	return out, err
}

func TestRunPassesFlagsToOrchestrator(t *testing.T) {
	tr := newTestRoot(t)
	images, project := t.TempDir(), filepath.Join(t.TempDir(), "proj")

	out, err := tr.execute(t, "run", images, "--output", project, "--chunk-size", "150",
		"--force-profile", "low", "--quality", "HIGH", "--dense-engine", "openmvs", "--geospatial", "--open-results")
	require.NoError(t, err)

	require.Len(t, tr.runner.reqs, 1)
	req := tr.runner.reqs[0]
	assert.Equal(t, pipeline.Request{
		ImageDir:     images,
		ProjectDir:   project,
		ChunkSize:    150,
		ForceProfile: "low",
		Quality:      config.QualityHigh,
		DenseEngine:  config.DenseOpenMVS,
		Geospatial:   true,
	}, req)
	assert.Contains(t, out, "▶ features")
	assert.Contains(t, out, "Reconstruction finished: COMPLETE")
	assert.Contains(t, out, "42 in 1 chunk(s)")
	assert.Equal(t, []string{filepath.Join(project, "final_results")}, tr.opened)
}

func TestRunValidatesArguments(t *testing.T) {
	tr := newTestRoot(t)
	dir := t.TempDir()

	_, err := tr.execute(t, "run", dir)
	assert.Error(t, err, "missing --output")
	_, err = tr.execute(t, "run")
	assert.Error(t, err, "missing image folder")
	_, err = tr.execute(t, "run", dir, "-o", dir, "--quality", "ultra")
	assert.ErrorContains(t, err, "unknown quality")
	_, err = tr.execute(t, "run", dir, "-o", dir, "--dense-engine", "mve")
	assert.ErrorContains(t, err, "unknown dense engine")
	_, err = tr.execute(t, "run", dir, "-o", dir, "--chunk-size", "-5")
	assert.Error(t, err)
	assert.Empty(t, tr.runner.reqs)
	assert.Empty(t, tr.opened)
}

func TestRunReportsFailure(t *testing.T) {
	tr := newTestRoot(t)
	tr.runner.err = apperr.Newf(apperr.ErrEngineInvocation, "features", "feature_extractor exited with status 1")

	out, err := tr.execute(t, "run", t.TempDir(), "-o", t.TempDir(), "--open-results")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrEngineInvocation)
	assert.Contains(t, out, "✗ features")
	assert.Empty(t, tr.opened)
}

func writeState(t *testing.T, dir string, rec state.Record) {
	t.Helper()
	rec.Version = 1
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, fsutil.WriteJSONAtomic(state.Path(dir), rec))
}

func TestStatusShowsProgress(t *testing.T) {
	tr := newTestRoot(t)
	project := t.TempDir()
	writeState(t, project, state.Record{
		State: state.Failed,
		RunID: "run-7",
		Completed: []state.Entry{
			{Stage: state.StageFeatures, CompletedAt: time.Now()},
		},
		Chunks: map[string]*state.ChunkProgress{
			"chunk_001": {Steps: map[string]bool{"features": true, "matching": true}},
			"chunk_002": {Steps: map[string]bool{"features": true}, Failed: true, Error: "matching exited 1"},
		},
		FailedStage: "matching",
		Error:       "every chunk failed",
	})

	out, err := tr.execute(t, "status", project)
	require.NoError(t, err)
	assert.Contains(t, out, "state: FAILED")
	assert.Contains(t, out, "run: run-7")
	assert.Contains(t, out, "failed at matching: every chunk failed")
	assert.Contains(t, out, "✓ features")
	assert.Contains(t, out, "chunk_001 features,matching")
	assert.Contains(t, out, "chunk_002 features failed: matching exited 1")

	_, err = tr.execute(t, "status", filepath.Join(project, "missing"))
	assert.Error(t, err)
}

func TestStatusFollowReturnsWhenRunEnded(t *testing.T) {
	tr := newTestRoot(t)
	project := t.TempDir()
	writeState(t, project, state.Record{State: state.Complete, RunID: "run-8"})

	out, err := tr.execute(t, "status", "--follow", project)
	require.NoError(t, err)
	assert.Contains(t, out, "state: COMPLETE")
}

func TestDetectPrintsProfile(t *testing.T) {
	tr := newTestRoot(t)
	out, err := tr.execute(t, "detect")
	require.NoError(t, err)
	assert.Contains(t, out, "32.0 GiB")
	assert.Contains(t, out, "RTX (8192 MiB VRAM)")
	assert.Contains(t, out, "Profile:    HIGH")

	tr.root.probe = fakeProbe{hardware.Reading{RAMBytes: hardware.GiB, RAMKnown: true}}
	out, err = tr.execute(t, "detect")
	require.NoError(t, err)
	assert.Contains(t, out, "CPU_SAFE")
	assert.Contains(t, out, "⚠")
}

func TestToolsListsAvailability(t *testing.T) {
	tr := newTestRoot(t)
	out, err := tr.execute(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "/usr/bin/colmap")
	assert.Contains(t, out, "❌ missing")
	assert.NotContains(t, out, "colmap is required")
}

func TestHistoryListsRuns(t *testing.T) {
	tr := newTestRoot(t)
	out, err := tr.execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")

	store, err := tr.root.history()
	require.NoError(t, err)
	require.NoError(t, store.RecordRunStart(storage.RunRecord{ID: "run-a", ProjectDir: "/p/a", Profile: "LOW", ImageCount: 12}))
	require.NoError(t, store.RecordRunFinish("run-a", storage.StatusFailed, "FAILED", "dense", "boom"))

	out, err = tr.execute(t, "history", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "run-a")
	assert.Contains(t, out, "failed (dense)")
	assert.Contains(t, out, "/p/a")

	_, err = tr.execute(t, "history", "--limit", "0")
	assert.Error(t, err)
}

func TestServeUsesConfiguredAddresses(t *testing.T) {
	tr := newTestRoot(t)
	tr.root.cfg.Server.GRPCAddr = "127.0.0.1:9000"
	var gotAddr, gotGRPC string
	tr.root.serveFn = func(ctx context.Context, r *Root, addr, grpcAddr string) error {
		gotAddr, gotGRPC = addr, grpcAddr
		return nil
	}

	_, err := tr.execute(t, "serve")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8765", gotAddr)
	assert.Equal(t, "127.0.0.1:9000", gotGRPC)

	_, err = tr.execute(t, "serve", "--addr", ":9999")
	require.NoError(t, err)
	assert.Equal(t, ":9999", gotAddr)
}

func TestConfigCommands(t *testing.T) {
	tr := newTestRoot(t)
	out, err := tr.execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "(defaults)")
	assert.Contains(t, out, "dense_engine: colmap")

	path := filepath.Join(t.TempDir(), "mapfree.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dense_engine: openmvs\nchunk_size: 120\n"), 0o644))
	out, err = tr.execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.Equal(t, config.DenseOpenMVS, tr.root.cfg.DenseEngine)
	assert.Equal(t, 120, tr.root.cfg.ChunkSize)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("dense_engine: mve\n"), 0o644))
	_, err = tr.execute(t, "--config", bad, "config", "validate")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	tr := newTestRoot(t)
	out, err := tr.execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mapfree "+Version))
}

func TestUnknownCommand(t *testing.T) {
	tr := newTestRoot(t)
	_, err := tr.execute(t, "panoramic")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(&buf, r)
		close(done)
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	<-done
	return buf.String()
}
