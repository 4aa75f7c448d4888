package pipeline

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mapfree/internal/apperr"
	"mapfree/internal/config"
	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/fsutil"
	"mapfree/internal/hardware"
	"mapfree/internal/model"
	"mapfree/internal/testutil"
)

// fakeProbe returns a fixed reading.
type fakeProbe struct{ reading hardware.Reading }

func (p fakeProbe) Detect(context.Context) hardware.Reading { return p.reading }

func gpuReading(vramMiB uint64) hardware.Reading {
	return hardware.Reading{
		RAMBytes:  32 * hardware.GiB,
		RAMKnown:  true,
		HasGPU:    true,
		GPUName:   "Test GPU",
		VRAMBytes: vramMiB * hardware.MiB,
	}
}

func cpuReading() hardware.Reading {
	return hardware.Reading{RAMBytes: 16 * hardware.GiB, RAMKnown: true}
}

// call is one engine invocation seen by fakeEngine.
type call struct {
	Op    string
	Label string
	GPU   bool
}

// fakeEngine writes minimal artifacts the way COLMAP would and runs the
// caller's verification like the adapter does.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []call
	overlap int

	// failOn makes the named op fail for the given workspace label ("" for
	// the whole project).
	failOn map[string]string
	// onDense runs before the dense artifacts are written.
	onDense func(ctx context.Context) error
}

func newFakeEngine() *fakeEngine { return &fakeEngine{overlap: 30, failOn: map[string]string{}} }

func (f *fakeEngine) note(op, label string, opts engine.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: op, Label: label, GPU: opts.UseGPU})
	if l, ok := f.failOn[op]; ok && l == label {
		return apperr.Newf(apperr.ErrEngineInvocation, op, "%s exited with status 1", op)
	}
	return nil
}

func (f *fakeEngine) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeEngine) count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func verified(stage string, opts engine.Options) (engine.Result, error) {
	res := engine.Result{Stage: stage, Attempts: 1, Options: opts}
	if opts.Verify != nil {
		if err := opts.Verify(); err != nil {
			return res, apperr.New(apperr.ErrEngineOutput, stage, err)
		}
	}
	res.Success = true
	return res, nil
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if sc.Text() != "" {
			n++
		}
	}
	return n
}

func (f *fakeEngine) ExtractFeatures(ctx context.Context, ws engine.Workspace, opts engine.Options) (engine.Result, error) {
	if err := f.note("features", ws.Label, opts); err != nil {
		return engine.Result{Attempts: 3}, err
	}
	if err := testutil.WriteDatabase(ws.Database, countLines(ws.ImageList), 0); err != nil {
		return engine.Result{}, err
	}
	return verified(engine.StageFeatures, opts)
}

func (f *fakeEngine) Match(ctx context.Context, ws engine.Workspace, opts engine.Options) (engine.Result, error) {
	if err := f.note("matching", ws.Label, opts); err != nil {
		return engine.Result{Attempts: 3}, err
	}
	n := countLines(ws.ImageList)
	if err := testutil.WriteDatabase(ws.Database, n, n-1); err != nil {
		return engine.Result{}, err
	}
	return verified(engine.StageMatching, opts)
}

func (f *fakeEngine) ReconstructSparse(ctx context.Context, ws engine.Workspace, opts engine.Options) (engine.Result, error) {
	if err := f.note("sparse", ws.Label, opts); err != nil {
		return engine.Result{Attempts: 3}, err
	}
	n := countLines(ws.ImageList)
	if err := testutil.WriteSparseModel(filepath.Join(ws.SparseDir, "0"), 1, n, n*10); err != nil {
		return engine.Result{}, err
	}
	return verified(engine.StageSparse, opts)
}

func (f *fakeEngine) MergeModels(ctx context.Context, a, b, out string, opts engine.Options) (engine.Result, error) {
	if err := f.note("merge", "", opts); err != nil {
		return engine.Result{}, err
	}
	sa, err := model.ReadSparse(a)
	if err != nil {
		return engine.Result{}, err
	}
	sb, err := model.ReadSparse(b)
	if err != nil {
		return engine.Result{}, err
	}
	if err := testutil.WriteSparseModel(out, 1, sa.Images+sb.Images-f.overlap, sa.Points+sb.Points); err != nil {
		return engine.Result{}, err
	}
	return verified(engine.StageMerge, opts)
}

func (f *fakeEngine) BundleAdjust(ctx context.Context, in, out string, opts engine.Options) (engine.Result, error) {
	if err := f.note("bundle_adjust", "", opts); err != nil {
		return engine.Result{}, err
	}
	if err := fsutil.CopyDir(in, out); err != nil {
		return engine.Result{}, err
	}
	return verified(engine.StageMerge, opts)
}

func (f *fakeEngine) ExportPLY(ctx context.Context, in, out string, opts engine.Options) (engine.Result, error) {
	if err := f.note("export_ply", "", opts); err != nil {
		return engine.Result{}, err
	}
	if err := testutil.WritePLY(out, 10); err != nil {
		return engine.Result{}, err
	}
	return verified(engine.StageExport, opts)
}

func (f *fakeEngine) ReconstructDense(ctx context.Context, in engine.DenseInput, opts engine.Options) (engine.DenseOutput, error) {
	out := engine.DenseOutput{
		PointCloud: filepath.Join(in.ProjectDir, "dense", "fused.ply"),
		Workspace:  filepath.Join(in.ProjectDir, "dense"),
	}
	if err := f.note("dense", "", opts); err != nil {
		return out, err
	}
	if f.onDense != nil {
		if err := f.onDense(ctx); err != nil {
			return out, err
		}
	}
	if err := model.ValidateSparse(in.SparseModel); err != nil {
		return out, apperr.New(apperr.ErrEngineInvocation, engine.StageDense, err)
	}
	if err := testutil.WritePLY(out.PointCloud, 200); err != nil {
		return out, err
	}
	res, err := verified(engine.StageDense, opts)
	out.Result = res
	return out, err
}

// fakeGeo writes the four geospatial products.
type fakeGeo struct{ runs int }

func (g *fakeGeo) Run(ctx context.Context, cloud, outDir string, opts engine.Options) (engine.GeoOutput, error) {
	g.runs++
	out := engine.GeoOutput{
		PointCloud: filepath.Join(outDir, "dense.las"),
		Classified: filepath.Join(outDir, "ground.las"),
		DSM:        filepath.Join(outDir, "dsm.tif"),
		DTM:        filepath.Join(outDir, "dtm.tif"),
	}
	if _, err := os.Stat(cloud); err != nil {
		return out, err
	}
	for _, p := range []string{out.PointCloud, out.Classified, out.DSM, out.DTM} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			return out, err
		}
	}
	return out, nil
}

// eventLog collects bus events.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	engine  *fakeEngine
	geo     *fakeGeo
	events  *eventLog
	images  string
	project string
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, nImages int, reading hardware.Reading) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		engine:  newFakeEngine(),
		geo:     &fakeGeo{},
		events:  &eventLog{},
		images:  filepath.Join(root, "images"),
		project: filepath.Join(root, "project"),
	}
	_, err := testutil.WriteImages(h.images, nImages)
	require.NoError(t, err)

	cfg := config.Default()
	log := discardLogger()
	bus := events.NewBus(log)
	bus.Subscribe(h.events.handle)

	h.orch = New(cfg, bus, log)
	h.orch.Probe = fakeProbe{reading}
	h.orch.Exif = nil
	h.orch.Engines = func(ctx context.Context, pc *ProjectContext, adapter *engine.Adapter) (Engines, error) {
		e := Engines{Reconstructor: h.engine, Densifier: h.engine}
		if pc.Geospatial {
			e.Geospatial = h.geo
		}
		return e, nil
	}
	return h
}

func (h *harness) request() Request {
	return Request{ImageDir: h.images, ProjectDir: h.project}
}

func (h *harness) run(t *testing.T, req Request) (*Summary, error) {
	t.Helper()
	return h.orch.Run(context.Background(), req)
}
