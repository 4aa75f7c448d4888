// Package pipeline sequences a reconstruction run: prepare, sparse, dense,
// export and optional geospatial, resuming from the project state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mapfree/internal/apperr"
	"mapfree/internal/chunk"
	"mapfree/internal/config"
	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/exif"
	"mapfree/internal/fsutil"
	"mapfree/internal/hardware"
	"mapfree/internal/imaging"
	"mapfree/internal/logging"
	"mapfree/internal/model"
	"mapfree/internal/profile"
	"mapfree/internal/state"
	"mapfree/internal/storage"
)

// MinImages is the smallest image set worth reconstructing.
const MinImages = 3

// inspectSample bounds how many images are probed before the run starts.
const inspectSample = 16

// Detector reports host capability.
type Detector interface {
	Detect(ctx context.Context) hardware.Reading
}

// GeoRunner derives geospatial products from a dense cloud.
type GeoRunner interface {
	Run(ctx context.Context, cloud, outDir string, opts engine.Options) (engine.GeoOutput, error)
}

// Engines are the collaborators one run drives.
type Engines struct {
	Reconstructor engine.Reconstructor
	Densifier     engine.Densifier
	Mesher        engine.Mesher // optional
	Geospatial    GeoRunner     // nil when PDAL is unavailable
}

// EngineFactory builds the engines of one run around its adapter.
type EngineFactory func(ctx context.Context, pc *ProjectContext, adapter *engine.Adapter) (Engines, error)

// NewEngines wires COLMAP, OpenMVS and PDAL from cfg. Missing COLMAP, or
// missing OpenMVS when selected, is a validation error.
func NewEngines(cfg *config.Config) EngineFactory {
	tools := engine.NewTools(cfg.Engines)
	return func(ctx context.Context, pc *ProjectContext, adapter *engine.Adapter) (Engines, error) {
		if st := tools.Check(ctx, engine.ToolColmap); !st.Available {
			return Engines{}, apperr.Validation("colmap is not available: %s", st.Error)
		}
		colmap := engine.NewColmap(tools.Resolve(engine.ToolColmap), adapter, cfg.Timeouts)
		e := Engines{Reconstructor: colmap, Densifier: colmap}
		if pc.DenseEngine == config.DenseOpenMVS {
			if st := tools.Check(ctx, engine.ToolOpenMVS); !st.Available {
				return Engines{}, apperr.Validation("openmvs is not available: %s", st.Error)
			}
			mvs := engine.NewOpenMVS(colmap, tools, cfg.Timeouts)
			e.Densifier, e.Mesher = mvs, mvs
		}
		if pc.Geospatial && tools.Available(ctx, engine.ToolPDAL) {
			e.Geospatial = engine.NewGeospatial(tools.Resolve(engine.ToolPDAL), adapter, cfg.Timeouts.Timeout(engine.StageGeospatial))
		}
		return e, nil
	}
}

// Orchestrator runs reconstructions. One Orchestrator may serve many runs
// sequentially; the project lock prevents concurrent runs on one project.
type Orchestrator struct {
	Config    *config.Config
	Bus       *events.Bus
	Probe     Detector
	Engines   EngineFactory
	Inspector imaging.Inspector // optional
	Exif      *exif.Reader
	History   *storage.Store // optional

	log *slog.Logger
}

// New returns an orchestrator with the default probe, engines and EXIF
// reader. Inspector and History are left for the caller to set.
func New(cfg *config.Config, bus *events.Bus, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	return &Orchestrator{
		Config:  cfg,
		Bus:     bus,
		Probe:   hardware.NewProbe(log),
		Engines: NewEngines(cfg),
		Exif:    exif.NewReader(cfg.Engines.ExiftoolBin, log),
		log:     log,
	}
}

// run is the mutable side of one execution.
type run struct {
	o       *Orchestrator
	pc      *ProjectContext
	store   *state.Store
	engines Engines
	chunks  []chunk.Chunk
	log     *slog.Logger
	summary Summary
	fps     map[state.Stage]string
	last    engine.Result // engine result of the running stage, for history
}

func (o *Orchestrator) publish(runID string, e events.Event) {
	e.RunID = runID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.Bus.Publish(e)
}

// Run executes one reconstruction to a terminal state. Validation and lock
// errors leave the project untouched; any other failure persists FAILED
// unless the context was cancelled.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	start := time.Now()
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	o.publish(runID, events.Event{Type: events.TypeRunStarted, Message: fmt.Sprintf("%s -> %s", req.ImageDir, req.ProjectDir)})

	summary, err := o.run(ctx, runID, req)
	if summary == nil {
		summary = &Summary{RunID: runID, ProjectDir: req.ProjectDir}
	}
	summary.Duration = time.Since(start)
	if err != nil {
		stage := apperr.StageOf(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.publish(runID, events.Event{Type: events.TypeRunFinished, Stage: stage, Message: "cancelled"})
			return summary, err
		}
		o.publish(runID, events.Event{Type: events.TypeError, Stage: stage, Message: err.Error()})
		o.publish(runID, events.Event{Type: events.TypeRunFinished, Stage: stage, Message: "failed"})
		return summary, err
	}
	o.publish(runID, events.Event{Type: events.TypeRunFinished, Message: string(summary.State), Progress: 1})
	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context, runID string, req Request) (*Summary, error) {
	imageDir, projectDir, images, err := validateInput(req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, apperr.Validation("create project directory: %v", err)
	}

	lock, reclaimed, err := state.AcquireLock(projectDir, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.log.Warn("failed to release project lock", "project", projectDir, "error", err)
		}
	}()

	log, closer, err := logging.ProjectLogger(o.log, filepath.Join(projectDir, "logs"))
	if err != nil {
		log, closer = o.log, io.NopCloser(nil)
	}
	defer closer.Close()
	if reclaimed {
		log.Warn("reclaimed stale project lock", "project", projectDir)
		o.publish(runID, events.Event{Type: events.TypeWarning, Message: "reclaimed stale lock from a dead run"})
	}

	store, err := state.Open(projectDir, log)
	if err != nil {
		return nil, err
	}
	if store.Recovered != nil {
		o.publish(runID, events.Event{Type: events.TypeWarning, Message: store.Recovered.Error()})
	}

	r := &run{o: o, store: store, log: log, fps: map[state.Stage]string{}}
	r.summary.RunID = runID
	pc, err := r.prepare(ctx, runID, req, imageDir, projectDir, images)
	if err != nil {
		if errors.Is(err, apperr.ErrResource) || errors.Is(err, apperr.ErrStateCorruption) {
			r.fail(ctx, "prepare", err)
		}
		return nil, err
	}
	r.pc = pc
	r.summary = Summary{
		RunID:      runID,
		ProjectDir: projectDir,
		Profile:    pc.Profile.Name,
		Images:     len(pc.Images),
		Chunks:     max(len(r.chunks), 1),
		FinalDir:   pc.FinalDir(),
	}

	start := time.Now()
	if err := r.execute(ctx); err != nil {
		r.fail(ctx, apperr.StageOf(err), err)
		logging.LogRunError(log, runID, apperr.StageOf(err), time.Since(start), err)
		return &r.summary, err
	}

	terminal := state.Complete
	if r.store.Completed(state.StageGeospatial) && pc.Geospatial {
		terminal = state.GeospatialDone
	}
	if err := store.Finish(terminal, pc.LogDir()); err != nil {
		return &r.summary, err
	}
	r.summary.State = terminal
	if err := o.History.RecordRunFinish(runID, storage.StatusCompleted, string(terminal), "", ""); err != nil {
		log.Warn("failed to record run history", "error", err)
	}
	logging.LogRunComplete(log, runID, time.Since(start), string(terminal))
	return &r.summary, nil
}

// validateInput resolves paths and lists images before anything is written.
func validateInput(req Request) (imageDir, projectDir string, images []string, err error) {
	if req.ImageDir == "" {
		return "", "", nil, apperr.Validation("image folder is required")
	}
	if req.ProjectDir == "" {
		return "", "", nil, apperr.Validation("output project directory is required")
	}
	if imageDir, err = filepath.Abs(req.ImageDir); err != nil {
		return "", "", nil, apperr.Validation("resolve image folder: %v", err)
	}
	if projectDir, err = filepath.Abs(req.ProjectDir); err != nil {
		return "", "", nil, apperr.Validation("resolve project directory: %v", err)
	}
	info, err := os.Stat(imageDir)
	if err != nil || !info.IsDir() {
		return "", "", nil, apperr.Validation("image folder %s is not a directory", imageDir)
	}
	if info, err := os.Stat(projectDir); err == nil && !info.IsDir() {
		return "", "", nil, apperr.Validation("project path %s is not a directory", projectDir)
	}
	images, err = fsutil.ListImages(imageDir)
	if err != nil {
		return "", "", nil, apperr.Validation("list images: %v", err)
	}
	if len(images) < MinImages {
		return "", "", nil, apperr.Validation("need at least %d images (.jpg, .jpeg, .png) in %s, found %d", MinImages, imageDir, len(images))
	}
	return imageDir, projectDir, images, nil
}

// prepare builds the ProjectContext and reconciles the state store.
func (r *run) prepare(ctx context.Context, runID string, req Request, imageDir, projectDir string, images []string) (*ProjectContext, error) {
	o, cfg := r.o, r.o.Config
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Probe hardware once; the reading lives in the context from here on
	reading := o.Probe.Detect(ctx)
	if err := profile.CheckResources(reading); err != nil {
		return nil, err
	}
	// Request override beats config override
	override := profile.Name("")
	forced := req.ForceProfile
	if forced == "" {
		forced = cfg.ForceProfile
	}
	if forced != "" {
		name, err := profile.Parse(forced)
		if err != nil {
			return nil, apperr.Validation("force profile: %v", err)
		}
		override = name
	}
	quality := orDefault(req.Quality, cfg.Quality)
	base := profile.Resolve(reading, override)

	pc := &ProjectContext{
		RunID:        runID,
		ProjectDir:   projectDir,
		ImageDir:     imageDir,
		Hardware:     reading,
		Profile:      profile.Effective(base, quality),
		Quality:      quality,
		ChunkSize:    req.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		DenseEngine:  orDefault(req.DenseEngine, cfg.DenseEngine),
		Geospatial:   req.Geospatial || cfg.EnableGeospatial,
		BundleAdjust: cfg.Merge.GlobalBundleAdjust,
		NumThreads:   cfg.Engines.NumThreads,
	}
	// Chunk size: flag, then config (env already folded in), then the profile
	if pc.ChunkSize <= 0 {
		pc.ChunkSize = cfg.ChunkSize
	}
	if pc.ChunkSize <= 0 {
		pc.ChunkSize = profile.RecommendChunkSize(base, reading)
	}
	if pc.ChunkOverlap >= pc.ChunkSize {
		pc.ChunkOverlap = pc.ChunkSize / 10
	}

	if cfg.ImageOrder == config.OrderEXIF && o.Exif != nil {
		images = o.Exif.OrderImages(ctx, imageDir, images)
	}
	pc.Images = images

	// Reject unreadable inputs before any engine runs
	infos, err := imaging.Check(o.Inspector, imageDir, images, inspectSample)
	if err != nil {
		return nil, err
	}

	fp, err := state.InputFingerprint(imageDir, images)
	if err != nil {
		return nil, apperr.Validation("fingerprint images: %v", err)
	}
	pc.InputFingerprint = fp
	r.pc = pc
	r.fingerprints()

	if pc.Chunked() {
		chunks, err := chunk.Plan(images, pc.ChunkSize, pc.ChunkOverlap)
		if err != nil {
			return nil, apperr.Validation("plan chunks: %v", err)
		}
		r.chunks = chunks
	}

	// Roll back recorded stages whose artifacts are gone
	rolled, err := r.store.Reconcile(r.validators())
	if err != nil {
		return nil, apperr.New(apperr.ErrStateCorruption, "prepare", err)
	}
	if rolled != "" {
		o.publish(runID, events.Event{Type: events.TypeWarning, Stage: string(rolled),
			Message: fmt.Sprintf("%s artifacts failed validation, resuming before it", rolled)})
	}
	if err := r.store.Begin(runID, fp); err != nil {
		return nil, err
	}

	options := map[string]any{
		"profile":      pc.Profile.Name,
		"quality":      pc.Quality,
		"dense_engine": pc.DenseEngine,
		"chunk_size":   pc.ChunkSize,
		"geospatial":   pc.Geospatial,
		"gpu":          pc.Profile.UseGPU,
	}
	// Log startup information
	logging.LogRunStart(r.log, runID, imageDir, projectDir, options)
	r.log.Info("hardware detected", "ram_mib", reading.RAMBytes/hardware.MiB, "ram_known", reading.RAMKnown,
		"gpu", reading.GPUName, "vram_mib", reading.VRAMMiB(), "profile", pc.Profile.Name)
	if r.chunks != nil {
		r.log.Info("chunked reconstruction", "plan", chunk.Describe(r.chunks), "overlap", pc.ChunkOverlap)
	}

	// History is best effort
	if err := o.History.RecordRunStart(storage.RunRecord{
		ID:          runID,
		ImageDir:    imageDir,
		ProjectDir:  projectDir,
		Profile:     string(pc.Profile.Name),
		Quality:     string(pc.Quality),
		DenseEngine: string(pc.DenseEngine),
		ImageCount:  len(images),
		ChunkCount:  max(len(r.chunks), 1),
		Options:     options,
	}); err != nil {
		r.log.Warn("failed to record run history", "error", err)
	}
	if err := o.History.RecordImageMetadata(runID, r.imageMetadata(ctx, infos)); err != nil {
		r.log.Warn("failed to record image metadata", "error", err)
	}
	return pc, nil
}

func orDefault[T ~string](v, def T) T {
	if v == "" {
		return def
	}
	return v
}

// imageMetadata joins probe results with EXIF tags when EXIF ordering ran.
func (r *run) imageMetadata(ctx context.Context, infos []imaging.Info) []storage.ImageMetadata {
	if len(infos) == 0 {
		return nil
	}
	var tags map[string]exif.Tags
	if r.o.Config.ImageOrder == config.OrderEXIF && r.o.Exif != nil && r.o.Exif.Available() {
		names := make([]string, len(infos))
		for i, info := range infos {
			names[i] = info.Path
		}
		tags, _ = r.o.Exif.Read(ctx, r.pc.ImageDir, names)
	}
	out := make([]storage.ImageMetadata, 0, len(infos))
	for _, info := range infos {
		m := storage.ImageMetadata{FilePath: info.Path, Width: info.Width, Height: info.Height, Format: info.Format}
		if t, ok := tags[info.Path]; ok {
			if t.HasGPS {
				lat, lon := t.Lat, t.Lon
				m.GPSLat, m.GPSLon = &lat, &lon
			}
			m.CapturedAt = t.CapturedAt
		}
		out = append(out, m)
	}
	return out
}

// fingerprints chains each stage's parameters onto its upstream stage, so a
// parameter change invalidates that stage and everything after it.
func (r *run) fingerprints() {
	pc := r.pc
	chained := func(stage state.Stage, upstream string, params any) string {
		fp := state.StageFingerprint(upstream, params)
		r.fps[stage] = fp
		return fp
	}
	fp := chained(state.StageFeatures, pc.InputFingerprint, map[string]any{
		"max_image_size": pc.Profile.MaxImageSize,
		"max_features":   pc.Profile.MaxFeatures,
		"chunk_size":     chunkKey(pc),
		"overlap":        pc.ChunkOverlap,
	})
	fp = chained(state.StageMatching, fp, map[string]any{"matcher": pc.Profile.Matcher})
	fp = chained(state.StageSparse, fp, map[string]any{"bundle_adjust": pc.Chunked() && pc.BundleAdjust})
	fp = chained(state.StageDense, fp, map[string]any{
		"engine":               pc.DenseEngine,
		"dense_max_image_size": pc.Profile.DenseMaxImageSize,
	})
	fp = chained(state.StageExport, fp, nil)
	chained(state.StageGeospatial, fp, map[string]any{"resolution": engine.DefaultRasterResolution})
}

// chunkKey is the chunk size as far as it shapes the plan.
func chunkKey(pc *ProjectContext) int {
	if pc.Chunked() {
		return pc.ChunkSize
	}
	return 0
}

// validators re-check recorded stages against the filesystem.
func (r *run) validators() map[state.Stage]func() error {
	pc := r.pc
	v := map[state.Stage]func() error{
		state.StageSparse: func() error { return model.ValidateSparse(pc.SparseModel()) },
		state.StageDense: func() error {
			cloud, ws := pc.DenseCloud()
			return model.ValidateDense(cloud, ws)
		},
		state.StageExport: func() error {
			return model.ValidateSparse(filepath.Join(pc.FinalDir(), "sparse"))
		},
	}
	if !pc.Chunked() {
		ws := pc.Workspace()
		v[state.StageFeatures] = func() error { return model.ValidateFeatures(ws.Database) }
		v[state.StageMatching] = func() error { return model.ValidateMatches(ws.Database) }
		return v
	}
	// Read chunk progress now; Reconcile holds the store while validating.
	rec := r.store.Record()
	v[state.StageFeatures] = chunkDatabases(pc.ProjectDir, r.chunks, rec, stepFeatures, model.ValidateFeatures)
	v[state.StageMatching] = chunkDatabases(pc.ProjectDir, r.chunks, rec, stepMatching, model.ValidateMatches)
	return v
}

// chunkDatabases checks the database of every chunk that recorded step.
// Failed chunks never record the step and are not checked.
func chunkDatabases(projectDir string, chunks []chunk.Chunk, rec state.Record, step string, check func(string) error) func() error {
	return func() error {
		checked := 0
		for _, c := range chunks {
			progress, ok := rec.Chunks[c.Name()]
			if !ok || !progress.Steps[step] {
				continue
			}
			db := filepath.Join(projectDir, "chunks", c.Name(), "database.db")
			if err := check(db); err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			checked++
		}
		if checked == 0 {
			return fmt.Errorf("no chunk recorded %s", step)
		}
		return nil
	}
}

// stage names the current step for errors that do not carry one.
func stageErr(stage state.Stage, err error) error {
	if err == nil {
		return nil
	}
	if apperr.StageOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apperr.KindOf(err) != nil {
		return apperr.New(apperr.KindOf(err), string(stage), err)
	}
	return apperr.New(apperr.ErrEngineInvocation, string(stage), err)
}

// fail persists FAILED unless the run was cancelled.
func (r *run) fail(ctx context.Context, stage string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		if err := r.o.History.RecordRunFinish(r.summary.RunID, storage.StatusCancelled, string(r.store.State()), stage, "cancelled"); err != nil {
			r.log.Warn("failed to record run history", "error", err)
		}
		return
	}
	if ferr := r.store.Fail(stage, err); ferr != nil {
		r.log.Error("failed to persist failed state", "error", ferr)
	}
	r.summary.State = state.Failed
	if herr := r.o.History.RecordRunFinish(r.summary.RunID, storage.StatusFailed, string(state.Failed), stage, err.Error()); herr != nil {
		r.log.Warn("failed to record run history", "error", herr)
	}
}

func (r *run) publish(e events.Event) { r.o.publish(r.pc.RunID, e) }

// adapter builds the per-run engine adapter; its events carry the run id.
func (r *run) adapter() *engine.Adapter {
	cfg := r.o.Config
	a := engine.NewAdapter(cfg.Retry, engine.NewClassifier(cfg.Classifier), r.pc.LogDir(), r.log)
	a.Notify = r.publish
	return a
}

// execute runs every stage in order.
func (r *run) execute(ctx context.Context) error {
	engines, err := r.o.Engines(ctx, r.pc, r.adapter())
	if err != nil {
		return stageErr("prepare", err)
	}
	r.engines = engines

	steps := []struct {
		stage state.Stage
		fn    func(context.Context) error
	}{
		{state.StageFeatures, r.features},
		{state.StageMatching, r.matching},
		{state.StageSparse, r.sparse},
		{state.StageDense, r.dense},
		{state.StageExport, r.export},
		{state.StageGeospatial, r.geospatial},
	}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress := float64(i) / float64(len(steps))
		if step.stage == state.StageGeospatial && !r.geospatialWanted() {
			continue
		}
		fp := r.fps[step.stage]
		if r.store.Satisfied(step.stage, fp) {
			r.summary.Skipped = append(r.summary.Skipped, string(step.stage))
			r.publish(events.Event{Type: events.TypeStageSkipped, Stage: string(step.stage), Message: "already complete", Progress: progress})
			r.record(step.stage, "skipped", engine.Result{}, "already complete")
			continue
		}
		if r.store.Completed(step.stage) {
			r.log.Info("stage inputs changed, recomputing", "stage", step.stage)
			if err := r.store.Invalidate(step.stage); err != nil {
				return stageErr(step.stage, err)
			}
		}

		r.publish(events.Event{Type: events.TypeStageStarted, Stage: string(step.stage), Progress: progress})
		logging.LogStageStep(r.log, r.pc.RunID, string(step.stage), "started", nil)
		started := time.Now()
		r.last = engine.Result{}
		if err := step.fn(ctx); err != nil {
			err = stageErr(step.stage, err)
			r.last.Duration = time.Since(started)
			r.record(step.stage, "failed", r.last, err.Error())
			return err
		}
		r.summary.Ran = append(r.summary.Ran, string(step.stage))
		r.last.Duration = time.Since(started)
		r.record(step.stage, "completed", r.last, "")
		r.publish(events.Event{Type: events.TypeStageCompleted, Stage: string(step.stage),
			Progress: float64(i+1) / float64(len(steps))})
		logging.LogStageStep(r.log, r.pc.RunID, string(step.stage), "completed", map[string]any{"duration": time.Since(started).String()})
	}
	return nil
}

// geospatialWanted reports whether the geospatial stage runs, publishing
// the reason when it does not.
func (r *run) geospatialWanted() bool {
	switch {
	case !r.pc.Geospatial:
		r.publish(events.Event{Type: events.TypeStageSkipped, Stage: string(state.StageGeospatial), Message: "geospatial disabled"})
		return false
	case r.engines.Geospatial == nil:
		r.publish(events.Event{Type: events.TypeStageSkipped, Stage: string(state.StageGeospatial), Message: "pdal not available"})
		return false
	}
	return true
}

func (r *run) record(stage state.Stage, status string, res engine.Result, msg string) {
	if err := r.o.History.RecordStage(storage.StageRecord{
		RunID:    r.pc.RunID,
		Stage:    string(stage),
		Status:   status,
		Attempts: res.Attempts,
		FellBack: res.FellBack,
		Duration: res.Duration,
		Message:  msg,
	}); err != nil {
		r.log.Warn("failed to record stage history", "stage", stage, "error", err)
	}
}

// complete validates and persists a stage.
func (r *run) complete(stage state.Stage, artifacts []string, validate func() error) error {
	return r.store.Complete(stage, r.fps[stage], artifacts, validate)
}

// stageOptions returns the run options with verify attached.
func (r *run) stageOptions(verify func() error) engine.Options {
	opts := r.pc.Options()
	opts.Verify = verify
	return opts
}

func describeErr(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
