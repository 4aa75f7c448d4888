// Package cli implements the mapfree command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"mapfree/internal/config"
	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/hardware"
	"mapfree/internal/imaging"
	"mapfree/internal/logging"
	"mapfree/internal/pipeline"
	"mapfree/internal/profile"
	"mapfree/internal/server"
	"mapfree/internal/storage"
	"mapfree/internal/watch"
)

// Version is set at build time with -ldflags "-X mapfree/internal/cli.Version=...".
var Version = "0.1.0-dev"

// runner executes one reconstruction.
type runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Summary, error)
}

type runnerFactory func(cfg *config.Config, bus *events.Bus, history *storage.Store, log *slog.Logger) (runner, func())

type toolChecker interface {
	Names() []string
	Status(ctx context.Context) map[string]engine.ToolStatus
}

type serverFunc func(ctx context.Context, r *Root, addr, grpcAddr string) error

// Root wires CLI commands to the orchestrator.
type Root struct {
	cfg *config.Config
	log *slog.Logger

	configPath string
	setupLog   bool

	storeOnce sync.Once
	store     *storage.Store
	storeErr  error

	runnerFactory runnerFactory
	probe         pipeline.Detector
	toolFactory   func(*config.Config) toolChecker
	serveFn       serverFunc
	open          func(path string) error
}

// NewRoot returns a root that loads configuration, logging and the run
// history on first use. cfg and log may be nil.
func NewRoot(cfg *config.Config, log *slog.Logger) *Root {
	return &Root{
		cfg:           cfg,
		log:           log,
		setupLog:      log == nil,
		runnerFactory: defaultRunner,
		toolFactory: func(cfg *config.Config) toolChecker {
			return engine.NewTools(cfg.Engines)
		},
		serveFn: defaultServe,
		open:    openPath,
	}
}

// Close releases the run history.
func (r *Root) Close() error {
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// prepare loads configuration and logging before a command runs.
func (r *Root) prepare() error {
	if r.cfg == nil || r.configPath != "" {
		cfg, err := config.Load(r.configPath)
		if err != nil {
			return err
		}
		r.cfg = cfg
	}
	if r.log == nil || r.setupLog {
		log, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log, r.setupLog = log, false
	}
	return nil
}

// history opens the run ledger once. A ledger that cannot be opened only
// disables history.
func (r *Root) history() (*storage.Store, error) {
	r.storeOnce.Do(func() {
		if r.store != nil {
			return
		}
		r.store, r.storeErr = storage.New(r.cfg.Paths.DatabasePath)
	})
	return r.store, r.storeErr
}

func (r *Root) optionalHistory() *storage.Store {
	store, err := r.history()
	if err != nil {
		r.log.Warn("run history unavailable", "path", r.cfg.Paths.DatabasePath, "error", err)
		return nil
	}
	return store
}

func defaultRunner(cfg *config.Config, bus *events.Bus, history *storage.Store, log *slog.Logger) (runner, func()) {
	orch := pipeline.New(cfg, bus, log)
	orch.History = history
	magick := imaging.NewMagick()
	orch.Inspector = magick
	return orch, magick.Close
}

func (r *Root) newDetector() pipeline.Detector {
	if r.probe != nil {
		return r.probe
	}
	return hardware.NewProbe(r.log)
}

// runOptions are the flags of the run command.
type runOptions struct {
	output       string
	chunkSize    int
	forceProfile string
	quality      string
	denseEngine  string
	geospatial   bool
	openResults  bool
}

func (r *Root) cmdRun(ctx context.Context, imageDir string, opts runOptions) error {
	if opts.output == "" {
		return errors.New("--output is required")
	}
	if opts.chunkSize < 0 {
		return fmt.Errorf("--chunk-size must not be negative, got %d", opts.chunkSize)
	}
	req := pipeline.Request{
		ImageDir:     imageDir,
		ProjectDir:   opts.output,
		ChunkSize:    opts.chunkSize,
		ForceProfile: opts.forceProfile,
		Quality:      config.Quality(strings.ToLower(opts.quality)),
		DenseEngine:  config.DenseEngine(strings.ToLower(opts.denseEngine)),
		Geospatial:   opts.geospatial,
	}
	switch req.Quality {
	case "", config.QualityHigh, config.QualityMedium, config.QualityLow:
	default:
		return fmt.Errorf("unknown quality %q (want high, medium or low)", opts.quality)
	}
	switch req.DenseEngine {
	case "", config.DenseColmap, config.DenseOpenMVS:
	default:
		return fmt.Errorf("unknown dense engine %q (want colmap or openmvs)", opts.denseEngine)
	}

	bus := events.NewBus(r.log)
	sub := bus.Subscribe(printEvent)
	defer bus.Unsubscribe(sub)

	run, done := r.runnerFactory(r.cfg, bus, r.optionalHistory(), r.log)
	defer done()

	summary, err := run.Run(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("Run interrupted; resume with the same command.\n")
		}
		return err
	}
	printSummary(summary)
	if opts.openResults {
		if err := r.open(summary.FinalDir); err != nil {
			r.log.Warn("failed to open results", "dir", summary.FinalDir, "error", err)
		}
	}
	return nil
}

func printEvent(e events.Event) {
	ts := e.Time.Format("15:04:05")
	switch e.Type {
	case events.TypeStageStarted:
		fmt.Printf("%s ▶ %s\n", ts, e.Stage)
	case events.TypeStageCompleted:
		fmt.Printf("%s ✓ %s (%.0f%%)\n", ts, e.Stage, e.Progress*100)
	case events.TypeStageSkipped:
		fmt.Printf("%s ↷ %s: %s\n", ts, e.Stage, e.Message)
	case events.TypeProgress:
		fmt.Printf("%s   %s\n", ts, e.Message)
	case events.TypeFallback, events.TypeWarning, events.TypeChunkFailed:
		fmt.Printf("%s ⚠ %s\n", ts, e.Message)
	case events.TypeError:
		fmt.Printf("%s ✗ %s: %s\n", ts, orDash(e.Stage), e.Message)
	}
}

func printSummary(s *pipeline.Summary) {
	fmt.Printf("\nReconstruction finished: %s\n", s.State)
	fmt.Printf("  Run:      %s\n", s.RunID)
	fmt.Printf("  Profile:  %s\n", s.Profile)
	fmt.Printf("  Images:   %d in %d chunk(s)\n", s.Images, s.Chunks)
	if len(s.Skipped) > 0 {
		fmt.Printf("  Resumed:  %s already complete\n", strings.Join(s.Skipped, ", "))
	}
	fmt.Printf("  Duration: %s\n", s.Duration.Round(time.Second))
	fmt.Printf("  Results:  %s\n", s.FinalDir)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printUpdate(u watch.Update) {
	if u.Err != nil {
		fmt.Printf("state unreadable: %v\n", u.Err)
		return
	}
	rec := u.Record
	line := fmt.Sprintf("state: %s", rec.State)
	if rec.RunID != "" {
		line += fmt.Sprintf("  run: %s", rec.RunID)
	}
	if u.Running {
		line += fmt.Sprintf("  running (pid %d on %s)", u.Lock.PID, orDash(u.Lock.Host))
	}
	fmt.Println(line)
	if rec.FailedStage != "" {
		fmt.Printf("  failed at %s: %s\n", rec.FailedStage, rec.Error)
	}
	for _, e := range rec.Completed {
		fmt.Printf("  ✓ %-10s %s\n", e.Stage, e.CompletedAt.Local().Format(time.DateTime))
	}
	names := make([]string, 0, len(rec.Chunks))
	for name := range rec.Chunks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := rec.Chunks[name]
		steps := make([]string, 0, len(c.Steps))
		for step, ok := range c.Steps {
			if ok {
				steps = append(steps, step)
			}
		}
		sort.Strings(steps)
		status := strings.Join(steps, ",")
		if c.Failed {
			status += " failed: " + c.Error
		}
		fmt.Printf("  %s %s\n", name, orDash(status))
	}
}

func (r *Root) cmdStatus(ctx context.Context, projectDir string, follow bool) error {
	info, err := os.Stat(projectDir)
	if err != nil {
		return fmt.Errorf("project %s: %w", projectDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project %s is not a directory", projectDir)
	}
	if !follow {
		u := watch.Snapshot(projectDir)
		printUpdate(u)
		return u.Err
	}

	f, err := watch.NewFollower(projectDir, r.log)
	if err != nil {
		return err
	}
	defer f.Close()
	for u := range f.Updates(ctx) {
		printUpdate(u)
		if u.Done() {
			return nil
		}
	}
	return ctx.Err()
}

func (r *Root) cmdDetect(ctx context.Context) error {
	reading := r.newDetector().Detect(ctx)
	resolved := profile.Resolve(reading, "")
	eff := profile.Effective(resolved, r.cfg.Quality)

	ram := "unknown (assuming 8 GiB)"
	if reading.RAMKnown {
		ram = fmt.Sprintf("%.1f GiB", float64(reading.RAMBytes)/float64(hardware.GiB))
	}
	fmt.Printf("RAM:        %s\n", ram)
	if reading.HasGPU {
		fmt.Printf("GPU:        %s (%d MiB VRAM)\n", reading.GPUName, reading.VRAMMiB())
	} else {
		fmt.Printf("GPU:        none detected\n")
	}
	fmt.Printf("Profile:    %s\n", resolved.Name)
	fmt.Printf("  max image size:       %d (quality %s)\n", eff.MaxImageSize, r.cfg.Quality)
	fmt.Printf("  dense max image size: %d\n", eff.DenseMaxImageSize)
	fmt.Printf("  max features:         %d\n", eff.MaxFeatures)
	fmt.Printf("  matcher:              %s\n", eff.Matcher)
	fmt.Printf("  gpu:                  %t\n", eff.UseGPU)
	fmt.Printf("Chunk size: %d recommended\n", profile.RecommendChunkSize(resolved, reading))
	if err := profile.CheckResources(reading); err != nil {
		fmt.Printf("⚠ %v\n", err)
	}
	return nil
}

func (r *Root) cmdTools(ctx context.Context) error {
	tools := r.toolFactory(r.cfg)
	status := tools.Status(ctx)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSTATUS\tVERSION\tPATH")
	for _, name := range tools.Names() {
		st := status[name]
		var err error
		if st.Error != "" {
			err = errors.New(st.Error)
		}
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, err)
		mark := "✅ available"
		if !st.Available {
			mark = "❌ missing"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, mark, orDash(st.Version), orDash(st.Path))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !status[engine.ToolColmap].Available {
		fmt.Printf("\ncolmap is required for every run.\n")
	}
	return nil
}

func (r *Root) cmdHistory(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}
	store, err := r.history()
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("No runs recorded.\n")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tSTATE\tPROFILE\tIMAGES\tPROJECT")
	for _, run := range runs {
		started := run.CreatedAt
		if run.StartedAt != nil {
			started = *run.StartedAt
		}
		status := run.Status
		if run.ErrorStage != "" {
			status += " (" + run.ErrorStage + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", run.ID, started.Local().Format(time.DateTime),
			status, orDash(run.State), orDash(run.Profile), run.ImageCount, run.ProjectDir)
	}
	return w.Flush()
}

func (r *Root) cmdServe(ctx context.Context, addr, grpcAddr string) error {
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	if grpcAddr == "" {
		grpcAddr = r.cfg.Server.GRPCAddr
	}
	return r.serveFn(ctx, r, addr, grpcAddr)
}

// defaultServe runs the control API and, when grpcAddr is set, the gRPC
// health service until ctx is done or either fails.
func defaultServe(ctx context.Context, r *Root, addr, grpcAddr string) error {
	bus := events.NewBus(r.log)
	history := r.optionalHistory()
	run, done := r.runnerFactory(r.cfg, bus, history, r.log)
	defer done()
	orch, ok := run.(*pipeline.Orchestrator)
	if !ok {
		return errors.New("serve needs the pipeline orchestrator")
	}
	ctl := pipeline.NewController(ctx, orch)
	defer ctl.Close()

	health := server.NewHealth(bus, r.log)
	defer health.Close()
	srv := server.NewServer(addr, ctl, bus, history, r.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if grpcAddr != "" {
		g.Go(func() error { return health.Serve(gctx, grpcAddr) })
	}
	return g.Wait()
}

// openPath shows dir in the desktop file manager.
func openPath(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	cmd.Stdout, cmd.Stderr = io.Discard, io.Discard
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
