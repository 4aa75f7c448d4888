// Package engine invokes the external reconstruction, meshing and
// geospatial tools with timeouts, bounded retries and GPU→CPU fallback.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mapfree/internal/apperr"
	"mapfree/internal/config"
	"mapfree/internal/events"
	"mapfree/internal/profile"
)

// Command is one external process of an invocation.
type Command struct {
	Name string // short label for logs
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Options are the resource parameters passed to an engine.
type Options struct {
	UseGPU            bool            `json:"use_gpu"`
	MaxImageSize      int             `json:"max_image_size"`
	DenseMaxImageSize int             `json:"dense_max_image_size"`
	MaxFeatures       int             `json:"max_features"`
	Matcher           profile.Matcher `json:"matcher"`
	NumThreads        int             `json:"num_threads,omitempty"`

	// Verify checks the produced artifacts after a clean exit.
	Verify func() error `json:"-"`
}

// OptionsFor derives engine options from a resolved profile.
func OptionsFor(p profile.Profile, threads int) Options {
	return Options{
		UseGPU:            p.UseGPU,
		MaxImageSize:      p.MaxImageSize,
		DenseMaxImageSize: p.DenseMaxImageSize,
		MaxFeatures:       p.MaxFeatures,
		Matcher:           p.Matcher,
		NumThreads:        threads,
	}
}

// CPUFallback disables the GPU and shrinks image caps by scale, never below min.
func (o Options) CPUFallback(scale float64, min int) Options {
	o.UseGPU = false
	o.MaxImageSize = scaleSize(o.MaxImageSize, scale, min)
	o.DenseMaxImageSize = scaleSize(o.DenseMaxImageSize, scale, min)
	return o
}

func scaleSize(size int, scale float64, min int) int {
	if size <= 0 {
		return size
	}
	out := int(float64(size) * scale)
	if out < min {
		out = min
	}
	if out > size {
		out = size
	}
	return out
}

// Invocation describes one engine stage call.
type Invocation struct {
	Stage   string
	LogName string // log file base name, defaults to Stage
	Options Options
	Build   func(Options) ([]Command, error)
	Outputs []string
	Timeout time.Duration
}

// Result is the outcome of an invocation.
type Result struct {
	Stage       string        `json:"stage"`
	Success     bool          `json:"success"`
	OutputPaths []string      `json:"output_paths"`
	Log         string        `json:"-"`
	LogPath     string        `json:"log_path"`
	Attempts    int           `json:"attempts"`
	FellBack    bool          `json:"fell_back"`
	Options     Options       `json:"options"`
	Duration    time.Duration `json:"duration"`
}

// Adapter runs invocations. Build one per run.
type Adapter struct {
	Retries       int
	FallbackScale float64
	MinImageSize  int
	Classifier    Classifier
	LogDir        string
	Notify        func(events.Event)

	log *slog.Logger
}

// NewAdapter configures retry policy from cfg and writes stage logs to logDir.
func NewAdapter(cfg config.Retry, classifier Classifier, logDir string, log *slog.Logger) *Adapter {
	if classifier == nil {
		classifier = NewClassifier(config.Classifier{})
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		Retries:       cfg.Count,
		FallbackScale: cfg.FallbackScale,
		MinImageSize:  cfg.MinImageSize,
		Classifier:    classifier,
		LogDir:        logDir,
		log:           log,
	}
}

func (a *Adapter) notify(t events.Type, stage, msg string) {
	if a.Notify != nil {
		a.Notify(events.Event{Type: t, Stage: stage, Message: msg})
	}
}

// Invoke runs inv until it succeeds or the retry budget is spent. A GPU
// failure signature switches the next attempt to CPU with smaller images;
// that fallback is granted once even when no retries remain.
func (a *Adapter) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	opts := inv.Options
	res := Result{Stage: inv.Stage, Options: opts}
	logName := inv.LogName
	if logName == "" {
		logName = inv.Stage
	}

	var (
		logs        bytes.Buffer
		retriesUsed int
		lastErr     error
		lastKind    = apperr.ErrEngineInvocation
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Log, res.Duration = logs.String(), time.Since(start)
			return res, fmt.Errorf("%s cancelled: %w", inv.Stage, err)
		}

		cmds, err := inv.Build(opts)
		if err != nil {
			res.Log, res.Duration = logs.String(), time.Since(start)
			return res, apperr.New(apperr.ErrEngineInvocation, inv.Stage, fmt.Errorf("build command: %w", err))
		}

		res.Attempts = attempt
		res.Options = opts
		out, exitCode, runErr := a.runAttempt(ctx, inv, logName, attempt, opts, cmds, &res)
		logs.Write(out)

		// Cancellation is never retried
		if ctx.Err() != nil {
			res.Log, res.Duration = logs.String(), time.Since(start)
			return res, fmt.Errorf("%s cancelled: %w", inv.Stage, ctx.Err())
		}

		// Exit status first, then output signatures, then the artifacts
		class := a.Classifier.Classify(exitCode, string(out))
		var failure error
		kind := apperr.ErrEngineInvocation
		switch {
		case runErr != nil:
			failure = runErr
		case class == ClassFatal:
			failure = errors.New("fatal error signature in engine output")
		default:
			if err := checkOutputs(inv.Outputs); err != nil {
				failure, kind = err, apperr.ErrEngineOutput
			} else if opts.Verify != nil {
				if err := opts.Verify(); err != nil {
					failure, kind = err, apperr.ErrEngineOutput
				}
			}
		}

		if failure == nil {
			res.Success = true
			res.OutputPaths = inv.Outputs
			res.Log, res.Duration = logs.String(), time.Since(start)
			return res, nil
		}
		lastErr, lastKind = failure, kind
		a.log.Warn("engine attempt failed", "stage", inv.Stage, "attempt", attempt, "class", class, "error", failure)

		// One CPU attempt, even with the retry budget spent
		if class == ClassTransientGPU && opts.UseGPU && !res.FellBack {
			opts = opts.CPUFallback(a.FallbackScale, a.MinImageSize)
			res.FellBack = true
			if retriesUsed < a.Retries {
				retriesUsed++
			}
			a.notify(events.TypeFallback, inv.Stage, fmt.Sprintf(
				"GPU failure detected in %s, retrying on CPU with max image size %d", inv.Stage, opts.MaxImageSize))
			continue
		}
		if retriesUsed >= a.Retries {
			break
		}
		retriesUsed++
		a.notify(events.TypeLog, inv.Stage, fmt.Sprintf("%s failed (%v), retry %d/%d", inv.Stage, failure, retriesUsed, a.Retries))
	}

	res.Log, res.Duration = logs.String(), time.Since(start)
	return res, apperr.New(lastKind, inv.Stage, fmt.Errorf("after %d attempts: %w", res.Attempts, lastErr))
}

func (a *Adapter) runAttempt(ctx context.Context, inv Invocation, logName string, attempt int, opts Options, cmds []Command, res *Result) ([]byte, int, error) {
	var buf bytes.Buffer
	out := io.Writer(&buf)
	if a.LogDir != "" {
		if err := os.MkdirAll(a.LogDir, 0o755); err == nil {
			path := filepath.Join(a.LogDir, logName+".log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				out = io.MultiWriter(&buf, f)
				res.LogPath = path
			}
		}
	}
	fmt.Fprintf(out, "--- attempt %d (gpu=%t max_image_size=%d dense_max_image_size=%d) %s ---\n",
		attempt, opts.UseGPU, opts.MaxImageSize, opts.DenseMaxImageSize, time.Now().Format(time.RFC3339))

	attemptCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	for _, c := range cmds {
		fmt.Fprintf(out, "$ %s\n", c)
		cmd := exec.CommandContext(attemptCtx, c.Path, c.Args...)
		cmd.Dir = c.Dir
		if len(c.Env) > 0 {
			cmd.Env = append(os.Environ(), c.Env...)
		}
		cmd.Stdout = out
		cmd.Stderr = out
		configureProcessGroup(cmd)
		cmd.Cancel = func() error { return killProcessGroup(cmd) }
		cmd.WaitDelay = 5 * time.Second

		a.log.Debug("running engine command", "stage", inv.Stage, "step", c.Name, "attempt", attempt)
		err := cmd.Run()
		if err == nil {
			continue
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s timed out after %s", c.Name, inv.Timeout)
		} else {
			err = fmt.Errorf("%s: %w", c.Name, err)
		}
		fmt.Fprintf(out, "!! %v\n", err)
		return buf.Bytes(), exitCode, err
	}
	return buf.Bytes(), 0, nil
}

func checkOutputs(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("expected output %s missing", p)
		}
	}
	return nil
}
