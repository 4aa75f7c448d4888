package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mapfree/internal/apperr"
	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/fsutil"
	"mapfree/internal/model"
)

// MergedDir is where merged models live inside a project.
func MergedDir(projectDir string) string { return filepath.Join(projectDir, "sparse_merged") }

// MergeResult describes the merged model.
type MergeResult struct {
	Model    string            `json:"model"`
	Stats    model.SparseStats `json:"stats"`
	Included []int             `json:"included"`
	Skipped  []int             `json:"skipped"`
	Adjusted bool              `json:"adjusted"`
}

// Merger chains pairwise model merges over successful chunks.
type Merger struct {
	Engine       engine.Reconstructor
	Options      engine.Options
	BundleAdjust bool
	Notify       func(events.Event)

	log *slog.Logger
}

// NewMerger returns a merger using rec for model_merger and bundle_adjuster.
func NewMerger(rec engine.Reconstructor, opts engine.Options, bundleAdjust bool, log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{Engine: rec, Options: opts, BundleAdjust: bundleAdjust, log: log}
}

func (m *Merger) warn(msg string) {
	m.log.Warn(msg)
	if m.Notify != nil {
		m.Notify(events.Event{Type: events.TypeWarning, Stage: engine.StageMerge, Message: msg})
	}
}

// Merge combines the sparse models of every Done chunk into
// sparse_merged/0. Chunk models are left in place.
func (m *Merger) Merge(ctx context.Context, projectDir string, chunks []Chunk) (MergeResult, error) {
	var done []Chunk
	for _, c := range chunks {
		if c.Status == Done {
			done = append(done, c)
		}
	}
	if len(done) == 0 {
		return MergeResult{}, apperr.Newf(apperr.ErrEngineOutput, engine.StageMerge, "no chunk produced a sparse model")
	}

	mergedDir := MergedDir(projectDir)
	if err := os.RemoveAll(mergedDir); err != nil {
		return MergeResult{}, err
	}
	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return MergeResult{}, err
	}
	out := filepath.Join(mergedDir, "0")

	res := MergeResult{Model: out, Included: []int{done[0].ID}}
	// floor holds the per-element maximum over the included chunks.
	floor, err := model.ReadSparse(done[0].SparseModel())
	if err != nil {
		return res, apperr.New(apperr.ErrEngineOutput, engine.StageMerge, fmt.Errorf("%s: %w", done[0].Name(), err))
	}

	current := done[0].SparseModel()
	var temps []string
	for k, next := range done[1:] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		nextStats, err := model.ReadSparse(next.SparseModel())
		if err != nil {
			m.warn(fmt.Sprintf("skipping %s in merge: %v", next.Name(), err))
			res.Skipped = append(res.Skipped, next.ID)
			continue
		}
		target := filepath.Join(mergedDir, fmt.Sprintf("tmp_%d", k+1))
		opts := m.Options
		opts.Verify = func() error { return model.ValidateSparse(target) }
		if _, err := m.Engine.MergeModels(ctx, current, next.SparseModel(), target, opts); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			_ = os.RemoveAll(target)
			m.warn(fmt.Sprintf("merging %s failed, continuing without it: %v", next.Name(), err))
			res.Skipped = append(res.Skipped, next.ID)
			continue
		}
		temps = append(temps, target)
		current = target
		res.Included = append(res.Included, next.ID)
		floor = floor.Max(nextStats)
	}

	if len(temps) > 0 && current == temps[len(temps)-1] {
		if err := os.Rename(current, out); err != nil {
			return res, err
		}
		temps = temps[:len(temps)-1]
	} else if err := fsutil.CopyDir(current, out); err != nil {
		return res, fmt.Errorf("copy %s: %w", current, err)
	}
	for _, t := range temps {
		_ = os.RemoveAll(t)
	}

	if m.BundleAdjust {
		m.adjust(ctx, mergedDir, out, &res)
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	stats, err := model.ReadSparse(out)
	if err != nil {
		return res, apperr.New(apperr.ErrEngineOutput, engine.StageMerge, err)
	}
	res.Stats = stats
	if !stats.Covers(floor) {
		return res, apperr.Newf(apperr.ErrEngineOutput, engine.StageMerge,
			"merged model (%s) is smaller than its largest chunks (%s)", stats, floor)
	}
	m.log.Info("chunks merged", "model", out, "included", res.Included, "skipped", res.Skipped, "stats", stats.String())
	return res, nil
}

// adjust runs a global bundle adjustment pass. Failure keeps the
// unadjusted model.
func (m *Merger) adjust(ctx context.Context, mergedDir, out string, res *MergeResult) {
	adjusted := filepath.Join(mergedDir, "adjusted")
	opts := m.Options
	opts.Verify = func() error { return model.ValidateSparse(adjusted) }
	if _, err := m.Engine.BundleAdjust(ctx, out, adjusted, opts); err != nil {
		_ = os.RemoveAll(adjusted)
		if !errors.Is(err, context.Canceled) {
			m.warn(fmt.Sprintf("global bundle adjustment failed, keeping merged model: %v", err))
		}
		return
	}
	if err := os.RemoveAll(out); err != nil {
		m.warn(fmt.Sprintf("replace merged model: %v", err))
		return
	}
	if err := os.Rename(adjusted, out); err != nil {
		m.warn(fmt.Sprintf("replace merged model: %v", err))
		return
	}
	res.Adjusted = true
}
