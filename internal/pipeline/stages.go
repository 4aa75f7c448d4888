package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mapfree/internal/apperr"
	"mapfree/internal/chunk"
	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/fsutil"
	"mapfree/internal/model"
	"mapfree/internal/state"
)

// Per-chunk steps recorded in the state store.
const (
	stepFeatures = "features"
	stepMatching = "matching"
	stepMapping  = "mapping"
)

// minDenseBytes is the size under which an exported cloud is suspicious.
const minDenseBytes = 1024

type chunkCall func(ctx context.Context, ws engine.Workspace, opts engine.Options) (engine.Result, error)

func (r *run) features(ctx context.Context) error {
	if r.pc.Chunked() {
		if err := r.layoutChunks(); err != nil {
			return err
		}
		err := r.chunkPhase(ctx, state.StageFeatures, stepFeatures, "", r.engines.Reconstructor.ExtractFeatures,
			func(c chunk.Chunk) func() error {
				return func() error { return model.ValidateFeatures(c.Database()) }
			})
		if err != nil {
			return err
		}
		return r.complete(state.StageFeatures, nil, nil)
	}

	ws := r.pc.Workspace()
	if err := fsutil.WriteFileAtomic(ws.ImageList, []byte(strings.Join(r.pc.Images, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write image list: %w", err)
	}
	verify := func() error { return model.ValidateFeatures(ws.Database) }
	res, err := r.engines.Reconstructor.ExtractFeatures(ctx, ws, r.stageOptions(verify))
	r.last = res
	if err != nil {
		return err
	}
	return r.complete(state.StageFeatures, []string{ws.Database}, verify)
}

func (r *run) matching(ctx context.Context) error {
	if r.pc.Chunked() {
		if err := r.layoutChunks(); err != nil {
			return err
		}
		err := r.chunkPhase(ctx, state.StageMatching, stepMatching, stepFeatures, r.engines.Reconstructor.Match,
			func(c chunk.Chunk) func() error {
				return func() error { return model.ValidateMatches(c.Database()) }
			})
		if err != nil {
			return err
		}
		return r.complete(state.StageMatching, nil, nil)
	}

	ws := r.pc.Workspace()
	verify := func() error { return model.ValidateMatches(ws.Database) }
	res, err := r.engines.Reconstructor.Match(ctx, ws, r.stageOptions(verify))
	r.last = res
	if err != nil {
		return err
	}
	return r.complete(state.StageMatching, []string{ws.Database}, verify)
}

// sparseVerify promotes the mapper's largest model to sparse/0 and checks it.
func sparseVerify(sparseDir string) func() error {
	return func() error {
		if _, _, err := model.PromoteLargest(sparseDir); err != nil {
			return err
		}
		return model.ValidateSparse(filepath.Join(sparseDir, "0"))
	}
}

func (r *run) sparse(ctx context.Context) error {
	target := r.pc.SparseModel()
	validate := func() error { return model.ValidateSparse(target) }

	if !r.pc.Chunked() {
		ws := r.pc.Workspace()
		res, err := r.engines.Reconstructor.ReconstructSparse(ctx, ws, r.stageOptions(sparseVerify(ws.SparseDir)))
		r.last = res
		if err != nil {
			return err
		}
		return r.complete(state.StageSparse, []string{target}, validate)
	}

	if err := r.layoutChunks(); err != nil {
		return err
	}
	err := r.chunkPhase(ctx, state.StageSparse, stepMapping, stepMatching, r.engines.Reconstructor.ReconstructSparse,
		func(c chunk.Chunk) func() error { return sparseVerify(c.SparseDir()) })
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	merger := chunk.NewMerger(r.engines.Reconstructor, r.pc.Options(), r.pc.BundleAdjust, r.log)
	merger.Notify = r.publish
	merged, err := merger.Merge(ctx, r.pc.ProjectDir, r.chunks)
	if err != nil {
		return err
	}
	r.log.Info("chunks merged", "model", merged.Model, "stats", merged.Stats.String(),
		"included", merged.Included, "skipped", merged.Skipped, "adjusted", merged.Adjusted)
	return r.complete(state.StageSparse, []string{target}, validate)
}

// layoutChunks prepares chunk directories and restores per-chunk progress.
// It runs once per execution.
func (r *run) layoutChunks() error {
	if len(r.chunks) == 0 || r.chunks[0].Dir != "" {
		return nil
	}
	if err := chunk.Layout(r.pc.ProjectDir, r.chunks); err != nil {
		return err
	}
	if err := r.store.SyncChunks(r.fps[state.StageFeatures]); err != nil {
		return err
	}
	for i := range r.chunks {
		if r.store.ChunkStepDone(r.chunks[i].Name(), stepMapping) {
			r.chunks[i].Status = chunk.Done
		}
	}
	return nil
}

// chunkPhase runs one step over every chunk that finished prev. A chunk
// that fails is excluded from later steps and the merge. The phase fails
// only when no chunk is left.
func (r *run) chunkPhase(ctx context.Context, stage state.Stage, step, prev string, call chunkCall, verify func(chunk.Chunk) func() error) error {
	var lastErr error
	total := len(r.chunks)
	for i := range r.chunks {
		c := &r.chunks[i]
		if c.Status == chunk.Failed {
			continue
		}
		if prev != "" && !r.store.ChunkStepDone(c.Name(), prev) {
			c.Status, c.Error = chunk.Failed, fmt.Sprintf("%s did not complete", prev)
			continue
		}
		if r.store.ChunkStepDone(c.Name(), step) {
			if step == stepMapping {
				c.Status = chunk.Done
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.Status = chunk.Running
		res, err := call(ctx, c.Workspace(r.pc.ImageDir), r.stageOptions(verify(*c)))
		r.last.Attempts += res.Attempts
		r.last.FellBack = r.last.FellBack || res.FellBack
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.Status, c.Error = chunk.Failed, describeErr(err)
			if merr := r.store.MarkChunk(c.Name(), err); merr != nil {
				return merr
			}
			r.log.Warn("chunk failed", "chunk", c.Name(), "step", step, "error", err)
			r.publish(events.Event{Type: events.TypeChunkFailed, Stage: string(stage),
				Message: fmt.Sprintf("%s %s failed: %s", c.Name(), step, c.Error)})
			continue
		}

		c.Status = chunk.Pending
		if step == stepMapping {
			c.Status = chunk.Done
		}
		if err := r.store.ChunkDone(c.Name(), step); err != nil {
			return err
		}
		r.publish(events.Event{Type: events.TypeProgress, Stage: string(stage),
			Message: fmt.Sprintf("%s %s done", c.Name(), step), Progress: float64(i+1) / float64(total)})
	}

	if len(chunk.Active(r.chunks)) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no chunk completed " + prev)
		}
		kind := apperr.KindOf(lastErr)
		if kind == nil {
			kind = apperr.ErrEngineOutput
		}
		return apperr.New(kind, string(stage), fmt.Errorf("every chunk failed %s: %w", step, lastErr))
	}
	return nil
}

func (r *run) dense(ctx context.Context) error {
	cloud, workspace := r.pc.DenseCloud()
	verify := func() error { return model.ValidateDense(cloud, workspace) }
	out, err := r.engines.Densifier.ReconstructDense(ctx, engine.DenseInput{
		ProjectDir:  r.pc.ProjectDir,
		ImageDir:    r.pc.ImageDir,
		SparseModel: r.pc.SparseModel(),
	}, r.stageOptions(verify))
	r.last = out.Result
	if err != nil {
		return err
	}
	if out.Result.FellBack {
		r.log.Warn("dense stage completed on CPU after GPU failure", "max_image_size", out.Result.Options.DenseMaxImageSize)
	}

	if r.engines.Mesher != nil {
		opts := out.Result.Options
		opts.Verify = nil
		mesh, err := r.engines.Mesher.Mesh(ctx, r.pc.ProjectDir, opts)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.publish(events.Event{Type: events.TypeWarning, Stage: string(state.StageDense), Message: "meshing failed: " + describeErr(err)})
		default:
			r.log.Info("mesh textured", "mesh", mesh.Mesh, "files", len(mesh.Textured))
		}
	}

	artifacts := []string{cloud}
	if fsutil.FileSize(cloud) < 0 {
		artifacts = []string{workspace}
	}
	return r.complete(state.StageDense, artifacts, verify)
}

func (r *run) export(ctx context.Context) error {
	final := r.pc.FinalDir()
	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.MkdirAll(final, 0o755); err != nil {
		return err
	}

	sparseOut := filepath.Join(final, "sparse")
	if err := fsutil.CopyDir(r.pc.SparseModel(), sparseOut); err != nil {
		return fmt.Errorf("export sparse model: %w", err)
	}
	artifacts := []string{sparseOut}

	ply := filepath.Join(final, "sparse.ply")
	opts := r.pc.Options()
	opts.Verify = func() error { return model.ValidateCloud(ply) }
	res, err := r.engines.Reconstructor.ExportPLY(ctx, r.pc.SparseModel(), ply, opts)
	r.last = res
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		r.publish(events.Event{Type: events.TypeWarning, Stage: string(state.StageExport), Message: "sparse.ply conversion failed: " + describeErr(err)})
	default:
		artifacts = append(artifacts, ply)
	}

	cloud, _ := r.pc.DenseCloud()
	if size := fsutil.FileSize(cloud); size >= 0 {
		dst := filepath.Join(final, "dense.ply")
		if err := fsutil.CopyFile(cloud, dst); err != nil {
			return fmt.Errorf("export dense cloud: %w", err)
		}
		artifacts = append(artifacts, dst)
		if size < minDenseBytes {
			r.publish(events.Event{Type: events.TypeWarning, Stage: string(state.StageExport),
				Message: fmt.Sprintf("dense cloud is only %d bytes", size)})
		}
	} else {
		r.publish(events.Event{Type: events.TypeWarning, Stage: string(state.StageExport), Message: "no fused dense cloud to export, depth maps only"})
	}

	textured, _ := filepath.Glob(filepath.Join(engine.OpenMVSDir(r.pc.ProjectDir), "scene_textured*"))
	for _, src := range textured {
		if strings.HasSuffix(src, ".mvs") {
			continue
		}
		// Names are kept so the OBJ still finds its material and textures.
		dst := filepath.Join(final, filepath.Base(src))
		if err := fsutil.CopyFile(src, dst); err != nil {
			return fmt.Errorf("export textured mesh: %w", err)
		}
		artifacts = append(artifacts, dst)
	}

	return r.complete(state.StageExport, artifacts, func() error { return model.ValidateSparse(sparseOut) })
}

func (r *run) geospatial(ctx context.Context) error {
	cloud := filepath.Join(r.pc.FinalDir(), "dense.ply")
	if fsutil.FileSize(cloud) < 0 {
		cloud, _ = r.pc.DenseCloud()
	}
	outDir := r.pc.GeospatialDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	out, err := r.engines.Geospatial.Run(ctx, cloud, outDir, r.pc.Options())
	r.last = out.Result
	if err != nil {
		return err
	}
	products := []string{out.PointCloud, out.Classified, out.DSM, out.DTM}
	return r.complete(state.StageGeospatial, products, func() error {
		for _, p := range products {
			if fsutil.FileSize(p) <= 0 {
				return fmt.Errorf("missing geospatial product %s", filepath.Base(p))
			}
		}
		return nil
	})
}
