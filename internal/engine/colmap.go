package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"mapfree/internal/config"
	"mapfree/internal/profile"
)

// Stage names used for logs, timeouts and events.
const (
	StageFeatures   = "features"
	StageMatching   = "matching"
	StageSparse     = "sparse"
	StageMerge      = "merge"
	StageDense      = "dense"
	StageExport     = "export"
	StageGeospatial = "geospatial"
)

// Workspace locates one reconstruction unit: the whole project or a chunk.
type Workspace struct {
	Root      string
	ImageDir  string
	ImageList string // optional file of image names relative to ImageDir
	Database  string
	SparseDir string
	Label     string // log suffix, e.g. chunk_002
}

func (w Workspace) logName(stage string) string {
	if w.Label == "" {
		return stage
	}
	return stage + "_" + w.Label
}

// DenseInput is what a Densifier reconstructs from.
type DenseInput struct {
	ProjectDir  string
	ImageDir    string
	SparseModel string // a model directory such as sparse/0
}

// DenseOutput lists the artifacts of a dense reconstruction.
type DenseOutput struct {
	PointCloud string
	Workspace  string // undistorted workspace with depth maps
	Result     Result
}

// MeshOutput lists the artifacts of meshing and texturing.
type MeshOutput struct {
	Mesh     string
	Textured []string
	Result   Result
}

// Reconstructor produces and combines sparse models.
type Reconstructor interface {
	ExtractFeatures(ctx context.Context, ws Workspace, opts Options) (Result, error)
	Match(ctx context.Context, ws Workspace, opts Options) (Result, error)
	ReconstructSparse(ctx context.Context, ws Workspace, opts Options) (Result, error)
	MergeModels(ctx context.Context, a, b, out string, opts Options) (Result, error)
	BundleAdjust(ctx context.Context, in, out string, opts Options) (Result, error)
	ExportPLY(ctx context.Context, model, out string, opts Options) (Result, error)
}

// Densifier produces a dense point cloud from a sparse model.
type Densifier interface {
	ReconstructDense(ctx context.Context, in DenseInput, opts Options) (DenseOutput, error)
}

// Mesher turns a dense reconstruction into a textured mesh.
type Mesher interface {
	Mesh(ctx context.Context, projectDir string, opts Options) (MeshOutput, error)
}

// Colmap drives the colmap executable.
type Colmap struct {
	Bin      string
	Adapter  *Adapter
	Timeouts config.Timeouts
}

// NewColmap returns a COLMAP engine invoking bin through adapter.
func NewColmap(bin string, adapter *Adapter, timeouts config.Timeouts) *Colmap {
	return &Colmap{Bin: orDefault(bin, ToolColmap), Adapter: adapter, Timeouts: timeouts}
}

var _ Reconstructor = (*Colmap)(nil)
var _ Densifier = (*Colmap)(nil)

func (c *Colmap) command(name string, args ...string) Command {
	return Command{Name: name, Path: c.Bin, Args: append([]string{name}, args...)}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func itoa(i int) string { return strconv.Itoa(i) }

// ExtractFeatures runs feature_extractor into the workspace database.
func (c *Colmap) ExtractFeatures(ctx context.Context, ws Workspace, opts Options) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(ws.Database), 0o755); err != nil {
		return Result{Stage: StageFeatures}, err
	}
	return c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageFeatures,
		LogName: ws.logName(StageFeatures),
		Options: opts,
		Outputs: []string{ws.Database},
		Timeout: c.Timeouts.Timeout(StageFeatures),
		Build: func(o Options) ([]Command, error) {
			// A retry must not append to a half-written database.
			_ = os.Remove(ws.Database)
			args := []string{
				"--database_path", ws.Database,
				"--image_path", ws.ImageDir,
				"--ImageReader.single_camera", "1",
				"--ImageReader.camera_model", "OPENCV",
				"--SiftExtraction.max_image_size", itoa(o.MaxImageSize),
				"--SiftExtraction.max_num_features", itoa(o.MaxFeatures),
				"--SiftExtraction.use_gpu", boolFlag(o.UseGPU),
			}
			if ws.ImageList != "" {
				args = append(args, "--image_list_path", ws.ImageList)
			}
			if o.NumThreads > 0 {
				args = append(args, "--SiftExtraction.num_threads", itoa(o.NumThreads))
			}
			return []Command{c.command("feature_extractor", args...)}, nil
		},
	})
}

// Match runs the matcher chosen by opts.Matcher.
func (c *Colmap) Match(ctx context.Context, ws Workspace, opts Options) (Result, error) {
	return c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageMatching,
		LogName: ws.logName(StageMatching),
		Options: opts,
		Outputs: []string{ws.Database},
		Timeout: c.Timeouts.Timeout(StageMatching),
		Build: func(o Options) ([]Command, error) {
			var name string
			switch o.Matcher {
			case profile.Sequential:
				name = "sequential_matcher"
			case profile.Spatial:
				name = "spatial_matcher"
			case profile.Exhaustive, "":
				name = "exhaustive_matcher"
			default:
				return nil, fmt.Errorf("unknown matcher %q", o.Matcher)
			}
			args := []string{
				"--database_path", ws.Database,
				"--SiftMatching.use_gpu", boolFlag(o.UseGPU),
			}
			if o.NumThreads > 0 {
				args = append(args, "--SiftMatching.num_threads", itoa(o.NumThreads))
			}
			return []Command{c.command(name, args...)}, nil
		},
	})
}

// ReconstructSparse runs the incremental mapper into ws.SparseDir.
func (c *Colmap) ReconstructSparse(ctx context.Context, ws Workspace, opts Options) (Result, error) {
	return c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageSparse,
		LogName: ws.logName(StageSparse),
		Options: opts,
		Outputs: []string{ws.SparseDir},
		Timeout: c.Timeouts.Timeout(StageSparse),
		Build: func(o Options) ([]Command, error) {
			if err := os.RemoveAll(ws.SparseDir); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(ws.SparseDir, 0o755); err != nil {
				return nil, err
			}
			args := []string{
				"--database_path", ws.Database,
				"--image_path", ws.ImageDir,
				"--output_path", ws.SparseDir,
				"--Mapper.ba_global_max_num_iterations", "30",
				"--Mapper.ba_local_max_num_iterations", "20",
			}
			if ws.ImageList != "" {
				args = append(args, "--image_list_path", ws.ImageList)
			}
			if o.NumThreads > 0 {
				args = append(args, "--Mapper.num_threads", itoa(o.NumThreads))
			}
			return []Command{c.command("mapper", args...)}, nil
		},
	})
}

// MergeModels combines two sparse models sharing registered images.
func (c *Colmap) MergeModels(ctx context.Context, a, b, out string, opts Options) (Result, error) {
	return c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageMerge,
		Options: opts,
		Outputs: []string{out},
		Timeout: c.Timeouts.Timeout(StageMerge),
		Build: func(Options) ([]Command, error) {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return nil, err
			}
			return []Command{c.command("model_merger",
				"--input_path1", a,
				"--input_path2", b,
				"--output_path", out,
			)}, nil
		},
	})
}

// BundleAdjust refines a model in place or into out.
func (c *Colmap) BundleAdjust(ctx context.Context, in, out string, opts Options) (Result, error) {
	return c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageMerge,
		LogName: "bundle_adjust",
		Options: opts,
		Outputs: []string{out},
		Timeout: c.Timeouts.Timeout(StageMerge),
		Build: func(Options) ([]Command, error) {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return nil, err
			}
			return []Command{c.command("bundle_adjuster",
				"--input_path", in,
				"--output_path", out,
			)}, nil
		},
	})
}

// ExportPLY converts a sparse model into a PLY point cloud.
func (c *Colmap) ExportPLY(ctx context.Context, model, out string, opts Options) (Result, error) {
	return c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageExport,
		Options: opts,
		Outputs: []string{out},
		Timeout: c.Timeouts.Timeout(StageExport),
		Build: func(Options) ([]Command, error) {
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, err
			}
			return []Command{c.command("model_converter",
				"--input_path", model,
				"--output_path", out,
				"--output_type", "PLY",
			)}, nil
		},
	})
}

// undistort builds the image_undistorter step shared by both dense engines.
func (c *Colmap) undistort(in DenseInput, out, format string, maxSize int) Command {
	args := []string{
		"--image_path", in.ImageDir,
		"--input_path", in.SparseModel,
		"--output_path", out,
		"--output_type", format,
	}
	if maxSize > 0 {
		args = append(args, "--max_image_size", itoa(maxSize))
	}
	return c.command("image_undistorter", args...)
}

// ReconstructDense undistorts, runs patch-match stereo and fuses depth maps
// into dense/fused.ply.
func (c *Colmap) ReconstructDense(ctx context.Context, in DenseInput, opts Options) (DenseOutput, error) {
	denseDir := filepath.Join(in.ProjectDir, "dense")
	fused := filepath.Join(denseDir, "fused.ply")
	res, err := c.Adapter.Invoke(ctx, Invocation{
		Stage:   StageDense,
		Options: opts,
		Timeout: c.Timeouts.Timeout(StageDense),
		Build: func(o Options) ([]Command, error) {
			if err := os.MkdirAll(denseDir, 0o755); err != nil {
				return nil, err
			}
			gpuIndex := "-1"
			if o.UseGPU {
				gpuIndex = "0"
			}
			return []Command{
				c.undistort(in, denseDir, "COLMAP", o.DenseMaxImageSize),
				c.command("patch_match_stereo",
					"--workspace_path", denseDir,
					"--workspace_format", "COLMAP",
					"--PatchMatchStereo.gpu_index", gpuIndex,
					"--PatchMatchStereo.max_image_size", itoa(o.DenseMaxImageSize),
					"--PatchMatchStereo.cache_size", "8",
					"--PatchMatchStereo.window_step", "2",
					"--PatchMatchStereo.geom_consistency", "0",
				),
				c.command("stereo_fusion",
					"--workspace_path", denseDir,
					"--workspace_format", "COLMAP",
					"--input_type", "photometric",
					"--output_path", fused,
					"--StereoFusion.max_image_size", itoa(o.DenseMaxImageSize),
				),
			}, nil
		},
	})
	return DenseOutput{PointCloud: fused, Workspace: denseDir, Result: res}, err
}
