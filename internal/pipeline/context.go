package pipeline

import (
	"path/filepath"
	"time"

	"mapfree/internal/chunk"
	"mapfree/internal/config"
	"mapfree/internal/engine"
	"mapfree/internal/hardware"
	"mapfree/internal/profile"
	"mapfree/internal/state"
)

// Request is one run as asked for by a front end. Zero values fall back to
// the configuration.
type Request struct {
	RunID        string             `json:"run_id,omitempty"`
	ImageDir     string             `json:"image_dir"`
	ProjectDir   string             `json:"project_dir"`
	ChunkSize    int                `json:"chunk_size,omitempty"`
	ForceProfile string             `json:"force_profile,omitempty"`
	Quality      config.Quality     `json:"quality,omitempty"`
	DenseEngine  config.DenseEngine `json:"dense_engine,omitempty"`
	Geospatial   bool               `json:"geospatial,omitempty"`
}

// ProjectContext is built once in Prepare and read-only afterwards.
type ProjectContext struct {
	RunID            string
	ProjectDir       string
	ImageDir         string
	Images           []string // relative to ImageDir, in processing order
	InputFingerprint string
	Hardware         hardware.Reading
	Profile          profile.Profile // quality preset applied
	Quality          config.Quality
	ChunkSize        int
	ChunkOverlap     int
	DenseEngine      config.DenseEngine
	Geospatial       bool
	BundleAdjust     bool
	NumThreads       int
}

// Chunked reports whether sparse reconstruction runs per chunk.
func (pc *ProjectContext) Chunked() bool { return chunk.Needed(len(pc.Images), pc.ChunkSize) }

// Options are the engine options for this run.
func (pc *ProjectContext) Options() engine.Options {
	return engine.OptionsFor(pc.Profile, pc.NumThreads)
}

func (pc *ProjectContext) LogDir() string { return filepath.Join(pc.ProjectDir, "logs") }
func (pc *ProjectContext) FinalDir() string { return filepath.Join(pc.ProjectDir, "final_results") }
func (pc *ProjectContext) GeospatialDir() string { return filepath.Join(pc.ProjectDir, "geospatial") }

// Workspace is the whole-project workspace of an unchunked run.
func (pc *ProjectContext) Workspace() engine.Workspace {
	return engine.Workspace{
		Root:      pc.ProjectDir,
		ImageDir:  pc.ImageDir,
		ImageList: filepath.Join(pc.ProjectDir, "image_list.txt"),
		Database:  filepath.Join(pc.ProjectDir, "database.db"),
		SparseDir: filepath.Join(pc.ProjectDir, "sparse"),
	}
}

// SparseModel is the model the dense stage reads.
func (pc *ProjectContext) SparseModel() string {
	if pc.Chunked() {
		return filepath.Join(chunk.MergedDir(pc.ProjectDir), "0")
	}
	return filepath.Join(pc.ProjectDir, "sparse", "0")
}

// DenseCloud is the fused cloud of the selected dense engine and the
// workspace holding its depth maps.
func (pc *ProjectContext) DenseCloud() (cloud, workspace string) {
	if pc.DenseEngine == config.DenseOpenMVS {
		dir := engine.OpenMVSDir(pc.ProjectDir)
		return filepath.Join(dir, "scene_dense.ply"), filepath.Join(dir, "undistorted")
	}
	dense := filepath.Join(pc.ProjectDir, "dense")
	return filepath.Join(dense, "fused.ply"), dense
}

// Summary reports a finished run.
type Summary struct {
	RunID      string        `json:"run_id"`
	ProjectDir string        `json:"project_dir"`
	State      state.State   `json:"state"`
	Profile    profile.Name  `json:"profile"`
	Images     int           `json:"images"`
	Chunks     int           `json:"chunks"`
	Ran        []string      `json:"ran"`
	Skipped    []string      `json:"skipped"`
	FinalDir   string        `json:"final_dir"`
	Duration   time.Duration `json:"duration"`
}
