//go:build !windows

package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapfree/internal/config"
	"mapfree/internal/profile"
)

// fakeColmap records each invocation's arguments, one line per call, and
// creates the database or model directories colmap would.
func fakeColmap(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	script := `echo "$@" >> ` + argsFile + `
while [ $# -gt 0 ]; do
  case "$1" in
    --database_path) touch "$2" ;;
    --output_path) mkdir -p "$2/0" ;;
  esac
  shift
done`
	path := filepath.Join(dir, "colmap")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path, argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestColmapCommandsFollowOptions(t *testing.T) {
	bin, argsFile := fakeColmap(t)
	a, _ := newTestAdapter(t, 0)
	c := NewColmap(bin, a, config.Default().Timeouts)
	root := t.TempDir()
	ws := Workspace{
		Root:      root,
		ImageDir:  filepath.Join(root, "images"),
		ImageList: filepath.Join(root, "image_list.txt"),
		Database:  filepath.Join(root, "database.db"),
		SparseDir: filepath.Join(root, "sparse"),
		Label:     "chunk_001",
	}
	opts := OptionsFor(profile.Profile{
		MaxImageSize: 1600, DenseMaxImageSize: 1000, MaxFeatures: 8000,
		Matcher: profile.Exhaustive, UseGPU: false,
	}, 4)
	ctx := context.Background()

	_, err := c.ExtractFeatures(ctx, ws, opts)
	require.NoError(t, err)
	_, err = c.Match(ctx, ws, opts)
	require.NoError(t, err)
	_, err = c.ReconstructSparse(ctx, ws, opts)
	require.NoError(t, err)

	lines := readArgs(t, argsFile)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "feature_extractor "))
	assert.Contains(t, lines[0], "--SiftExtraction.use_gpu 0")
	assert.Contains(t, lines[0], "--SiftExtraction.max_image_size 1600")
	assert.Contains(t, lines[0], "--image_list_path "+ws.ImageList)
	assert.Contains(t, lines[0], "--SiftExtraction.num_threads 4")
	assert.True(t, strings.HasPrefix(lines[1], "exhaustive_matcher "))
	assert.Contains(t, lines[1], "--SiftMatching.use_gpu 0")
	assert.True(t, strings.HasPrefix(lines[2], "mapper "))

	_, err = os.Stat(filepath.Join(a.LogDir, "features_chunk_001.log"))
	assert.NoError(t, err)
}

func TestColmapDenseDisablesGPUIndex(t *testing.T) {
	bin, argsFile := fakeColmap(t)
	a, _ := newTestAdapter(t, 0)
	c := NewColmap(bin, a, config.Default().Timeouts)
	project := t.TempDir()

	out, err := c.ReconstructDense(context.Background(), DenseInput{
		ProjectDir:  project,
		ImageDir:    filepath.Join(project, "images"),
		SparseModel: filepath.Join(project, "sparse", "0"),
	}, Options{UseGPU: false, DenseMaxImageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, "dense", "fused.ply"), out.PointCloud)

	lines := readArgs(t, argsFile)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "image_undistorter "))
	assert.Contains(t, lines[1], "--PatchMatchStereo.gpu_index -1")
	assert.True(t, strings.HasPrefix(lines[2], "stereo_fusion "))
}

func TestMatchRejectsUnknownMatcher(t *testing.T) {
	bin, _ := fakeColmap(t)
	a, _ := newTestAdapter(t, 0)
	c := NewColmap(bin, a, config.Timeouts{})

	_, err := c.Match(context.Background(), Workspace{Database: filepath.Join(t.TempDir(), "db")}, Options{Matcher: "vocab_tree"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown matcher")
}

func TestGeospatialWritesPipelines(t *testing.T) {
	dir := t.TempDir()
	pdal := filepath.Join(dir, "pdal")
	// Each pipeline's last writer output is created from the JSON filename entries.
	script := `for f in $(grep -o '"filename": "[^"]*"' "$2" | sed 's/"filename": "//; s/"$//'); do touch "$f"; done`
	require.NoError(t, os.WriteFile(pdal, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	a, _ := newTestAdapter(t, 0)
	g := NewGeospatial(pdal, a, 0)
	outDir := filepath.Join(t.TempDir(), "geospatial")
	out, err := g.Run(context.Background(), filepath.Join(dir, "fused.ply"), outDir, Options{})
	require.NoError(t, err)
	assert.FileExists(t, out.DSM)
	assert.FileExists(t, out.DTM)

	data, err := os.ReadFile(filepath.Join(outDir, "02_ground.json"))
	require.NoError(t, err)
	var doc struct {
		Pipeline []map[string]any `json:"pipeline"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Pipeline, 3)
	assert.Equal(t, "filters.smrf", doc.Pipeline[1]["type"])
}

func TestClassifierPrecedence(t *testing.T) {
	c := NewClassifier(config.Classifier{
		ExitCodes:     map[string]string{"137": string(ClassTransientGPU), "0": string(ClassFatal)},
		GPUSignatures: []string{"VK_ERROR_DEVICE_LOST"},
	})

	assert.Equal(t, ClassTransientGPU, c.Classify(137, "segmentation fault"))
	assert.Equal(t, ClassUnknown, c.Classify(0, "all good"))
	assert.Equal(t, ClassTransientGPU, c.Classify(1, "vk_error_device_lost"))
	assert.Equal(t, ClassTransientGPU, c.Classify(1, "SiftGPU: failed to create context"))
	assert.Equal(t, ClassFatal, c.Classify(134, "terminate called after throwing an instance"))
	assert.Equal(t, ClassUnknown, c.Classify(1, "no good initial image pair"))
}

func TestToolsCheckRespectsPath(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\necho 'COLMAP 3.9 -- Structure-from-Motion'\necho 'version 3.9'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "colmap"), []byte(script), 0o755))
	t.Setenv("PATH", dir)

	tools := NewTools(config.Default().Engines)
	status := tools.Check(context.Background(), ToolColmap)
	assert.True(t, status.Available)
	assert.Equal(t, "version 3.9", status.Version)

	assert.False(t, tools.Check(context.Background(), ToolPDAL).Available)
	assert.False(t, tools.Check(context.Background(), ToolOpenMVS).Available)
	assert.Len(t, tools.Status(context.Background()), 5)
}

func TestToolsResolveOpenMVSBinDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DensifyPointCloud"), []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", t.TempDir())

	tools := NewTools(config.Engines{OpenMVSBinDir: dir})
	assert.Equal(t, filepath.Join(dir, "DensifyPointCloud"), tools.Resolve("DensifyPointCloud"))
	assert.Equal(t, "TextureMesh", tools.Resolve("TextureMesh"))
}
