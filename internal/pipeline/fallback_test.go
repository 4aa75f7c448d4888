//go:build !windows

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapfree/internal/engine"
	"mapfree/internal/events"
	"mapfree/internal/state"
	"mapfree/internal/testutil"
)

// fakeDenseColmap fails patch_match_stereo on the GPU and fuses a copy of
// a prepared cloud otherwise.
func fakeDenseColmap(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cloud := filepath.Join(dir, "cloud.ply")
	require.NoError(t, testutil.WritePLY(cloud, 500))
	script := `#!/bin/sh
case "$1" in
patch_match_stereo)
  case "$*" in
  *"gpu_index 0"*) echo "CUDA error: out of memory" >&2; exit 1 ;;
  esac
  ;;
stereo_fusion)
  while [ $# -gt 0 ]; do
    if [ "$1" = "--output_path" ]; then out="$2"; fi
    shift
  done
  cp "` + cloud + `" "$out"
  ;;
esac
exit 0
`
	bin := filepath.Join(dir, "colmap")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

func TestRunDenseFallsBackToCPU(t *testing.T) {
	h := newHarness(t, 20, gpuReading(6000))
	bin := fakeDenseColmap(t)
	timeouts := h.orch.Config.Timeouts
	h.orch.Engines = func(ctx context.Context, pc *ProjectContext, adapter *engine.Adapter) (Engines, error) {
		return Engines{Reconstructor: h.engine, Densifier: engine.NewColmap(bin, adapter, timeouts)}, nil
	}

	summary, err := h.run(t, h.request())
	require.NoError(t, err)
	assert.Equal(t, state.Complete, summary.State)

	fallbacks := h.events.ofType(events.TypeFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, engine.StageDense, fallbacks[0].Stage)
	assert.NotEmpty(t, fallbacks[0].RunID)

	log, err := os.ReadFile(filepath.Join(h.project, "logs", "dense.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "CUDA error: out of memory")
	assert.Contains(t, string(log), "gpu=false")
	assert.FileExists(t, filepath.Join(h.project, "final_results", "dense.ply"))
}
