package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mapfree/internal/config"
)

// Logical tool names.
const (
	ToolColmap   = "colmap"
	ToolOpenMVS  = "openmvs"
	ToolPDAL     = "pdal"
	ToolExiftool = "exiftool"
	ToolGPUQuery = "nvidia-smi"
)

// OpenMVS executables, in pipeline order.
var openMVSBinaries = []string{
	"InterfaceCOLMAP",
	"DensifyPointCloud",
	"ReconstructMesh",
	"RefineMesh",
	"TextureMesh",
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Tools resolves and probes the external collaborators named in config.
type Tools struct {
	cfg config.Engines
}

// NewTools creates a tool checker for the configured binaries.
func NewTools(cfg config.Engines) *Tools {
	return &Tools{cfg: cfg}
}

// Names lists the logical tools reported by Status.
func (t *Tools) Names() []string {
	return []string{ToolColmap, ToolOpenMVS, ToolPDAL, ToolExiftool, ToolGPUQuery}
}

// Resolve returns the executable path for one binary, honoring
// openmvs_bin_dir for OpenMVS programs. Unresolvable names are returned as-is.
func (t *Tools) Resolve(binary string) string {
	switch binary {
	case ToolColmap:
		binary = orDefault(t.cfg.ColmapBin, ToolColmap)
	case ToolPDAL:
		binary = orDefault(t.cfg.PDALBin, ToolPDAL)
	case ToolExiftool:
		binary = orDefault(t.cfg.ExiftoolBin, ToolExiftool)
	}
	for _, name := range openMVSBinaries {
		if binary == name && t.cfg.OpenMVSBinDir != "" {
			candidate := filepath.Join(t.cfg.OpenMVSBinDir, name)
			if path, err := exec.LookPath(candidate); err == nil {
				return path
			}
		}
	}
	if path, err := exec.LookPath(binary); err == nil {
		return path
	}
	return binary
}

// Check verifies if a tool is available and working
func (t *Tools) Check(ctx context.Context, tool string) ToolStatus {
	var binary string
	var versionArgs []string
	switch tool {
	case ToolColmap:
		binary, versionArgs = t.Resolve(ToolColmap), []string{"help"}
	case ToolOpenMVS:
		// All five programs must be present; the first one reports the version.
		for _, name := range openMVSBinaries[1:] {
			if _, err := exec.LookPath(t.Resolve(name)); err != nil {
				return ToolStatus{Error: fmt.Sprintf("missing OpenMVS tool: %s", name)}
			}
		}
		binary, versionArgs = t.Resolve(openMVSBinaries[0]), []string{"--help"}
	case ToolPDAL:
		binary, versionArgs = t.Resolve(ToolPDAL), []string{"--version"}
	case ToolExiftool:
		binary, versionArgs = t.Resolve(ToolExiftool), []string{"-ver"}
	case ToolGPUQuery:
		binary, versionArgs = ToolGPUQuery, []string{"--version"}
	default:
		binary = tool
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return ToolStatus{Error: err.Error()}
	}
	if versionArgs == nil {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, versionArgs...).CombinedOutput()
	if err != nil {
		// Several of these print usage and exit non-zero.
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Path: path, Error: err.Error()}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Available is a shorthand for Check(...).Available.
func (t *Tools) Available(ctx context.Context, tool string) bool {
	return t.Check(ctx, tool).Available
}

// Status returns the availability of every known tool.
func (t *Tools) Status(ctx context.Context) map[string]ToolStatus {
	status := make(map[string]ToolStatus, len(t.Names()))
	for _, name := range t.Names() {
		status[name] = t.Check(ctx, name)
	}
	return status
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
