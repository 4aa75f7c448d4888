package model

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PLYVertexCount reads the vertex element count from a PLY header.
func PLYVertexCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	first, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(first) != "ply" {
		return 0, fmt.Errorf("%s is not a PLY file", filepath.Base(path))
	}
	for i := 0; i < 1024; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("%s: unterminated header", filepath.Base(path))
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "end_header" {
			return 0, fmt.Errorf("%s: no vertex element", filepath.Base(path))
		}
		if len(fields) == 3 && fields[0] == "element" && fields[1] == "vertex" {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return 0, fmt.Errorf("%s: bad vertex count %q", filepath.Base(path), fields[2])
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s: header too long", filepath.Base(path))
}

// ValidateCloud requires a PLY with at least one vertex.
func ValidateCloud(path string) error {
	n, err := PLYVertexCount(path)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("point cloud %s is empty", path)
	}
	return nil
}

// DepthMaps lists the non-empty depth maps of an undistorted workspace.
func DepthMaps(workspace string) []string {
	matches, _ := filepath.Glob(filepath.Join(workspace, "stereo", "depth_maps", "*.bin"))
	var out []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Size() > 0 {
			out = append(out, m)
		}
	}
	return out
}

// ValidateDense accepts a non-empty fused cloud, or when the cloud is
// missing, non-empty depth maps in workspace.
func ValidateDense(cloud, workspace string) error {
	err := ValidateCloud(cloud)
	if err == nil {
		return nil
	}
	if _, statErr := os.Stat(cloud); os.IsNotExist(statErr) && workspace != "" && len(DepthMaps(workspace)) > 0 {
		return nil
	}
	return fmt.Errorf("dense output invalid: %w", err)
}
