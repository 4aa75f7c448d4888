// Package model checks the structure of engine artifacts: COLMAP sparse
// models and databases, and PLY point clouds.
package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SparseStats counts the content of one sparse model.
type SparseStats struct {
	Cameras int `json:"cameras"`
	Images  int `json:"images"`
	Points  int `json:"points"`
}

// Covers reports whether s has at least as many of every element as o.
func (s SparseStats) Covers(o SparseStats) bool {
	return s.Cameras >= o.Cameras && s.Images >= o.Images && s.Points >= o.Points
}

// Max returns the element-wise maximum of s and o.
func (s SparseStats) Max(o SparseStats) SparseStats {
	return SparseStats{
		Cameras: max(s.Cameras, o.Cameras),
		Images:  max(s.Images, o.Images),
		Points:  max(s.Points, o.Points),
	}
}

func (s SparseStats) String() string {
	return fmt.Sprintf("%d cameras, %d images, %d points", s.Cameras, s.Images, s.Points)
}

// ReadSparse reads element counts from the binary model in dir, falling
// back to the text format. Binary files start with a little-endian uint64
// element count.
func ReadSparse(dir string) (SparseStats, error) {
	var st SparseStats
	files := []struct {
		name  string
		dst   *int
		lines int // text lines per element
	}{
		{"cameras", &st.Cameras, 1},
		{"images", &st.Images, 2},
		{"points3D", &st.Points, 1},
	}
	for _, f := range files {
		n, err := readBinaryCount(filepath.Join(dir, f.name+".bin"))
		if errors.Is(err, os.ErrNotExist) {
			n, err = readTextCount(filepath.Join(dir, f.name+".txt"), f.lines)
		}
		if err != nil {
			return st, fmt.Errorf("read %s: %w", f.name, err)
		}
		*f.dst = n
	}
	return st, nil
}

func readBinaryCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%s: truncated header", filepath.Base(path))
		}
		return 0, err
	}
	if n > 1<<40 {
		return 0, fmt.Errorf("%s: implausible element count %d", filepath.Base(path), n)
	}
	return int(n), nil
}

func readTextCount(path string, linesPerElement int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		// images.txt keeps an empty second line for images without points.
		if line == "" && linesPerElement == 1 {
			continue
		}
		lines++
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return (lines + linesPerElement - 1) / linesPerElement, nil
}

// ValidateSparse requires a readable model with at least one camera,
// two registered images and one point.
func ValidateSparse(dir string) error {
	st, err := ReadSparse(dir)
	if err != nil {
		return err
	}
	switch {
	case st.Cameras == 0:
		return fmt.Errorf("sparse model %s has no cameras", dir)
	case st.Images < 2:
		return fmt.Errorf("sparse model %s registered %d images", dir, st.Images)
	case st.Points == 0:
		return fmt.Errorf("sparse model %s has no 3D points", dir)
	}
	return nil
}

// Models lists the numbered model directories under sparseDir in order.
func Models(sparseDir string) ([]string, error) {
	entries, err := os.ReadDir(sparseDir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.Atoi(e.Name()); err == nil && id >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	dirs := make([]string, len(ids))
	for i, id := range ids {
		dirs[i] = filepath.Join(sparseDir, strconv.Itoa(id))
	}
	return dirs, nil
}

// LargestModel returns the model under sparseDir with the most registered
// images, ties broken by points. The mapper may split a scene into
// several models and the first is not always the largest.
func LargestModel(sparseDir string) (string, SparseStats, error) {
	dirs, err := Models(sparseDir)
	if err != nil {
		return "", SparseStats{}, err
	}
	var (
		best      string
		bestStats SparseStats
	)
	for _, dir := range dirs {
		st, err := ReadSparse(dir)
		if err != nil {
			continue
		}
		if best == "" || st.Images > bestStats.Images ||
			(st.Images == bestStats.Images && st.Points > bestStats.Points) {
			best, bestStats = dir, st
		}
	}
	if best == "" {
		return "", SparseStats{}, fmt.Errorf("no readable model under %s", sparseDir)
	}
	return best, bestStats, nil
}

// PromoteLargest makes the largest model under sparseDir available as
// sparseDir/0, swapping directories when needed, and returns its path.
func PromoteLargest(sparseDir string) (string, SparseStats, error) {
	best, st, err := LargestModel(sparseDir)
	if err != nil {
		return "", st, err
	}
	zero := filepath.Join(sparseDir, "0")
	if best == zero {
		return zero, st, nil
	}
	tmp := filepath.Join(sparseDir, ".swap")
	if _, err := os.Stat(zero); err == nil {
		if err := os.Rename(zero, tmp); err != nil {
			return "", st, err
		}
	}
	if err := os.Rename(best, zero); err != nil {
		return "", st, err
	}
	if _, err := os.Stat(tmp); err == nil {
		if err := os.Rename(tmp, best); err != nil {
			return "", st, err
		}
	}
	return zero, st, nil
}
