// Package chunk splits large image sets into overlapping chunks that are
// reconstructed independently and merged back into one sparse model.
package chunk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mapfree/internal/engine"
	"mapfree/internal/fsutil"
)

// Status is the lifecycle of one chunk within a run.
type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Done    Status = "done"
	Failed  Status = "failed"
)

// Chunk is one independently reconstructed subset of the input images.
type Chunk struct {
	ID      int      `json:"id"`
	Images  []string `json:"images"`  // all members, overlap first
	Overlap []string `json:"overlap"` // members shared with the previous chunk
	Dir     string   `json:"dir"`
	Status  Status   `json:"status"`
	Error   string   `json:"error,omitempty"`
}

// Name is the chunk's directory name, chunk_NNN.
func (c Chunk) Name() string { return fmt.Sprintf("chunk_%03d", c.ID) }

// ImageList is the path of the chunk's image list file.
func (c Chunk) ImageList() string { return filepath.Join(c.Dir, "image_list.txt") }

// Database is the chunk's COLMAP database.
func (c Chunk) Database() string { return filepath.Join(c.Dir, "database.db") }

// SparseDir holds the mapper output of the chunk.
func (c Chunk) SparseDir() string { return filepath.Join(c.Dir, "sparse") }

// SparseModel is the chunk's primary model directory.
func (c Chunk) SparseModel() string { return filepath.Join(c.SparseDir(), "0") }

// Workspace describes the chunk to an engine.
func (c Chunk) Workspace(imageDir string) engine.Workspace {
	return engine.Workspace{
		Root:      c.Dir,
		ImageDir:  imageDir,
		ImageList: c.ImageList(),
		Database:  c.Database(),
		SparseDir: c.SparseDir(),
		Label:     c.Name(),
	}
}

// Needed reports whether n images must be chunked at the given size.
func Needed(n, size int) bool { return size > 0 && n > size }

// Plan partitions images into consecutive blocks of size. Every chunk
// after the first is prefixed with the last overlap images of the
// previous block, so overlap images appear in exactly two adjacent chunks.
// At most size images yield a single chunk.
func Plan(images []string, size, overlap int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	if len(images) == 0 {
		return nil, errors.New("no images to chunk")
	}

	var chunks []Chunk
	for start := 0; start < len(images); start += size {
		end := min(start+size, len(images))
		c := Chunk{ID: len(chunks) + 1, Status: Pending}
		if start > 0 && overlap > 0 {
			c.Overlap = append([]string(nil), images[start-overlap:start]...)
		}
		c.Images = append(append([]string(nil), c.Overlap...), images[start:end]...)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Layout assigns each chunk its directory under <project>/chunks and
// writes the image lists.
func Layout(projectDir string, chunks []Chunk) error {
	for i := range chunks {
		chunks[i].Dir = filepath.Join(projectDir, "chunks", chunks[i].Name())
		if err := os.MkdirAll(chunks[i].Dir, 0o755); err != nil {
			return err
		}
		data := []byte(strings.Join(chunks[i].Images, "\n") + "\n")
		if err := fsutil.WriteFileAtomic(chunks[i].ImageList(), data, 0o644); err != nil {
			return fmt.Errorf("write image list for %s: %w", chunks[i].Name(), err)
		}
	}
	return nil
}

// Active returns the chunks that have not failed, in id order.
func Active(chunks []Chunk) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Status != Failed {
			out = append(out, c)
		}
	}
	return out
}

// Describe renders a short plan summary for logs.
func Describe(chunks []Chunk) string {
	sizes := make([]string, len(chunks))
	for i, c := range chunks {
		sizes[i] = fmt.Sprintf("%d", len(c.Images))
	}
	return fmt.Sprintf("%d chunks [%s]", len(chunks), strings.Join(sizes, ", "))
}
