// Package imaging probes input photographs before any engine runs, so a
// truncated or unreadable file fails the run up front.
package imaging

import (
	"fmt"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"mapfree/internal/apperr"
)

// Info is what a probe learns about one image without decoding pixels.
type Info struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Inspector reads image headers.
type Inspector interface {
	Inspect(path string) (Info, error)
}

// Magick inspects images with ImageMagick's ping, which reads headers only.
type Magick struct {
	once sync.Once
}

// NewMagick initializes the ImageMagick environment. Call Close when done.
func NewMagick() *Magick {
	imagick.Initialize()
	return &Magick{}
}

// Close tears down the ImageMagick environment.
func (m *Magick) Close() {
	m.once.Do(imagick.Terminate)
}

// Inspect pings path and reports its dimensions and format.
func (m *Magick) Inspect(path string) (Info, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return Info{Path: path}, fmt.Errorf("ping %s: %w", filepath.Base(path), err)
	}
	info := Info{
		Path:   path,
		Width:  int(mw.GetImageWidth()),
		Height: int(mw.GetImageHeight()),
		Format: mw.GetImageFormat(),
	}
	if info.Width == 0 || info.Height == 0 {
		return info, fmt.Errorf("%s has no pixels", filepath.Base(path))
	}
	return info, nil
}

// Sample picks up to n names spread evenly over images, always including
// the first and last.
func Sample(images []string, n int) []string {
	if n <= 0 || len(images) <= n {
		return append([]string(nil), images...)
	}
	if n == 1 {
		return []string{images[0]}
	}
	out := make([]string, 0, n)
	step := float64(len(images)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, images[int(float64(i)*step+0.5)])
	}
	return out
}

// Check inspects a sample of images under dir. Any unreadable image is a
// validation error naming the file.
func Check(insp Inspector, dir string, images []string, n int) ([]Info, error) {
	if insp == nil {
		return nil, nil
	}
	sample := Sample(images, n)
	infos := make([]Info, 0, len(sample))
	for _, name := range sample {
		info, err := insp.Inspect(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return infos, apperr.Validation("unreadable image %s: %v", name, err)
		}
		info.Path = name
		infos = append(infos, info)
	}
	return infos, nil
}
