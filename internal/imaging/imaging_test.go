package imaging

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapfree/internal/apperr"
)

type fakeInspector struct {
	bad  string
	seen []string
}

func (f *fakeInspector) Inspect(path string) (Info, error) {
	f.seen = append(f.seen, filepath.Base(path))
	if filepath.Base(path) == f.bad {
		return Info{}, errors.New("corrupt header")
	}
	return Info{Path: path, Width: 4000, Height: 3000, Format: "JPEG"}, nil
}

func TestSample(t *testing.T) {
	images := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	assert.Equal(t, []string{"a", "d", "g", "j"}, Sample(images, 4))
	assert.Equal(t, images, Sample(images, 20))
	assert.Equal(t, images, Sample(images, 0))
	assert.Equal(t, []string{"a"}, Sample(images, 1))
}

func TestCheckReportsUnreadableImage(t *testing.T) {
	insp := &fakeInspector{bad: "c.jpg"}
	_, err := Check(insp, "/photos", []string{"a.jpg", "b.jpg", "c.jpg"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "c.jpg")

	insp = &fakeInspector{}
	infos, err := Check(insp, "/photos", []string{"a.jpg", "b.jpg", "c.jpg"}, 2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.jpg", infos[0].Path)
	assert.Equal(t, []string{"a.jpg", "c.jpg"}, insp.seen)
}

func TestMagickInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 32, 24))))
	require.NoError(t, f.Close())

	m := NewMagick()
	defer m.Close()

	info, err := m.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, 32, info.Width)
	assert.Equal(t, 24, info.Height)
	assert.Equal(t, "PNG", info.Format)

	garbage := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	_, err = m.Inspect(garbage)
	assert.Error(t, err)
}
