//go:build !windows

package exif

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder(t *testing.T) {
	images := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"}
	tags := map[string]Tags{
		"a.jpg": {HasGPS: false, CapturedAt: "2024:01:01 10:00:00"},
		"b.jpg": {HasGPS: true, Lat: 47.2, Lon: 8.1, CapturedAt: "2024:01:01 10:00:05"},
		"c.jpg": {HasGPS: true, Lat: 47.1, Lon: 8.1},
		"d.jpg": {HasGPS: true, Lat: 47.2, Lon: 8.1, CapturedAt: "2024:01:01 10:00:01"},
	}
	// An untimed image sorts before timed ones within the same position.
	assert.Equal(t, []string{"c.jpg", "d.jpg", "b.jpg", "e.jpg", "a.jpg"}, Order(images, tags))
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"}, images, "input untouched")
}

func writeFakeExiftool(t *testing.T, dir, imageDir string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
cat <<'EOF'
[{"SourceFile":"%[1]s/img_0001.jpg","GPSLatitude":47.5,"GPSLongitude":8.2,"DateTimeOriginal":"2024:05:01 10:00:02"},
 {"SourceFile":"%[1]s/img_0002.jpg","GPSLatitude":47.4,"GPSLongitude":8.2,"DateTimeOriginal":"2024:05:01 10:00:01"},
 {"SourceFile":"%[1]s/img_0003.jpg","CreateDate":"2024:05:01 09:59:00"}]
EOF
exit 1
`, imageDir)
	path := filepath.Join(dir, "exiftool")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestReadAndOrderImages(t *testing.T) {
	imageDir := t.TempDir()
	bin := writeFakeExiftool(t, t.TempDir(), imageDir)
	r := NewReader(bin, nil)
	images := []string{"img_0001.jpg", "img_0002.jpg", "img_0003.jpg"}

	tags, err := r.Read(context.Background(), imageDir, images)
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.True(t, tags["img_0001.jpg"].HasGPS)
	assert.False(t, tags["img_0003.jpg"].HasGPS)
	assert.Equal(t, "2024:05:01 09:59:00", tags["img_0003.jpg"].CapturedAt)

	ordered := r.OrderImages(context.Background(), imageDir, images)
	assert.Equal(t, []string{"img_0002.jpg", "img_0001.jpg", "img_0003.jpg"}, ordered)
}

func TestOrderImagesWithoutExiftool(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "missing-exiftool"), nil)
	images := []string{"b.jpg", "a.jpg"}
	assert.Equal(t, images, r.OrderImages(context.Background(), t.TempDir(), images))
}
