// Package testutil writes minimal engine artifacts for tests.
package testutil

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// WriteSparseModel writes cameras.bin, images.bin and points3D.bin headers
// carrying the given counts into dir.
func WriteSparseModel(dir string, cameras, images, points int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, n := range map[string]int{"cameras.bin": cameras, "images.bin": images, "points3D.bin": points} {
		buf := make([]byte, 8, 16)
		binary.LittleEndian.PutUint64(buf, uint64(n))
		buf = append(buf, make([]byte, 8)...) // body bytes are never parsed
		if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WritePLY writes an ASCII PLY with n vertices.
func WritePLY(path string, n int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("ply\nformat ascii 1.0\nelement vertex %d\nproperty float x\nproperty float y\nproperty float z\nend_header\n", n)
	for i := 0; i < n; i++ {
		content += fmt.Sprintf("%d 0 0\n", i)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// WriteDatabase creates a COLMAP-shaped database with images keypoint sets
// and pairs verified two-view geometries. Existing content is replaced.
func WriteDatabase(path string, images, pairs int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = os.Remove(path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE images (image_id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE, camera_id INTEGER NOT NULL)`,
		`CREATE TABLE keypoints (image_id INTEGER PRIMARY KEY, rows INTEGER NOT NULL, cols INTEGER NOT NULL, data BLOB)`,
		`CREATE TABLE two_view_geometries (pair_id INTEGER PRIMARY KEY, rows INTEGER NOT NULL, cols INTEGER NOT NULL, data BLOB, config INTEGER NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	for i := 1; i <= images; i++ {
		if _, err := db.Exec(`INSERT INTO images (image_id, name, camera_id) VALUES (?, ?, 1)`, i, fmt.Sprintf("img_%04d.jpg", i)); err != nil {
			return err
		}
		if _, err := db.Exec(`INSERT INTO keypoints (image_id, rows, cols) VALUES (?, 500, 6)`, i); err != nil {
			return err
		}
	}
	for i := 1; i <= pairs; i++ {
		if _, err := db.Exec(`INSERT INTO two_view_geometries (pair_id, rows, cols, config) VALUES (?, 120, 2, 2)`, i); err != nil {
			return err
		}
	}
	return nil
}

// WriteImages creates n small placeholder JPEG-named files in dir and
// returns their names.
func WriteImages(dir string, n int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("img_%04d.jpg", i+1)
		if err := os.WriteFile(filepath.Join(dir, names[i]), []byte{0xff, 0xd8, 0xff, byte(i)}, 0o644); err != nil {
			return nil, err
		}
	}
	return names, nil
}
