// Package exif reads capture position and time with exiftool and orders
// images along the flight path.
package exif

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Tags holds the capture metadata used for ordering.
type Tags struct {
	File       string
	HasGPS     bool
	Lat        float64
	Lon        float64
	CapturedAt string // exiftool "YYYY:MM:DD HH:MM:SS", sorts lexically
}

// Reader shells out to exiftool in batches.
type Reader struct {
	Bin       string
	BatchSize int
	log       *slog.Logger
}

// NewReader returns a reader using bin (default "exiftool").
func NewReader(bin string, log *slog.Logger) *Reader {
	if bin == "" {
		bin = "exiftool"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reader{Bin: bin, BatchSize: 200, log: log}
}

// Available reports whether the exiftool binary resolves.
func (r *Reader) Available() bool {
	_, err := exec.LookPath(r.Bin)
	return err == nil
}

type exiftoolRecord struct {
	SourceFile       string   `json:"SourceFile"`
	GPSLatitude      *float64 `json:"GPSLatitude"`
	GPSLongitude     *float64 `json:"GPSLongitude"`
	DateTimeOriginal any      `json:"DateTimeOriginal"`
	CreateDate       any      `json:"CreateDate"`
}

// Read returns tags keyed by image name (relative to dir). Images exiftool
// cannot read are simply absent.
func (r *Reader) Read(ctx context.Context, dir string, images []string) (map[string]Tags, error) {
	out := make(map[string]Tags, len(images))
	byPath := make(map[string]string, len(images))
	for _, name := range images {
		byPath[filepath.Clean(filepath.Join(dir, filepath.FromSlash(name)))] = name
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = len(images)
	}
	for start := 0; start < len(images); start += batch {
		end := min(start+batch, len(images))
		args := []string{"-json", "-n", "-GPSLatitude", "-GPSLongitude", "-DateTimeOriginal", "-CreateDate"}
		for _, name := range images[start:end] {
			args = append(args, filepath.Join(dir, filepath.FromSlash(name)))
		}
		records, err := r.run(ctx, args)
		if err != nil {
			return out, err
		}
		for _, rec := range records {
			name, ok := byPath[filepath.Clean(rec.SourceFile)]
			if !ok {
				continue
			}
			out[name] = rec.tags(name)
		}
	}
	return out, nil
}

func (r *Reader) run(ctx context.Context, args []string) ([]exiftoolRecord, error) {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// exiftool exits 1 when some files had no readable metadata but still
	// prints JSON for the rest.
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stdout.Len() == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("exiftool: %w: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, nil
	}
	var records []exiftoolRecord
	if err := json.Unmarshal(stdout.Bytes(), &records); err != nil {
		return nil, fmt.Errorf("parse exiftool output: %w", err)
	}
	if runErr != nil {
		r.log.Debug("exiftool reported errors", "error", runErr, "stderr", strings.TrimSpace(stderr.String()))
	}
	return records, nil
}

func (rec exiftoolRecord) tags(name string) Tags {
	t := Tags{File: name}
	if rec.GPSLatitude != nil && rec.GPSLongitude != nil && (*rec.GPSLatitude != 0 || *rec.GPSLongitude != 0) {
		t.HasGPS = true
		t.Lat, t.Lon = *rec.GPSLatitude, *rec.GPSLongitude
	}
	for _, v := range []any{rec.DateTimeOriginal, rec.CreateDate} {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			t.CapturedAt = strings.TrimSpace(s)
			break
		}
	}
	return t
}

// Order sorts images by GPS position then capture time then name. Images
// without GPS go last. A missing capture time sorts before any recorded one.
func Order(images []string, tags map[string]Tags) []string {
	out := append([]string(nil), images...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := tags[out[i]], tags[out[j]]
		if a.HasGPS != b.HasGPS {
			return a.HasGPS
		}
		if a.Lat != b.Lat {
			return a.Lat < b.Lat
		}
		if a.Lon != b.Lon {
			return a.Lon < b.Lon
		}
		if a.CapturedAt != b.CapturedAt {
			return a.CapturedAt < b.CapturedAt
		}
		return out[i] < out[j]
	})
	return out
}

// OrderImages reads tags and orders images. When exiftool is missing or
// fails, the input order is kept and the error is logged.
func (r *Reader) OrderImages(ctx context.Context, dir string, images []string) []string {
	if !r.Available() {
		r.log.Warn("exiftool not found, keeping name order", "bin", r.Bin)
		return images
	}
	tags, err := r.Read(ctx, dir, images)
	if err != nil {
		r.log.Warn("exif read failed, keeping name order", "error", err)
		return images
	}
	return Order(images, tags)
}
