package model

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseStats summarizes a COLMAP database.
type DatabaseStats struct {
	Images        int `json:"images"`
	KeypointSets  int `json:"keypoint_sets"`  // images with at least one keypoint
	VerifiedPairs int `json:"verified_pairs"` // two-view geometries with inliers
}

// ReadDatabase opens a COLMAP database read-only and counts its content.
func ReadDatabase(path string) (DatabaseStats, error) {
	var st DatabaseStats
	if _, err := os.Stat(path); err != nil {
		return st, err
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return st, err
	}
	defer db.Close()

	if err := db.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&st.Images); err != nil {
		return st, fmt.Errorf("count images: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM keypoints WHERE rows > 0`).Scan(&st.KeypointSets); err != nil {
		return st, fmt.Errorf("count keypoints: %w", err)
	}
	// The table only exists once a matcher has run.
	var exists int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='two_view_geometries'`).Scan(&exists); err != nil {
		return st, err
	}
	if exists > 0 {
		if err := db.QueryRow(`SELECT COUNT(*) FROM two_view_geometries WHERE rows > 0`).Scan(&st.VerifiedPairs); err != nil {
			return st, fmt.Errorf("count verified pairs: %w", err)
		}
	}
	return st, nil
}

// ValidateFeatures requires keypoints for at least two images.
func ValidateFeatures(path string) error {
	st, err := ReadDatabase(path)
	if err != nil {
		return err
	}
	if st.KeypointSets < 2 {
		return fmt.Errorf("database %s has keypoints for %d of %d images", path, st.KeypointSets, st.Images)
	}
	return nil
}

// ValidateMatches requires at least one geometrically verified pair.
func ValidateMatches(path string) error {
	st, err := ReadDatabase(path)
	if err != nil {
		return err
	}
	if st.VerifiedPairs == 0 {
		return fmt.Errorf("database %s has no verified image pairs", path)
	}
	return nil
}
