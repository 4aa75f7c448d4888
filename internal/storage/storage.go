// Package storage keeps the run history ledger in SQLite.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store wraps SQLite-backed persistence for run history. A nil *Store
// accepts writes and discards them.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and applies migrations.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the orchestrator and the API share the handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared DB handle.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version, 0 when none applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateLogger routes migrate output to slog at debug level.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one persisted reconstruction run.
type RunRecord struct {
	ID          string         `json:"id"`
	ImageDir    string         `json:"image_dir"`
	ProjectDir  string         `json:"project_dir"`
	Profile     string         `json:"profile"`
	Quality     string         `json:"quality"`
	DenseEngine string         `json:"dense_engine"`
	Status      string         `json:"status"`
	State       string         `json:"state"`
	ImageCount  int            `json:"image_count"`
	ChunkCount  int            `json:"chunk_count"`
	Options     map[string]any `json:"options,omitempty"`
	ErrorStage  string         `json:"error_stage,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// StageRecord captures one stage execution within a run.
type StageRecord struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Status    string        `json:"status"` // completed, skipped, failed
	Attempts  int           `json:"attempts"`
	FellBack  bool          `json:"fell_back"`
	Duration  time.Duration `json:"duration"`
	Message   string        `json:"message,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ImageMetadata captures probed dimensions and EXIF position/time.
type ImageMetadata struct {
	FilePath   string
	Width      int
	Height     int
	Format     string
	GPSLat     *float64
	GPSLon     *float64
	CapturedAt string
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	optionsJSON, _ := json.Marshal(rec.Options)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, image_dir, project_dir, profile, quality, dense_engine, status, image_count, chunk_count, options_json, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.ImageDir, rec.ProjectDir, rec.Profile, rec.Quality, rec.DenseEngine, StatusRunning,
		rec.ImageCount, rec.ChunkCount, string(optionsJSON), time.Now().UTC())
	return err
}

// RecordRunFinish finalizes a run with its status and terminal state.
func (s *Store) RecordRunFinish(id, status, state, errStage, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, state=?, finished_at=?, error_stage=?, error_message=? WHERE id=?;`,
		status, state, time.Now().UTC(), errStage, errMsg, id)
	return err
}

// RecordStage appends a stage execution.
func (s *Store) RecordStage(rec StageRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO stage_runs (run_id, stage, status, attempts, fell_back, duration_ms, message) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Stage, rec.Status, rec.Attempts, rec.FellBack, rec.Duration.Milliseconds(), rec.Message)
	return err
}

// RecordImageMetadata stores probe and EXIF details for a run's images.
func (s *Store) RecordImageMetadata(runID string, metas []ImageMetadata) error {
	if s == nil || len(metas) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO image_metadata (run_id, file_path, width, height, format, gps_lat, gps_lon, captured_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, m := range metas {
		if _, err := stmt.Exec(runID, m.FilePath, m.Width, m.Height, m.Format, m.GPSLat, m.GPSLon, m.CapturedAt); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `id, image_dir, project_dir, profile, quality, dense_engine, status, state, image_count, chunk_count, options_json, created_at, started_at, finished_at, error_stage, error_message`

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	return scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var profile, quality, engine, state, optionsJSON, errStage, errMsg sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&rec.ID, &rec.ImageDir, &rec.ProjectDir, &profile, &quality, &engine, &rec.Status, &state,
		&rec.ImageCount, &rec.ChunkCount, &optionsJSON, &rec.CreatedAt, &started, &finished, &errStage, &errMsg); err != nil {
		return rec, err
	}
	rec.Profile, rec.Quality, rec.DenseEngine = profile.String, quality.String, engine.String
	rec.State, rec.ErrorStage, rec.Error = state.String, errStage.String, errMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	if optionsJSON.Valid && optionsJSON.String != "" && optionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &rec.Options); err != nil {
			return rec, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return rec, nil
}

// StageRuns returns the stage executions of a run in order.
func (s *Store) StageRuns(runID string) ([]StageRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, stage, status, attempts, fell_back, duration_ms, message, created_at FROM stage_runs WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StageRecord
	for rows.Next() {
		var rec StageRecord
		var ms int64
		var msg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Status, &rec.Attempts, &rec.FellBack, &ms, &msg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		rec.Message = msg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ImageMetadataFor returns stored image metadata for a run.
func (s *Store) ImageMetadataFor(runID string) ([]ImageMetadata, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, width, height, format, gps_lat, gps_lon, captured_at FROM image_metadata WHERE run_id=? ORDER BY file_path;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageMetadata
	for rows.Next() {
		var m ImageMetadata
		var format, captured sql.NullString
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&m.FilePath, &m.Width, &m.Height, &format, &lat, &lon, &captured); err != nil {
			return nil, err
		}
		m.Format, m.CapturedAt = format.String, captured.String
		if lat.Valid {
			m.GPSLat = &lat.Float64
		}
		if lon.Valid {
			m.GPSLon = &lon.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
