// Package state persists per-project pipeline progress so interrupted runs
// resume from the last validated stage.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"mapfree/internal/apperr"
	"mapfree/internal/fsutil"
)

// State is the position of a project in the pipeline.
type State string

const (
	Init           State = "INIT"
	FeaturesDone   State = "FEATURES_DONE"
	Matched        State = "MATCHED"
	SparseDone     State = "SPARSE_DONE"
	DenseDone      State = "DENSE_DONE"
	GeospatialDone State = "GEOSPATIAL_DONE"
	Complete       State = "COMPLETE"
	Failed         State = "FAILED"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == GeospatialDone || s == Complete || s == Failed
}

// Stage is a unit of completed work recorded in the state file.
type Stage string

const (
	StageFeatures   Stage = "features"
	StageMatching   Stage = "matching"
	StageSparse     Stage = "sparse"
	StageDense      Stage = "dense"
	StageExport     Stage = "export"
	StageGeospatial Stage = "geospatial"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageFeatures, StageMatching, StageSparse, StageDense, StageExport, StageGeospatial}

// export leaves the state unchanged.
var reached = map[Stage]State{
	StageFeatures:   FeaturesDone,
	StageMatching:   Matched,
	StageSparse:     SparseDone,
	StageDense:      DenseDone,
	StageGeospatial: GeospatialDone,
}

func stageIndex(s Stage) int { return slices.Index(Stages, s) }

const (
	fileName      = ".state"
	markerPrefix  = ".done_"
	recordVersion = 1
)

// Entry records one completed stage.
type Entry struct {
	Stage       Stage     `json:"stage"`
	CompletedAt time.Time `json:"completed_at"`
	Fingerprint string    `json:"fingerprint"`
	Artifacts   []string  `json:"artifacts,omitempty"`
}

// ChunkProgress tracks the finished steps of one chunk.
type ChunkProgress struct {
	Steps  map[string]bool `json:"steps"`
	Failed bool            `json:"failed,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Record is the persisted form of a project's progress.
type Record struct {
	Version          int                       `json:"version"`
	State            State                     `json:"state"`
	Fingerprint      string                    `json:"fingerprint,omitempty"`
	Completed        []Entry                   `json:"completed"`
	ChunkFingerprint string                    `json:"chunk_fingerprint,omitempty"`
	Chunks           map[string]*ChunkProgress `json:"chunks,omitempty"`
	FailedStage      string                    `json:"failed_stage,omitempty"`
	Error            string                    `json:"error,omitempty"`
	RunID            string                    `json:"run_id,omitempty"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

func (r *Record) entry(stage Stage) (Entry, bool) {
	for _, e := range r.Completed {
		if e.Stage == stage {
			return e, true
		}
	}
	return Entry{}, false
}

// derive recomputes State from the completed entries.
func (r *Record) derive() State {
	st := Init
	for _, e := range r.Completed {
		if s, ok := reached[e.Stage]; ok {
			st = s
		}
	}
	return st
}

// Store reads and writes one project's state. Only the lock holder may
// mutate it.
type Store struct {
	dir string
	log *slog.Logger

	mu  sync.Mutex
	rec Record

	// Recovered is set when Open found an unreadable state file, moved it
	// aside and rebuilt the record from markers.
	Recovered error
}

// Path is the state file location inside dir.
func Path(dir string) string { return filepath.Join(dir, fileName) }

// Open loads dir/.state. Without a state file the record is rebuilt from
// .done_<stage> markers.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, log: log}

	data, err := os.ReadFile(Path(dir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.rec = s.fromMarkers()
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Version == 0 || !validState(rec.State) {
		if err == nil {
			err = fmt.Errorf("unexpected version %d or state %q", rec.Version, rec.State)
		}
		aside := fmt.Sprintf("%s.corrupt-%d", Path(dir), time.Now().Unix())
		if renameErr := os.Rename(Path(dir), aside); renameErr != nil {
			return nil, apperr.New(apperr.ErrStateCorruption, "", fmt.Errorf("move aside: %w", renameErr))
		}
		s.Recovered = apperr.New(apperr.ErrStateCorruption, "", fmt.Errorf("%s unreadable, moved to %s: %w", fileName, filepath.Base(aside), err))
		log.Warn("state file corrupt, rebuilding from markers", "dir", dir, "error", err)
		s.rec = s.fromMarkers()
		return s, nil
	}
	if rec.Chunks == nil {
		rec.Chunks = map[string]*ChunkProgress{}
	}
	s.rec = rec
	return s, nil
}

func validState(st State) bool {
	switch st {
	case Init, FeaturesDone, Matched, SparseDone, DenseDone, GeospatialDone, Complete, Failed:
		return true
	}
	return false
}

// fromMarkers rebuilds a record from contiguous .done_<stage> markers.
// Markers carry the stage fingerprint; legacy empty markers carry none.
func (s *Store) fromMarkers() Record {
	rec := Record{Version: recordVersion, State: Init, Chunks: map[string]*ChunkProgress{}}
	for _, stage := range Stages {
		path := s.markerPath(stage)
		info, err := os.Stat(path)
		if err != nil {
			if stage == StageExport {
				continue
			}
			break
		}
		data, _ := os.ReadFile(path)
		rec.Completed = append(rec.Completed, Entry{
			Stage:       stage,
			CompletedAt: info.ModTime().UTC(),
			Fingerprint: strings.TrimSpace(string(data)),
		})
	}
	rec.State = rec.derive()
	return rec
}

func (s *Store) markerPath(stage Stage) string {
	return filepath.Join(s.dir, markerPrefix+string(stage))
}

// Dir is the project directory.
func (s *Store) Dir() string { return s.dir }

// Record returns a copy of the current record.
func (s *Store) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.Completed = slices.Clone(s.rec.Completed)
	rec.Chunks = make(map[string]*ChunkProgress, len(s.rec.Chunks))
	for k, v := range s.rec.Chunks {
		cp := *v
		cp.Steps = make(map[string]bool, len(v.Steps))
		for step, done := range v.Steps {
			cp.Steps[step] = done
		}
		rec.Chunks[k] = &cp
	}
	return rec
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

// Satisfied reports whether stage completed with the same fingerprint.
// A legacy entry without a fingerprint is accepted once and adopts
// fingerprint, so a later input change is still detected.
func (s *Store) Satisfied(stage Stage, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.rec.Completed {
		if e.Stage != stage {
			continue
		}
		if e.Fingerprint == fingerprint {
			return true
		}
		if e.Fingerprint != "" {
			return false
		}
		s.rec.Completed[i].Fingerprint = fingerprint
		if err := s.persistLocked(); err != nil {
			s.log.Warn("failed to record fingerprint for legacy stage", "stage", stage, "error", err)
		}
		if err := fsutil.WriteFileAtomic(s.markerPath(stage), []byte(fingerprint+"\n"), 0o644); err != nil {
			s.log.Warn("failed to rewrite legacy marker", "stage", stage, "error", err)
		}
		return true
	}
	return false
}

// Completed reports whether stage has an entry regardless of fingerprint.
func (s *Store) Completed(stage Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rec.entry(stage)
	return ok
}

// Invalidate drops stage and every later stage, markers included.
func (s *Store) Invalidate(stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(stage)
}

func (s *Store) invalidateLocked(stage Stage) error {
	idx := stageIndex(stage)
	if idx < 0 {
		return fmt.Errorf("unknown stage %q", stage)
	}
	kept := s.rec.Completed[:0]
	for _, e := range s.rec.Completed {
		if stageIndex(e.Stage) < idx {
			kept = append(kept, e)
		}
	}
	s.rec.Completed = kept
	for _, later := range Stages[idx:] {
		if err := os.Remove(s.markerPath(later)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if idx <= stageIndex(StageSparse) {
		s.rec.Chunks = map[string]*ChunkProgress{}
		s.rec.ChunkFingerprint = ""
	}
	if s.rec.State != Failed {
		s.rec.State = s.rec.derive()
	}
	return s.persistLocked()
}

// Complete validates the stage's artifacts and records it. A failed
// validation leaves the record untouched. Completing a stage before its
// predecessors is a StateCorruptionError.
func (s *Store) Complete(stage Stage, fingerprint string, artifacts []string, validate func() error) error {
	idx := stageIndex(stage)
	if idx < 0 {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if validate != nil {
		if err := validate(); err != nil {
			return apperr.New(apperr.ErrEngineOutput, string(stage), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range Stages[:idx] {
		if _, ok := s.rec.entry(prev); !ok {
			return apperr.Newf(apperr.ErrStateCorruption, string(stage), "cannot complete %s before %s", stage, prev)
		}
	}

	kept := s.rec.Completed[:0]
	for _, e := range s.rec.Completed {
		if stageIndex(e.Stage) < idx {
			kept = append(kept, e)
		}
	}
	s.rec.Completed = append(kept, Entry{
		Stage:       stage,
		CompletedAt: time.Now().UTC(),
		Fingerprint: fingerprint,
		Artifacts:   artifacts,
	})
	s.rec.State = s.rec.derive()
	s.rec.FailedStage, s.rec.Error = "", ""
	if err := s.persistLocked(); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.markerPath(stage), []byte(fingerprint+"\n"), 0o644)
}

// Reconcile re-validates completed stages in order. The first stage whose
// validator fails is invalidated together with everything after it.
// Stages without a validator are trusted. It returns the invalidated stage.
func (s *Store) Reconcile(validators map[Stage]func() error) (Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range slices.Clone(s.rec.Completed) {
		validate := validators[e.Stage]
		if validate == nil {
			continue
		}
		if err := validate(); err != nil {
			s.log.Warn("completed stage failed validation, rolling back", "stage", e.Stage, "error", err)
			return e.Stage, s.invalidateLocked(e.Stage)
		}
	}
	return "", nil
}

// Begin starts a run: clears any terminal state and resumes from the last
// recorded stage.
func (s *Store) Begin(runID, inputFingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.RunID = runID
	s.rec.Fingerprint = inputFingerprint
	s.rec.FailedStage, s.rec.Error = "", ""
	s.rec.State = s.rec.derive()
	return s.persistLocked()
}

// Fail persists FAILED with the failing stage and error.
func (s *Store) Fail(stage string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.State = Failed
	s.rec.FailedStage = stage
	if cause != nil {
		s.rec.Error = cause.Error()
	}
	return s.persistLocked()
}

// Finish persists a terminal state and archives a copy of the record to
// archiveDir/state-<run_id>.json. The live record is kept so an unchanged
// re-run skips every stage.
func (s *Store) Finish(terminal State, archiveDir string) error {
	if !terminal.Terminal() {
		return fmt.Errorf("%s is not a terminal state", terminal)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.State = terminal
	if err := s.persistLocked(); err != nil {
		return err
	}
	if archiveDir == "" {
		return nil
	}
	runID := s.rec.RunID
	if runID == "" {
		runID = fmt.Sprintf("%d", time.Now().Unix())
	}
	return fsutil.WriteJSONAtomic(filepath.Join(archiveDir, "state-"+runID+".json"), s.rec)
}

// SyncChunks clears chunk progress recorded for a different chunk plan.
func (s *Store) SyncChunks(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.ChunkFingerprint == fingerprint {
		return nil
	}
	s.rec.ChunkFingerprint = fingerprint
	s.rec.Chunks = map[string]*ChunkProgress{}
	return s.persistLocked()
}

func (s *Store) chunk(name string) *ChunkProgress {
	if s.rec.Chunks == nil {
		s.rec.Chunks = map[string]*ChunkProgress{}
	}
	c, ok := s.rec.Chunks[name]
	if !ok {
		c = &ChunkProgress{Steps: map[string]bool{}}
		s.rec.Chunks[name] = c
	}
	return c
}

// ChunkDone records a finished step of a chunk.
func (s *Store) ChunkDone(name, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chunk(name)
	c.Steps[step] = true
	c.Failed, c.Error = false, ""
	return s.persistLocked()
}

// ChunkStepDone reports whether step of chunk name is recorded.
func (s *Store) ChunkStepDone(name, step string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rec.Chunks[name]
	return ok && c.Steps[step]
}

// MarkChunk records a chunk failure.
func (s *Store) MarkChunk(name string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chunk(name)
	c.Failed = true
	if cause != nil {
		c.Error = cause.Error()
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	s.rec.Version = recordVersion
	s.rec.UpdatedAt = time.Now().UTC()
	if err := fsutil.WriteJSONAtomic(Path(s.dir), s.rec); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Load reads the record without taking ownership, for status displays.
func Load(dir string) (Record, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, apperr.New(apperr.ErrStateCorruption, "", err)
	}
	return rec, nil
}
