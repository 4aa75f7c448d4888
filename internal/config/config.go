package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/mapfree/config.json"
	defaultChunkSize  = 300
	defaultOverlap    = 30
)

// DenseEngine selects the collaborator used for the dense stage.
type DenseEngine string

const (
	DenseColmap  DenseEngine = "colmap"
	DenseOpenMVS DenseEngine = "openmvs"
)

// Quality scales image caps down from the resolved profile.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// ImageOrder controls how the input image list is sequenced before chunking.
type ImageOrder string

const (
	OrderName ImageOrder = "name"
	OrderEXIF ImageOrder = "exif"
)

// Config holds user-editable settings for reconstruction runs.
type Config struct {
	DenseEngine      DenseEngine `json:"dense_engine" yaml:"dense_engine"`
	ChunkSize        int         `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap     int         `json:"chunk_overlap" yaml:"chunk_overlap"`
	Quality          Quality     `json:"quality" yaml:"quality"`
	ForceProfile     string      `json:"force_profile" yaml:"force_profile"`
	EnableGeospatial bool        `json:"enable_geospatial" yaml:"enable_geospatial"`
	ImageOrder       ImageOrder  `json:"image_order" yaml:"image_order"`

	Retry      Retry      `json:"retry" yaml:"retry"`
	Timeouts   Timeouts   `json:"timeouts" yaml:"timeouts"`
	Merge      Merge      `json:"merge" yaml:"merge"`
	Engines    Engines    `json:"engines" yaml:"engines"`
	Classifier Classifier `json:"classifier" yaml:"classifier"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Server     Server     `json:"server" yaml:"server"`

	// Source is the file the configuration was read from, empty for defaults.
	Source string `json:"-" yaml:"-"`
}

// Retry bounds engine re-invocation.
type Retry struct {
	Count         int     `json:"count" yaml:"count"`
	FallbackScale float64 `json:"fallback_scale" yaml:"fallback_scale"` // image size factor for the CPU attempt
	MinImageSize  int     `json:"min_image_size" yaml:"min_image_size"`
}

// Timeouts are per-attempt limits in seconds.
type Timeouts struct {
	Features   int `json:"features" yaml:"features"`
	Matching   int `json:"matching" yaml:"matching"`
	Mapping    int `json:"mapping" yaml:"mapping"`
	Merge      int `json:"merge" yaml:"merge"`
	Dense      int `json:"dense" yaml:"dense"`
	Export     int `json:"export" yaml:"export"`
	Geospatial int `json:"geospatial" yaml:"geospatial"`
}

// Merge controls chunk model merging.
type Merge struct {
	GlobalBundleAdjust bool `json:"global_bundle_adjust" yaml:"global_bundle_adjust"`
}

// Engines locates the external collaborators.
type Engines struct {
	ColmapBin     string `json:"colmap_bin" yaml:"colmap_bin"`
	OpenMVSBinDir string `json:"openmvs_bin_dir" yaml:"openmvs_bin_dir"`
	PDALBin       string `json:"pdal_bin" yaml:"pdal_bin"`
	ExiftoolBin   string `json:"exiftool_bin" yaml:"exiftool_bin"`
	NumThreads    int    `json:"num_threads" yaml:"num_threads"`
}

// Classifier tunes engine failure classification.
type Classifier struct {
	GPUSignatures   []string          `json:"gpu_signatures" yaml:"gpu_signatures"`
	FatalSignatures []string          `json:"fatal_signatures" yaml:"fatal_signatures"`
	ExitCodes       map[string]string `json:"exit_codes" yaml:"exit_codes"` // exit code -> transient_gpu|fatal
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures shared locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Server configures the local control API.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Load reads configuration from path, MAPFREE_CONFIG or the default
// location, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	configPath := path
	if configPath == "" {
		configPath = os.Getenv("MAPFREE_CONFIG")
	}
	explicit := configPath != ""
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	var fileChunkSize bool
	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", expanded, err)
	default:
		if err := decode(expanded, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", expanded, err)
		}
		cfg.Source = expanded
		fileChunkSize = setsChunkSize(expanded, data)
	}

	if err := cfg.applyEnv(fileChunkSize); err != nil {
		return nil, err
	}
	if cfg.Logging.LogDir, err = expandUser(cfg.Logging.LogDir); err != nil {
		return nil, err
	}
	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated default configuration.
func Default() *Config {
	return defaultConfig()
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Reject misspelled keys the same way the JSON decoder does.
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

// setsChunkSize reports whether the file names chunk_size explicitly.
func setsChunkSize(path string, data []byte) bool {
	var present struct {
		ChunkSize *int `json:"chunk_size" yaml:"chunk_size"`
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		_ = yaml.Unmarshal(data, &present)
	default:
		_ = json.Unmarshal(data, &present)
	}
	return present.ChunkSize != nil
}

// applyEnv applies MAPFREE_* overrides. MAPFREE_CHUNK_SIZE ranks below a
// chunk_size set in the config file.
func (c *Config) applyEnv(fileChunkSize bool) error {
	if v := strings.TrimSpace(os.Getenv("MAPFREE_CHUNK_SIZE")); v != "" && !fileChunkSize {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAPFREE_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	if v := strings.TrimSpace(os.Getenv("MAPFREE_DENSE_ENGINE")); v != "" {
		c.DenseEngine = DenseEngine(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("MAPFREE_OPENMVS_BIN_DIR")); v != "" {
		c.Engines.OpenMVSBinDir = v
	}
	if v := strings.TrimSpace(os.Getenv("MAPFREE_COLMAP_BIN")); v != "" {
		c.Engines.ColmapBin = v
	}
	return nil
}

// Validate rejects values outside the recognized sets.
func (c *Config) Validate() error {
	var errs []error
	switch c.DenseEngine {
	case DenseColmap, DenseOpenMVS:
	default:
		errs = append(errs, fmt.Errorf("dense_engine %q: want colmap or openmvs", c.DenseEngine))
	}
	switch c.Quality {
	case QualityHigh, QualityMedium, QualityLow:
	default:
		errs = append(errs, fmt.Errorf("quality %q: want high, medium or low", c.Quality))
	}
	switch c.ImageOrder {
	case OrderName, OrderEXIF:
	default:
		errs = append(errs, fmt.Errorf("image_order %q: want name or exif", c.ImageOrder))
	}
	switch strings.ToUpper(c.ForceProfile) {
	case "", "HIGH", "MEDIUM", "LOW", "CPU_SAFE":
	default:
		errs = append(errs, fmt.Errorf("force_profile %q: want HIGH, MEDIUM, LOW or CPU_SAFE", c.ForceProfile))
	}
	if c.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk_size %d: must not be negative", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 {
		errs = append(errs, fmt.Errorf("chunk_overlap %d: must not be negative", c.ChunkOverlap))
	}
	if c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap %d must be smaller than chunk_size %d", c.ChunkOverlap, c.ChunkSize))
	}
	if c.Retry.Count < 0 {
		errs = append(errs, fmt.Errorf("retry.count %d: must not be negative", c.Retry.Count))
	}
	if c.Retry.FallbackScale <= 0 || c.Retry.FallbackScale > 1 {
		errs = append(errs, fmt.Errorf("retry.fallback_scale %v: want (0, 1]", c.Retry.FallbackScale))
	}
	for code, class := range c.Classifier.ExitCodes {
		if _, err := strconv.Atoi(code); err != nil {
			errs = append(errs, fmt.Errorf("classifier.exit_codes key %q: not an integer", code))
		}
		if class != "transient_gpu" && class != "fatal" {
			errs = append(errs, fmt.Errorf("classifier.exit_codes[%s] %q: want transient_gpu or fatal", code, class))
		}
	}
	return errors.Join(errs...)
}

// Timeout converts a configured number of seconds for stage into a duration.
func (t Timeouts) Timeout(stage string) time.Duration {
	secs := map[string]int{
		"features":   t.Features,
		"matching":   t.Matching,
		"mapping":    t.Mapping,
		"sparse":     t.Mapping,
		"merge":      t.Merge,
		"dense":      t.Dense,
		"export":     t.Export,
		"geospatial": t.Geospatial,
	}[stage]
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		DenseEngine:  DenseColmap,
		ChunkSize:    defaultChunkSize,
		ChunkOverlap: defaultOverlap,
		Quality:      QualityMedium,
		ImageOrder:   OrderName,
		Retry: Retry{
			Count:         2,
			FallbackScale: 0.75,
			MinImageSize:  400,
		},
		Timeouts: Timeouts{
			Features:   7200,
			Matching:   7200,
			Mapping:    14400,
			Merge:      1800,
			Dense:      21600,
			Export:     600,
			Geospatial: 3600,
		},
		Engines: Engines{
			ColmapBin:   "colmap",
			PDALBin:     "pdal",
			ExiftoolBin: "exiftool",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "~/.local/state/mapfree/logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "mapfree.db"),
		},
		Server: Server{
			Addr: "127.0.0.1:8765",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
