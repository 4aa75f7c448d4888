package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"mapfree/internal/fsutil"
)

// DefaultRasterResolution is the DSM/DTM cell size in scene units.
const DefaultRasterResolution = 0.05

// GeoOutput lists the geospatial products.
type GeoOutput struct {
	PointCloud string // LAS
	Classified string // LAS with ground classified
	DSM        string
	DTM        string
	Result     Result
}

// Geospatial derives LAS clouds and elevation rasters from the dense cloud
// through PDAL pipelines.
type Geospatial struct {
	Bin        string
	Adapter    *Adapter
	Timeout    time.Duration
	Resolution float64
}

// NewGeospatial returns a PDAL-backed geospatial engine.
func NewGeospatial(bin string, adapter *Adapter, timeout time.Duration) *Geospatial {
	return &Geospatial{Bin: orDefault(bin, ToolPDAL), Adapter: adapter, Timeout: timeout, Resolution: DefaultRasterResolution}
}

// pdal pipeline stage, serialized as one JSON object.
type pdalStage map[string]any

// Pipelines returns the four PDAL pipelines keyed by file name.
func (g *Geospatial) Pipelines(cloud, outDir string) map[string][]pdalStage {
	las := filepath.Join(outDir, "dense.las")
	ground := filepath.Join(outDir, "ground.las")
	res := g.Resolution
	if res <= 0 {
		res = DefaultRasterResolution
	}
	return map[string][]pdalStage{
		"01_translate.json": {
			{"type": "readers.ply", "filename": cloud},
			{"type": "writers.las", "filename": las},
		},
		"02_ground.json": {
			{"type": "readers.las", "filename": las},
			{"type": "filters.smrf"},
			{"type": "writers.las", "filename": ground},
		},
		"03_dsm.json": {
			{"type": "readers.las", "filename": las},
			{"type": "writers.gdal", "filename": filepath.Join(outDir, "dsm.tif"),
				"output_type": "max", "resolution": res, "gdaldriver": "GTiff"},
		},
		"04_dtm.json": {
			{"type": "readers.las", "filename": ground},
			{"type": "filters.range", "limits": "Classification[2:2]"},
			{"type": "writers.gdal", "filename": filepath.Join(outDir, "dtm.tif"),
				"output_type": "idw", "resolution": res, "gdaldriver": "GTiff"},
		},
	}
}

// Run writes the pipeline files under outDir and executes them in order.
func (g *Geospatial) Run(ctx context.Context, cloud, outDir string, opts Options) (GeoOutput, error) {
	out := GeoOutput{
		PointCloud: filepath.Join(outDir, "dense.las"),
		Classified: filepath.Join(outDir, "ground.las"),
		DSM:        filepath.Join(outDir, "dsm.tif"),
		DTM:        filepath.Join(outDir, "dtm.tif"),
	}
	pipelines := g.Pipelines(cloud, outDir)
	names := []string{"01_translate.json", "02_ground.json", "03_dsm.json", "04_dtm.json"}
	for _, name := range names {
		if err := fsutil.WriteJSONAtomic(filepath.Join(outDir, name), map[string]any{"pipeline": pipelines[name]}); err != nil {
			return out, fmt.Errorf("write pdal pipeline %s: %w", name, err)
		}
	}

	res, err := g.Adapter.Invoke(ctx, Invocation{
		Stage:   StageGeospatial,
		Options: opts,
		Outputs: []string{out.PointCloud, out.Classified, out.DSM, out.DTM},
		Timeout: g.Timeout,
		Build: func(Options) ([]Command, error) {
			cmds := make([]Command, 0, len(names))
			for _, name := range names {
				cmds = append(cmds, Command{
					Name: "pdal " + name,
					Path: g.Bin,
					Args: []string{"pipeline", filepath.Join(outDir, name)},
					Dir:  outDir,
				})
			}
			return cmds, nil
		},
	})
	out.Result = res
	return out, err
}
