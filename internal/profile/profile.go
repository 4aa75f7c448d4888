// Package profile maps hardware readings to resource profiles.
package profile

import (
	"fmt"
	"strings"

	"mapfree/internal/apperr"
	"mapfree/internal/config"
	"mapfree/internal/hardware"
)

// Name identifies a profile.
type Name string

const (
	High    Name = "HIGH"
	Medium  Name = "MEDIUM"
	Low     Name = "LOW"
	CPUSafe Name = "CPU_SAFE"
)

// Matcher is the feature matching strategy.
type Matcher string

const (
	Exhaustive Matcher = "exhaustive"
	Sequential Matcher = "sequential"
	Spatial    Matcher = "spatial"
)

// MinRAMBytes is the least RAM any profile can run with.
const MinRAMBytes = 2 * hardware.GiB

const minImageSize = 400

// Profile bundles the resource limits applied to every engine call of a run.
type Profile struct {
	Name              Name    `json:"name"`
	MaxImageSize      int     `json:"max_image_size"`
	DenseMaxImageSize int     `json:"dense_max_image_size"`
	MaxFeatures       int     `json:"max_features"`
	Matcher           Matcher `json:"matcher"`
	UseGPU            bool    `json:"use_gpu"`
}

var profiles = map[Name]Profile{
	High:    {Name: High, MaxImageSize: 3200, DenseMaxImageSize: 2000, MaxFeatures: 16384, Matcher: Sequential, UseGPU: true},
	Medium:  {Name: Medium, MaxImageSize: 2400, DenseMaxImageSize: 1600, MaxFeatures: 8192, Matcher: Sequential, UseGPU: true},
	Low:     {Name: Low, MaxImageSize: 1600, DenseMaxImageSize: 1200, MaxFeatures: 8000, Matcher: Exhaustive, UseGPU: true},
	CPUSafe: {Name: CPUSafe, MaxImageSize: 1600, DenseMaxImageSize: 1000, MaxFeatures: 8000, Matcher: Exhaustive, UseGPU: false},
}

// VRAM thresholds in MiB, highest first.
var thresholds = []struct {
	minMiB uint64
	name   Name
}{
	{4096, High},
	{2048, Medium},
	{1024, Low},
}

var chunkSizes = map[Name]int{High: 400, Medium: 250, Low: 150, CPUSafe: 100}

// Get returns the named profile.
func Get(name Name) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Parse accepts a profile name in any case.
func Parse(s string) (Name, error) {
	name := Name(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := profiles[name]; !ok {
		return "", fmt.Errorf("unknown profile %q (want HIGH, MEDIUM, LOW or CPU_SAFE)", s)
	}
	return name, nil
}

// Rank orders profiles by capability; higher is more capable.
func Rank(name Name) int {
	switch name {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// Resolve returns the override verbatim when set, otherwise the profile
// selected by the VRAM threshold table.
func Resolve(r hardware.Reading, override Name) Profile {
	if override != "" {
		if p, ok := profiles[override]; ok {
			return p
		}
	}
	if !r.HasGPU {
		return profiles[CPUSafe]
	}
	vram := r.VRAMMiB()
	for _, th := range thresholds {
		if vram >= th.minMiB {
			return profiles[th.name]
		}
	}
	return profiles[CPUSafe]
}

// CheckResources fails when known RAM cannot sustain even CPU_SAFE.
func CheckResources(r hardware.Reading) error {
	if r.RAMKnown && r.RAMBytes < MinRAMBytes {
		return apperr.Newf(apperr.ErrResource, "prepare",
			"%d MiB RAM available, need at least %d MiB", r.RAMBytes/hardware.MiB, uint64(MinRAMBytes)/hardware.MiB)
	}
	return nil
}

// RecommendChunkSize suggests images per chunk for a profile, halved on
// hosts with less than 8 GiB RAM.
func RecommendChunkSize(p Profile, r hardware.Reading) int {
	size := chunkSizes[p.Name]
	if size == 0 {
		size = chunkSizes[CPUSafe]
	}
	if r.RAMKnown && r.RAMBytes < 8*hardware.GiB {
		size /= 2
	}
	if size < 50 {
		size = 50
	}
	return size
}

// Downscale returns the image-size divisor for a quality preset.
func Downscale(q config.Quality) int {
	switch q {
	case config.QualityHigh:
		return 1
	case config.QualityLow:
		return 4
	default:
		return 2
	}
}

// Effective applies a quality preset to the profile's image caps.
func Effective(p Profile, q config.Quality) Profile {
	d := Downscale(q)
	p.MaxImageSize = scale(p.MaxImageSize, d)
	p.DenseMaxImageSize = scale(p.DenseMaxImageSize, d)
	return p
}

func scale(size, divisor int) int {
	out := size / divisor
	if out < minImageSize {
		out = minImageSize
	}
	return out
}
