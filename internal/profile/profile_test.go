package profile

import (
	"errors"
	"testing"

	"mapfree/internal/apperr"
	"mapfree/internal/config"
	"mapfree/internal/hardware"
)

func gpu(mib uint64) hardware.Reading {
	return hardware.Reading{RAMBytes: 16 * hardware.GiB, RAMKnown: true, HasGPU: true, VRAMBytes: mib * hardware.MiB}
}

func TestResolveThresholds(t *testing.T) {
	cases := []struct {
		reading hardware.Reading
		want    Name
	}{
		{gpu(8192), High},
		{gpu(4096), High},
		{gpu(3000), Medium},
		{gpu(2048), Medium},
		{gpu(1024), Low},
		{gpu(512), CPUSafe},
		{hardware.Reading{RAMBytes: 16 * hardware.GiB, RAMKnown: true}, CPUSafe},
	}
	for _, tc := range cases {
		if got := Resolve(tc.reading, ""); got.Name != tc.want {
			t.Fatalf("Resolve(%d MiB) = %s, want %s", tc.reading.VRAMMiB(), got.Name, tc.want)
		}
	}
}

func TestResolveOverrideIgnoresDetection(t *testing.T) {
	got := Resolve(hardware.Reading{}, High)
	if got.Name != High || !got.UseGPU {
		t.Fatalf("override not honored: %+v", got)
	}
}

func TestResolveIsMonotonicInVRAM(t *testing.T) {
	prev := Resolve(gpu(0), "")
	for mib := uint64(1); mib <= 12288; mib += 37 {
		cur := Resolve(gpu(mib), "")
		if Rank(cur.Name) < Rank(prev.Name) {
			t.Fatalf("profile dropped from %s to %s at %d MiB", prev.Name, cur.Name, mib)
		}
		prev = cur
	}
}

func TestCPUSafeDisablesGPU(t *testing.T) {
	if Resolve(hardware.Reading{}, "").UseGPU {
		t.Fatalf("CPU_SAFE must not use the GPU")
	}
}

func TestParse(t *testing.T) {
	if n, err := Parse("cpu_safe"); err != nil || n != CPUSafe {
		t.Fatalf("parse: %v %v", n, err)
	}
	if _, err := Parse("ULTRA"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCheckResources(t *testing.T) {
	low := hardware.Reading{RAMBytes: hardware.GiB, RAMKnown: true}
	if err := CheckResources(low); !errors.Is(err, apperr.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
	unknown := hardware.Reading{RAMBytes: hardware.GiB}
	if err := CheckResources(unknown); err != nil {
		t.Fatalf("unknown RAM must not fail: %v", err)
	}
}

func TestRecommendChunkSize(t *testing.T) {
	p, _ := Get(Medium)
	if got := RecommendChunkSize(p, gpu(3000)); got != 250 {
		t.Fatalf("got %d", got)
	}
	small := hardware.Reading{RAMBytes: 4 * hardware.GiB, RAMKnown: true}
	cpu, _ := Get(CPUSafe)
	if got := RecommendChunkSize(cpu, small); got != 50 {
		t.Fatalf("got %d", got)
	}
}

func TestEffectiveQuality(t *testing.T) {
	p, _ := Get(High)
	if got := Effective(p, config.QualityHigh); got.MaxImageSize != 3200 {
		t.Fatalf("high = %d", got.MaxImageSize)
	}
	if got := Effective(p, config.QualityMedium); got.MaxImageSize != 1600 || got.DenseMaxImageSize != 1000 {
		t.Fatalf("medium = %+v", got)
	}
	cpu, _ := Get(CPUSafe)
	if got := Effective(cpu, config.QualityLow); got.MaxImageSize != 400 || got.DenseMaxImageSize != 400 {
		t.Fatalf("low floor = %+v", got)
	}
}
