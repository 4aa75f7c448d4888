package hardware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testProbe(t *testing.T, meminfo string, gpuOut string, gpuErr error) *Probe {
	t.Helper()
	p := NewProbe(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.MeminfoPath = filepath.Join(t.TempDir(), "meminfo")
	if meminfo != "" {
		if err := os.WriteFile(p.MeminfoPath, []byte(meminfo), 0o644); err != nil {
			t.Fatalf("write meminfo: %v", err)
		}
	}
	p.Run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(gpuOut), gpuErr
	}
	return p
}

func TestDetectReadsMeminfoAndGPU(t *testing.T) {
	p := testProbe(t, "MemTotal:       16384000 kB\nMemFree:  100 kB\n", "NVIDIA GeForce GTX 1050, 512, 3000\n", nil)
	r := p.Detect(context.Background())
	if !r.RAMKnown || r.RAMBytes != 16384000*1024 {
		t.Fatalf("ram = %d known=%v", r.RAMBytes, r.RAMKnown)
	}
	if !r.HasGPU || r.VRAMMiB() != 3000 || r.GPUName != "NVIDIA GeForce GTX 1050" {
		t.Fatalf("gpu reading = %+v", r)
	}
	if r.VRAMUsedBytes != 512*MiB {
		t.Fatalf("used = %d", r.VRAMUsedBytes)
	}
}

func TestDetectWithoutGPU(t *testing.T) {
	p := testProbe(t, "MemTotal: 1024 kB\n", "", errors.New("exec: not found"))
	r := p.Detect(context.Background())
	if r.HasGPU || r.VRAMMiB() != 0 {
		t.Fatalf("expected no gpu: %+v", r)
	}
}

func TestParseGPUQuery(t *testing.T) {
	cases := []struct {
		in      string
		total   uint64
		wantErr bool
	}{
		{"Quadro, RTX, 10, 8192\nSecond, 0, 2048", 8192, false},
		{"", 0, true},
		{"name, x, 10", 0, true},
		{"only two, 10", 0, true},
	}
	for _, tc := range cases {
		_, _, total, err := parseGPUQuery([]byte(tc.in))
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err = %v", tc.in, err)
		}
		if total != tc.total {
			t.Fatalf("%q: total = %d", tc.in, total)
		}
	}
}

func TestParseMeminfoMissingKey(t *testing.T) {
	if _, ok := parseMeminfo([]byte("MemFree: 10 kB\n"), "MemTotal:"); ok {
		t.Fatalf("expected missing key")
	}
}
