// Package hardware reads host RAM and GPU memory.
package hardware

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	MiB = 1024 * 1024
	GiB = 1024 * MiB

	// DefaultRAMBytes is assumed when RAM cannot be read.
	DefaultRAMBytes = 8 * GiB

	gpuQueryTimeout = 5 * time.Second
)

// Reading is one snapshot of host capability.
type Reading struct {
	RAMBytes      uint64 `json:"ram_bytes"`
	RAMKnown      bool   `json:"ram_known"`
	HasGPU        bool   `json:"has_gpu"`
	GPUName       string `json:"gpu_name,omitempty"`
	VRAMBytes     uint64 `json:"vram_bytes"`
	VRAMUsedBytes uint64 `json:"vram_used_bytes"`
}

// VRAMMiB returns total VRAM in MiB, zero without a GPU.
func (r Reading) VRAMMiB() uint64 {
	if !r.HasGPU {
		return 0
	}
	return r.VRAMBytes / MiB
}

// CommandRunner runs a probe command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Probe detects hardware. The zero value is not usable; use NewProbe.
type Probe struct {
	MeminfoPath string
	GPUQuery    string
	Run         CommandRunner
	log         *slog.Logger
}

// NewProbe returns a probe reading /proc/meminfo and nvidia-smi.
func NewProbe(log *slog.Logger) *Probe {
	if log == nil {
		log = slog.Default()
	}
	return &Probe{
		MeminfoPath: "/proc/meminfo",
		GPUQuery:    "nvidia-smi",
		Run:         runCommand,
		log:         log,
	}
}

// Detect never fails: unknown RAM falls back to DefaultRAMBytes and a
// missing or unparsable GPU query means no GPU.
func (p *Probe) Detect(ctx context.Context) Reading {
	var r Reading
	if ram, err := p.totalRAM(); err == nil && ram > 0 {
		r.RAMBytes, r.RAMKnown = ram, true
	} else {
		p.log.Warn("could not read system memory, assuming default", "default_bytes", uint64(DefaultRAMBytes), "error", err)
		r.RAMBytes = DefaultRAMBytes
	}

	name, used, total, err := p.queryGPU(ctx)
	if err != nil {
		p.log.Debug("no GPU detected", "error", err)
		return r
	}
	r.HasGPU = true
	r.GPUName = name
	r.VRAMBytes = total * MiB
	r.VRAMUsedBytes = used * MiB
	p.log.Info("detected GPU", "name", name, "vram_mib", total, "used_mib", used)
	return r
}

func (p *Probe) totalRAM() (uint64, error) {
	content, err := os.ReadFile(p.MeminfoPath)
	if err == nil {
		if kb, ok := parseMeminfo(content, "MemTotal:"); ok {
			return kb * 1024, nil
		}
	}
	return sysinfoRAM()
}

func parseMeminfo(content []byte, key string) (uint64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, key) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		return kb, err == nil
	}
	return 0, false
}

func (p *Probe) queryGPU(ctx context.Context) (string, uint64, uint64, error) {
	if p.Run == nil || p.GPUQuery == "" {
		return "", 0, 0, fmt.Errorf("gpu query disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, gpuQueryTimeout)
	defer cancel()
	out, err := p.Run(ctx, p.GPUQuery,
		"--query-gpu=name,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	if err != nil {
		return "", 0, 0, err
	}
	return parseGPUQuery(out)
}

// parseGPUQuery reads the first line of "name, used, total" (MiB).
func parseGPUQuery(out []byte) (string, uint64, uint64, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0])
	if line == "" {
		return "", 0, 0, fmt.Errorf("empty gpu query output")
	}
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return "", 0, 0, fmt.Errorf("unexpected gpu query output %q", line)
	}
	n := len(parts)
	used, err := strconv.ParseUint(strings.TrimSpace(parts[n-2]), 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse used memory: %w", err)
	}
	total, err := strconv.ParseUint(strings.TrimSpace(parts[n-1]), 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse total memory: %w", err)
	}
	name := strings.TrimSpace(strings.Join(parts[:n-2], ","))
	return name, used, total, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, name, args...).Output()
}
