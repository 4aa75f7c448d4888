package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mapfree/internal/config"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")
	logger.Debug("hidden")
	logger.Info("stage done", "stage", "dense")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked: %q", out)
	}
	if !strings.Contains(out, "[INFO] stage done [run=r1 stage=dense]") {
		t.Fatalf("unexpected format: %q", out)
	}
}

func TestProjectLoggerTeesToFile(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))
	dir := filepath.Join(t.TempDir(), "logs")

	logger, closer, err := ProjectLogger(base, dir)
	if err != nil {
		t.Fatalf("project logger: %v", err)
	}
	logger.Debug("only in file")
	logger.Info("both")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "mapfree.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "only in file") || !strings.Contains(string(data), "both") {
		t.Fatalf("file log missing lines: %q", data)
	}
	if strings.Contains(buf.String(), "only in file") || !strings.Contains(buf.String(), "both") {
		t.Fatalf("base log mismatch: %q", buf.String())
	}
}

func TestSetupCreatesDatedFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogDir = t.TempDir()
	cfg.Logging.Level = "debug"

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	if _, err := Setup(cfg); err != nil {
		t.Fatalf("setup: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.Logging.LogDir, "mapfree-*.log"))
	if len(matches) == 0 {
		t.Fatalf("no log file created")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
