package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"

	"github.com/hbtz-dev/neuro2024simulator/internal/config"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeTone(t *testing.T, dir, name string, n int) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	silence := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		clear(samples)
		return len(samples), true
	})
	format := beep.Format{SampleRate: 8000, NumChannels: 2, Precision: 2}
	if err := wav.Encode(f, beep.Take(n, silence), format); err != nil {
		t.Fatal(err)
	}
}

// setup writes a config, catalog and score into a temp dir.
func setup(t *testing.T, score string) string {
	t.Helper()
	dir := t.TempDir()
	write(t, dir, "catalog.yaml", `
tracks:
  - {id: intro, path: intro.wav}
  - {id: outro, path: outro.wav, length_ms: 250}
`)
	write(t, dir, "score.yaml", score)
	return write(t, dir, "config.yaml", `
audio:
  sample_rate: 8000
catalog:
  path: `+filepath.Join(dir, "catalog.yaml")+`
score:
  path: `+filepath.Join(dir, "score.yaml")+`
`)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	cfg := setup(t, `
threads:
  - name: main
    components:
      - {track: intro, start_ms: 0}
`)
	out, err := execute(t, "validate", "--config", cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"2 tracks", "1 threads"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestValidate_UnknownTrack(t *testing.T) {
	cfg := setup(t, `
threads:
  - name: main
    components:
      - {track: nope, start_ms: 0}
`)
	if _, err := execute(t, "validate", "--config", cfg); err == nil {
		t.Fatal("validate accepted a score naming an unknown track")
	}
}

func TestValidate_MissingConfig(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDurations(t *testing.T) {
	cfg := setup(t, "")
	dir := filepath.Dir(cfg)
	writeTone(t, dir, "intro.wav", 4000)
	writeTone(t, dir, "outro.wav", 8000)

	out, err := execute(t, "durations", "--config", cfg)
	if err != nil {
		t.Fatalf("durations: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	if f := strings.Fields(lines[1]); f[0] != "intro" || f[1] != "500.000" || f[2] != "decoded" {
		t.Errorf("intro line = %q", lines[1])
	}
	if f := strings.Fields(lines[2]); f[0] != "outro" || f[1] != "250.000" || f[2] != "override" {
		t.Errorf("outro line = %q", lines[2])
	}
}

func TestDurations_DecodeFailure(t *testing.T) {
	cfg := setup(t, "")
	dir := filepath.Dir(cfg)
	writeTone(t, dir, "intro.wav", 4000)
	write(t, dir, "outro.wav", "garbage")

	out, err := execute(t, "durations", "--config", cfg)
	if err == nil {
		t.Fatal("durations succeeded with a broken track")
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("output does not report the failure:\n%s", out)
	}
}

func TestNewLogger_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	log, lvl, closer := newLogger(config.ServerConfig{LogLevel: config.LogWarn}, &buf)
	defer closer.Close()

	log.Info("hidden")
	lvl.Set(slogLevel(config.LogDebug))
	log.Debug("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("debug not logged after level change")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neurosim.log")
	log, _, closer := newLogger(config.ServerConfig{LogLevel: config.LogInfo, LogFile: path, LogMaxSizeMB: 1}, os.Stderr)
	log.Info("to file", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range cases {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
