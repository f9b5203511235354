package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidOutputNames lists the output backends bundled with the server.
// Used by [Validate] to warn about unrecognised names.
var ValidOutputNames = []string{"speaker", "null"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogMaxSizeMB == 0 {
		cfg.Server.LogMaxSizeMB = 100
	}
	if cfg.Server.LogMaxBackups == 0 {
		cfg.Server.LogMaxBackups = 3
	}
	if cfg.Audio.Output.Name == "" {
		cfg.Audio.Output.Name = "speaker"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.BufferMS == 0 {
		cfg.Audio.BufferMS = DefaultBufferMS
	}
	if cfg.Audio.ResampleQuality == 0 {
		cfg.Audio.ResampleQuality = DefaultResampleQuality
	}
	if cfg.Catalog.LoadConcurrency == 0 {
		cfg.Catalog.LoadConcurrency = DefaultLoadConcurrency
	}
	if cfg.Score.PollInterval == 0 {
		cfg.Score.PollInterval = DefaultPollInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogMaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("server.log_max_size_mb %d must not be negative", cfg.Server.LogMaxSizeMB))
	}

	// Audio
	validateOutputName(cfg.Audio.Output.Name)
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BufferMS < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_ms %d must not be negative", cfg.Audio.BufferMS))
	}
	if cfg.Audio.ResampleQuality < 1 || cfg.Audio.ResampleQuality > 64 {
		errs = append(errs, fmt.Errorf("audio.resample_quality %d is out of range [1, 64]", cfg.Audio.ResampleQuality))
	}

	// Scheduler
	if r := cfg.Scheduler.RewindMS; r != nil && *r < 0 {
		errs = append(errs, fmt.Errorf("scheduler.rewind_ms %d must not be negative", *r))
	}

	// Catalog
	if cfg.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required"))
	}
	if cfg.Catalog.LoadConcurrency < 0 {
		errs = append(errs, fmt.Errorf("catalog.load_concurrency %d must not be negative", cfg.Catalog.LoadConcurrency))
	}

	// Score
	if cfg.Score.Watch && cfg.Score.Path == "" {
		errs = append(errs, errors.New("score.watch requires score.path"))
	}
	if cfg.Score.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("score.poll_interval %v must not be negative", cfg.Score.PollInterval))
	}

	return errors.Join(errs...)
}

// validateOutputName logs a warning if name is not a bundled backend.
func validateOutputName(name string) {
	if name == "" || slices.Contains(ValidOutputNames, name) {
		return
	}
	slog.Warn("unknown audio output name, may be a typo or a custom backend",
		"name", name,
		"known", ValidOutputNames,
	)
}
