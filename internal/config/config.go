// Package config provides the configuration schema, loader, output backend
// registry and file watcher for the neurosim audio server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 44100
	DefaultBufferMS        = 100
	DefaultResampleQuality = 4
	DefaultRewindMS        = 300
	DefaultLoadConcurrency = 8
	DefaultPollInterval    = 2 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Score     ScoreConfig     `yaml:"score"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, sends logs to a size-rotated file instead of stderr.
	LogFile string `yaml:"log_file"`

	// LogMaxSizeMB is the rotation threshold for LogFile. Default: 100.
	LogMaxSizeMB int `yaml:"log_max_size_mb"`

	// LogMaxBackups is how many rotated files are kept. Default: 3.
	LogMaxBackups int `yaml:"log_max_backups"`
}

// AudioConfig selects and tunes the output backend.
type AudioConfig struct {
	// Output selects the registered output backend ("speaker", "null").
	Output ProviderEntry `yaml:"output"`

	// SampleRate is the mixing and decode rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BufferMS is the device buffer length in milliseconds.
	BufferMS int `yaml:"buffer_ms"`

	// ResampleQuality is the beep resampler quality, 1..64.
	ResampleQuality int `yaml:"resample_quality"`

	// FallbackHeadless keeps the server running without sound when the
	// selected backend cannot be opened.
	FallbackHeadless bool `yaml:"fallback_headless"`
}

// ProviderEntry selects a registered backend by name.
type ProviderEntry struct {
	// Name selects the registered implementation.
	Name string `yaml:"name"`

	// Options holds backend-specific values.
	Options map[string]any `yaml:"options"`
}

// SchedulerConfig tunes the thread scheduler.
type SchedulerConfig struct {
	// RewindMS is how far a thread jumps back on a barrier hit. A nil value
	// means [DefaultRewindMS]; zero disables the rewind.
	RewindMS *int `yaml:"rewind_ms"`
}

// Rewind returns the configured rewind window.
func (s SchedulerConfig) Rewind() time.Duration {
	if s.RewindMS == nil {
		return DefaultRewindMS * time.Millisecond
	}
	return time.Duration(*s.RewindMS) * time.Millisecond
}

// CatalogConfig locates the track catalog.
type CatalogConfig struct {
	// Path is the catalog YAML file.
	Path string `yaml:"path"`

	// BaseDir resolves relative track paths. Default: the catalog's directory.
	BaseDir string `yaml:"base_dir"`

	// LoadConcurrency bounds parallel decodes at startup.
	LoadConcurrency int `yaml:"load_concurrency"`
}

// ScoreConfig locates the thread score.
type ScoreConfig struct {
	// Path is the score YAML file. Optional: without it threads are created
	// only through the control surface.
	Path string `yaml:"path"`

	// Watch rebuilds changed threads when the file changes.
	Watch bool `yaml:"watch"`

	// PollInterval is the fallback polling period of the watcher.
	PollInterval time.Duration `yaml:"poll_interval"`
}
