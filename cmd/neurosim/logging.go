package main

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hbtz-dev/neuro2024simulator/internal/config"
)

// newLogger builds the process logger. Logs go to stderr as text, or as JSON
// to a size-rotated file when log_file is set. The returned LevelVar lets
// the config watcher change verbosity at runtime.
func newLogger(cfg config.ServerConfig, stderr io.Writer) (*slog.Logger, *slog.LevelVar, io.Closer) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: lvl}

	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), lvl, io.NopCloser(nil)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(file, opts)), lvl, file
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// watchConfig applies log level changes from the config file and warns about
// changes that need a restart.
func watchConfig(path string, lvl *slog.LevelVar, log *slog.Logger) (*config.Watcher[*config.Config], error) {
	return config.NewWatcher(path, config.LoadFromReader, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged {
			lvl.Set(slogLevel(d.NewLogLevel))
			log.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
		}
	}, config.WithWatcherLogger(log))
}
