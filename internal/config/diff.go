package config

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; the other flags tell
// the operator a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFile != new.Server.LogFile {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Scheduler.Rewind() != new.Scheduler.Rewind() {
		d.RestartRequired = append(d.RestartRequired, "scheduler")
	}
	if old.Catalog != new.Catalog {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}
	if old.Score != new.Score {
		d.RestartRequired = append(d.RestartRequired, "score")
	}

	return d
}

// sameAudio compares the audio sections. Backend options are not compared.
func sameAudio(a, b AudioConfig) bool {
	return a.Output.Name == b.Output.Name &&
		a.SampleRate == b.SampleRate &&
		a.BufferMS == b.BufferMS &&
		a.ResampleQuality == b.ResampleQuality &&
		a.FallbackHeadless == b.FallbackHeadless
}
