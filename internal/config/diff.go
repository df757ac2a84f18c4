package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// storage changes require a restart.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	RetrievalChanged bool
	NewRetrieval     RetrievalConfig
	TurnChanged      bool
	NewTurn          TurnConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Retrieval != new.Retrieval {
		d.RetrievalChanged = true
		d.NewRetrieval = new.Retrieval
	}
	if old.Turn != new.Turn {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}
	return d
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RetrievalChanged && !d.TurnChanged
}
