package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// JobConcurrencyChanged lists job kinds whose configured pool size
	// changed (internal/jobqueue pools read their concurrency at start,
	// but a Watcher consumer can use this to decide whether a pool needs
	// restarting).
	JobConcurrencyChanged []string

	// PipelineChanged is true if any speech-detection predicate or
	// conversation-job timer tunable changed.
	PipelineChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	kinds := make(map[string]struct{})
	maps.Copy(kinds, setOf(old.Workers.JobConcurrency))
	maps.Copy(kinds, setOf(new.Workers.JobConcurrency))
	for kind := range kinds {
		if old.Workers.JobConcurrency[kind] != new.Workers.JobConcurrency[kind] {
			d.JobConcurrencyChanged = append(d.JobConcurrencyChanged, kind)
		}
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	return d
}

func setOf(m map[string]int64) map[string]struct{} {
	s := make(map[string]struct{}, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}
