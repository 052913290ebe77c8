package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/AITrekker/Jarvis/errors"
)

// AsMap renders the config as nested sections keyed like the toml file.
// Durations are rendered as strings ("15m0s") so the output round-trips
// through Load.
func (c *Config) AsMap() map[string]interface{} {
	p := c.Pulse
	return map[string]interface{}{
		"database": map[string]interface{}{
			"path": c.Database.Path,
		},
		"pulse": map[string]interface{}{
			"window_duration":        p.WindowDuration.String(),
			"close_delay":            p.CloseDelay.String(),
			"tick_interval":          p.TickInterval.String(),
			"max_concurrent_windows": p.MaxConcurrentWindows,
			"max_retry_attempts":     p.MaxRetryAttempts,
			"retry_backoff_base":     p.RetryBackoffBase.String(),
			"retry_backoff_max":      p.RetryBackoffMax.String(),
			"shutdown_grace_period":  p.ShutdownGracePeriod.String(),
			"embed_source":           p.EmbedSource,
			"prune_fragment_log":     p.PruneFragmentLog,
			"journal_buffer":         p.JournalBuffer,
		},
		"local_inference": map[string]interface{}{
			"enabled":           c.LocalInference.Enabled,
			"base_url":          c.LocalInference.BaseURL,
			"model":             c.LocalInference.Model,
			"embedding_model":   c.LocalInference.EmbeddingModel,
			"timeout_seconds":   c.LocalInference.TimeoutSeconds,
			"summary_max_chars": c.LocalInference.SummaryMaxChars,
		},
		"embeddings": map[string]interface{}{
			"dimensions": c.Embeddings.Dimensions,
		},
		"budget": map[string]interface{}{
			"max_calls_per_minute": c.Budget.MaxCallsPerMinute,
		},
		"search": map[string]interface{}{
			"top_k":     c.Search.TopK,
			"min_score": c.Search.MinScore,
		},
		"logging": map[string]interface{}{
			"json":  c.Logging.JSON,
			"level": c.Logging.Level,
		},
	}
}

// MarshalTOML encodes the config as a toml document
func (c *Config) MarshalTOML() ([]byte, error) {
	data, err := toml.Marshal(c.AsMap())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Save writes cfg to configPath as toml, rotating backups of any existing file
func Save(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", configPath)
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := cfg.MarshalTOML()
	if err != nil {
		return err
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config %s", configPath)
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	// .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}
