package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is unset
const DefaultDatabasePath = "jarvis.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)

	// Pulse (windowing + scheduling) defaults
	v.SetDefault("pulse.window_duration", 15*time.Minute)
	v.SetDefault("pulse.close_delay", 30*time.Second) // transcription lag allowance
	v.SetDefault("pulse.tick_interval", 5*time.Second)
	v.SetDefault("pulse.max_concurrent_windows", 2)
	v.SetDefault("pulse.max_retry_attempts", 3)
	v.SetDefault("pulse.retry_backoff_base", 30*time.Second)
	v.SetDefault("pulse.retry_backoff_max", 15*time.Minute)
	v.SetDefault("pulse.shutdown_grace_period", 30*time.Second)
	v.SetDefault("pulse.embed_source", EmbedSourceSummary)
	v.SetDefault("pulse.prune_fragment_log", true)
	v.SetDefault("pulse.journal_buffer", 1024)

	// Local Inference (Ollama) defaults
	v.SetDefault("local_inference.enabled", true)
	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.model", "llama3.2")
	v.SetDefault("local_inference.embedding_model", "nomic-embed-text")
	v.SetDefault("local_inference.timeout_seconds", 120)
	v.SetDefault("local_inference.summary_max_chars", 6000)

	v.SetDefault("embeddings.dimensions", 0)
	v.SetDefault("budget.max_calls_per_minute", 0)

	v.SetDefault("search.top_k", 5)
	v.SetDefault("search.min_score", 0.0)

	v.SetDefault("logging.json", false)
	v.SetDefault("logging.level", "info")
}

// BindSensitiveEnvVars explicitly binds configuration commonly set per machine
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "JARVIS_DATABASE_PATH")
	_ = v.BindEnv("local_inference.base_url", "JARVIS_OLLAMA_URL")
	_ = v.BindEnv("local_inference.model", "JARVIS_OLLAMA_MODEL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Window: %s, K: %d, Retries: %d, EmbedSource: %s}}",
		c.Database.Path, c.Pulse.WindowDuration, c.Pulse.MaxConcurrentWindows, c.Pulse.MaxRetryAttempts, c.Pulse.EmbedSource)
}
