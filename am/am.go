package am

import "time"

// Config represents the core Jarvis configuration
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Pulse          PulseConfig          `mapstructure:"pulse"`
	LocalInference LocalInferenceConfig `mapstructure:"local_inference"`
	Embeddings     EmbeddingsConfig     `mapstructure:"embeddings"`
	Budget         BudgetConfig         `mapstructure:"budget"`
	Search         SearchConfig         `mapstructure:"search"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Embed sources for pulse.embed_source
const (
	EmbedSourceTranscript = "transcript"
	EmbedSourceSummary    = "summary"
)

// PulseConfig configures windowing, scheduling and retries
type PulseConfig struct {
	// Windowing
	WindowDuration time.Duration `mapstructure:"window_duration"` // fixed window size (default: 15m)
	CloseDelay     time.Duration `mapstructure:"close_delay"`     // allowed lateness after a window's end before it closes (default: 30s)

	// Scheduling
	TickInterval         time.Duration `mapstructure:"tick_interval"`          // how often the scheduler looks for closeable windows (default: 5s)
	MaxConcurrentWindows int           `mapstructure:"max_concurrent_windows"` // K, windows processing at once (default: 2)

	// Retry policy
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"` // attempts before a window is FAILED (default: 3)
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"` // first backoff, doubled per attempt (default: 30s)
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`  // backoff ceiling (default: 15m)

	// Shutdown
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"` // in-flight windows get this long to finish (default: 30s)

	// Pipeline
	EmbedSource      string `mapstructure:"embed_source"`       // "transcript" or "summary" (default: summary)
	PruneFragmentLog bool   `mapstructure:"prune_fragment_log"` // drop journaled fragments once a window is DONE (default: true)
	JournalBuffer    int    `mapstructure:"journal_buffer"`     // pending journal writes before entries are skipped (default: 1024)
}

// LocalInferenceConfig configures the Ollama summarization and embedding backends
type LocalInferenceConfig struct {
	Enabled         bool   `mapstructure:"enabled"`           // call the backends at all (default: true)
	BaseURL         string `mapstructure:"base_url"`          // e.g., "http://localhost:11434"
	Model           string `mapstructure:"model"`             // summarization model (default: llama3.2)
	EmbeddingModel  string `mapstructure:"embedding_model"`   // embedding model (default: nomic-embed-text)
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`   // per-request timeout
	SummaryMaxChars int    `mapstructure:"summary_max_chars"` // transcripts longer than this are summarized in chunks (default: 6000)
}

// EmbeddingsConfig constrains stored vectors
type EmbeddingsConfig struct {
	Dimensions int `mapstructure:"dimensions"` // expected vector length; 0 accepts whatever the backend returns
}

// BudgetConfig paces backend calls
type BudgetConfig struct {
	MaxCallsPerMinute float64 `mapstructure:"max_calls_per_minute"` // 0 = unlimited
}

// SearchConfig configures result queries
type SearchConfig struct {
	TopK     int     `mapstructure:"top_k"`     // default result count (default: 5)
	MinScore float64 `mapstructure:"min_score"` // similarity floor for search output (default: 0)
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
