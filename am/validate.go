package am

import (
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/AITrekker/Jarvis/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	p := c.Pulse

	if p.WindowDuration <= 0 {
		return errors.Newf("pulse.window_duration must be > 0, got %s", p.WindowDuration)
	}
	if p.WindowDuration%time.Second != 0 {
		return errors.Newf("pulse.window_duration must be a whole number of seconds, got %s", p.WindowDuration)
	}
	if p.TickInterval <= 0 {
		return errors.Newf("pulse.tick_interval must be > 0, got %s", p.TickInterval)
	}
	if p.TickInterval >= p.WindowDuration {
		return errors.WithHint(
			errors.Newf("pulse.tick_interval (%s) must be shorter than pulse.window_duration (%s)", p.TickInterval, p.WindowDuration),
			"a few seconds is typical")
	}
	// Zero means zero: no lateness allowance, windows close exactly at their end
	if p.CloseDelay < 0 {
		return errors.Newf("pulse.close_delay must be >= 0, got %s", p.CloseDelay)
	}
	if p.MaxConcurrentWindows < 1 {
		return errors.Newf("pulse.max_concurrent_windows must be >= 1, got %d", p.MaxConcurrentWindows)
	}
	if p.MaxRetryAttempts < 1 {
		return errors.Newf("pulse.max_retry_attempts must be >= 1, got %d", p.MaxRetryAttempts)
	}
	if p.RetryBackoffBase <= 0 {
		return errors.Newf("pulse.retry_backoff_base must be > 0, got %s", p.RetryBackoffBase)
	}
	if p.RetryBackoffMax < p.RetryBackoffBase {
		return errors.Newf("pulse.retry_backoff_max (%s) must be >= pulse.retry_backoff_base (%s)", p.RetryBackoffMax, p.RetryBackoffBase)
	}
	if p.ShutdownGracePeriod < 0 {
		return errors.Newf("pulse.shutdown_grace_period must be >= 0, got %s", p.ShutdownGracePeriod)
	}
	if p.EmbedSource != EmbedSourceTranscript && p.EmbedSource != EmbedSourceSummary {
		return errors.Newf("pulse.embed_source must be %q or %q, got %q", EmbedSourceTranscript, EmbedSourceSummary, p.EmbedSource)
	}
	if p.JournalBuffer < 0 {
		return errors.Newf("pulse.journal_buffer must be >= 0, got %d", p.JournalBuffer)
	}

	// Validate local inference configuration only when enabled
	if c.LocalInference.Enabled {
		if c.LocalInference.BaseURL == "" {
			return errors.New("local_inference.base_url cannot be empty when enabled")
		}
		if c.LocalInference.Model == "" {
			return errors.New("local_inference.model cannot be empty when enabled")
		}
		if c.LocalInference.EmbeddingModel == "" {
			return errors.New("local_inference.embedding_model cannot be empty when enabled")
		}
		if c.LocalInference.TimeoutSeconds <= 0 {
			return errors.Newf("local_inference.timeout_seconds must be > 0, got %d", c.LocalInference.TimeoutSeconds)
		}
		if c.LocalInference.SummaryMaxChars < 0 {
			return errors.Newf("local_inference.summary_max_chars must be >= 0, got %d", c.LocalInference.SummaryMaxChars)
		}
	}

	if c.Embeddings.Dimensions < 0 {
		return errors.Newf("embeddings.dimensions must be >= 0, got %d", c.Embeddings.Dimensions)
	}
	// 0 = unlimited
	if c.Budget.MaxCallsPerMinute < 0 {
		return errors.Newf("budget.max_calls_per_minute must be >= 0, got %f", c.Budget.MaxCallsPerMinute)
	}
	if c.Search.TopK < 1 {
		return errors.Newf("search.top_k must be >= 1, got %d", c.Search.TopK)
	}

	return nil
}

// ValidateReload checks that next can replace c on a running daemon.
// Window identity derives from window_duration, so it cannot change live.
func (c *Config) ValidateReload(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.Pulse.WindowDuration != c.Pulse.WindowDuration {
		return errors.WithHint(
			errors.Newf("pulse.window_duration changed from %s to %s", c.Pulse.WindowDuration, next.Pulse.WindowDuration),
			"restart the daemon to change window size")
	}
	if next.Database.Path != c.Database.Path {
		return errors.New("database.path cannot change while running")
	}
	return nil
}

// UnknownKeys lists dotted keys in a toml file that no setting reads.
// Viper drops them silently, so a typo like "pulse.window_durration" would
// otherwise leave the default in effect.
func UnknownKeys(path string) ([]string, error) {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	v := viper.New()
	SetDefaults(v)
	known := make(map[string]struct{})
	for _, k := range v.AllKeys() {
		known[k] = struct{}{}
	}

	var unknown []string
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := strings.ToLower(prefix + k)
			if nested, ok := val.(map[string]interface{}); ok {
				walk(key+".", nested)
				continue
			}
			if _, ok := known[key]; !ok {
				unknown = append(unknown, key)
			}
		}
	}
	walk("", raw)
	sort.Strings(unknown)
	return unknown, nil
}
