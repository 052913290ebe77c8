package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "jarvis.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Pulse.WindowDuration)
	assert.Equal(t, 5*time.Second, cfg.Pulse.TickInterval)
	assert.Equal(t, 2, cfg.Pulse.MaxConcurrentWindows)
	assert.Equal(t, 3, cfg.Pulse.MaxRetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pulse.RetryBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Pulse.ShutdownGracePeriod)
	assert.Equal(t, EmbedSourceSummary, cfg.Pulse.EmbedSource)
	assert.True(t, cfg.Pulse.PruneFragmentLog)
	assert.Equal(t, "http://localhost:11434", cfg.LocalInference.BaseURL)
	assert.Equal(t, "llama3.2", cfg.LocalInference.Model)
	assert.Equal(t, 5, cfg.Search.TopK)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero close delay is valid", func(c *Config) { c.Pulse.CloseDelay = 0 }, ""},
		{"zero grace period is valid", func(c *Config) { c.Pulse.ShutdownGracePeriod = 0 }, ""},
		{"zero budget is valid (unlimited)", func(c *Config) { c.Budget.MaxCallsPerMinute = 0 }, ""},
		{"transcript embed source", func(c *Config) { c.Pulse.EmbedSource = EmbedSourceTranscript }, ""},
		{"zero window", func(c *Config) { c.Pulse.WindowDuration = 0 }, "pulse.window_duration"},
		{"tick longer than window", func(c *Config) { c.Pulse.TickInterval = 20 * time.Minute }, "pulse.tick_interval"},
		{"negative close delay", func(c *Config) { c.Pulse.CloseDelay = -time.Second }, "pulse.close_delay"},
		{"zero concurrency", func(c *Config) { c.Pulse.MaxConcurrentWindows = 0 }, "pulse.max_concurrent_windows"},
		{"zero attempts", func(c *Config) { c.Pulse.MaxRetryAttempts = 0 }, "pulse.max_retry_attempts"},
		{"zero backoff base", func(c *Config) { c.Pulse.RetryBackoffBase = 0 }, "pulse.retry_backoff_base"},
		{"backoff max below base", func(c *Config) { c.Pulse.RetryBackoffMax = time.Second }, "pulse.retry_backoff_max"},
		{"unknown embed source", func(c *Config) { c.Pulse.EmbedSource = "audio" }, "pulse.embed_source"},
		{"empty model when enabled", func(c *Config) { c.LocalInference.Model = "" }, "local_inference.model"},
		{"empty model when disabled", func(c *Config) {
			c.LocalInference.Enabled = false
			c.LocalInference.Model = ""
		}, ""},
		{"negative budget", func(c *Config) { c.Budget.MaxCallsPerMinute = -1 }, "budget.max_calls_per_minute"},
		{"negative dimensions", func(c *Config) { c.Embeddings.Dimensions = -3 }, "embeddings.dimensions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReload(t *testing.T) {
	current := defaultConfig(t)

	next := defaultConfig(t)
	next.Pulse.MaxConcurrentWindows = 4
	assert.NoError(t, current.ValidateReload(next), "concurrency can change live")

	next = defaultConfig(t)
	next.Pulse.WindowDuration = 30 * time.Minute
	err := current.ValidateReload(next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse.window_duration changed")
}

func TestLoadFromFile_Durations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[pulse]
window_duration = "10m"
tick_interval = "2s"
max_concurrent_windows = 3
embed_source = "transcript"
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Pulse.WindowDuration)
	assert.Equal(t, 2*time.Second, cfg.Pulse.TickInterval)
	assert.Equal(t, 3, cfg.Pulse.MaxConcurrentWindows)
	assert.Equal(t, EmbedSourceTranscript, cfg.Pulse.EmbedSource)
	assert.Equal(t, 3, cfg.Pulse.MaxRetryAttempts, "unset keys keep defaults")
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")

	cfg := defaultConfig(t)
	cfg.Pulse.WindowDuration = 5 * time.Minute
	cfg.Pulse.RetryBackoffBase = 2 * time.Second
	cfg.LocalInference.Model = "mistral"
	require.NoError(t, Save(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	// A second save rotates the first file into .back1
	require.NoError(t, Save(cfg, path))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	subDir := filepath.Join(tmpDir, "project", "subdir")
	require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "project", "am.toml"), []byte(""), DefaultFilePermissions))

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	require.NoError(t, os.Chdir(subDir))

	result := findProjectConfig()
	require.NotEmpty(t, result)
	assert.True(t, filepath.IsAbs(result))
	assert.Equal(t, "am.toml", filepath.Base(result))
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_windows = 2\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_windows = 4\n"), DefaultFilePermissions))

	select {
	case c := <-reloaded:
		assert.Equal(t, 4, c.Pulse.MaxConcurrentWindows)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("am.toml"))
}

func TestUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[pulse]
window_duration = "10m"
window_durration = "5m"

[local_inference]
model = "mistral"

[plugins]
enabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	unknown, err := UnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"plugins.enabled", "pulse.window_durration"}, unknown)
}

func TestUnknownKeys_InvalidToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse\nbroken"), DefaultFilePermissions))

	_, err := UnknownKeys(path)
	assert.Error(t, err)
}
