package commands

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/db"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
)

var (
	configFile string
	dbPath     string
	jsonLogs   bool
	verbosity  int
)

// AddGlobalFlags registers flags shared by every command
func AddGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Read configuration from this file only (skips the am.toml cascade)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides database.path)")
	cmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v, -vv)")
}

// InitLogging sets up the global logger from configuration and flags.
// A config that fails to load falls back to info-level console logs; the
// command itself reports the load error.
func InitLogging(cmd *cobra.Command) error {
	level := logger.ParseLevel("info")
	useJSON := jsonLogs
	if cfg, err := loadConfig(); err == nil {
		level = logger.ParseLevel(cfg.Logging.Level)
		useJSON = useJSON || cfg.Logging.JSON
	}
	if err := logger.Initialize(useJSON, logger.VerbosityToLevel(verbosity, level)); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

// loadConfig resolves configuration from --config or the layered cascade,
// then applies flag overrides
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if configFile != "" {
		cfg, err = am.LoadFromFile(configFile)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if dbPath != "" {
		override := *cfg
		override.Database.Path = dbPath
		cfg = &override
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	if version, err := db.VecVersion(database); err != nil {
		logger.Logger.Warnw("Vector search unavailable, falling back to text search", "path", path, logger.FieldError, err)
	} else {
		logger.Logger.Debugw("Database ready", "path", path, "sqlite_vec", version)
	}
	return database, nil
}

// FormatError renders an error with any hints attached to it
func FormatError(err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %v", err)
	for _, hint := range errors.GetAllHints(err) {
		fmt.Fprintf(&b, "\nHint: %s", hint)
	}
	return b.String()
}
