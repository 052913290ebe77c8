package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.Prefix("am") + "Manage Jarvis configuration",
	Long: sym.AM + ` am - Manage Jarvis configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags (--db, --config)
2. Environment variables (JARVIS_* prefix, "." becomes "_")
3. Project config (./am.toml, searched up the directory tree)
4. User config (~/.jarvis/am.toml)
5. System config (/etc/jarvis/am.toml)
6. Default values

Examples:
  jarvis am show                         # Show current configuration
  jarvis am show --format yaml           # Show configuration as YAML
  jarvis am get pulse.window_duration    # Get one value
  jarvis am validate                     # Validate current configuration
  jarvis am init                         # Write defaults to ./am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective Jarvis configuration from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.max_concurrent_windows)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a toml file",
	Long: `Write the default configuration to path (default ./am.toml).
An existing file is kept as path.back1 (older backups rotate to .back3).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were loaded",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg.AsMap(), "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg.AsMap())
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# Jarvis configuration\n%s", string(data))

	case "toml":
		data, err := cfg.MarshalTOML()
		if err != nil {
			return err
		}
		fmt.Printf("# Jarvis configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.Wrapf(errors.ErrNotFound, "configuration key %q", key)
	}
	fmt.Println(am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	files := am.LoadedFiles()
	if configFile != "" {
		files = []string{configFile}
	}
	for _, path := range files {
		unknown, err := am.UnknownKeys(path)
		if err != nil {
			return err
		}
		for _, key := range unknown {
			pterm.Warning.Printf("%s: unknown key %q is ignored\n", path, key)
		}
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := "am.toml"
	if len(args) == 1 {
		path = args[0]
	}

	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		fmt.Printf("Backing up existing %s to %s.back1\n", path, path)
	}
	if err := am.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote configuration to %s\n", path)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		fmt.Printf("Explicit config file: %s\n", configFile)
		return nil
	}
	if _, err := am.Load(); err != nil {
		return err
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/jarvis/am.toml")
	fmt.Printf("  3. [USER]     %s\n", am.UserConfigPath())
	fmt.Println("  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Println("  5. [ENV]      JARVIS_* environment variables")
	fmt.Println()

	files := am.LoadedFiles()
	if len(files) == 0 {
		fmt.Println("No configuration files found, using defaults")
		return nil
	}
	fmt.Println("Loaded files:")
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}
