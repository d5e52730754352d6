package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage herald configuration",
	Long: sym.AM + ` am — Manage herald configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/herald/config.toml)
3. User config (~/.herald/config.toml)
4. Project config (./herald.toml, searched upwards)
5. Environment variables (HERALD_* prefix)

Examples:
  herald am show                       # Show effective configuration (secrets masked)
  herald am show --format json         # Show configuration as JSON
  herald am get business.timezone      # Get one value
  herald am set dispatch.test_mode true
  herald am validate                   # Validate current configuration
  herald am where                      # Show which source supplied each value`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration from all sources. Secrets are masked.",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the user config file",
	Long: `Write a value into ~/.herald/config.toml. A backup of the previous file is kept.

A running daemon picks up dispatch.test_mode and dispatch.fallback_enabled
immediately; other settings apply on restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}
	out, err := formatSettings(intro.Masked(), configFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// formatSettings renders a nested settings map in the requested format.
func formatSettings(settings map[string]interface{}, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		return string(data) + "\n", nil

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		return "# herald configuration\n" + string(data), nil

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		return "# herald configuration\n" + string(data), nil

	default:
		return "", fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !am.GetViper().IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	path, err := am.SetUserValue(key, am.ParseValue(raw))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printfln("%s was written to %s but the configuration is now invalid: %v", key, path, err)
		return nil
	}

	pterm.Success.Printfln("%s = %s (%s)", key, raw, path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/herald/config.toml")
	fmt.Println("  3. [USER]     ~/.herald/config.toml")
	fmt.Println("  4. [PROJECT]  ./herald.toml (searches up directories)")
	fmt.Println("  5. [ENV]      HERALD_* environment variables")
	fmt.Println()
	if intro.ConfigFile != "" {
		fmt.Printf("Active config file: %s\n\n", intro.ConfigFile)
	}

	settings := append([]am.SettingInfo(nil), intro.Settings...)
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range settings {
		if s.Source == am.SourceDefault {
			continue
		}
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	if len(data) == 1 {
		fmt.Println("All settings use built-in defaults.")
	} else if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	counts := intro.CountBySource()
	fmt.Printf("\n%d settings: %d default, %d system, %d user, %d project, %d environment\n",
		len(intro.Settings),
		counts[am.SourceDefault], counts[am.SourceSystem], counts[am.SourceUser],
		counts[am.SourceProject], counts[am.SourceEnvironment])
	return nil
}
