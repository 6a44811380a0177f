package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = map[string]string{
	"server":   "string",
	"timeout":  "duration",
	"insecure": "bool",
	"json":     "bool",
	"pretty":   "bool",
	"token":    "string",
	"issuer":   "string",
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hitctl configuration",
	Long:  `Manage hitctl configuration settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		token := "(unset)"
		if viper.GetString("token") != "" {
			token = "(set)"
		}
		if outputJSON {
			printOutput(w, map[string]any{
				"server":   viper.GetString("server"),
				"timeout":  viper.GetDuration("timeout").String(),
				"insecure": viper.GetBool("insecure"),
				"json":     viper.GetBool("json"),
				"pretty":   viper.GetBool("pretty"),
				"token":    token,
				"issuer":   viper.GetString("issuer"),
			})
			return
		}
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(w, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(w, "  Insecure TLS: %v\n", viper.GetBool("insecure"))
		fmt.Fprintf(w, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(w, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Fprintf(w, "  Token: %s\n", token)
		if iss := viper.GetString("issuer"); iss != "" {
			fmt.Fprintf(w, "  Token issuer: %s\n", iss)
		}
		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(w, "  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  hitctl config set server http://relay.internal:8080
  hitctl config set timeout 60s
  hitctl config set issuer http://localhost:8082`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("insecure", false)
		viper.Set("json", false)
		viper.Set("pretty", false)
		viper.Set("issuer", "http://localhost:8082")

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hitctl.yaml"), nil
}

// setConfigValue validates value against the key's type and stores it in viper.
func setConfigValue(key, value string) error {
	kind, ok := configKeys[key]
	if !ok {
		valid := make([]string, 0, len(configKeys))
		for k := range configKeys {
			valid = append(valid, k)
		}
		sort.Strings(valid)
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(valid, ", "))
	}

	switch kind {
	case "bool":
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for %s: %s", key, value)
		}
		viper.Set(key, d.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
