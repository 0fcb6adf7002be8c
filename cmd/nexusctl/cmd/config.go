package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configKeys lists what config set accepts. Credentials are read from the
// environment only.
var configKeys = []string{"server", "grpc", "timeout", "http", "json", "pretty"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage nexusctl configuration",
	Long:  `Manage nexusctl configuration settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			printOutput(map[string]any{
				"server":  viper.GetString("server"),
				"grpc":    viper.GetString("grpc"),
				"timeout": viper.GetDuration("timeout").String(),
				"http":    viper.GetBool("http"),
				"json":    viper.GetBool("json"),
				"pretty":  viper.GetBool("pretty"),
				"secret":  secret != "",
				"token":   jwtToken != "",
			})
			return
		}

		fmt.Println("Current configuration:")
		fmt.Printf("  Server: %s\n", viper.GetString("server"))
		fmt.Printf("  gRPC: %s\n", viper.GetString("grpc"))
		fmt.Printf("  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Printf("  Use HTTP: %v\n", viper.GetBool("http"))
		fmt.Printf("  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Printf("  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Printf("  Secret: %s\n", presence(secret))
		fmt.Printf("  Admin token: %s\n", presence(jwtToken))

		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Printf("  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Println("  Config file: none (using defaults)")
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  nexusctl config set server http://localhost:3000
  nexusctl config set grpc localhost:50051
  nexusctl config set timeout 60s
  nexusctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		v, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		if on, _ := v.(bool); key == "pretty" && on && !checkJQAvailable() {
			fmt.Printf("⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.\n")
			fmt.Printf("To install jq: https://jqlang.github.io/jq/download/\n\n")
		}
		viper.Set(key, v)

		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		fmt.Printf("Configuration saved to: %s\n", configPath)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := configFilePath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(configPath); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		viper.Set("server", "http://localhost:3000")
		viper.Set("grpc", "localhost:50051")
		viper.Set("timeout", "30s")
		viper.Set("http", false)
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		fmt.Printf("Configuration file created: %s\n", configPath)
		fmt.Println("Default settings:")
		fmt.Println("  server: http://localhost:3000")
		fmt.Println("  grpc: localhost:50051")
		fmt.Println("  timeout: 30s")
		fmt.Println("  http: false")
		fmt.Println("  json: false")
		fmt.Println("  pretty: false")
		return nil
	},
}

// parseConfigValue validates key and converts value to the type viper
// should persist.
func parseConfigValue(key, value string) (any, error) {
	switch key {
	case "http", "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid duration for timeout: %s", value)
		}
		return value, nil
	case "server", "grpc":
		if value == "" {
			return nil, fmt.Errorf("%s must not be empty", key)
		}
		return value, nil
	}
	return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
}

func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".nexusctl.yaml"), nil
}

func presence(s string) string {
	if s == "" {
		return "not set"
	}
	return "set"
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
