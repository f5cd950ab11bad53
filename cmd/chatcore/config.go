package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatcore configuration",
	Long:  "View or modify the chatcore CLI configuration stored in ~/.chatcore/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatcore init <user-id>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := redactedConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

// redactedConfig renders cfg as TOML with the bearer token masked and the
// chat defaults filled in.
func redactedConfig(cfg *Config) ([]byte, error) {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	out.Auth.UserRole = valueOrDefault(out.Auth.UserRole, "buyer")
	out.Chat.SelectionStore = valueOrDefault(out.Chat.SelectionStore, "file")
	if out.Chat.SelectionStore == "redis" {
		out.Chat.RedisAddr = valueOrDefault(out.Chat.RedisAddr, "localhost:6379")
	}
	data, err := toml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	return data, nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatcore config set default.base_url https://api.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
