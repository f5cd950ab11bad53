package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatcore/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Chat    ConfigChat    `toml:"chat"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
}

// ConfigAuth holds the signed-in marketplace user.
type ConfigAuth struct {
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	UserName  string `toml:"user_name"`
	UserImage string `toml:"user_image"`
	UserRole  string `toml:"user_role"`
}

// ConfigChat holds chat behaviour settings.
type ConfigChat struct {
	ConversationType string `toml:"conversation_type"`
	// SelectionStore is "file" (default), "redis" or "none".
	SelectionStore string `toml:"selection_store"`
	RedisAddr      string `toml:"redis_addr"`
	ProvisionalTTL string `toml:"provisional_ttl"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatcore, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATCORE_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatcore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		case "user_image":
			cfg.Auth.UserImage = value
		case "user_role":
			cfg.Auth.UserRole = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "chat":
		switch field {
		case "conversation_type":
			cfg.Chat.ConversationType = value
		case "selection_store":
			switch value {
			case "", "file", "redis", "none":
			default:
				return fmt.Errorf("selection_store must be file, redis or none")
			}
			cfg.Chat.SelectionStore = value
		case "redis_addr":
			cfg.Chat.RedisAddr = value
		case "provisional_ttl":
			if value != "" {
				if _, err := time.ParseDuration(value); err != nil {
					return fmt.Errorf("provisional_ttl: %w", err)
				}
			}
			cfg.Chat.ProvisionalTTL = value
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, chat)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Marketplace chat CLI",
	Long:  "Command-line client for marketplace chat.\nManage configuration, resolve conversations, and chat in real time.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
