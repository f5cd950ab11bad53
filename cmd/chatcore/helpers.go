package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bazaarly/chatcore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// logger writes human-readable logs to stderr; the level is set by --log-level.
func logger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// mustConfig loads the config and exits when no user is configured.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatcore config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user. Run 'chatcore init <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates an HTTP API client from the config.
func getClient(cfg *Config) *chatcore.Client {
	opts := []chatcore.ClientOption{chatcore.WithLogger(logger())}
	if cfg.Auth.Token != "" {
		opts = append(opts, chatcore.WithToken(cfg.Auth.Token))
	}
	return chatcore.NewClient(cfg.Default.BaseURL, opts...)
}

// selfUser is the configured user.
func selfUser(cfg *Config) chatcore.User {
	return chatcore.User{
		ID:    cfg.Auth.UserID,
		Name:  cfg.Auth.UserName,
		Image: cfg.Auth.UserImage,
		Role:  valueOrDefault(cfg.Auth.UserRole, "buyer"),
	}
}

// realtimeURL falls back to the base URL when no realtime URL is set.
func realtimeURL(cfg *Config) string {
	return valueOrDefault(cfg.Default.RealtimeURL, cfg.Default.BaseURL)
}

// getSelections builds the selection store named by chat.selection_store.
// It returns nil for "none".
func getSelections(cfg *Config) (chatcore.SelectionStore, error) {
	switch cfg.Chat.SelectionStore {
	case "", "file":
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		return chatcore.NewFileSelectionStore(filepath.Join(dir, "selections.toml")), nil
	case "redis":
		addr := valueOrDefault(cfg.Chat.RedisAddr, "localhost:6379")
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		return chatcore.NewRedisSelectionStore(rdb, "", 0), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown selection store %q", cfg.Chat.SelectionStore)
	}
}

// provisionalTTL parses chat.provisional_ttl; zero means the library default.
func provisionalTTL(cfg *Config) time.Duration {
	if cfg.Chat.ProvisionalTTL == "" {
		return 0
	}
	d, err := time.ParseDuration(cfg.Chat.ProvisionalTTL)
	if err != nil {
		return 0
	}
	return d
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
