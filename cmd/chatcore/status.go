package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and API reachability",
	Long:  "Display the current configuration and check that the conversation list can be fetched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(base URL)"))
		fmt.Printf("  Selections:   %s\n", valueOrDefault(cfg.Chat.SelectionStore, "file"))
		if cfg.Chat.SelectionStore == "redis" {
			fmt.Printf("  Redis:        %s\n", valueOrDefault(cfg.Chat.RedisAddr, "localhost:6379"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:      %s\n", cfg.Auth.UserID)
			fmt.Printf("  Name:         %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
			fmt.Printf("  Role:         %s\n", valueOrDefault(cfg.Auth.UserRole, "buyer"))
		} else {
			fmt.Println("  User ID:      (not set)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		if cfg.Default.BaseURL == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}
