package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initToken   string
	initName    string
	initRole    string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Marketplace API base URL")
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the API")
	initCmd.Flags().StringVar(&initName, "name", "", "Display name")
	initCmd.Flags().StringVar(&initRole, "role", "buyer", "Role: buyer, seller, provider, admin")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store the signed-in user in ~/.chatcore/config.toml",
	Long:  "Initialize the chatcore CLI by storing your user id and API endpoint in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initName != "" {
			cfg.Auth.UserName = initName
		}
		if err := setConfigValue(cfg, "auth.user_role", initRole); err != nil {
			return err
		}
		if cfg.Chat.SelectionStore == "" {
			cfg.Chat.SelectionStore = "file"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("User %s saved to %s\n", args[0], path)
		return nil
	},
}
