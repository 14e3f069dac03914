package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initUserID string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user", "", "user ID the token belongs to")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.tidechat/config.toml",
	Long:  "Initialize the Tidechat CLI by storing your sync gateway token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user ID set. Run 'tidechat config set auth.user_id <id>' before using room commands.")
		}
		return nil
	},
}
