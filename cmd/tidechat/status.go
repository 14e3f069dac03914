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
	Short: "Show current configuration and sync status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live sync state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Gateway:     %s\n", valueOrDefault(cfg.Default.GatewayURL, "wss://api.tidechat.io/sync"))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "sqlite"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User ID:     (not set)")
		}

		// Check token expiry.
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s  %s\n", maskKey(cfg.Auth.Token), tokenStatus)

		// If fully configured, fetch live sync state.
		if cfg.Auth.Token != "" && cfg.Auth.UserID != "" {
			fmt.Println()
			fmt.Println("Live status:")

			client, cleanup := getClient()
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rooms, err := client.GetChatRooms(ctx)
			if err != nil {
				fmt.Printf("  Error fetching rooms: %s\n", describeFailure(err))
				return nil
			}
			unread, err := client.GetTotalUnreadMessageCount(ctx)
			if err != nil {
				fmt.Printf("  Error fetching unread count: %s\n", describeFailure(err))
				return nil
			}

			fmt.Printf("  Rooms:            %d\n", len(rooms))
			fmt.Printf("  Unread messages:  %d\n", unread)
			fmt.Printf("  Active listeners: %d\n", len(client.ActiveListeners()))
		}

		return nil
	},
}

// maskKey shows the first and last few characters of a token. Tokens too
// short to mask meaningfully are hidden entirely.
func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) < 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
