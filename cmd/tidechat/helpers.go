package main

import (
	"fmt"
	"os"
	"path/filepath"

	tidechat "github.com/tidechat/tidechat-go"
)

// getClient builds a sync client from the stored configuration. The
// returned cleanup func closes the client and the underlying connection.
func getClient() (*tidechat.Client, func()) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'tidechat init <token> --user <user-id>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user ID configured. Run 'tidechat config set auth.user_id <id>'.")
		os.Exit(1)
	}

	gateway := cfg.Default.GatewayURL
	if gateway == "" {
		gateway = "wss://api.tidechat.io/sync"
	}
	remote := tidechat.NewWSRemoteStore(gateway, cfg.Auth.Token, nil)

	var opts []tidechat.Option
	if cfg.Cache.Backend != "memory" {
		cachePath := cfg.Cache.Path
		if cachePath == "" {
			dir, err := configDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to resolve cache path: %v\n", err)
				os.Exit(1)
			}
			cachePath = filepath.Join(dir, "cache.db")
		}
		cache, err := tidechat.NewSQLiteCache(cachePath, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open cache at %s: %v\n", cachePath, err)
			os.Exit(1)
		}
		opts = append(opts, tidechat.WithCache(cache))
	}

	client := tidechat.NewClient(remote, cfg.Auth.UserID, opts...)
	cleanup := func() {
		client.Close()
		remote.Close()
	}
	return client, cleanup
}

// describeFailure renders a client failure for terminal output.
func describeFailure(err error) string {
	if f, ok := tidechat.AsFailure(err); ok {
		if f.Code != "" {
			return fmt.Sprintf("%s (%s: %s)", f.Message, f.Kind, f.Code)
		}
		return fmt.Sprintf("%s (%s)", f.Message, f.Kind)
	}
	return err.Error()
}
