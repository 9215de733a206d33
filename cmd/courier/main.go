package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/rzbill/courier/internal/cmd/server"
	cfgpkg "github.com/rzbill/courier/internal/config"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	logpkg "github.com/rzbill/courier/pkg/log"
)

func main() {
	level := os.Getenv("COURIER_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier chat delivery server CLI",
		Long:  "Courier delivers chat messages in real time across a fleet of instances and persists them durably. This CLI manages the server and basic operations.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the courier server",
		Aliases: []string{"run", "serve"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			backplaneURL, _ := cmd.Flags().GetString("backplane")
			instanceID, _ := cmd.Flags().GetString("instance-id")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfgpkg.FromEnv(&cfg); err != nil {
				return fmt.Errorf("apply env config: %w", err)
			}
			if backplaneURL != "" {
				cfg.BackplaneURL = backplaneURL
			}
			if instanceID != "" {
				cfg.InstanceID = instanceID
			}
			if logLevel != "" {
				_ = os.Setenv("COURIER_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("COURIER_LOG_FORMAT", logFormat)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:  dataDir,
				HTTPAddr: httpAddr,
				Fsync:    mode,
				Config:   cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("COURIER_CONFIG"), "Path to JSON config file")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverStartCmd.Flags().String("backplane", os.Getenv("COURIER_BACKPLANE_URL"), "Backplane URL, e.g. redis://host:6379 (empty runs single-node)")
	serverStartCmd.Flags().String("instance-id", "", "Stable instance id (defaults to hostname-derived)")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", os.Getenv("COURIER_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("COURIER_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	onlineCmd := &cobra.Command{
		Use:   "online",
		Short: "List online users on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/api/users/online")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var users []string
			if err := json.Unmarshal(body, &users); err != nil {
				return fmt.Errorf("unexpected response %s: %w", resp.Status, err)
			}
			for _, u := range users {
				fmt.Println(u)
			}
			return nil
		},
	}
	rootCmd.AddCommand(onlineCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Fetch conversation history between two users",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			peer, _ := cmd.Flags().GetString("peer")
			if user == "" || peer == "" {
				return fmt.Errorf("--user and --peer are required")
			}
			resp, err := http.Get(apiURL() + "/api/messages?user=" + user + "&peer=" + peer)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	historyCmd.Flags().String("user", "", "First participant")
	historyCmd.Flags().String("peer", "", "Second participant")
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("COURIER_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
