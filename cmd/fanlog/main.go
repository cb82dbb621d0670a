package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	serverrun "github.com/fanlog/fanlog/internal/cmd/server"
	cfgpkg "github.com/fanlog/fanlog/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fanlog",
		Short: "Fanlog broker CLI",
		Long:  "Fanlog is a single-binary durable pub/sub broker. This CLI manages the server and basic operations.",
	}

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newTopicsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start fanlog server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
				cfg.DataDir = v
			}
			if v, _ := cmd.Flags().GetString("http"); v != "" {
				cfg.HTTPAddr = v
			}
			if v, _ := cmd.Flags().GetString("fsync"); v != "" {
				cfg.Fsync = v
			}
			if cmd.Flags().Changed("fsync-interval-ms") {
				cfg.FsyncIntervalMs, _ = cmd.Flags().GetInt("fsync-interval-ms")
			}
			if v, _ := cmd.Flags().GetString("log-level"); v != "" {
				cfg.LogLevel = v
			}
			if v, _ := cmd.Flags().GetString("log-format"); v != "" {
				cfg.LogFormat = v
			}
			if cmd.Flags().Changed("retention-ms") {
				cfg.RetentionMs, _ = cmd.Flags().GetInt64("retention-ms")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	startCmd.Flags().String("config", "", "Path to JSON config file")
	startCmd.Flags().String("data-dir", "", "Data directory (default: OS-specific application data directory)")
	startCmd.Flags().String("http", "", "HTTP listen address (default :8085)")
	startCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	startCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	startCmd.Flags().String("log-level", os.Getenv("FANLOG_LOG_LEVEL"), "Log level: debug|info|warn|error")
	startCmd.Flags().String("log-format", os.Getenv("FANLOG_LOG_FORMAT"), "Log format: text|json")
	startCmd.Flags().Int64("retention-ms", 0, "Discard entries older than this; 0 disables")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an entry to a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			pairs, _ := cmd.Flags().GetStringArray("field")
			dedup, _ := cmd.Flags().GetString("dedup-key")
			fields := make([]map[string]string, 0, len(pairs))
			for _, p := range pairs {
				k, v, ok := splitPair(p)
				if !ok {
					return fmt.Errorf("bad --field %q; want key=value", p)
				}
				fields = append(fields, map[string]string{"key": k, "value": v})
			}
			body, _ := json.Marshal(map[string]any{"topic": topic, "fields": fields, "dedupKey": dedup})
			resp, err := http.Post(apiURL()+"/v1/publish", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Println(resp.Status, string(bytes.TrimSpace(out)))
			return nil
		},
	}
	cmd.Flags().String("topic", "", "Topic name")
	cmd.Flags().StringArray("field", nil, "Entry field as key=value (repeatable)")
	cmd.Flags().String("dedup-key", "", "Optional idempotency key")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func newTopicsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/topics")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Println(string(bytes.TrimSpace(out)))
			return nil
		},
	}
}

func splitPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}

func apiURL() string {
	if v := os.Getenv("FANLOG_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8085"
}
