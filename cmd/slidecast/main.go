// Package main provides the slidecast CLI, a headless viewer for live
// slide presentations.
//
// # Basic Usage
//
// Follow a presentation, logging every slide change:
//
//	slidecast watch 7d0c3e52-... --config slidecast.yaml
//
// Inspect or clean the local artifact cache:
//
//	slidecast cache stats
//	slidecast cache sweep --retention 72h
//	slidecast cache clear 7d0c3e52-...
//
// # Environment Variables
//
//   - SLIDECAST_CONFIG: path to the configuration file (default: slidecast.yaml)
//   - Any ${VAR} referenced from the configuration file, typically the
//     project URL and API key.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "slidecast.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "slidecast",
		Short: "slidecast - follow live slide presentations",
		Long: `slidecast keeps a local view in sync with a presenter's live slide position.

It subscribes to row changes over the realtime channel, falls back to polling
when push is unavailable, and caches slide artifacts around the current
position so they display without waiting on the network.`,
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file (or set SLIDECAST_CONFIG)")

	rootCmd.AddCommand(
		buildWatchCmd(&configPath),
		buildCacheCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// resolveConfigPath picks the flag, then SLIDECAST_CONFIG, then the default
// file name. explicit reports whether the caller named a file.
func resolveConfigPath(path string) (resolved string, explicit bool) {
	if p := strings.TrimSpace(path); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv("SLIDECAST_CONFIG")); p != "" {
		return p, true
	}
	return defaultConfigName, false
}
