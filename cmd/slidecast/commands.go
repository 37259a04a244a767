package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Watch Command
// =============================================================================

func buildWatchCmd(configPath *string) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch <presentation-id>",
		Short: "Follow a live presentation",
		Long: `Follow a live presentation until it ends or the process is interrupted.

Each slide change is printed with the URL a display should load for it: a
reference into the local artifact cache when the slide is cached, the remote
URL otherwise. Cached artifacts and Prometheus metrics are served on
server.listen.

SIGUSR1 marks the viewer hidden and SIGUSR2 or SIGCONT marks it visible
again; becoming visible triggers an immediate refetch of the live position.`,
		Example: `  # Follow a presentation
  slidecast watch 7d0c3e52-5b8e-4f0e-9a57-0c1b2f7e4d10

  # Join as the presenter and assume a slow network
  slidecast watch 7d0c3e52-... --role presenter --quality slow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.presentationID = args[0]
			opts.configPath = *configPath
			return runWatch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.role, "role", "", "Presence role: viewer or presenter")
	cmd.Flags().StringVar(&opts.quality, "quality", "", "Initial network quality: fast, slow or unknown")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Cache Commands
// =============================================================================

func buildCacheCmd(configPath *string) *cobra.Command {
	var cachePath string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local artifact cache",
	}
	cmd.PersistentFlags().StringVar(&cachePath, "cache-path", "", "Override cache.path from the configuration")
	cmd.AddCommand(
		buildCacheStatsCmd(configPath, &cachePath),
		buildCacheSweepCmd(configPath, &cachePath),
		buildCacheClearCmd(configPath, &cachePath),
	)
	return cmd
}

func buildCacheStatsCmd(configPath, cachePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStats(cmd.Context(), cmd.OutOrStdout(), *configPath, *cachePath)
		},
	}
}

func buildCacheSweepCmd(configPath, cachePath *string) *cobra.Command {
	var (
		retention time.Duration
		schedule  string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict artifacts older than the retention period",
		Long: `Evict artifacts older than the retention period.

With --schedule the sweep repeats on a cron expression until interrupted.`,
		Example: `  slidecast cache sweep --retention 72h
  slidecast cache sweep --schedule @hourly`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheSweep(cmd.Context(), cmd.OutOrStdout(), *configPath, *cachePath, retention, schedule)
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Maximum artifact age (default cache.retention)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression for repeated sweeps")
	return cmd
}

func buildCacheClearCmd(configPath, cachePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <presentation-id>",
		Short: "Remove every cached artifact of a presentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(cmd.Context(), cmd.OutOrStdout(), *configPath, *cachePath, args[0])
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "slidecast %s\n", versionString())
		},
	}
}
