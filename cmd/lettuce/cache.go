package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lettuce/pkg/cache"
	"github.com/soundprediction/lettuce/pkg/config"
	lettuceLogger "github.com/soundprediction/lettuce/pkg/logger"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the detection result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number of cached results",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.Len()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d cached results\n", n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached result",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Clear(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)

	cacheCmd.PersistentFlags().String("path", "", "Cache directory (default from config)")
}

// openCache opens the on-disk cache named by configuration or --path.
func openCache() (*cache.Cache, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path, _ := cacheCmd.PersistentFlags().GetString("path"); path != "" {
		cfg.Cache.Path = path
	}
	cfg.Cache.InMemory = false

	return cache.Open(cfg.Cache, lettuceLogger.New(cfg.Log, os.Stderr))
}
