package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/internal/cache"
)

var (
	cacheClearDriver  string
	cacheClearDataDir string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the on-disk answer cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached answer",
	Long:  "Removes all cached answers from a badger or pebble cache. The server must not be running against the same data directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyEnv(cmd, map[string]string{"driver": "AIGRID_CACHE", "data-dir": "AIGRID_DATA_DIR"}); err != nil {
			return err
		}
		switch cacheClearDriver {
		case "badger", "pebble":
		default:
			return fmt.Errorf("cache clear needs an on-disk driver (badger or pebble), got %q", cacheClearDriver)
		}
		cfg := cache.DefaultConfig()
		cfg.Driver = cacheClearDriver
		cfg.Dir = cacheDir(cacheClearDataDir, cacheClearDriver)
		c, err := cache.Open(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Purge(cmd.Context()); err != nil {
			return fmt.Errorf("purge %s cache: %w", cacheClearDriver, err)
		}
		fmt.Printf("Cleared %s cache at %s\n", cacheClearDriver, cfg.Dir)
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().StringVar(&cacheClearDriver, "driver", "badger", "Cache driver: badger or pebble")
	cacheClearCmd.Flags().StringVar(&cacheClearDataDir, "data-dir", "data", "Directory holding the cache")

	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
