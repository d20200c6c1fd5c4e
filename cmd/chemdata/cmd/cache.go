package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/telemetry"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count and size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(c *cache.Cache) error {
			stats, err := c.Stats(commandContext(cmd))
			if err != nil {
				return err
			}
			return NewPrinter(cmd.OutOrStdout()).PrintCacheStats(stats)
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(c *cache.Cache) error {
			if err := c.Clear(commandContext(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		})
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired cache entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(c *cache.Cache) error {
			removed, err := c.Prune(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries.\n", removed)
			return nil
		})
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

// withCache 按配置打开缓存，执行 fn 后关闭。
func withCache(cmd *cobra.Command, fn func(c *cache.Cache) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	c, err := cache.Open(commandContext(cmd), cfg, logger, nil)
	if err != nil {
		return err
	}
	if c == nil {
		return errors.New("response cache is disabled in configuration")
	}
	defer c.Close()
	return fn(c)
}
