package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sds-labs/sdsx/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the field result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: open store")
		}
		defer st.Close()

		rc := cache.New(st, time.Duration(cfg.Cache.TTLDays)*24*time.Hour)
		stats, err := rc.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: stats")
		}

		fmt.Printf("entries:   %d\n", stats.Entries)
		fmt.Printf("expired:   %d\n", stats.Expired)
		fmt.Printf("total hits: %d\n", stats.TotalHits)
		for field, n := range stats.ByField {
			fmt.Printf("  %-20s %d\n", field, n)
		}
		return nil
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: open store")
		}
		defer st.Close()

		rc := cache.New(st, time.Duration(cfg.Cache.TTLDays)*24*time.Hour)
		n, err := rc.Purge(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: purge")
		}
		searches, err := st.DeleteExpiredSearches(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: purge searches")
		}
		crawls, err := st.DeleteExpiredCrawls(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: purge crawls")
		}

		fmt.Printf("removed %d field entries, %d searches, %d crawls\n", n, searches, crawls)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: open store")
		}
		defer st.Close()

		rc := cache.New(st, time.Duration(cfg.Cache.TTLDays)*24*time.Hour)
		n, err := rc.Clear(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: clear")
		}
		fmt.Printf("removed %d field entries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheCleanupCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
