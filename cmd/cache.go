package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
	Long:  `Commands for inspecting and clearing the per-image result cache.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show result cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached verdict",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := rt.cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}
	dbFP, err := rt.cache.DatabaseFingerprint(ctx)
	if err != nil {
		return fmt.Errorf("failed to read database fingerprint: %w", err)
	}

	fmt.Printf("Entries:        %d\n", stats.TotalEntries)
	fmt.Printf("  with faces:   %d\n", stats.WithFaces)
	fmt.Printf("  with matches: %d\n", stats.WithMatches)
	fmt.Printf("Size:           %s MB (%d bytes)\n", stats.SizeMB, stats.SizeBytes)
	if dbFP != "" {
		fmt.Printf("Database hash:  %s\n", dbFP)
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Println("Result cache cleared")
	return nil
}
