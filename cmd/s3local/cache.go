package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/holgern/s3local/internal/config"
	"github.com/holgern/s3local/internal/drime"
	"github.com/holgern/s3local/internal/md5cache"
	providerdrime "github.com/holgern/s3local/internal/provider/drime"
)

func newCacheCommand() *cobra.Command {
	var cacheDB string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Administer the MD5 digest cache",
	}
	cmd.PersistentFlags().StringVar(&cacheDB, "cache-db", "", "MD5 cache database path")

	openCache := func(ctx context.Context) (*md5cache.Cache, error) {
		path := cacheDB
		if path == "" {
			var err error
			path, err = config.DefaultCachePath()
			if err != nil {
				return nil, err
			}
		}
		return md5cache.Open(ctx, path)
	}

	cmd.AddCommand(newCacheStatsCommand(openCache))
	cmd.AddCommand(newCacheCleanupCommand(openCache))
	cmd.AddCommand(newCacheVacuumCommand(openCache))
	cmd.AddCommand(newCacheMigrateCommand(openCache))
	return cmd
}

func newCacheStatsCommand(openCache func(context.Context) (*md5cache.Cache, error)) *cobra.Command {
	var workspace int64

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts and cached payload volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer cache.Close()

			stats, err := cache.Stats(cmd.Context(), workspace)
			if err != nil {
				return err
			}

			cmd.Printf("entries: %s\n", humanize.Comma(stats.Entries))
			cmd.Printf("buckets: %s\n", humanize.Comma(stats.Buckets))
			cmd.Printf("size:    %s\n", humanize.IBytes(uint64(stats.TotalSize)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&workspace, "workspace", 0, "restrict to one workspace id")
	return cmd
}

func newCacheCleanupCommand(openCache func(context.Context) (*md5cache.Cache, error)) *cobra.Command {
	var (
		workspace int64
		bucket    string
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove cache entries for a bucket or a whole workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == 0 {
				return errors.New("--workspace is required")
			}
			if bucket == "" && !all {
				return errors.New("pass --bucket or --all")
			}

			cache, err := openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer cache.Close()

			removed, err := cache.Cleanup(cmd.Context(), workspace, bucket)
			if err != nil {
				return err
			}
			cmd.Printf("removed %s entries\n", humanize.Comma(removed))
			return nil
		},
	}
	cmd.Flags().Int64Var(&workspace, "workspace", 0, "workspace id")
	cmd.Flags().StringVar(&bucket, "bucket", "", "restrict to one bucket")
	cmd.Flags().BoolVar(&all, "all", false, "remove the whole workspace")
	return cmd
}

func newCacheVacuumCommand(openCache func(context.Context) (*md5cache.Cache, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the cache database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer cache.Close()

			before, after, err := cache.Vacuum(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("%s -> %s\n", humanize.IBytes(uint64(before)), humanize.IBytes(uint64(after)))
			return nil
		},
	}
}

func newCacheMigrateCommand(openCache func(context.Context) (*md5cache.Cache, error)) *cobra.Command {
	var (
		workspace     int64
		bucket        string
		dryRun        bool
		backendConfig string
		workers       int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Backfill missing MD5 entries by streaming remote objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backendConfig == "" {
				return errors.New("--backend-config is required")
			}

			configPath, _ := cmd.Flags().GetString("config")
			file, err := config.Load(configPath)
			if err != nil {
				return err
			}
			backend, err := file.Profile(backendConfig)
			if err != nil {
				return err
			}
			if backend.Type != "drime" {
				return fmt.Errorf("backend profile %q is not a drime backend", backendConfig)
			}
			if workspace == 0 {
				workspace = backend.WorkspaceID
			}

			cache, err := openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer cache.Close()

			var clientOpts []drime.Option
			if backend.BaseURL != "" {
				clientOpts = append(clientOpts, drime.WithBaseURL(backend.BaseURL))
			}
			client := drime.NewClient(backend.APIKey, backend.WorkspaceID, clientOpts...)
			store := providerdrime.New(client, cache)

			report, err := cache.Migrate(cmd.Context(), store, md5cache.MigrateOptions{
				WorkspaceID: workspace,
				Bucket:      bucket,
				DryRun:      dryRun,
				Workers:     workers,
			})
			if err != nil {
				return err
			}

			cmd.Printf("scanned:  %s\n", humanize.Comma(report.Scanned))
			cmd.Printf("inserted: %s\n", humanize.Comma(report.Inserted))
			cmd.Printf("skipped:  %s\n", humanize.Comma(report.Skipped))
			return nil
		},
	}
	cmd.Flags().Int64Var(&workspace, "workspace", 0, "workspace id (default: the profile's)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "restrict to one bucket")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "enumerate without writing")
	cmd.Flags().StringVar(&backendConfig, "backend-config", "", "named profile from backends.toml")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent downloads")
	return cmd
}
