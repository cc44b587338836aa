package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/holgern/s3local/internal/auth"
	"github.com/holgern/s3local/internal/config"
	"github.com/holgern/s3local/internal/drime"
	"github.com/holgern/s3local/internal/md5cache"
	"github.com/holgern/s3local/internal/provider"
	providerdrime "github.com/holgern/s3local/internal/provider/drime"
	"github.com/holgern/s3local/internal/provider/localfs"
	"github.com/holgern/s3local/internal/s3api"
)

type serveOptions struct {
	listen          string
	path            string
	backend         string
	backendConfig   string
	accessKeyID     string
	secretAccessKey string
	region          string
	noAuth          bool
	readOnly        bool
	baseHost        string
	cacheDB         string
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the S3 gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), configPath, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", ":10001", "HTTP listen address")
	cmd.Flags().StringVar(&opts.path, "path", "", "serve a local directory (shorthand for a local backend)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "backend type: local or drime")
	cmd.Flags().StringVar(&opts.backendConfig, "backend-config", "", "named profile from backends.toml")
	cmd.Flags().StringVar(&opts.accessKeyID, "access-key-id", "", "S3 access key id")
	cmd.Flags().StringVar(&opts.secretAccessKey, "secret-access-key", "", "S3 secret access key")
	cmd.Flags().StringVar(&opts.region, "region", "us-east-1", "region reported to clients")
	cmd.Flags().BoolVar(&opts.noAuth, "no-auth", false, "accept unsigned requests")
	cmd.Flags().BoolVar(&opts.readOnly, "read-only", false, "reject all mutating operations")
	cmd.Flags().StringVar(&opts.baseHost, "base-host", "", "host suffix for virtual-host style addressing")
	cmd.Flags().StringVar(&opts.cacheDB, "cache-db", "", "MD5 cache database path (drime backend)")

	for _, name := range []string{"access-key-id", "secret-access-key", "region", "listen"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	return cmd
}

func runServe(ctx context.Context, configPath string, opts serveOptions) error {
	store, cleanup, err := buildProvider(ctx, configPath, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	accessKeyID := viper.GetString("access-key-id")
	secretAccessKey := viper.GetString("secret-access-key")
	if !opts.noAuth && (accessKeyID == "" || secretAccessKey == "") {
		return errors.New("credentials are required unless --no-auth is set")
	}

	verifier := auth.NewVerifier(auth.Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Region:          opts.region,
	}, opts.noAuth)

	server := s3api.NewServer(s3api.Config{
		BaseHost: opts.baseHost,
		Region:   opts.region,
		ReadOnly: opts.readOnly,
	}, store, verifier)

	httpServer := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting s3local gateway", "listen", httpServer.Addr, "read_only", opts.readOnly)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

// buildProvider assembles the storage backend the flags select: an
// inline local path, or a named profile from backends.toml.
func buildProvider(ctx context.Context, configPath string, opts serveOptions) (provider.Provider, func(), error) {
	noop := func() {}

	if opts.path != "" {
		absPath, err := filepath.Abs(opts.path)
		if err != nil {
			return nil, noop, fmt.Errorf("resolve data path: %w", err)
		}
		store, err := localfs.New(absPath)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Using local backend", "path", absPath)
		return store, noop, nil
	}

	backend := config.Backend{Type: opts.backend}
	if opts.backendConfig != "" {
		file, err := config.Load(configPath)
		if err != nil {
			return nil, noop, err
		}
		backend, err = file.Profile(opts.backendConfig)
		if err != nil {
			return nil, noop, err
		}
	}

	switch backend.Type {
	case "local":
		store, err := localfs.New(backend.Path)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Using local backend", "path", backend.Path)
		return store, noop, nil

	case "drime":
		cachePath := opts.cacheDB
		if cachePath == "" {
			var err error
			cachePath, err = config.DefaultCachePath()
			if err != nil {
				return nil, noop, err
			}
		}
		cache, err := md5cache.Open(ctx, cachePath)
		if err != nil {
			return nil, noop, err
		}

		var clientOpts []drime.Option
		if backend.BaseURL != "" {
			clientOpts = append(clientOpts, drime.WithBaseURL(backend.BaseURL))
		}
		client := drime.NewClient(backend.APIKey, backend.WorkspaceID, clientOpts...)

		slog.Info("Using drime backend", "workspace_id", backend.WorkspaceID, "cache", cachePath)
		return providerdrime.New(client, cache), func() { _ = cache.Close() }, nil
	}

	return nil, noop, errors.New("select a backend with --path, --backend, or --backend-config")
}
