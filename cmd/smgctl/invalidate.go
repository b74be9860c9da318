package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/event"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/invalidation"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
)

var (
	invalidateCmd = &cobra.Command{
		Use:   "invalidate",
		Short: "Send a cache invalidation signal",
		Long: fmt.Sprintf(`Send a cache invalidation signal to the gateways.

Signals are published on NATS (--nats) as one of: %s.
With --direct they are applied straight to the shared Redis cache instead,
which only reaches gateways that use that cache.`, strings.Join(event.Types, ", ")),
	}

	invalidateAssetCmd = &cobra.Command{
		Use:   "asset [asset-id]",
		Short: "Signal that an asset's state, password, owner or files changed",
		Args:  cobra.ExactArgs(1),
		RunE: withAssetID(func(ctx context.Context, p event.Publisher, id int64) error {
			return p.PublishAssetChanged(ctx, id)
		}),
	}

	invalidateDeletedCmd = &cobra.Command{
		Use:   "deleted [asset-id]",
		Short: "Signal that an asset was deleted",
		Args:  cobra.ExactArgs(1),
		RunE: withAssetID(func(ctx context.Context, p event.Publisher, id int64) error {
			return p.PublishAssetDeleted(ctx, id)
		}),
	}

	invalidateListsCmd = &cobra.Command{
		Use:   "lists",
		Short: "Signal that media lists, searches and related media changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPublisher(cmd, func(ctx context.Context, p event.Publisher) error {
				return p.PublishListsChanged(ctx)
			})
		},
	}

	invalidatePlaylistCmd = &cobra.Command{
		Use:   "playlist [token]",
		Short: "Signal that a playlist changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd, func(ctx context.Context, p event.Publisher) error {
				return p.PublishPlaylistChanged(ctx, args[0])
			})
		},
	}

	direct bool
)

func init() {
	rootCmd.AddCommand(invalidateCmd)
	invalidateCmd.AddCommand(invalidateAssetCmd, invalidateDeletedCmd, invalidateListsCmd, invalidatePlaylistCmd)
	invalidateCmd.PersistentFlags().BoolVar(&direct, "direct", false, "Apply the signal to the shared Redis cache instead of publishing it")
}

func withAssetID(fn func(ctx context.Context, p event.Publisher, id int64) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid asset id %q", args[0])
		}
		return withPublisher(cmd, func(ctx context.Context, p event.Publisher) error {
			return fn(ctx, p, id)
		})
	}
}

func withPublisher(cmd *cobra.Command, fn func(ctx context.Context, p event.Publisher) error) error {
	ctx := cmd.Context()

	var (
		p   event.Publisher
		err error
	)
	if direct {
		p, err = newDirectPublisher(ctx)
	} else {
		if natsURL == "" {
			return fmt.Errorf("--nats or SMG_NATS_URL is required")
		}
		p, err = event.NewPublisher(natsURL)
	}
	if err != nil {
		return err
	}
	defer p.Close()

	if err := fn(ctx, p); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

// openCache connects to the shared gateway cache.
func openCache(ctx context.Context) (*cache.Store, error) {
	if redisAddr == "" {
		return nil, fmt.Errorf("--redis or SMG_REDIS_ADDR is required")
	}
	b, err := cache.NewRedisBackend(ctx, cache.RedisOptions{Addr: redisAddr, Password: redisPassword, DB: redisDB})
	if err != nil {
		return nil, err
	}
	return cache.NewStore(b, cache.Options{Logger: slog.Default()}), nil
}

// directPublisher applies signals to the shared cache in-process.
type directPublisher struct {
	cache *cache.Store
	sink  *invalidation.Invalidator
}

func newDirectPublisher(ctx context.Context) (*directPublisher, error) {
	c, err := openCache(ctx)
	if err != nil {
		return nil, err
	}
	versions := cacheversion.NewRegistry(c, 0, nil, nil)
	paths := resolver.NewPathCache(c, 0, nil)
	return &directPublisher{cache: c, sink: invalidation.New(versions, paths, nil)}, nil
}

func (d *directPublisher) PublishAssetChanged(ctx context.Context, id int64) error {
	return d.sink.OnAssetChanged(ctx, id)
}

func (d *directPublisher) PublishAssetDeleted(ctx context.Context, id int64) error {
	return d.sink.OnAssetDeleted(ctx, id)
}

func (d *directPublisher) PublishListsChanged(ctx context.Context) error {
	return d.sink.OnListAffectingChange(ctx)
}

func (d *directPublisher) PublishPlaylistChanged(ctx context.Context, token string) error {
	return d.sink.OnPlaylistChanged(ctx, token)
}

func (d *directPublisher) Close() error {
	return d.cache.Close()
}
