package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version [scope] [id]",
		Short: "Show or bump a cache version counter",
		Long: `Show the current version counter of a scope in the shared Redis cache.
Scopes are media (id is the numeric asset id), playlist (id is the friendly
token) and media_list (id is "all").`,
		Args: cobra.ExactArgs(2),
		RunE: versionMain,
	}

	bump bool
)

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&bump, "bump", false, "Increment the counter before printing it")
}

func versionMain(cmd *cobra.Command, args []string) error {
	scope, id := args[0], args[1]
	switch scope {
	case cacheversion.ScopeMedia, cacheversion.ScopePlaylist, cacheversion.ScopeMediaList:
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}

	ctx := cmd.Context()
	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	versions := cacheversion.NewRegistry(c, 0, nil, nil)
	var v int64
	if bump {
		if v, err = versions.Bump(ctx, scope, id); err != nil {
			return err
		}
	} else {
		var ok bool
		if v, ok = versions.Current(ctx, scope, id); !ok {
			return cacheversion.ErrVersionUnavailable
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %d\n", cacheversion.Key(scope, id), v)
	return nil
}
