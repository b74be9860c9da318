package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
)

var (
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Print the current versioned query cache keys",
		Long: `Print the query cache keys sibling services would use right now. Keys embed
the current version counters, so after an invalidation the printed keys change.`,
	}

	keysAssetCmd = &cobra.Command{
		Use:   "asset [asset-id]",
		Short: "Keys derived from one asset",
		Args:  cobra.ExactArgs(1),
		RunE:  keysAssetMain,
	}

	keysPlaylistCmd = &cobra.Command{
		Use:   "playlist [token]",
		Short: "Keys derived from one playlist",
		Args:  cobra.ExactArgs(1),
		RunE:  keysPlaylistMain,
	}

	keysListCmd = &cobra.Command{
		Use:   "list",
		Short: "Key of one media listing page",
		Args:  cobra.NoArgs,
		RunE:  keysListMain,
	}

	keysUser    string
	keysLimit   int
	listQuery   cacheversion.ListQuery
	searchQuery string
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysAssetCmd, keysPlaylistCmd, keysListCmd)
	keysCmd.PersistentFlags().StringVar(&keysUser, "user", "", "Viewer user id; empty is anonymous")

	keysAssetCmd.Flags().IntVar(&keysLimit, "related-limit", 10, "Related media page size")

	keysListCmd.Flags().StringVar(&listQuery.Show, "show", "latest", "Listing kind: latest, featured or recommended")
	keysListCmd.Flags().StringVar(&listQuery.Category, "category", "", "Category filter")
	keysListCmd.Flags().StringVar(&listQuery.Tag, "tag", "", "Tag filter")
	keysListCmd.Flags().IntVar(&listQuery.Page, "page", 1, "Page number")
	keysListCmd.Flags().StringVar(&searchQuery, "search", "", "Print the search key for this query instead")
}

func keysAssetMain(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid asset id %q", args[0])
	}
	ctx := cmd.Context()
	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	r := cacheversion.NewRegistry(c, 0, nil, nil)
	detail, err := r.MediaDetailKey(ctx, id, keysUser)
	if err != nil {
		return err
	}
	related, err := r.RelatedMediaKey(ctx, id, keysLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, detail)
	fmt.Fprintln(out, related)
	return nil
}

func keysPlaylistMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	r := cacheversion.NewRegistry(c, 0, nil, nil)
	key, err := r.PlaylistDetailKey(ctx, args[0], keysUser)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func keysListMain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	r := cacheversion.NewRegistry(c, 0, nil, nil)
	if searchQuery != "" {
		key, err := r.MediaSearchKey(ctx, map[string]string{"q": searchQuery}, listQuery.Page)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	}
	q := listQuery
	q.UserID = keysUser
	key, err := r.MediaListKey(ctx, q)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
