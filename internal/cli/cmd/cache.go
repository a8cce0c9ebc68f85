// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"namespacelabs.dev/buildgraph/internal/cli/fncobra"
	"namespacelabs.dev/buildgraph/internal/core"
)

func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Action cache related operations (e.g. prune).",
	}

	cmd.AddCommand(newPruneCmd())

	return cmd
}

func newPruneCmd() *cobra.Command {
	olderThan := 7 * 24 * time.Hour

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Removes local action cache entries which were not used recently.",
		Args:  cobra.NoArgs,

		RunE: fncobra.RunE(func(ctx context.Context, args []string) error {
			c, err := fncobra.NewCore(ctx, core.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			removed, err := c.Store().Local().ActionCache().Prune(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Removed %d action cache entries.\n", removed)
			return nil
		}),
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", olderThan, "Entries last used before this long ago are removed.")

	return cmd
}
