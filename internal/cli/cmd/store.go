// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"namespacelabs.dev/buildgraph/internal/cli/fncobra"
	"namespacelabs.dev/buildgraph/internal/core"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

func NewStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Content-addressed store operations.",
	}

	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newGCCmd())

	return cmd
}

func newPutCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Stores files, and prints their digests.",
		Args:  cobra.MinimumNArgs(1),

		RunE: fncobra.RunE(func(ctx context.Context, args []string) error {
			c, err := fncobra.NewCore(ctx, core.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			var digests []schema.Digest
			for _, arg := range args {
				contents, err := os.ReadFile(arg)
				if err != nil {
					return fnerrors.BadInputError("%s: %w", arg, err)
				}

				d, err := c.Store().StoreBytes(ctx, contents)
				if err != nil {
					return err
				}

				digests = append(digests, d)
				fmt.Fprintf(os.Stdout, "%s  %s (%s)\n", d, arg, humanize.Bytes(uint64(d.SizeBytes)))
			}

			if remote {
				if !c.Store().HasRemote() {
					return fnerrors.UsageError("Set --remote-store-address.", "no remote store was configured")
				}
				return c.Store().EnsureRemote(ctx, digests)
			}

			return nil
		}),
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "If set, also uploads the files to the remote store.")

	return cmd
}

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <digest>",
		Short: "Writes the contents of a blob to stdout, or a tree to a directory.",
		Args:  cobra.ExactArgs(1),

		RunE: fncobra.RunE(func(ctx context.Context, args []string) error {
			d, err := schema.ParseDigest(args[0])
			if err != nil {
				return fnerrors.BadInputError("%w", err)
			}

			c, err := fncobra.NewCore(ctx, core.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			if output != "" {
				return c.Store().Materialize(ctx, d, output)
			}

			contents, err := c.Store().LoadBytes(ctx, d)
			if err != nil {
				return err
			}

			_, err = os.Stdout.Write(contents)
			return err
		}),
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "If set, the digest is a tree which is written to this directory.")

	return cmd
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Removes local blobs whose lease expired.",
		Args:  cobra.NoArgs,

		RunE: fncobra.RunE(func(ctx context.Context, args []string) error {
			c, err := fncobra.NewCore(ctx, core.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			removed, err := c.GC(ctx)
			if err != nil {
				return err
			}

			left, err := c.Store().BlobCount(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Removed %d blobs, %d left.\n", removed, left)
			return nil
		}),
	}
}
