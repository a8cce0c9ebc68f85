// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"context"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

// GC removes local blobs whose lease expired, unless they're reachable from one of roots.
// Roots may be trees or plain blobs; roots which are not available locally are ignored.
// A tree which can't be read fails the collection before anything is removed.
func (s *Store) GC(ctx context.Context, roots []schema.Digest) (int, error) {
	return tasks.Return(ctx, tasks.Action("store.gc").Arg("roots", len(roots)), func(ctx context.Context) (int, error) {
		live := map[schema.Digest]struct{}{}
		for _, root := range roots {
			if err := s.markLive(ctx, root, true, live); err != nil {
				return 0, err
			}
		}

		now := time.Now()
		expired, err := s.local.index.expired(ctx, now)
		if err != nil {
			return 0, err
		}

		var removed int
		for _, d := range expired {
			if _, ok := live[d]; ok {
				continue
			}

			// The lease may have been extended since the scan.
			ok, err := s.local.collect(ctx, d, now)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}

		zerolog.Ctx(ctx).Debug().Int("removed", removed).Int("live", len(live)).Msg("store gc")
		tasks.Current(ctx).AddResult("removed", removed)

		return removed, nil
	})
}

// markLive adds d, and everything it references if it's a directory, to live. A root which
// doesn't decode as a directory is a plain blob.
func (s *Store) markLive(ctx context.Context, d schema.Digest, root bool, live map[schema.Digest]struct{}) error {
	if _, ok := live[d]; ok {
		return nil
	}
	live[d] = struct{}{}

	if !s.local.Has(d) {
		return nil
	}

	serialized, err := s.local.Read(ctx, d)
	if err != nil {
		return fnerrors.New("gc: failed to read %s: %w", d, err)
	}

	dir := &repb.Directory{}
	if err := proto.Unmarshal(serialized, dir); err != nil {
		if root {
			return nil
		}
		return fnerrors.New("gc: %s: not a directory: %w", d, err)
	}

	for _, f := range dir.GetFiles() {
		fd, err := schema.FromProto(f.GetDigest())
		if err != nil {
			if root {
				return nil
			}
			return err
		}
		live[fd] = struct{}{}
	}

	for _, child := range dir.GetDirectories() {
		cd, err := schema.FromProto(child.GetDigest())
		if err != nil {
			if root {
				return nil
			}
			return err
		}
		if err := s.markLive(ctx, cd, false, live); err != nil {
			return err
		}
	}

	return nil
}
