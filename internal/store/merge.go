// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/mattn/go-zglob"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

// MergeDirectories returns a tree with the union of the entries of each of the trees. Entries
// present in more than one tree must be identical, else a DuplicateEntryError is returned.
func (s *Store) MergeDirectories(ctx context.Context, digests []schema.Digest) (schema.Digest, error) {
	unique := dedup(digests)
	switch len(unique) {
	case 0:
		return s.RecordDirectory(ctx, &repb.Directory{})
	case 1:
		return unique[0], nil
	}

	return tasks.Return(ctx, tasks.Action("store.merge-directories").Arg("count", len(unique)).LogLevel(tasks.LevelTrace),
		func(ctx context.Context) (schema.Digest, error) {
			merged := newTreeNode()
			for _, d := range unique {
				n, err := s.loadTree(ctx, d)
				if err != nil {
					return schema.Digest{}, err
				}

				if err := merged.merge(".", n); err != nil {
					return schema.Digest{}, err
				}
			}

			return s.record(ctx, merged)
		})
}

// PathSpec selects entries of a tree. Paths which match no entry are ignored, unless
// the spec is Required.
type PathSpec struct {
	Glob     string
	Required bool
}

type hasMatch interface {
	Match(string) bool
}

type pathMatcher struct {
	spec    PathSpec
	glob    hasMatch
	matched bool
}

// Subset returns a tree with the entries of root that match any of specs. A spec that
// matches a directory selects its entire contents.
func (s *Store) Subset(ctx context.Context, root schema.Digest, specs []PathSpec) (schema.Digest, error) {
	var matchers []*pathMatcher
	for _, spec := range specs {
		clean, err := cleanPath(spec.Glob)
		if err != nil {
			return schema.Digest{}, err
		}

		g, err := zglob.New(clean)
		if err != nil {
			return schema.Digest{}, fnerrors.BadInputError("%s: invalid glob: %w", spec.Glob, err)
		}

		matchers = append(matchers, &pathMatcher{spec: spec, glob: g})
	}

	tree, err := s.loadTree(ctx, root)
	if err != nil {
		return schema.Digest{}, err
	}

	result := newTreeNode()
	if err := subset(result, "", tree, matchers); err != nil {
		return schema.Digest{}, err
	}

	for _, m := range matchers {
		if m.spec.Required && !m.matched {
			return schema.Digest{}, &fnerrors.PathNotFoundError{Path: m.spec.Glob}
		}
	}

	return s.record(ctx, result)
}

func matches(matchers []*pathMatcher, p string) bool {
	var found bool
	for _, m := range matchers {
		if m.glob.Match(p) {
			m.matched = true
			found = true
		}
	}
	return found
}

func subset(result *treeNode, prefix string, n *treeNode, matchers []*pathMatcher) error {
	for name, f := range n.files {
		p := join(prefix, name)
		if matches(matchers, p) {
			if err := result.addFile(p, f); err != nil {
				return err
			}
		}
	}

	for name, l := range n.symlinks {
		p := join(prefix, name)
		if matches(matchers, p) {
			if err := result.addSymlink(p, l.GetTarget()); err != nil {
				return err
			}
		}
	}

	for name, child := range n.dirs {
		p := join(prefix, name)
		if matches(matchers, p) {
			if err := result.merge(p, child); err != nil {
				return err
			}
			mark(p, child, matchers)
			continue
		}

		if err := subset(result, p, child, matchers); err != nil {
			return err
		}
	}

	return nil
}

// mark records which matchers match entries within a directory that was selected as a whole.
func mark(prefix string, n *treeNode, matchers []*pathMatcher) {
	for name := range n.files {
		matches(matchers, join(prefix, name))
	}
	for name := range n.symlinks {
		matches(matchers, join(prefix, name))
	}
	for name, child := range n.dirs {
		p := join(prefix, name)
		matches(matchers, p)
		mark(p, child, matchers)
	}
}
