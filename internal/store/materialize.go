// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/mattn/go-zglob"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

// Materialize writes the tree rooted at root to dest, fetching blobs as needed.
func (s *Store) Materialize(ctx context.Context, root schema.Digest, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	dir, err := s.LoadDirectory(ctx, root)
	if err != nil {
		return err
	}

	for _, f := range dir.Files {
		if err := s.materializeFile(ctx, f, filepath.Join(dest, f.Name)); err != nil {
			return err
		}
	}

	for _, l := range dir.Symlinks {
		if err := os.Symlink(l.Target, filepath.Join(dest, l.Name)); err != nil {
			return err
		}
	}

	for _, child := range dir.Directories {
		cd, err := schema.FromProto(child.Digest)
		if err != nil {
			return err
		}

		if err := s.Materialize(ctx, cd, filepath.Join(dest, child.Name)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) materializeFile(ctx context.Context, f *repb.FileNode, target string) error {
	d, err := schema.FromProto(f.Digest)
	if err != nil {
		return err
	}

	if err := s.EnsureLocal(ctx, d); err != nil {
		return err
	}

	src, err := s.local.OpenBlob(d)
	if err != nil {
		return err
	}
	defer src.Close()

	mode := os.FileMode(0644)
	if f.IsExecutable {
		mode = 0755
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}

	return dst.Close()
}

// Capture records the paths (files or directories, relative to base) as a tree. A path that
// doesn't exist yields a MissingOutputError.
func (s *Store) Capture(ctx context.Context, base string, paths []string) (schema.Digest, error) {
	return s.capture(ctx, base, paths, false)
}

// CaptureExisting is Capture, skipping the paths that don't exist.
func (s *Store) CaptureExisting(ctx context.Context, base string, paths []string) (schema.Digest, error) {
	return s.capture(ctx, base, paths, true)
}

func (s *Store) capture(ctx context.Context, base string, paths []string, skipMissing bool) (schema.Digest, error) {
	root := newTreeNode()

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, p := range sorted {
		rel, err := cleanPath(p)
		if err != nil {
			return schema.Digest{}, err
		}

		st, err := os.Lstat(filepath.Join(base, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if skipMissing {
					continue
				}
				return schema.Digest{}, &fnerrors.MissingOutputError{Path: p}
			}
			return schema.Digest{}, err
		}

		if st.IsDir() {
			if _, err := root.dir(rel); err != nil {
				return schema.Digest{}, err
			}

			if err := s.captureDir(ctx, root, base, rel); err != nil {
				return schema.Digest{}, err
			}
			continue
		}

		if err := s.captureEntry(ctx, root, base, rel, st); err != nil {
			return schema.Digest{}, err
		}
	}

	return s.record(ctx, root)
}

func (s *Store) captureDir(ctx context.Context, root *treeNode, base, rel string) error {
	return filepath.WalkDir(filepath.Join(base, filepath.FromSlash(rel)), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		r, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		r = filepath.ToSlash(r)

		if d.IsDir() {
			_, err := root.dir(r)
			return err
		}

		st, err := d.Info()
		if err != nil {
			return err
		}

		return s.captureEntry(ctx, root, base, r, st)
	})
}

func (s *Store) captureEntry(ctx context.Context, root *treeNode, base, rel string, st fs.FileInfo) error {
	full := filepath.Join(base, filepath.FromSlash(rel))

	if st.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return err
		}
		return root.addSymlink(rel, target)
	}

	if !st.Mode().IsRegular() {
		return fnerrors.BadInputError("%s: unsupported file type %v", rel, st.Mode().Type())
	}

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	d, err := schema.FromReader(f)
	if err != nil {
		return err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := s.local.Write(ctx, d, f); err != nil {
		return err
	}

	return root.addFile(rel, &repb.FileNode{Digest: d.Proto(), IsExecutable: st.Mode().Perm()&0111 != 0})
}

// CaptureGlobs records every file under base which matches any of the include globs, and
// none of the exclude globs. The matched paths are returned in lexicographic order.
func (s *Store) CaptureGlobs(ctx context.Context, base string, include, exclude []string) (schema.Digest, []string, error) {
	var excludes []hasMatch
	for _, glob := range exclude {
		x, err := zglob.New(glob)
		if err != nil {
			return schema.Digest{}, nil, fnerrors.BadInputError("%s: invalid glob: %w", glob, err)
		}
		excludes = append(excludes, x)
	}

	seen := map[string]struct{}{}
	var matched []string
	for _, glob := range include {
		if _, err := cleanPath(glob); err != nil {
			return schema.Digest{}, nil, err
		}

		files, err := zglob.Glob(filepath.Join(base, filepath.FromSlash(glob)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return schema.Digest{}, nil, err
		}

		for _, file := range files {
			if st, err := os.Lstat(file); err == nil && st.IsDir() {
				continue
			}

			rel, err := filepath.Rel(base, file)
			if err != nil {
				return schema.Digest{}, nil, err
			}
			rel = filepath.ToSlash(rel)

			if excluded(excludes, rel) {
				continue
			}

			if _, ok := seen[rel]; !ok {
				seen[rel] = struct{}{}
				matched = append(matched, rel)
			}
		}
	}

	sort.Strings(matched)

	d, err := s.Capture(ctx, base, matched)
	if err != nil {
		return schema.Digest{}, nil, err
	}

	return d, matched, nil
}

func excluded(excludes []hasMatch, rel string) bool {
	for _, x := range excludes {
		if x.Match(rel) {
			return true
		}
	}
	return false
}
