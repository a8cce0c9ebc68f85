// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package filewatcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
	Renamed  ChangeKind = "renamed"
)

// Event is a change to a path, relative to the watched root.
type Event struct {
	Path string
	Kind ChangeKind
}

func kindOf(op fsnotify.Op) ChangeKind {
	switch {
	case op.Has(fsnotify.Create):
		return Created
	case op.Has(fsnotify.Remove):
		return Removed
	case op.Has(fsnotify.Rename):
		return Renamed
	default:
		return Modified
	}
}

// Watch watches dirs, relative to root and recursively, and returns a feed of the changes
// under them. The feed is closed when ctx is done, or the watcher fails.
func Watch(ctx context.Context, factory FileWatcherFactory, root string, dirs []string) (<-chan Event, error) {
	for _, dir := range dirs {
		base := filepath.Join(root, filepath.FromSlash(dir))
		if err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return factory.AddDirectory(p)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	watcher, err := factory.StartWatching(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)

	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case err, ok := <-watcher.Errors():
				if !ok {
					return
				}
				zerolog.Ctx(ctx).Warn().Err(err).Msg("file watcher failed")

			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}

				rel, err := filepath.Rel(root, ev.Name)
				if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
					continue
				}

				// New directories are watched too.
				if ev.Op.Has(fsnotify.Create) {
					if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
						_ = factory.AddDirectory(ev.Name)
					}
				}

				select {
				case out <- Event{Path: filepath.ToSlash(rel), Kind: kindOf(ev.Op)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
