// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"gotest.tools/assert"
)

type fakeWatcher struct {
	dirs   []string
	events chan fsnotify.Event
	errors chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan fsnotify.Event), errors: make(chan error)}
}

func (f *fakeWatcher) AddFile(name string) error { return nil }

func (f *fakeWatcher) AddDirectory(name string) error {
	f.dirs = append(f.dirs, name)
	return nil
}

func (f *fakeWatcher) StartWatching(context.Context) (EventsAndErrors, error) { return f, nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event                          { return f.events }
func (f *fakeWatcher) Errors() <-chan error                                   { return f.errors }
func (f *fakeWatcher) Close() error                                           { return nil }

func TestWatchTranslatesEvents(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "src", "lib"), 0755))
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "other"), 0755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fw := newFakeWatcher()
	feed, err := Watch(ctx, fw, root, []string{"src"})
	assert.NilError(t, err)

	assert.DeepEqual(t, fw.dirs, []string{filepath.Join(root, "src"), filepath.Join(root, "src", "lib")})

	fw.events <- fsnotify.Event{Name: filepath.Join(root, "src", "lib", "a.go"), Op: fsnotify.Write}
	assert.Equal(t, <-feed, Event{Path: "src/lib/a.go", Kind: Modified})

	// Outside of the root.
	fw.events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(root), "elsewhere"), Op: fsnotify.Create}

	fw.events <- fsnotify.Event{Name: filepath.Join(root, "src", "b.go"), Op: fsnotify.Remove}
	assert.Equal(t, <-feed, Event{Path: "src/b.go", Kind: Removed})

	cancel()
	select {
	case _, ok := <-feed:
		assert.Assert(t, !ok)
	case <-time.After(5 * time.Second):
		t.Fatal("feed was not closed")
	}
}

func TestNativeWatcher(t *testing.T) {
	root := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory, err := FactoryFor(false)(ctx)
	assert.NilError(t, err)
	defer factory.Close()

	feed, err := Watch(ctx, factory, root, []string{"."})
	assert.NilError(t, err)

	assert.NilError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("hello"), 0644))

	select {
	case ev := <-feed:
		assert.Equal(t, ev.Path, "file.txt")
	case <-time.After(10 * time.Second):
		t.Fatal("no event was observed")
	}
}
