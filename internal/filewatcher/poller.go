// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package filewatcher

import (
	"context"

	"github.com/rs/zerolog"
	"namespacelabs.dev/go-filenotify"
)

// FactoryFor returns the polling factory if usePolling is set, and the native one otherwise.
func FactoryFor(usePolling bool) func(context.Context) (FileWatcherFactory, error) {
	if usePolling {
		return NewPollingFactory
	}
	return NewNativeFactory
}

// NewPollingFactory watches by periodically comparing file metadata, for filesystems
// without native notifications.
func NewPollingFactory(ctx context.Context) (FileWatcherFactory, error) {
	return pollingWatcher{filenotify.NewPollingWatcher(zerolog.Ctx(ctx))}, nil
}

type pollingWatcher struct {
	fw filenotify.FileWatcher
}

func (p pollingWatcher) AddFile(name string) error      { return p.fw.Add(name) }
func (p pollingWatcher) AddDirectory(name string) error { return p.fw.Add(name) }
func (p pollingWatcher) Close() error                   { return p.fw.Close() }

func (p pollingWatcher) StartWatching(context.Context) (EventsAndErrors, error) { return p.fw, nil }
