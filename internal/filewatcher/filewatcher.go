// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package filewatcher

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

type FileWatcherFactory interface {
	AddFile(name string) error
	AddDirectory(name string) error
	StartWatching(context.Context) (EventsAndErrors, error)
	Close() error
}

type EventsAndErrors interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

// NewNativeFactory watches with the operating system's notification facility.
func NewNativeFactory(ctx context.Context) (FileWatcherFactory, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return nativeWatcher{w}, nil
}

type nativeWatcher struct {
	w *fsnotify.Watcher
}

func (n nativeWatcher) AddFile(name string) error      { return n.w.Add(name) }
func (n nativeWatcher) AddDirectory(name string) error { return n.w.Add(name) }
func (n nativeWatcher) Close() error                   { return n.w.Close() }

func (n nativeWatcher) StartWatching(context.Context) (EventsAndErrors, error) { return n, nil }

func (n nativeWatcher) Events() <-chan fsnotify.Event { return n.w.Events }
func (n nativeWatcher) Errors() <-chan error          { return n.w.Errors }
