// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package compute

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/internal/filewatcher"
)

// RecordRead marks the node running in ctx as having read paths (files, or directories
// whose contents were listed). Paths are relative to the build root. A change to any of
// them, or to anything under them, invalidates the node.
func RecordRead(ctx context.Context, paths ...string) {
	n := nodeFrom(ctx)
	if n == nil {
		return
	}

	s := n.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.invalidated.Load() {
		return
	}

	for _, p := range paths {
		p = cleanPath(p)

		nodes, ok := s.reads[p]
		if !ok {
			nodes = map[*node]struct{}{}
			s.reads[p] = nodes
		}

		if _, ok := nodes[n]; !ok {
			nodes[n] = struct{}{}
			n.reads = append(n.reads, p)
		}
	}
}

// InvalidatePaths evicts every node which read one of paths, and every node which
// transitively consumed the value of an evicted node. Nodes which are still running are
// not memoized when they complete. Returns how many nodes were invalidated.
func (s *Scheduler) InvalidatePaths(paths []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []*node
	for _, changed := range paths {
		changed = cleanPath(changed)
		for read, nodes := range s.reads {
			if !related(read, changed) {
				continue
			}
			for n := range nodes {
				affected = append(affected, n)
			}
		}
	}

	count := s.invalidateLocked(affected)
	s.opts.Metrics.Invalidated(count)
	return count
}

func (s *Scheduler) invalidateLocked(queue []*node) int {
	var count int

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if !n.invalidated.CompareAndSwap(false, true) {
			continue
		}

		count++
		s.forget(n)

		for _, p := range n.reads {
			delete(s.reads[p], n)
			if len(s.reads[p]) == 0 {
				delete(s.reads, p)
			}
		}
		n.reads = nil

		for parent := range s.dependents[n] {
			queue = append(queue, parent)
		}
		delete(s.dependents, n)
	}

	return count
}

// ConsumeChanges invalidates the paths of events as they arrive, in batches of what is
// immediately available, until ctx is done or events is closed. If set, onBatch is called
// after each batch with its paths and the number of invalidated nodes.
func (s *Scheduler) ConsumeChanges(ctx context.Context, events <-chan filewatcher.Event, onBatch func(paths []string, invalidated int)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			batch := []string{ev.Path}
			closed := false

		drain:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						closed = true
						break drain
					}
					batch = append(batch, ev.Path)
				default:
					break drain
				}
			}

			count := s.InvalidatePaths(batch)
			zerolog.Ctx(ctx).Debug().Strs("paths", batch).Int("invalidated", count).Msg("consumed file changes")

			if onBatch != nil {
				onBatch(batch, count)
			}

			if closed {
				return nil
			}
		}
	}
}

func cleanPath(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	if p == "." || p == "/" {
		return ""
	}
	return strings.TrimPrefix(p, "./")
}

// related returns true if a change to changed may affect what was read at read.
func related(read, changed string) bool {
	switch {
	case read == "" || changed == "" || read == changed:
		return true
	case strings.HasPrefix(changed, read+"/"):
		return true
	default:
		// A directory containing what was read was removed or replaced.
		return strings.HasPrefix(read, changed+"/")
	}
}
