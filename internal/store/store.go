// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"namespacelabs.dev/buildgraph/internal/executor"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

// BlobSource provides the contents of locally available blobs.
type BlobSource interface {
	OpenBlob(schema.Digest) (io.ReadCloser, error)
}

// RemoteCAS is a remote content-addressed blob store.
type RemoteCAS interface {
	FindMissing(context.Context, []schema.Digest) ([]schema.Digest, error)
	// UploadBlobs uploads each of the digests, whose contents are read from src.
	UploadBlobs(context.Context, []schema.Digest, BlobSource) error
	// ReadBlob writes the contents of the blob to w.
	ReadBlob(context.Context, schema.Digest, io.Writer) error
	// ReadBlobs returns the contents of each of the digests.
	ReadBlobs(context.Context, []schema.Digest) (map[schema.Digest][]byte, error)
}

var emptyBlob = schema.FromBytes(nil)

// Blobs up to this size are fetched together with ReadBlobs; larger ones are streamed.
const smallBlobLimit = 1024 * 1024

// How many large blobs are streamed from the remote store at once.
const parallelFetches = 4

// Store is the content-addressed store used by the engine: a local store, optionally backed
// by a remote one.
type Store struct {
	local  *Local
	remote RemoteCAS
}

func New(local *Local, remote RemoteCAS) *Store {
	return &Store{local: local, remote: remote}
}

func (s *Store) Local() *Local { return s.local }
func (s *Store) HasRemote() bool { return s.remote != nil }
func (s *Store) Remote() RemoteCAS { return s.remote }

// StoreBytes stores contents locally, and returns their digest. Storing the same contents
// more than once is a no-op.
func (s *Store) StoreBytes(ctx context.Context, contents []byte) (schema.Digest, error) {
	return s.local.WriteBytes(ctx, contents)
}

// LoadBytes returns the contents of d, fetching them from the remote store if they're not
// available locally.
func (s *Store) LoadBytes(ctx context.Context, d schema.Digest) ([]byte, error) {
	contents, err := s.local.Read(ctx, d)
	if err == nil {
		return contents, nil
	}

	if !fnerrors.IsNotFound(err) {
		return nil, err
	}

	if err := s.EnsureLocal(ctx, d); err != nil {
		return nil, err
	}

	return s.local.Read(ctx, d)
}

// EnsureLocal makes sure that d is available in the local store.
func (s *Store) EnsureLocal(ctx context.Context, d schema.Digest) error {
	if ok, err := s.local.retain(ctx, d); err != nil || ok {
		return err
	}

	// The empty blob is always available.
	if d == emptyBlob {
		return s.local.Write(ctx, d, bytes.NewReader(nil))
	}

	if s.remote == nil {
		return fnerrors.NotFound("blob %s", d)
	}

	return tasks.Action("store.fetch").Arg("digest", d.String()).LogLevel(tasks.LevelTrace).Run(ctx, func(ctx context.Context) error {
		tasks.Current(ctx).AddResult("size", humanize.Bytes(uint64(d.SizeBytes)))

		// The blob is streamed straight into the local store; the remote read blocks until
		// the local write consumes what was already read.
		pr, pw := io.Pipe()
		readErr := make(chan error, 1)
		go func() {
			err := s.remote.ReadBlob(ctx, d, pw)
			readErr <- err
			pw.CloseWithError(err)
		}()

		writeErr := s.local.Write(ctx, d, pr)
		pr.CloseWithError(io.ErrClosedPipe)

		if err := <-readErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return s.remoteFailure(d.String(), err)
		}

		return writeErr
	})
}

// EnsureLocalMany makes sure that every one of digests is available locally. Small blobs
// which are missing are fetched together; large ones are streamed, a few at a time.
func (s *Store) EnsureLocalMany(ctx context.Context, digests []schema.Digest) error {
	var small, large []schema.Digest
	for _, d := range dedup(digests) {
		if ok, err := s.local.retain(ctx, d); err != nil {
			return err
		} else if ok {
			continue
		}

		if s.remote == nil || d == emptyBlob {
			if err := s.EnsureLocal(ctx, d); err != nil {
				return err
			}
			continue
		}

		if d.SizeBytes > smallBlobLimit {
			large = append(large, d)
		} else {
			small = append(small, d)
		}
	}

	if len(small) == 0 && len(large) == 0 {
		return nil
	}

	eg, wait := executor.NewBounded(ctx, "store.ensure-local", parallelFetches)

	for _, d := range large {
		d := d
		eg.Go(func(ctx context.Context) error { return s.EnsureLocal(ctx, d) })
	}

	if len(small) > 0 {
		eg.Go(func(ctx context.Context) error { return s.fetchMany(ctx, small) })
	}

	return wait()
}

func (s *Store) fetchMany(ctx context.Context, small []schema.Digest) error {
	return tasks.Action("store.fetch-many").Arg("count", len(small)).LogLevel(tasks.LevelTrace).Run(ctx, func(ctx context.Context) error {
		blobs, err := s.remote.ReadBlobs(ctx, small)
		if err != nil {
			return s.remoteFailure(fmt.Sprintf("%d blobs", len(small)), err)
		}

		for _, d := range small {
			contents, ok := blobs[d]
			if !ok {
				return fnerrors.NotFound("blob %s", d)
			}

			if err := s.local.Write(ctx, d, bytes.NewReader(contents)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) remoteFailure(what string, err error) error {
	if fnerrors.IsNotFound(err) {
		return fnerrors.NotFound("blob %s", what)
	}

	var unavailable *fnerrors.StoreUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}

	return &fnerrors.StoreUnavailableError{What: what, Err: err}
}

// Exists returns true if d is available locally, or in the remote store.
func (s *Store) Exists(ctx context.Context, d schema.Digest) (bool, error) {
	if d == emptyBlob || s.local.Has(d) {
		return true, nil
	}

	if s.remote == nil {
		return false, nil
	}

	missing, err := s.remote.FindMissing(ctx, []schema.Digest{d})
	if err != nil {
		return false, s.remoteFailure(d.String(), err)
	}

	return len(missing) == 0, nil
}

// EnsureRemote uploads to the remote store the digests it's missing. Every digest must be
// available locally.
func (s *Store) EnsureRemote(ctx context.Context, digests []schema.Digest) error {
	if s.remote == nil || len(digests) == 0 {
		return nil
	}

	return tasks.Action("store.upload").LogLevel(tasks.LevelTrace).Run(ctx, func(ctx context.Context) error {
		missing, err := s.remote.FindMissing(ctx, dedup(digests))
		if err != nil {
			return err
		}

		var total int64
		for _, d := range missing {
			total += d.SizeBytes
		}

		tasks.Current(ctx).AddResult("uploaded", len(missing))
		tasks.Current(ctx).AddResult("size", humanize.Bytes(uint64(total)))

		if len(missing) == 0 {
			return nil
		}

		zerolog.Ctx(ctx).Debug().Int("count", len(missing)).Int64("bytes", total).Msg("uploading blobs")

		return s.remote.UploadBlobs(ctx, missing, s.local)
	})
}

func (s *Store) BlobCount(ctx context.Context) (int, error) { return s.local.Count(ctx) }

func dedup(digests []schema.Digest) []schema.Digest {
	seen := map[schema.Digest]struct{}{}
	var res []schema.Digest
	for _, d := range digests {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		res = append(res, d)
	}
	return res
}
