// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

const DefaultLeaseTime = 2 * time.Hour

// Local is a content-addressed blob store on disk. Blobs are never overwritten: they're
// written once under their fingerprint, and removed only by garbage collection.
type Local struct {
	root      string
	leaseTime time.Duration
	index     *index

	// Held exclusively while a blob is collected.
	mu sync.RWMutex
}

func OpenLocal(root string, leaseTime time.Duration) (*Local, error) {
	if err := os.MkdirAll(filepath.Join(root, "cas"), 0700|os.ModeDir); err != nil {
		return nil, err
	}

	idx, err := openIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}

	if leaseTime <= 0 {
		leaseTime = DefaultLeaseTime
	}

	return &Local{root: root, leaseTime: leaseTime, index: idx}, nil
}

func (l *Local) Close() error { return l.index.Close() }

// Blobs are partitioned by the first byte of their fingerprint.
func (l *Local) blobPath(d schema.Digest) string {
	hex := d.Hex()
	return filepath.Join(l.root, "cas", hex[:2], hex)
}

func (l *Local) Has(d schema.Digest) bool {
	st, err := os.Stat(l.blobPath(d))
	return err == nil && st.Size() == d.SizeBytes
}

func (l *Local) Read(ctx context.Context, d schema.Digest) ([]byte, error) {
	contents, err := os.ReadFile(l.blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fnerrors.NotFound("blob %s", d)
		}
		return nil, err
	}

	if err := l.extendLease(ctx, d); err != nil {
		return nil, err
	}

	return contents, nil
}

// OpenBlob returns a reader over a blob's contents.
func (l *Local) OpenBlob(d schema.Digest) (io.ReadCloser, error) {
	f, err := os.Open(l.blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fnerrors.NotFound("blob %s", d)
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) WriteBytes(ctx context.Context, contents []byte) (schema.Digest, error) {
	d := schema.FromBytes(contents)
	return d, l.Write(ctx, d, bytes.NewReader(contents))
}

// Write stores the contents of r under d. The contents are verified against d before the
// blob becomes visible.
func (l *Local) Write(ctx context.Context, d schema.Digest, r io.Reader) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.Has(d) {
		return l.extendLease(ctx, d)
	}

	file := l.blobPath(d)
	if err := os.MkdirAll(filepath.Dir(file), 0700|os.ModeDir); err != nil {
		return err
	}

	if err := atomic.WriteFile(file, &verifyReader{reader: r, expected: d, hash: sha256.New()}); err != nil {
		return err
	}

	return l.extendLease(ctx, d)
}

func (l *Local) extendLease(ctx context.Context, d schema.Digest) error {
	return l.index.touch(ctx, d, time.Now().Add(l.leaseTime))
}

// retain extends the lease of d, if it's stored. Returns false if it's not.
func (l *Local) retain(ctx context.Context, d schema.Digest) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.Has(d) {
		return false, nil
	}
	return true, l.extendLease(ctx, d)
}

// collect removes d if its lease still ended before now. Returns true if it was removed.
func (l *Local) collect(ctx context.Context, d schema.Digest, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expired, err := l.index.forgetExpired(ctx, d, now)
	if err != nil || !expired {
		return false, err
	}

	if err := os.Remove(l.blobPath(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (l *Local) Count(ctx context.Context) (int, error) { return l.index.count(ctx) }

// ActionCache returns the local action-digest to result table.
func (l *Local) ActionCache() *LocalActionCache { return &LocalActionCache{index: l.index} }

type verifyReader struct {
	reader   io.Reader
	expected schema.Digest
	hash     hash.Hash
	read     int64
}

func (vr *verifyReader) Read(p []byte) (int, error) {
	n, err := vr.reader.Read(p)
	vr.hash.Write(p[:n])
	vr.read += int64(n)
	if err == io.EOF {
		if got := schema.FromHash(vr.hash, vr.read); got != vr.expected {
			return n, fnerrors.InternalError("digest didn't match, expected %q got %q", vr.expected, got)
		}
	}
	return n, err
}

// LocalActionCache persists action results keyed by action digest.
type LocalActionCache struct {
	index *index
}

func (c *LocalActionCache) Load(ctx context.Context, action schema.Digest) ([]byte, bool, error) {
	return c.index.loadActionResult(ctx, action)
}

func (c *LocalActionCache) Store(ctx context.Context, action schema.Digest, result []byte) error {
	return c.index.storeActionResult(ctx, action, result)
}

// Prune removes entries that were written before olderThan.
func (c *LocalActionCache) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return c.index.pruneActionResults(ctx, olderThan)
}
