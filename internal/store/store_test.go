// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/assert"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

type fakeRemote struct {
	mu          sync.Mutex
	blobs       map[schema.Digest][]byte
	unavailable bool
	reads       int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{blobs: map[schema.Digest][]byte{}} }

func (f *fakeRemote) put(contents []byte) schema.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := schema.FromBytes(contents)
	f.blobs[d] = contents
	return d
}

func (f *fakeRemote) FindMissing(ctx context.Context, digests []schema.Digest) ([]schema.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, &fnerrors.RemoteError{Op: "FindMissingBlobs", Transient: true, Err: errors.New("unavailable")}
	}

	var missing []schema.Digest
	for _, d := range digests {
		if _, ok := f.blobs[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (f *fakeRemote) UploadBlobs(ctx context.Context, digests []schema.Digest, src BlobSource) error {
	for _, d := range digests {
		r, err := src.OpenBlob(d)
		if err != nil {
			return err
		}
		contents, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return err
		}
		f.put(contents)
	}
	return nil
}

func (f *fakeRemote) ReadBlob(ctx context.Context, d schema.Digest, w io.Writer) error {
	f.mu.Lock()
	f.reads++
	contents, ok := f.blobs[d]
	unavailable := f.unavailable
	f.mu.Unlock()

	if unavailable {
		return &fnerrors.RemoteError{Op: "Read", Transient: true, Err: errors.New("unavailable")}
	}

	if !ok {
		return fnerrors.NotFound("blob %s", d)
	}

	_, err := w.Write(contents)
	return err
}

func (f *fakeRemote) ReadBlobs(ctx context.Context, digests []schema.Digest) (map[schema.Digest][]byte, error) {
	res := map[schema.Digest][]byte{}
	for _, d := range digests {
		var buf bytes.Buffer
		if err := f.ReadBlob(ctx, d, &buf); err != nil {
			return nil, err
		}
		res[d] = buf.Bytes()
	}
	return res, nil
}

func newStore(t *testing.T, remote RemoteCAS) *Store {
	t.Helper()

	local, err := OpenLocal(t.TempDir(), time.Hour)
	assert.NilError(t, err)
	t.Cleanup(func() { local.Close() })

	return New(local, remote)
}

func TestStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	d1, err := s.StoreBytes(ctx, []byte("hello"))
	assert.NilError(t, err)

	d2, err := s.StoreBytes(ctx, []byte("hello"))
	assert.NilError(t, err)

	assert.Equal(t, d1, d2)

	count, err := s.BlobCount(ctx)
	assert.NilError(t, err)
	assert.Equal(t, count, 1)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()

	large := make([]byte, 6*1024*1024)
	rand.New(rand.NewSource(1)).Read(large)

	for _, test := range []struct {
		name     string
		contents []byte
	}{
		{"empty", nil},
		{"single byte", []byte{42}},
		{"large", large},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newStore(t, nil)

			d, err := s.StoreBytes(ctx, test.contents)
			assert.NilError(t, err)
			assert.Equal(t, d, schema.FromBytes(test.contents))

			loaded, err := s.LoadBytes(ctx, d)
			assert.NilError(t, err)
			assert.Assert(t, bytes.Equal(loaded, test.contents))
		})
	}
}

func TestLoadFromRemote(t *testing.T) {
	ctx := context.Background()

	remote := newFakeRemote()
	d := remote.put([]byte("only remote"))

	s := newStore(t, remote)

	loaded, err := s.LoadBytes(ctx, d)
	assert.NilError(t, err)
	assert.Equal(t, string(loaded), "only remote")

	// Now local; the remote should not be consulted again, even if it's gone.
	remote.unavailable = true
	loaded, err = s.LoadBytes(ctx, d)
	assert.NilError(t, err)
	assert.Equal(t, string(loaded), "only remote")
	assert.Equal(t, remote.reads, 1)
}

func TestEnsureLocalMany(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	var digests []schema.Digest
	for i := 0; i < 6; i++ {
		digests = append(digests, remote.put(bytes.Repeat([]byte{byte('a' + i)}, smallBlobLimit+1)))
	}
	digests = append(digests, remote.put([]byte("small one")), remote.put([]byte("small two")))

	s := newStore(t, remote)
	assert.NilError(t, s.EnsureLocalMany(ctx, append(digests, digests[0])))
	assert.Equal(t, remote.reads, len(digests))

	for _, d := range digests {
		assert.Assert(t, s.Local().Has(d), "%s was not fetched", d)
	}

	missing := schema.FromBytes(bytes.Repeat([]byte("z"), smallBlobLimit+1))
	err := s.EnsureLocalMany(ctx, []schema.Digest{digests[0], missing})
	assert.Assert(t, fnerrors.IsNotFound(err), "got %v", err)
}

func TestLoadFailures(t *testing.T) {
	ctx := context.Background()
	missing := schema.FromBytes([]byte("missing"))

	t.Run("no remote", func(t *testing.T) {
		_, err := newStore(t, nil).LoadBytes(ctx, missing)
		assert.Assert(t, fnerrors.IsNotFound(err), "got %v", err)
	})

	t.Run("absent remotely", func(t *testing.T) {
		_, err := newStore(t, newFakeRemote()).LoadBytes(ctx, missing)
		assert.Assert(t, fnerrors.IsNotFound(err), "got %v", err)
	})

	t.Run("remote unavailable", func(t *testing.T) {
		remote := newFakeRemote()
		remote.unavailable = true

		_, err := newStore(t, remote).LoadBytes(ctx, missing)

		var unavailable *fnerrors.StoreUnavailableError
		assert.Assert(t, errors.As(err, &unavailable), "got %v", err)
	})
}

func TestEnsureRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s := newStore(t, remote)

	root, err := s.RecordTree(ctx, []File{
		{Path: "a/b.txt", Contents: []byte("b")},
		{Path: "c.txt", Contents: []byte("c")},
	})
	assert.NilError(t, err)

	assert.NilError(t, s.EnsureRemoteTree(ctx, root))

	expanded, err := s.ExpandDigests(ctx, root)
	assert.NilError(t, err)
	assert.Equal(t, len(expanded), 4) // root, a/, b.txt, c.txt

	missing, err := remote.FindMissing(ctx, expanded)
	assert.NilError(t, err)
	assert.Equal(t, len(missing), 0)
}

func TestRecordTreeIsDeterministic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	files := []File{
		{Path: "src/main.go", Contents: []byte("package main")},
		{Path: "src/lib/lib.go", Contents: []byte("package lib")},
		{Path: "run.sh", Contents: []byte("#!/bin/sh"), IsExecutable: true},
	}

	d1, err := s.RecordTree(ctx, files)
	assert.NilError(t, err)

	d2, err := s.RecordTree(ctx, []File{files[2], files[0], files[1]})
	assert.NilError(t, err)

	assert.Equal(t, d1, d2)

	empty, err := s.RecordTree(ctx, nil)
	assert.NilError(t, err)
	assert.Equal(t, empty, schema.EmptyDigest)
}

func TestMergeDirectories(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	a, err := s.RecordTree(ctx, []File{{Path: "a/one.txt", Contents: []byte("1")}, {Path: "shared.txt", Contents: []byte("s")}})
	assert.NilError(t, err)

	b, err := s.RecordTree(ctx, []File{{Path: "a/two.txt", Contents: []byte("2")}, {Path: "shared.txt", Contents: []byte("s")}})
	assert.NilError(t, err)

	merged, err := s.MergeDirectories(ctx, []schema.Digest{a, b})
	assert.NilError(t, err)

	expected, err := s.RecordTree(ctx, []File{
		{Path: "a/one.txt", Contents: []byte("1")},
		{Path: "a/two.txt", Contents: []byte("2")},
		{Path: "shared.txt", Contents: []byte("s")},
	})
	assert.NilError(t, err)
	assert.Equal(t, merged, expected)

	reversed, err := s.MergeDirectories(ctx, []schema.Digest{b, a})
	assert.NilError(t, err)
	assert.Equal(t, reversed, merged)

	conflicting, err := s.RecordTree(ctx, []File{{Path: "a/one.txt", Contents: []byte("different")}})
	assert.NilError(t, err)

	_, err = s.MergeDirectories(ctx, []schema.Digest{a, conflicting})
	var dup *fnerrors.DuplicateEntryError
	assert.Assert(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, dup.Path, "a/one.txt")

	fileVsDir, err := s.RecordTree(ctx, []File{{Path: "a", Contents: []byte("file")}})
	assert.NilError(t, err)

	_, err = s.MergeDirectories(ctx, []schema.Digest{a, fileVsDir})
	assert.Assert(t, errors.As(err, &dup), "got %v", err)
}

func TestSubset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	root, err := s.RecordTree(ctx, []File{
		{Path: "src/a.go", Contents: []byte("a")},
		{Path: "src/b.go", Contents: []byte("b")},
		{Path: "src/data/x.json", Contents: []byte("x")},
		{Path: "README", Contents: []byte("readme")},
	})
	assert.NilError(t, err)

	sub, err := s.Subset(ctx, root, []PathSpec{
		{Glob: "src/*.go"},
		{Glob: "does/not/exist"},
	})
	assert.NilError(t, err)

	var paths []string
	assert.NilError(t, s.Walk(ctx, sub, func(e FileEntry) error {
		paths = append(paths, e.Path)
		return nil
	}))

	if d := cmp.Diff([]string{"src/a.go", "src/b.go"}, paths); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	dir, err := s.Subset(ctx, root, []PathSpec{{Glob: "src/data", Required: true}, {Glob: "src/data/x.json", Required: true}})
	assert.NilError(t, err)

	contents, err := s.Contents(ctx, dir)
	assert.NilError(t, err)
	assert.Equal(t, len(contents), 1)
	assert.Equal(t, contents[0].Path, "src/data/x.json")

	_, err = s.Subset(ctx, root, []PathSpec{{Glob: "does/not/exist", Required: true}})
	var pnf *fnerrors.PathNotFoundError
	assert.Assert(t, errors.As(err, &pnf), "got %v", err)
}

func TestMaterializeAndCapture(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	root, err := s.RecordTree(ctx, []File{
		{Path: "bin/tool", Contents: []byte("#!/bin/sh\necho hi\n"), IsExecutable: true},
		{Path: "etc/config.json", Contents: []byte("{}")},
	})
	assert.NilError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	assert.NilError(t, s.Materialize(ctx, root, dest))

	st, err := os.Stat(filepath.Join(dest, "bin/tool"))
	assert.NilError(t, err)
	assert.Assert(t, st.Mode().Perm()&0100 != 0)

	captured, err := s.Capture(ctx, dest, []string{"."})
	assert.NilError(t, err)
	assert.Equal(t, captured, root)

	partial, err := s.Capture(ctx, dest, []string{"etc/config.json"})
	assert.NilError(t, err)

	expected, err := s.RecordTree(ctx, []File{{Path: "etc/config.json", Contents: []byte("{}")}})
	assert.NilError(t, err)
	assert.Equal(t, partial, expected)

	_, err = s.Capture(ctx, dest, []string{"missing.txt"})
	var mo *fnerrors.MissingOutputError
	assert.Assert(t, errors.As(err, &mo), "got %v", err)
	assert.Equal(t, mo.Path, "missing.txt")
}

func TestCaptureGlobs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	dir := t.TempDir()
	for path, contents := range map[string]string{
		"src/a.go":      "a",
		"src/a_test.go": "test",
		"src/sub/b.go":  "b",
		"docs/x.md":     "x",
	} {
		assert.NilError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(path)), 0755))
		assert.NilError(t, os.WriteFile(filepath.Join(dir, path), []byte(contents), 0644))
	}

	_, matched, err := s.CaptureGlobs(ctx, dir, []string{"src/**/*.go"}, []string{"**/*_test.go"})
	assert.NilError(t, err)

	if d := cmp.Diff([]string{"src/a.go", "src/sub/b.go"}, matched); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}
}

func TestCaptureExisting(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "made.txt"), []byte("made"), 0644))

	captured, err := s.CaptureExisting(ctx, dir, []string{"made.txt", "missing.txt", "missing-dir"})
	assert.NilError(t, err)

	expected, err := s.RecordTree(ctx, []File{{Path: "made.txt", Contents: []byte("made")}})
	assert.NilError(t, err)
	assert.Equal(t, captured, expected)
}

func TestSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges")
	}

	ctx := context.Background()
	s := newStore(t, nil)

	root, err := s.RecordTree(ctx, []File{
		{Path: "lib/libx.so.1", Contents: []byte("elf")},
		{Path: "lib/libx.so", SymlinkTarget: "libx.so.1"},
	})
	assert.NilError(t, err)

	var entries []FileEntry
	assert.NilError(t, s.Walk(ctx, root, func(e FileEntry) error {
		entries = append(entries, e)
		return nil
	}))

	if d := cmp.Diff([]FileEntry{
		{Path: "lib/libx.so", SymlinkTarget: "libx.so.1"},
		{Path: "lib/libx.so.1", Digest: schema.FromBytes([]byte("elf"))},
	}, entries); d != "" {
		t.Errorf("mismatch (-want +got):\n%s", d)
	}

	contents, err := s.Contents(ctx, root)
	assert.NilError(t, err)
	assert.Equal(t, len(contents), 2)
	assert.Equal(t, contents[0].SymlinkTarget, "libx.so.1")
	assert.Assert(t, contents[0].Contents == nil)

	dest := filepath.Join(t.TempDir(), "out")
	assert.NilError(t, s.Materialize(ctx, root, dest))

	target, err := os.Readlink(filepath.Join(dest, "lib/libx.so"))
	assert.NilError(t, err)
	assert.Equal(t, target, "libx.so.1")

	captured, err := s.Capture(ctx, dest, []string{"lib"})
	assert.NilError(t, err)
	assert.Equal(t, captured, root)
}

func TestGC(t *testing.T) {
	ctx := context.Background()

	local, err := OpenLocal(t.TempDir(), time.Nanosecond)
	assert.NilError(t, err)
	defer local.Close()

	s := New(local, nil)

	root, err := s.RecordTree(ctx, []File{{Path: "kept.txt", Contents: []byte("kept")}})
	assert.NilError(t, err)

	garbage, err := s.StoreBytes(ctx, []byte("garbage"))
	assert.NilError(t, err)

	time.Sleep(time.Millisecond)

	removed, err := s.GC(ctx, []schema.Digest{root})
	assert.NilError(t, err)
	assert.Equal(t, removed, 1)

	assert.Assert(t, !local.Has(garbage))

	contents, err := s.Contents(ctx, root)
	assert.NilError(t, err)
	assert.Equal(t, string(contents[0].Contents), "kept")
}

func TestGCKeepsBlobsRetainedAfterTheScan(t *testing.T) {
	ctx := context.Background()

	local, err := OpenLocal(t.TempDir(), time.Hour)
	assert.NilError(t, err)
	defer local.Close()

	d, err := local.WriteBytes(ctx, []byte("reused"))
	assert.NilError(t, err)

	_, err = local.index.db.ExecContext(ctx, `UPDATE blobs SET lease_until = 0`)
	assert.NilError(t, err)

	now := time.Now()
	expired, err := local.index.expired(ctx, now)
	assert.NilError(t, err)
	assert.DeepEqual(t, expired, []schema.Digest{d})

	// A writer reuses the blob between the scan and the removal.
	_, err = local.WriteBytes(ctx, []byte("reused"))
	assert.NilError(t, err)

	removed, err := local.collect(ctx, d, now)
	assert.NilError(t, err)
	assert.Assert(t, !removed)
	assert.Assert(t, local.Has(d))

	_, err = local.index.db.ExecContext(ctx, `UPDATE blobs SET lease_until = 0`)
	assert.NilError(t, err)

	removed, err = local.collect(ctx, d, time.Now())
	assert.NilError(t, err)
	assert.Assert(t, removed)
	assert.Assert(t, !local.Has(d))
}

func TestGCFailsOnUnreadableTrees(t *testing.T) {
	ctx := context.Background()

	local, err := OpenLocal(t.TempDir(), time.Nanosecond)
	assert.NilError(t, err)
	defer local.Close()

	s := New(local, nil)

	root, err := s.RecordTree(ctx, []File{{Path: "sub/kept.txt", Contents: []byte("kept")}})
	assert.NilError(t, err)

	dir, err := s.LoadDirectory(ctx, root)
	assert.NilError(t, err)
	sub, err := schema.FromProto(dir.GetDirectories()[0].GetDigest())
	assert.NilError(t, err)

	// Same size, so it still looks stored, but it no longer decodes.
	assert.NilError(t, os.WriteFile(local.blobPath(sub), bytes.Repeat([]byte{0xff}, int(sub.SizeBytes)), 0600))

	time.Sleep(time.Millisecond)

	_, err = s.GC(ctx, []schema.Digest{root})
	assert.ErrorContains(t, err, "not a directory")

	assert.Assert(t, local.Has(schema.FromBytes([]byte("kept"))))
	assert.Assert(t, local.Has(root))
}

func TestLocalActionCache(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	action := schema.FromBytes([]byte("action"))
	cache := s.Local().ActionCache()

	_, found, err := cache.Load(ctx, action)
	assert.NilError(t, err)
	assert.Assert(t, !found)

	assert.NilError(t, cache.Store(ctx, action, []byte("result")))

	result, found, err := cache.Load(ctx, action)
	assert.NilError(t, err)
	assert.Assert(t, found)
	assert.Equal(t, string(result), "result")

	pruned, err := cache.Prune(ctx, time.Now().Add(time.Minute))
	assert.NilError(t, err)
	assert.Equal(t, pruned, int64(1))
}

func TestAddPrefixAndSubtree(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	root, err := s.RecordTree(ctx, []File{{Path: "a/b.txt", Contents: []byte("b")}})
	assert.NilError(t, err)

	nested, err := s.AddPrefix(ctx, root, "out/gen")
	assert.NilError(t, err)

	contents, err := s.Contents(ctx, nested)
	assert.NilError(t, err)
	assert.Equal(t, len(contents), 1)
	assert.Equal(t, contents[0].Path, "out/gen/a/b.txt")

	back, err := s.Subtree(ctx, nested, "out/gen")
	assert.NilError(t, err)
	assert.Equal(t, back, root)

	_, err = s.Subtree(ctx, nested, "out/missing")
	var pnf *fnerrors.PathNotFoundError
	assert.Assert(t, errors.As(err, &pnf), "got %v", err)
}

func TestEnsureLocalTreeFromRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	source := newStore(t, nil)
	root, err := source.RecordTree(ctx, []File{
		{Path: "x/1", Contents: []byte("one")},
		{Path: "x/2", Contents: []byte("two")},
		{Path: "3", Contents: []byte("three")},
	})
	assert.NilError(t, err)

	digests, err := source.ExpandDigests(ctx, root)
	assert.NilError(t, err)
	for _, d := range digests {
		contents, err := source.LoadBytes(ctx, d)
		assert.NilError(t, err)
		remote.put(contents)
	}

	s := newStore(t, remote)
	assert.NilError(t, s.EnsureLocalTree(ctx, root))

	for _, d := range digests {
		assert.Assert(t, s.Local().Has(d), "%s is not local", d)
	}
}
