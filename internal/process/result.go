// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"context"
	"encoding/json"
	"errors"
	"path"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
)

type Source string

const (
	SourceLocal       Source = "local"
	SourceRemote      Source = "remote"
	SourceLocalCache  Source = "local-cache"
	SourceRemoteCache Source = "remote-cache"
)

// FallibleProcessResult is the outcome of a process, regardless of its exit code.
type FallibleProcessResult struct {
	ExitCode int32         `json:"exit_code"`
	Stdout   schema.Digest `json:"stdout"`
	Stderr   schema.Digest `json:"stderr"`
	// OutputRoot is a tree with the declared outputs that were produced, relative to the
	// working directory.
	OutputRoot schema.Digest `json:"output_root"`
	Platform   Platform      `json:"platform"`
	Source     Source        `json:"-"`
}

// CacheHit returns true if the result was served from a cache rather than computed.
func (r *FallibleProcessResult) CacheHit() bool {
	return r.Source == SourceLocalCache || r.Source == SourceRemoteCache
}

func (r *FallibleProcessResult) Success() bool { return r.ExitCode == 0 }

// Digests returns the roots the result references; the output tree is not expanded.
func (r *FallibleProcessResult) Digests() []schema.Digest {
	return []schema.Digest{r.Stdout, r.Stderr, r.OutputRoot}
}

// digests returns every blob the result references, including the output tree's.
func (r *FallibleProcessResult) digests(ctx context.Context, s *store.Store) ([]schema.Digest, error) {
	tree, err := s.ExpandDigests(ctx, r.OutputRoot)
	if err != nil {
		return nil, err
	}
	return append([]schema.Digest{r.Stdout, r.Stderr}, tree...), nil
}

// verify makes sure that everything the result references can be loaded, fetching it
// into the local store.
func (r *FallibleProcessResult) verify(ctx context.Context, s *store.Store) error {
	if err := s.EnsureLocalMany(ctx, []schema.Digest{r.Stdout, r.Stderr}); err != nil {
		return err
	}
	return s.EnsureLocalTree(ctx, r.OutputRoot)
}

func encodeResult(r *FallibleProcessResult) ([]byte, error) { return json.Marshal(r) }

func decodeResult(data []byte, source Source) (*FallibleProcessResult, error) {
	var r FallibleProcessResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fnerrors.InternalError("failed to decode a cached result: %w", err)
	}
	r.Source = source
	return &r, nil
}

// toActionResult converts a result into its remote form. The returned digests are the blobs
// that must be uploaded before the result is published.
func toActionResult(ctx context.Context, s *store.Store, p *Process, r *FallibleProcessResult) (*repb.ActionResult, []schema.Digest, error) {
	res := &repb.ActionResult{
		ExitCode:     r.ExitCode,
		StdoutDigest: r.Stdout.Proto(),
		StderrDigest: r.Stderr.Proto(),
	}

	blobs, err := r.digests(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	files := map[string]store.FileEntry{}
	if err := s.Walk(ctx, r.OutputRoot, func(e store.FileEntry) error {
		files[e.Path] = e
		return nil
	}); err != nil {
		return nil, nil, err
	}

	for _, out := range sorted(p.OutputFiles) {
		e, ok := files[path.Clean(out)]
		switch {
		case !ok:
		case e.IsSymlink():
			res.OutputSymlinks = append(res.OutputSymlinks, &repb.OutputSymlink{Path: out, Target: e.SymlinkTarget})
		default:
			res.OutputFiles = append(res.OutputFiles, &repb.OutputFile{Path: out, Digest: e.Digest.Proto(), IsExecutable: e.IsExecutable})
		}
	}

	for _, out := range sorted(p.OutputDirectories) {
		sub, err := s.Subtree(ctx, r.OutputRoot, out)
		if err != nil {
			var pnf *fnerrors.PathNotFoundError
			if errors.As(err, &pnf) {
				continue
			}
			return nil, nil, err
		}

		tree, err := s.ToRemoteTree(ctx, sub)
		if err != nil {
			return nil, nil, err
		}

		serialized, treeDigest, err := schema.DigestOfProto(tree)
		if err != nil {
			return nil, nil, err
		}

		if _, err := s.StoreBytes(ctx, serialized); err != nil {
			return nil, nil, err
		}

		blobs = append(blobs, treeDigest)
		res.OutputDirectories = append(res.OutputDirectories, &repb.OutputDirectory{Path: out, TreeDigest: treeDigest.Proto()})
	}

	return res, blobs, nil
}

// fromActionResult converts a remote result, fetching the output trees it references.
func fromActionResult(ctx context.Context, s *store.Store, p *Process, res *repb.ActionResult, source Source) (*FallibleProcessResult, error) {
	r := &FallibleProcessResult{ExitCode: res.GetExitCode(), Platform: p.platform(), Source: source}

	var err error
	if r.Stdout, err = outputDigest(ctx, s, res.GetStdoutDigest(), res.GetStdoutRaw()); err != nil {
		return nil, err
	}

	if r.Stderr, err = outputDigest(ctx, s, res.GetStderrDigest(), res.GetStderrRaw()); err != nil {
		return nil, err
	}

	var entries []store.FileEntry
	for _, f := range res.GetOutputFiles() {
		d, err := schema.FromProto(f.GetDigest())
		if err != nil {
			return nil, err
		}
		entries = append(entries, store.FileEntry{Path: f.GetPath(), Digest: d, IsExecutable: f.GetIsExecutable()})
	}

	for _, l := range append(res.GetOutputFileSymlinks(), res.GetOutputSymlinks()...) {
		entries = append(entries, store.FileEntry{Path: l.GetPath(), SymlinkTarget: l.GetTarget()})
	}

	files, err := s.RecordEntries(ctx, entries)
	if err != nil {
		return nil, err
	}

	roots := []schema.Digest{files}
	for _, dir := range res.GetOutputDirectories() {
		td, err := schema.FromProto(dir.GetTreeDigest())
		if err != nil {
			return nil, err
		}

		serialized, err := s.LoadBytes(ctx, td)
		if err != nil {
			return nil, err
		}

		tree := &repb.Tree{}
		if err := proto.Unmarshal(serialized, tree); err != nil {
			return nil, fnerrors.BadInputError("%s: not a tree: %w", td, err)
		}

		d, err := s.RecordRemoteTree(ctx, tree)
		if err != nil {
			return nil, err
		}

		prefixed, err := s.AddPrefix(ctx, d, dir.GetPath())
		if err != nil {
			return nil, err
		}

		roots = append(roots, prefixed)
	}

	if r.OutputRoot, err = s.MergeDirectories(ctx, roots); err != nil {
		return nil, err
	}

	return r, nil
}

func outputDigest(ctx context.Context, s *store.Store, d *repb.Digest, raw []byte) (schema.Digest, error) {
	if len(raw) > 0 {
		return s.StoreBytes(ctx, raw)
	}

	if d == nil {
		return s.StoreBytes(ctx, nil)
	}

	return schema.FromProto(d)
}
