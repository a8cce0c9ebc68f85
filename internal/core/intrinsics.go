// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package core

import (
	"context"
	"path"
	"strings"

	"namespacelabs.dev/buildgraph/internal/compute"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/process"
	"namespacelabs.dev/buildgraph/internal/rules"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
)

// CreateDigest records a tree with the given files.
type CreateDigest struct {
	Files []store.File
}

// MergeDigests merges trees; their entries must not conflict.
type MergeDigests struct {
	Digests []schema.Digest
}

// DigestSubset selects the entries of Root which match Paths.
type DigestSubset struct {
	Root  schema.Digest
	Paths []store.PathSpec
}

// DigestContents are the files of a tree, with their contents.
type DigestContents []store.File

// PathGlobs selects files of the build root.
type PathGlobs struct {
	Include []string
	Exclude []string
}

// Snapshot is a tree captured from the build root.
type Snapshot struct {
	Digest schema.Digest
	Files  []string
}

func (s Snapshot) Digests() []schema.Digest { return []schema.Digest{s.Digest} }

// ProcessResult is the result of a process which exited successfully.
type ProcessResult struct {
	*process.FallibleProcessResult
}

var (
	digestType  = rules.TypeOf[schema.Digest]()
	processType = rules.TypeOf[process.Process]()
)

// Maximum amount of stderr included in a process failure.
const stderrTail = 4096

func (c *Core) intrinsics() []*rules.Rule {
	createDigest := rules.Define("create-digest", []rules.TypeID{rules.TypeOf[CreateDigest]()},
		func(ctx context.Context, in rules.Inputs) (schema.Digest, error) {
			req, err := rules.Param[CreateDigest](in)
			if err != nil {
				return schema.Digest{}, err
			}
			return c.store.RecordTree(ctx, req.Files)
		})

	mergeDigests := rules.Define("merge-digests", []rules.TypeID{rules.TypeOf[MergeDigests]()},
		func(ctx context.Context, in rules.Inputs) (schema.Digest, error) {
			req, err := rules.Param[MergeDigests](in)
			if err != nil {
				return schema.Digest{}, err
			}
			return c.store.MergeDirectories(ctx, req.Digests)
		})

	digestSubset := rules.Define("digest-subset", []rules.TypeID{rules.TypeOf[DigestSubset]()},
		func(ctx context.Context, in rules.Inputs) (schema.Digest, error) {
			req, err := rules.Param[DigestSubset](in)
			if err != nil {
				return schema.Digest{}, err
			}
			return c.store.Subset(ctx, req.Root, req.Paths)
		})

	digestContents := rules.Define("digest-contents", []rules.TypeID{digestType},
		func(ctx context.Context, in rules.Inputs) (DigestContents, error) {
			d, err := rules.Param[schema.Digest](in)
			if err != nil {
				return nil, err
			}
			return c.store.Contents(ctx, d)
		})

	pathGlobs := rules.Define("path-globs", []rules.TypeID{rules.TypeOf[PathGlobs]()},
		func(ctx context.Context, in rules.Inputs) (Snapshot, error) {
			req, err := rules.Param[PathGlobs](in)
			if err != nil {
				return Snapshot{}, err
			}

			// Files which don't exist yet may match later.
			for _, glob := range req.Include {
				compute.RecordRead(ctx, staticPrefix(glob))
			}

			d, files, err := c.store.CaptureGlobs(ctx, c.buildRoot, req.Include, req.Exclude)
			if err != nil {
				return Snapshot{}, err
			}

			compute.RecordRead(ctx, files...)
			return Snapshot{Digest: d, Files: files}, nil
		})

	fallibleProcess := rules.Define("fallible-process", []rules.TypeID{processType},
		func(ctx context.Context, in rules.Inputs) (*process.FallibleProcessResult, error) {
			p, err := rules.Param[process.Process](in)
			if err != nil {
				return nil, err
			}

			c.applyDefaults(&p)
			return c.runner.Run(ctx, &p)
		})

	processResult := rules.Define("process-result", []rules.TypeID{processType},
		func(ctx context.Context, in rules.Inputs) (ProcessResult, error) {
			p, err := rules.Param[process.Process](in)
			if err != nil {
				return ProcessResult{}, err
			}

			res, err := rules.Dep[*process.FallibleProcessResult](in, 0)
			if err != nil {
				return ProcessResult{}, err
			}

			if !res.Success() {
				return ProcessResult{}, &fnerrors.ProcessFailedError{
					Description: processLabel(p),
					ExitCode:    res.ExitCode,
					Stderr:      c.stderrTail(ctx, res),
				}
			}

			return ProcessResult{res}, nil
		}, rules.GetOf[*process.FallibleProcessResult]())

	return []*rules.Rule{createDigest, mergeDigests, digestSubset, digestContents, pathGlobs, fallibleProcess, processResult}
}

func intrinsicQueries() []rules.Query {
	return []rules.Query{
		rules.QueryOf[schema.Digest](rules.TypeOf[CreateDigest]()),
		rules.QueryOf[schema.Digest](rules.TypeOf[MergeDigests]()),
		rules.QueryOf[schema.Digest](rules.TypeOf[DigestSubset]()),
		rules.QueryOf[DigestContents](digestType),
		rules.QueryOf[Snapshot](rules.TypeOf[PathGlobs]()),
		rules.QueryOf[*process.FallibleProcessResult](processType),
		rules.QueryOf[ProcessResult](processType),
	}
}

func (c *Core) applyDefaults(p *process.Process) {
	if p.Timeout == 0 && c.cfg.ProcessTimeout > 0 {
		p.Timeout = c.cfg.ProcessTimeout
	}

	if p.CachePolicy == process.Cacheable && c.cfg.CacheFailuresDefault {
		p.CachePolicy = process.CacheAlways
	}
}

func (c *Core) stderrTail(ctx context.Context, res *process.FallibleProcessResult) string {
	data, err := c.store.LoadBytes(ctx, res.Stderr)
	if err != nil {
		return ""
	}
	if len(data) > stderrTail {
		data = data[len(data)-stderrTail:]
	}
	return strings.TrimSpace(string(data))
}

func processLabel(p process.Process) string {
	if p.Description != "" {
		return p.Description
	}
	return strings.Join(p.Argv, " ")
}

// staticPrefix returns the leading components of glob which contain no pattern.
func staticPrefix(glob string) string {
	var prefix []string
	for _, part := range strings.Split(path.Clean(glob), "/") {
		if strings.ContainsAny(part, "*?[{") {
			break
		}
		prefix = append(prefix, part)
	}
	return path.Join(prefix...)
}
