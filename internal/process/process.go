// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import (
	"context"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/types/known/durationpb"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/store"
	"namespacelabs.dev/buildgraph/schema"
)

type CachePolicy int

const (
	// Successful results are cached.
	Cacheable CachePolicy = iota
	// Every result is cached, including those with a non-zero exit code.
	CacheAlways
	// Results are never cached, nor looked up.
	Uncacheable
)

func (c CachePolicy) String() string {
	switch c {
	case Cacheable:
		return "cacheable"
	case CacheAlways:
		return "cache-always"
	case Uncacheable:
		return "uncacheable"
	}
	return "unknown"
}

func ParseCachePolicy(str string) (CachePolicy, error) {
	for _, c := range []CachePolicy{Cacheable, CacheAlways, Uncacheable} {
		if c.String() == str {
			return c, nil
		}
	}
	return Cacheable, fnerrors.BadInputError("%s: unknown cache policy", str)
}

// Platform names an operating system and architecture, e.g. "linux_amd64".
type Platform string

func CurrentPlatform() Platform { return Platform(runtime.GOOS + "_" + runtime.GOARCH) }

const platformProperty = "platform"

// Process is a command to run over an input tree. The output paths and working directory
// are relative to the root of the input tree.
type Process struct {
	Argv              []string
	Env               map[string]string
	InputRoot         schema.Digest
	WorkingDirectory  string
	OutputFiles       []string
	OutputDirectories []string
	Timeout           time.Duration
	Platform          Platform
	CachePolicy       CachePolicy
	// Description is shown to users, and is not part of the action key.
	Description string
}

func (p *Process) Validate() error {
	if len(p.Argv) == 0 {
		return fnerrors.BadInputError("%s: a process requires at least one argument", p.label())
	}

	if p.Timeout < 0 {
		return fnerrors.BadInputError("%s: negative timeout", p.label())
	}

	for _, list := range [][]string{p.OutputFiles, p.OutputDirectories, {p.WorkingDirectory}} {
		for _, out := range list {
			if path.IsAbs(out) || out == ".." || strings.HasPrefix(path.Clean(out), "../") {
				return fnerrors.BadInputError("%s: %q must be relative to the input root", p.label(), out)
			}
		}
	}

	return nil
}

func (p *Process) label() string {
	if p.Description != "" {
		return p.Description
	}
	if len(p.Argv) > 0 {
		return p.Argv[0]
	}
	return "process"
}

func (p *Process) platform() Platform {
	if p.Platform != "" {
		return p.Platform
	}
	return CurrentPlatform()
}

func (p *Process) inputRoot() schema.Digest {
	if p.InputRoot.IsSet() {
		return p.InputRoot
	}
	return emptyDirectory
}

var emptyDirectory = func() schema.Digest {
	_, d, err := schema.DigestOfProto(&repb.Directory{})
	if err != nil {
		panic(err)
	}
	return d
}()

// Command returns the canonical command: environment variables and outputs are sorted.
func (p *Process) Command() *repb.Command {
	cmd := &repb.Command{
		Arguments:         append([]string(nil), p.Argv...),
		WorkingDirectory:  p.WorkingDirectory,
		OutputFiles:       sorted(p.OutputFiles),
		OutputDirectories: sorted(p.OutputDirectories),
		Platform: &repb.Platform{
			Properties: []*repb.Platform_Property{{Name: platformProperty, Value: string(p.platform())}},
		},
	}

	for _, k := range sorted(keys(p.Env)) {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{Name: k, Value: p.Env[k]})
	}

	return cmd
}

type encoded struct {
	command       []byte
	commandDigest schema.Digest
	action        []byte
	actionDigest  schema.Digest
}

func (p *Process) encode() (*encoded, error) {
	var enc encoded
	var err error

	enc.command, enc.commandDigest, err = schema.DigestOfProto(p.Command())
	if err != nil {
		return nil, err
	}

	action := &repb.Action{
		CommandDigest:   enc.commandDigest.Proto(),
		InputRootDigest: p.inputRoot().Proto(),
		DoNotCache:      p.CachePolicy == Uncacheable,
		Platform:        p.Command().GetPlatform(),
	}

	if p.Timeout > 0 {
		action.Timeout = durationpb.New(p.Timeout)
	}

	// Results which may be failures are kept apart from those which can't.
	if p.CachePolicy == CacheAlways {
		action.Salt = []byte(CacheAlways.String())
	}

	enc.action, enc.actionDigest, err = schema.DigestOfProto(action)
	if err != nil {
		return nil, err
	}

	return &enc, nil
}

// ActionDigest returns the cache key of the process: a digest over its command, input
// root, timeout, platform and cache policy.
func (p *Process) ActionDigest() (schema.Digest, error) {
	enc, err := p.encode()
	if err != nil {
		return schema.Digest{}, err
	}
	return enc.actionDigest, nil
}

// Record stores the action and command messages, returning the digests of both.
func (p *Process) Record(ctx context.Context, s *store.Store) (schema.Digest, schema.Digest, error) {
	enc, err := p.encode()
	if err != nil {
		return schema.Digest{}, schema.Digest{}, err
	}

	if _, err := s.StoreBytes(ctx, enc.command); err != nil {
		return schema.Digest{}, schema.Digest{}, err
	}

	if _, err := s.StoreBytes(ctx, enc.action); err != nil {
		return schema.Digest{}, schema.Digest{}, err
	}

	return enc.actionDigest, enc.commandDigest, nil
}

func sorted(strs []string) []string {
	if len(strs) == 0 {
		return nil
	}
	res := append([]string(nil), strs...)
	sort.Strings(res)
	return res
}

func keys(m map[string]string) []string {
	var res []string
	for k := range m {
		res = append(res, k)
	}
	return res
}
