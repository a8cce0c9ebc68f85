// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"namespacelabs.dev/buildgraph/internal/executor"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/internal/metrics"
	"namespacelabs.dev/buildgraph/internal/rules"
	"namespacelabs.dev/buildgraph/schema"
	"namespacelabs.dev/buildgraph/std/tasks"
)

const shardCount = 32

type Options struct {
	Metrics *metrics.Metrics
	// OnSessionEnd is called with the id of each session, when it is cancelled.
	OnSessionEnd func(session string)
}

// Scheduler evaluates the nodes of a compiled graph, each at most once until it is
// invalidated. Nodes run on the scheduler's context, not their requesters', so a node
// keeps running, and is memoized, even if every session waiting for it is cancelled.
type Scheduler struct {
	graph  *rules.Graph
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	shards [shardCount]shard

	// Protects reads, dependents and node.reads.
	mu         sync.Mutex
	reads      map[string]map[*node]struct{}
	dependents map[*node]map[*node]struct{}
}

type shard struct {
	mu    sync.Mutex
	nodes map[nodeKey]*node
}

type nodeKey struct {
	rule   string
	params schema.Digest
}

type node struct {
	s       *Scheduler
	key     nodeKey
	rule    *rules.Rule
	params  rules.Params
	label   string
	promise *promise

	invalidated *atomic.Bool
	reads       []string
}

type contextKey string

var _nodeKey = contextKey("buildgraph.compute.node")

// New returns a Scheduler over graph. Nodes run with the values of ctx (e.g. its logger
// and action sink), until ctx is done or Close is called.
func New(ctx context.Context, graph *rules.Graph, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		graph:      graph,
		ctx:        ctx,
		cancel:     cancel,
		opts:       opts,
		reads:      map[string]map[*node]struct{}{},
		dependents: map[*node]map[*node]struct{}{},
	}

	for k := range s.shards {
		s.shards[k].nodes = map[nodeKey]*node{}
	}

	return s
}

func (s *Scheduler) Graph() *rules.Graph { return s.graph }

// Close cancels every running node.
func (s *Scheduler) Close() { s.cancel() }

func (s *Scheduler) shard(key nodeKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(key.rule)
	_, _ = h.Write(key.params.Fingerprint[:])
	return &s.shards[h.Sum64()%shardCount]
}

// Memoized returns how many nodes are currently in the memo table.
func (s *Scheduler) Memoized() int {
	var count int
	for k := range s.shards {
		sh := &s.shards[k]
		sh.mu.Lock()
		count += len(sh.nodes)
		sh.mu.Unlock()
	}
	return count
}

// request returns the value of r given params, starting its node if it isn't memoized.
// Waiting stops when ctx is done.
func (s *Scheduler) request(ctx context.Context, parent *node, r *rules.Rule, params rules.Params) (any, error) {
	n, err := s.ensureNode(ctx, parent, r, params)
	if err != nil {
		return nil, err
	}

	v, err, ok := n.promise.wait(ctx)
	if !ok {
		return nil, &fnerrors.CancelledError{What: n.label}
	}

	return v, err
}

func (s *Scheduler) ensureNode(ctx context.Context, parent *node, r *rules.Rule, params rules.Params) (*node, error) {
	projected, err := params.Project(r.Params)
	if err != nil {
		return nil, fnerrors.InternalError("%s: %w", r.Name, err)
	}

	digest, err := projected.Key()
	if err != nil {
		return nil, fnerrors.BadInputError("%s: %w", r.Name, err)
	}

	key := nodeKey{rule: r.Name, params: digest}
	sh := s.shard(key)

	sh.mu.Lock()
	n, existing := sh.nodes[key]
	if !existing {
		n = &node{
			s:           s,
			key:         key,
			rule:        r,
			params:      projected,
			label:       fmt.Sprintf("%s(%s)", r.Name, projected),
			promise:     newPromise(),
			invalidated: atomic.NewBool(false),
		}
		sh.nodes[key] = n
	}
	sh.mu.Unlock()

	if parent != nil {
		s.addEdge(parent, n)
	}

	if !existing {
		var parentID tasks.ActionID
		if current := tasks.Current(ctx); current != nil {
			parentID = current.ID()
		}
		go s.run(n, tasks.SessionID(ctx), parentID)
	}

	return n, nil
}

// addEdge records that parent consumed the value of child.
func (s *Scheduler) addEdge(parent, child *node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The child was invalidated before the edge was recorded: the parent may observe a
	// stale value and must not be memoized.
	if child.invalidated.Load() {
		s.invalidateLocked([]*node{parent})
		return
	}

	deps, ok := s.dependents[child]
	if !ok {
		deps = map[*node]struct{}{}
		s.dependents[child] = deps
	}
	deps[parent] = struct{}{}
}

func (s *Scheduler) run(n *node, session string, parentID tasks.ActionID) {
	ctx := tasks.WithSessionID(s.ctx, session)
	ctx = context.WithValue(ctx, _nodeKey, n)

	ev := tasks.Action("compute.node").HumanReadablef("%s", n.label).Arg("rule", n.rule.Name).LogLevel(tasks.LevelDebug)
	if parentID != "" {
		ev = ev.Parent(parentID)
	}

	v, err := tasks.Return(ctx, ev, func(ctx context.Context) (any, error) {
		return s.evaluate(ctx, n)
	})

	outcome := "ok"
	switch {
	case err == nil:
	case fnerrors.IsCancelled(err):
		outcome = "cancelled"
	default:
		outcome = "failed"
	}
	s.opts.Metrics.NodeEvaluated(n.rule.Name, outcome)

	// Cancellations are not memoized; the next request runs the node again.
	if outcome == "cancelled" {
		s.forget(n)
	}

	n.promise.resolve(v, err)
}

func (s *Scheduler) evaluate(ctx context.Context, n *node) (any, error) {
	deps := make([]dependency, len(n.rule.Gets))

	eg, wait := executor.NewCollecting(ctx, fmt.Sprintf("compute.wait-deps(%s)", n.label))
	for k, get := range n.rule.Gets {
		if len(get.Inputs) > 0 {
			continue
		}

		k := k
		callee := s.graph.Dependency(n.rule, k)
		eg.Go(func(ctx context.Context) error {
			deps[k].value, deps[k].err = s.request(ctx, n, callee, n.params)
			deps[k].resolved = true
			return nil
		})
	}
	_ = wait()

	for k, get := range n.rule.Gets {
		if !deps[k].resolved || deps[k].err == nil {
			continue
		}

		callee := s.graph.Dependency(n.rule, k)
		deps[k].err = fnerrors.DependencyFailed(callee.Name, callee.Output.Short(), deps[k].err)
		if !get.Tolerant {
			return nil, deps[k].err
		}
	}

	v, err := n.rule.Func(ctx, &inputs{node: n, deps: deps})
	if err != nil {
		if fnerrors.IsDependencyFailed(err) || fnerrors.IsCancelled(err) {
			return nil, err
		}
		return nil, &fnerrors.NodeFailure{Node: n.label, Err: err}
	}

	return v, nil
}

type dependency struct {
	resolved bool
	value    any
	err      error
}

type inputs struct {
	node *node
	deps []dependency
}

func (in *inputs) Params() rules.Params { return in.node.params }

func (in *inputs) Dep(i int) (any, error) {
	if i < 0 || i >= len(in.deps) || !in.deps[i].resolved {
		return nil, fnerrors.InternalError("%s: %d is not an eagerly resolved dependency", in.node.rule.Name, i)
	}
	return in.deps[i].value, in.deps[i].err
}

func (in *inputs) Get(ctx context.Context, output rules.TypeID, values ...any) (any, error) {
	n := in.node

	var types []rules.TypeID
	for _, v := range values {
		types = append(types, rules.TypeOfValue(v))
	}

	k, ok := n.s.graph.MatchGet(n.rule, output, types)
	if !ok {
		return nil, fnerrors.InternalError("%s: requested %s given %v, which the rule does not declare", n.rule.Name, output, types)
	}

	callee := n.s.graph.Dependency(n.rule, k)
	v, err := n.s.request(ctx, n, callee, n.params.With(values...))
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, fnerrors.DependencyFailed(callee.Name, callee.Output.Short(), err)
	}

	return v, nil
}

// forget removes n from the memo table, if it is still there.
func (s *Scheduler) forget(n *node) {
	sh := s.shard(n.key)
	sh.mu.Lock()
	if sh.nodes[n.key] == n {
		delete(sh.nodes, n.key)
	}
	sh.mu.Unlock()
}

func nodeFrom(ctx context.Context) *node {
	if v, ok := ctx.Value(_nodeKey).(*node); ok {
		return v
	}
	return nil
}

// LiveDigests returns the digests referenced by the values of memoized nodes, suitable as
// garbage collection roots.
func (s *Scheduler) LiveDigests() []schema.Digest {
	seen := map[schema.Digest]struct{}{}
	var res []schema.Digest

	add := func(d schema.Digest) {
		if _, ok := seen[d]; !ok && d.IsSet() {
			seen[d] = struct{}{}
			res = append(res, d)
		}
	}

	for k := range s.shards {
		sh := &s.shards[k]
		sh.mu.Lock()
		for _, n := range sh.nodes {
			v, err, done := n.promise.resolved()
			if !done || err != nil {
				continue
			}

			switch x := v.(type) {
			case schema.Digest:
				add(x)
			case DigestHolder:
				for _, d := range x.Digests() {
					add(d)
				}
			}
		}
		sh.mu.Unlock()
	}

	return res
}

// DigestHolder is implemented by values which reference blobs in the store.
type DigestHolder interface {
	Digests() []schema.Digest
}
