// ============================================================================
// agentfleet workflow graph
// ============================================================================
//
// Package: internal/workflow
// File: graph.go
// Purpose: immutable node graph definitions and their builder.
//
// A node is followed by exactly one of:
//   - an unconditional edge      AddEdge("plan", "implement")
//   - a router                   AddRouter("run_tests", fn, "merge", "debug")
//   - nothing (terminal node)
//
// Loops are declared up front with a bound:
//
//   AddLoop("review", 2)   routers call rc.Iterate("review") before looping
//
// ============================================================================

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// End may be returned by a router to finish the instance without running
// another node.
const End = "__end__"

var ErrInvalidGraph = errors.New("invalid workflow graph")

// NodeFunc executes one node. The returned State is merged into the
// instance state; nil means no changes.
type NodeFunc func(ctx context.Context, st State) (State, error)

// Router picks the next node after a node ran.
type Router func(rc *RouteContext) string

type node struct {
	name    string
	fn      NodeFunc
	edge    string
	router  Router
	targets map[string]struct{}
}

func (n *node) terminal() bool { return n.edge == "" && n.router == nil }

// Graph is a validated, immutable workflow definition.
type Graph struct {
	id       string
	entry    string
	fallback string
	nodes    map[string]*node
	loops    map[string]int
}

func (g *Graph) ID() string       { return g.id }
func (g *Graph) Entry() string    { return g.entry }
func (g *Graph) Fallback() string { return g.fallback }

// LoopBound returns the declared bound of a loop.
func (g *Graph) LoopBound(loop string) (int, bool) {
	n, ok := g.loops[loop]
	return n, ok
}

// Nodes returns the node names in sorted order.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasNode reports whether name is a node of g.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Terminal reports whether name is a node without outgoing transitions.
func (g *Graph) Terminal(name string) bool {
	n, ok := g.nodes[name]
	return ok && n.terminal()
}

// Builder assembles a Graph. Errors are collected and reported by Build.
type Builder struct {
	g    *Graph
	errs []error
}

func NewGraph(id string) *Builder {
	return &Builder{g: &Graph{
		id:    id,
		nodes: make(map[string]*node),
		loops: make(map[string]int),
	}}
}

func (b *Builder) fail(format string, args ...any) *Builder {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	switch {
	case name == "" || name == End:
		return b.fail("node name %q is reserved", name)
	case fn == nil:
		return b.fail("node %q has no action", name)
	}
	if _, dup := b.g.nodes[name]; dup {
		return b.fail("duplicate node %q", name)
	}
	b.g.nodes[name] = &node{name: name, fn: fn}
	return b
}

func (b *Builder) AddEdge(from, to string) *Builder {
	n, ok := b.g.nodes[from]
	if !ok {
		return b.fail("edge from unknown node %q", from)
	}
	if n.edge != "" || n.router != nil {
		return b.fail("node %q already has an outgoing transition", from)
	}
	n.edge = to
	return b
}

// AddRouter attaches a router to from. targets lists every node the router
// may return; End is always allowed.
func (b *Builder) AddRouter(from string, r Router, targets ...string) *Builder {
	n, ok := b.g.nodes[from]
	if !ok {
		return b.fail("router on unknown node %q", from)
	}
	if n.edge != "" || n.router != nil {
		return b.fail("node %q already has an outgoing transition", from)
	}
	if r == nil {
		return b.fail("nil router on node %q", from)
	}
	n.router = r
	n.targets = make(map[string]struct{}, len(targets))
	for _, t := range targets {
		n.targets[t] = struct{}{}
	}
	return b
}

func (b *Builder) SetEntry(name string) *Builder {
	b.g.entry = name
	return b
}

// SetFallback names the node failed instances are routed to.
func (b *Builder) SetFallback(name string) *Builder {
	b.g.fallback = name
	return b
}

// AddLoop declares a loop counter with its maximum number of iterations.
func (b *Builder) AddLoop(name string, max int) *Builder {
	if max < 0 {
		return b.fail("loop %q has negative bound %d", name, max)
	}
	b.g.loops[name] = max
	return b
}

func (b *Builder) Build() (*Graph, error) {
	g := b.g
	if g.id == "" {
		b.fail("graph id is empty")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		b.fail("entry node %q not defined", g.entry)
	}
	if g.fallback != "" {
		if _, ok := g.nodes[g.fallback]; !ok {
			b.fail("fallback node %q not defined", g.fallback)
		}
	}
	for _, n := range g.nodes {
		if n.edge != "" && n.edge != End {
			if _, ok := g.nodes[n.edge]; !ok {
				b.fail("edge %s -> %s: unknown target", n.name, n.edge)
			}
		}
		for t := range n.targets {
			if _, ok := g.nodes[t]; !ok && t != End {
				b.fail("router %s -> %s: unknown target", n.name, t)
			}
		}
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidGraph, g.id, errors.Join(b.errs...))
	}
	return g, nil
}

// MustBuild is Build for package-level graph definitions.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
