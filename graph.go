package openswe

import (
	"context"
	"fmt"
)

// --- Graph shape ---

// Sentinel node names. Every graph starts at START; routing to END finishes
// the run.
const (
	START = "__start__"
	END   = "__end__"
)

// NodeFunc is one effectful step of a graph. It receives an immutable state
// snapshot and returns a partial update plus an optional routing override.
// Blocking work goes through ctx; services and per-run data come from cfg.
type NodeFunc func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error)

// NodeResult is what a node hands back to the runtime. Update is merged into
// thread state via the per-field reducers; a non-empty Goto overrides the
// graph's static and conditional edges for this step.
type NodeResult struct {
	Update *StateUpdate
	Goto   string
}

// Selector picks the next node from the current state. Used by conditional
// edges after the source node's update has been merged.
type Selector func(state ThreadState) string

// Graph is a mutable builder for a directed agent graph. Build it with
// AddNode/AddEdge/AddConditional, then Compile before handing it to a Runtime.
type Graph struct {
	id          string
	nodes       map[string]NodeFunc
	edges       map[string]string
	conditional map[string]Selector
}

// NewGraph creates an empty graph with the given identifier.
func NewGraph(id string) *Graph {
	return &Graph{
		id:          id,
		nodes:       make(map[string]NodeFunc),
		edges:       make(map[string]string),
		conditional: make(map[string]Selector),
	}
}

// AddNode registers a named node. Re-registering a name replaces the function.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge declares a static edge from → to. A node has at most one static
// edge; a conditional edge on the same node takes priority.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddConditional declares a conditional edge: after from completes, sel picks
// the next node from the merged state.
func (g *Graph) AddConditional(from string, sel Selector) *Graph {
	g.conditional[from] = sel
	return g
}

// Compile validates the graph and freezes it for execution. Every edge must
// reference a registered node or a sentinel, and START must have an outgoing
// edge.
func (g *Graph) Compile() (*CompiledGraph, error) {
	known := func(name string) bool {
		if name == START || name == END {
			return true
		}
		_, ok := g.nodes[name]
		return ok
	}
	if _, ok := g.edges[START]; !ok {
		if _, ok := g.conditional[START]; !ok {
			return nil, &ErrValidation{Field: "graph", Message: g.id + ": no edge out of START"}
		}
	}
	for from, to := range g.edges {
		if !known(from) || !known(to) {
			return nil, &ErrValidation{Field: "graph", Message: fmt.Sprintf("%s: edge %s -> %s references unknown node", g.id, from, to)}
		}
	}
	for from := range g.conditional {
		if !known(from) {
			return nil, &ErrValidation{Field: "graph", Message: fmt.Sprintf("%s: conditional edge from unknown node %s", g.id, from)}
		}
	}
	nodes := make(map[string]NodeFunc, len(g.nodes))
	for k, v := range g.nodes {
		nodes[k] = v
	}
	edges := make(map[string]string, len(g.edges))
	for k, v := range g.edges {
		edges[k] = v
	}
	conditional := make(map[string]Selector, len(g.conditional))
	for k, v := range g.conditional {
		conditional[k] = v
	}
	return &CompiledGraph{id: g.id, nodes: nodes, edges: edges, conditional: conditional}, nil
}

// CompiledGraph is an immutable, validated graph ready for the runtime.
type CompiledGraph struct {
	id          string
	nodes       map[string]NodeFunc
	edges       map[string]string
	conditional map[string]Selector
}

// ID returns the graph identifier.
func (g *CompiledGraph) ID() string { return g.id }

// next resolves the node to run after current, honoring a Goto override
// first, then the conditional edge, then the static edge. Selector results
// are validated so a buggy selector cannot route into the void.
func (g *CompiledGraph) next(current, override string, state ThreadState) (string, error) {
	pick := override
	if pick == "" {
		if sel, ok := g.conditional[current]; ok {
			pick = sel(state)
		} else {
			pick = g.edges[current]
		}
	}
	if pick == "" {
		return "", &ErrValidation{Field: "graph", Message: fmt.Sprintf("%s: no route out of %s", g.id, current)}
	}
	if pick != END {
		if _, ok := g.nodes[pick]; !ok {
			return "", &ErrValidation{Field: "graph", Message: fmt.Sprintf("%s: route from %s to unknown node %s", g.id, current, pick)}
		}
	}
	return pick, nil
}

// node looks up a node function by name.
func (g *CompiledGraph) node(name string) (NodeFunc, bool) {
	fn, ok := g.nodes[name]
	return fn, ok
}
