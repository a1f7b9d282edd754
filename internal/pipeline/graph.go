// Package pipeline schedules named tasks over a dependency graph.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrDuplicateNode = errors.New("duplicate node")
	ErrUnknownDep    = errors.New("unknown dependency")
	ErrCycle         = errors.New("dependency cycle")
)

// Node is a named task and the names it depends on.
type Node struct {
	Name string
	Deps []string
}

// Graph is an immutable, validated DAG. Declaration order is kept and used to
// break ties between nodes that become ready together.
type Graph struct {
	nodes      []Node
	index      map[string]int
	dependents map[string][]string
	order      []string
}

func NewGraph(nodes ...Node) (*Graph, error) {
	g := &Graph{
		nodes:      make([]Node, 0, len(nodes)),
		index:      make(map[string]int, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}

	for _, n := range nodes {
		if _, ok := g.index[n.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
		}
		g.index[n.Name] = len(g.nodes)
		g.nodes = append(g.nodes, Node{Name: n.Name, Deps: slices.Clone(n.Deps)})
	}

	for _, n := range g.nodes {
		for _, d := range n.Deps {
			if _, ok := g.index[d]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDep, n.Name, d)
			}
			g.dependents[d] = append(g.dependents[d], n.Name)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort is Kahn's algorithm, scanning in declaration order.
func (g *Graph) topoSort() ([]string, error) {
	pending := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		pending[n.Name] = len(n.Deps)
	}

	order := make([]string, 0, len(g.nodes))
	done := make(map[string]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		progressed := false
		for _, n := range g.nodes {
			if done[n.Name] || pending[n.Name] > 0 {
				continue
			}
			done[n.Name] = true
			order = append(order, n.Name)
			for _, dep := range g.dependents[n.Name] {
				pending[dep]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, n := range g.nodes {
				if !done[n.Name] {
					stuck = append(stuck, n.Name)
				}
			}
			return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
		}
	}
	return order, nil
}

// Names returns node names in declaration order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.Name
	}
	return names
}

// Order returns a topological order of the graph.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Deps returns the direct dependencies of name.
func (g *Graph) Deps(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return slices.Clone(g.nodes[i].Deps)
}

// Dependents returns the nodes that directly depend on name, in declaration
// order.
func (g *Graph) Dependents(name string) []string {
	return slices.Clone(g.dependents[name])
}

// Ready reports whether every dependency of name is present in settled.
func (g *Graph) Ready(name string, settled map[string]string) bool {
	for _, d := range g.Deps(name) {
		if _, ok := settled[d]; !ok {
			return false
		}
	}
	return true
}
