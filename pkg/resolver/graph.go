package resolver

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dodos-os/dodos/pkg/engine"
)

// graph is the dependency graph of a selection. Nodes are addressed by index
// in name order and edges are kept as adjacency lists.
type graph struct {
	nodes []*engine.Package
	index map[string]int

	// deps maps a node to the nodes it depends on.
	deps [][]int

	// dependents maps a node to the nodes depending on it.
	dependents [][]int
}

// newGraph builds the graph of pkgs, linking every dependency to the
// selected package that satisfies it. Self references are ignored.
func newGraph(pkgs []*engine.Package) *graph {
	nodes := slices.Clone(pkgs)
	slices.SortFunc(nodes, func(a, b *engine.Package) int {
		return strings.Compare(a.ID.Name, b.ID.Name)
	})

	g := &graph{
		nodes:      nodes,
		index:      make(map[string]int, len(nodes)),
		deps:       make([][]int, len(nodes)),
		dependents: make([][]int, len(nodes)),
	}
	for i, n := range nodes {
		g.index[n.ID.Name] = i
	}

	for i, n := range nodes {
		for _, dep := range n.Depends {
			j := g.satisfier(dep.Name, func(p *engine.Package) bool { return p.Satisfies(dep) })
			if j < 0 || j == i || slices.Contains(g.deps[i], j) {
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
		slices.Sort(g.deps[i])
	}
	return g
}

// satisfier returns the node answering a requirement for name, preferring
// the package literally called name, or -1.
func (g *graph) satisfier(name string, ok func(*engine.Package) bool) int {
	if i, exists := g.index[name]; exists && ok(g.nodes[i]) {
		return i
	}
	for i, n := range g.nodes {
		if ok(n) {
			return i
		}
	}
	return -1
}

// findCycle uses depth-first search to find a dependency loop. It returns
// the loop as package names with the first name repeated at the end, or nil.
func (g *graph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(g.nodes))
	var path []int

	var visit func(int) []string
	visit = func(i int) []string {
		state[i] = onStack
		path = append(path, i)
		for _, j := range g.deps[i] {
			switch state[j] {
			case unvisited:
				if cycle := visit(j); cycle != nil {
					return cycle
				}
			case onStack:
				start := slices.Index(path, j)
				cycle := make([]string, 0, len(path)-start+1)
				for _, k := range path[start:] {
					cycle = append(cycle, g.nodes[k].ID.Name)
				}
				return append(cycle, g.nodes[j].ID.Name)
			}
		}
		path = path[:len(path)-1]
		state[i] = done
		return nil
	}

	for i := range g.nodes {
		if state[i] == unvisited {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// depths returns the dependency depth of every node: zero for a package
// without dependencies, otherwise one more than its deepest dependency.
// The graph must be acyclic.
func (g *graph) depths() []int {
	depth := make([]int, len(g.nodes))
	for i := range depth {
		depth[i] = -1
	}
	var walk func(int) int
	walk = func(i int) int {
		if depth[i] >= 0 {
			return depth[i]
		}
		d := 0
		for _, j := range g.deps[i] {
			if dj := walk(j) + 1; dj > d {
				d = dj
			}
		}
		depth[i] = d
		return d
	}
	for i := range g.nodes {
		walk(i)
	}
	return depth
}

// order returns the nodes sorted by (depth, name). Every dependency has a
// smaller depth than its dependent, so the order is topological.
func (g *graph) order() []int {
	depth := g.depths()
	order := make([]int, len(g.nodes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if depth[a] != depth[b] {
			return depth[a] - depth[b]
		}
		return a - b
	})
	return order
}

// plan converts an acyclic graph into a Plan.
func (g *graph) plan(requested []string) *engine.Plan {
	p := &engine.Plan{Requested: requested}
	for _, i := range g.order() {
		p.Packages = append(p.Packages, g.nodes[i])
	}
	for i, deps := range g.deps {
		for _, j := range deps {
			p.Edges = append(p.Edges, engine.Edge{From: g.nodes[i].ID, To: g.nodes[j].ID})
		}
	}
	return p
}

// DOT renders a plan in Graphviz DOT format, one cluster per dependency
// depth. Requested packages are highlighted.
func DOT(p *engine.Plan) string {
	g := newGraph(p.Packages)
	depth := g.depths()

	levels := make(map[int][]int)
	maxDepth := 0
	for _, i := range g.order() {
		levels[depth[i]] = append(levels[depth[i]], i)
		if depth[i] > maxDepth {
			maxDepth = depth[i]
		}
	}

	var sb strings.Builder
	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level := 0; level <= maxDepth && len(g.nodes) > 0; level++ {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_depth_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Depth %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, i := range levels[level] {
			n := g.nodes[i]
			color := "white"
			if slices.Contains(p.Requested, n.ID.Name) {
				color = "lightgreen"
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				n.ID.Name, n.ID.Name, n.ID.Version, color))
		}
		sb.WriteString("  }\n\n")
	}

	for i, deps := range g.deps {
		for _, j := range deps {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", g.nodes[i].ID.Name, g.nodes[j].ID.Name))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
