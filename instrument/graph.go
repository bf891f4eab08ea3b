package instrument

import (
	"fmt"
	"sort"
)

type edge struct {
	from   int
	weight float64
}

type controlNode struct {
	name       string
	units      string
	local      float64
	output     float64
	inputs     []edge
	dependents []int
}

// graph holds the control dependency network as an arena of nodes plus a
// name index. order is a topological order over all nodes and is rebuilt
// whenever an edge is added.
type graph struct {
	nodes []controlNode
	index map[string]int
	order []int
}

func newGraph() *graph {
	return &graph{index: make(map[string]int)}
}

func (g *graph) lookup(name string) (int, error) {
	idx, ok := g.index[name]
	if !ok {
		return 0, fmt.Errorf("control %q: %w", name, ErrNotFound)
	}
	return idx, nil
}

func (g *graph) add(name, units string, local float64) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("control name must not be empty")
	}
	if _, exists := g.index[name]; exists {
		return 0, fmt.Errorf("duplicate control %q", name)
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, controlNode{name: name, units: units, local: local, output: local})
	g.index[name] = idx
	g.order = append(g.order, idx)
	return idx, nil
}

// link makes control `to` depend on `from` with the given weight.
func (g *graph) link(to, from int, weight float64) error {
	if to == from || g.reaches(to, from) {
		return fmt.Errorf("link %s -> %s: %w", g.nodes[from].name, g.nodes[to].name, ErrCycle)
	}
	for i, in := range g.nodes[to].inputs {
		if in.from == from {
			g.nodes[to].inputs[i].weight += weight
			return nil
		}
	}
	g.nodes[to].inputs = append(g.nodes[to].inputs, edge{from: from, weight: weight})
	g.nodes[from].dependents = append(g.nodes[from].dependents, to)
	g.sort()
	return nil
}

// reaches reports whether target is a transitive dependent of start.
func (g *graph) reaches(start, target int) bool {
	seen := make([]bool, len(g.nodes))
	stack := []int{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.nodes[n].dependents {
			if d == target {
				return true
			}
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}

// sort rebuilds the topological order with Kahn's algorithm. Ties are
// broken by arena index so the order is deterministic.
func (g *graph) sort() {
	indegree := make([]int, len(g.nodes))
	for i := range g.nodes {
		indegree[i] = len(g.nodes[i].inputs)
	}
	ready := make([]int, 0, len(g.nodes))
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range g.nodes[n].dependents {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	g.order = order
}

func (g *graph) inputSum(idx int) float64 {
	sum := 0.0
	for _, in := range g.nodes[idx].inputs {
		sum += in.weight * g.nodes[in.from].output
	}
	return sum
}

// recompute refreshes every output in topological order and returns the
// indices whose output changed.
func (g *graph) recompute() []int {
	changed := make([]int, 0)
	for _, idx := range g.order {
		node := &g.nodes[idx]
		next := node.local + g.inputSum(idx)
		if next != node.output {
			node.output = next
			changed = append(changed, idx)
		}
	}
	return changed
}

// downstream returns the transitive dependents of idx in topological order.
func (g *graph) downstream(idx int) []int {
	marked := make([]bool, len(g.nodes))
	stack := []int{idx}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.nodes[n].dependents {
			if !marked[d] {
				marked[d] = true
				stack = append(stack, d)
			}
		}
	}
	out := make([]int, 0)
	for _, n := range g.order {
		if marked[n] {
			out = append(out, n)
		}
	}
	return out
}

// compensate rewrites the local term of each dependent so its output equals
// the value captured in held. Dependents are visited in topological order,
// which makes the result independent of how many paths reach them.
func (g *graph) compensate(dependents []int, held map[int]float64) {
	for _, idx := range dependents {
		node := &g.nodes[idx]
		node.local = held[idx] - g.inputSum(idx)
		node.output = held[idx]
	}
}

func (g *graph) locals() map[string]float64 {
	out := make(map[string]float64, len(g.nodes))
	for _, node := range g.nodes {
		out[node.name] = node.local
	}
	return out
}

func (g *graph) names() []string {
	out := make([]string, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, node.name)
	}
	sort.Strings(out)
	return out
}
