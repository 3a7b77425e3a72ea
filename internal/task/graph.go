package task

import (
	"fmt"
)

// NodeType tags a dependency-graph node.
type NodeType string

const (
	NodeEpic  NodeType = "epic"
	NodeStory NodeType = "story"
	NodeTask  NodeType = "task"
)

// EdgeType tags a dependency-graph edge.
type EdgeType string

const (
	EdgeRequires EdgeType = "requires"
	EdgeBlocks   EdgeType = "blocks"
	EdgeRelates  EdgeType = "relates"
)

// Node is one vertex of the derived dependency graph.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
}

// Edge is a directed typed edge: From depends on (or blocks) To.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Graph is the derived projection over the hierarchy. It must stay
// acyclic over blocks edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// AddNode appends a node if not already present.
func (g *Graph) AddNode(id string, t NodeType) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return
		}
	}
	g.Nodes = append(g.Nodes, Node{ID: id, Type: t})
}

// AddEdge appends an edge.
func (g *Graph) AddEdge(from, to string, t EdgeType) {
	g.Edges = append(g.Edges, Edge{From: from, To: to, Type: t})
}

// blocksAdjacency builds the adjacency list over blocks edges only.
func (g *Graph) blocksAdjacency() map[string][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if e.Type == EdgeBlocks {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	return adj
}

// FindCycle runs DFS with a recursion stack over blocks edges and
// returns the first cycle found as a node path, or nil.
func (g *Graph) FindCycle() []string {
	adj := g.blocksAdjacency()
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for _, next := range adj[node] {
			if !visited[next] {
				if dfs(next) {
					return true
				}
			} else if onStack[next] {
				// Walk back up the stack to extract the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append([]string{}, stack[i:]...)
						cycle = append(cycle, next)
						return true
					}
				}
				cycle = []string{next, node, next}
				return true
			}
		}

		onStack[node] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for node := range adj {
		if !visited[node] {
			if dfs(node) {
				return cycle
			}
		}
	}
	return nil
}

// HasCycle reports whether any cycle exists among blocks edges.
func (g *Graph) HasCycle() bool {
	return g.FindCycle() != nil
}

// BuildGraph derives the dependency graph from the hierarchy: task and
// story dependency sets become blocks edges (the dependency blocks the
// dependent), ownership becomes requires edges.
func BuildGraph(epics []Epic, stories []Story, tasks []Task) *Graph {
	g := &Graph{}
	for _, e := range epics {
		g.AddNode(e.ID, NodeEpic)
	}
	for _, s := range stories {
		g.AddNode(s.ID, NodeStory)
		if s.EpicID != "" {
			g.AddEdge(s.ID, s.EpicID, EdgeRequires)
		}
		for _, dep := range s.DependsOn {
			g.AddEdge(dep, s.ID, EdgeBlocks)
		}
	}
	for _, t := range tasks {
		g.AddNode(t.ID, NodeTask)
		if t.StoryID != "" {
			g.AddEdge(t.ID, t.StoryID, EdgeRequires)
		}
		for _, dep := range t.DependsOn {
			g.AddEdge(dep, t.ID, EdgeBlocks)
		}
	}
	return g
}

// checkAcyclicWith verifies that adding a blocks edge dep -> id to the
// current task set keeps the graph acyclic. Returns a descriptive error
// naming the cycle when it does not.
func checkAcyclicWith(tasks []Task, taskID, depID string) error {
	g := BuildGraph(nil, nil, tasks)
	g.AddNode(taskID, NodeTask)
	g.AddNode(depID, NodeTask)
	g.AddEdge(depID, taskID, EdgeBlocks)
	if cycle := g.FindCycle(); cycle != nil {
		return fmt.Errorf("dependency %s -> %s closes a cycle: %v", depID, taskID, cycle)
	}
	return nil
}
