package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// ExecutionGraph is a validated DAG with topological levels.
type ExecutionGraph struct {
	// Nodes maps node IDs to their graph nodes.
	Nodes map[string]*GraphNode

	// Roots are the nodes without dependencies.
	Roots []string

	// Levels groups node IDs by topological level. Nodes in the same level
	// have no dependency on each other.
	Levels [][]string
}

// GraphNode is a node of an ExecutionGraph.
type GraphNode struct {
	ID           string
	Queue        string
	Level        int
	Dependencies []string
	Dependents   []string
}

// Depth returns the number of levels.
func (g *ExecutionGraph) Depth() int {
	return len(g.Levels)
}

// DAGBuilder validates a node list and computes its execution graph.
type DAGBuilder struct {
	// nodes maps node IDs to their definitions
	nodes map[string]*Node

	// order preserves the submission order for deterministic output
	order []string

	// adjacencyList maps node IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to node IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:                make(map[string]*Node),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// BuildGraph constructs an execution graph from nodes.
// It validates dependencies, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(nodes []Node) (*ExecutionGraph, error) {
	if len(nodes) == 0 {
		return nil, engine.ValidationError("graph has no nodes")
	}

	if err := b.initialize(nodes); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from nodes.
func (b *DAGBuilder) initialize(nodes []Node) error {
	for i := range nodes {
		node := &nodes[i]
		if node.ID == "" {
			return engine.ValidationError("node has empty ID")
		}
		if node.Queue == "" {
			return engine.ValidationError("node %s has no queue", node.ID)
		}
		if _, exists := b.nodes[node.ID]; exists {
			return engine.ValidationError("duplicate node ID: %s", node.ID)
		}

		b.nodes[node.ID] = node
		b.order = append(b.order, node.ID)
		b.adjacencyList[node.ID] = make([]string, 0)
		b.reverseAdjacencyList[node.ID] = make([]string, 0)
		b.inDegree[node.ID] = 0
	}

	for _, id := range b.order {
		node := b.nodes[id]
		for _, dep := range node.DependsOn {
			if _, exists := b.nodes[dep]; !exists {
				return engine.ValidationError("node %s depends on non-existent node %s", node.ID, dep)
			}

			// Edge from dependency to node: dep must complete before node starts.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], node.ID)
			b.reverseAdjacencyList[node.ID] = append(b.reverseAdjacencyList[node.ID], dep)
			b.inDegree[node.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return engine.ValidationError("circular dependency detected: %s", strings.Join(cycle, " -> "))
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels to each node using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processed := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.SliceStable(nextLevel, func(i, j int) bool {
			return b.position(nextLevel[i]) < b.position(nextLevel[j])
		})
		currentLevel = nextLevel
	}

	if processed != len(b.nodes) {
		return engine.InternalError("failed to process all nodes, possible cycle", nil)
	}

	return nil
}

func (b *DAGBuilder) position(id string) int {
	for i, o := range b.order {
		if o == id {
			return i
		}
	}
	return len(b.order)
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.nodes)),
		Roots:  make([]string, 0),
		Levels: b.levels,
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Queue:        b.nodes[id].Queue,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n(%s)\"];\n", id, id, b.nodes[id].Queue))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		for _, dep := range b.nodes[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
