package engine

import (
	"fmt"

	"github.com/starthubhq/runner/internal/dag"
	"github.com/starthubhq/runner/internal/flatten"
	"github.com/starthubhq/runner/internal/template"
)

// dataflowOrder computes the execution order for flattened nodes from their
// template references: a node referencing another node's id depends on it,
// references to `inputs` carry no edge. Ties resolve to the flattened source
// order. A cycle here means template rewriting went wrong and surfaces as a
// *dag.CycleError.
func dataflowOrder(nodes []*flatten.Node) ([]*flatten.Node, error) {
	byID := make(map[string]*flatten.Node, len(nodes))
	g := dag.New()
	for _, n := range nodes {
		g.AddNode(n.ID)
		byID[n.ID] = n
	}

	for _, n := range nodes {
		for _, tmpl := range n.Inputs {
			err := template.Walk(tmpl, func(raw string) error {
				expr, err := template.Parse(raw)
				if err != nil {
					return fmt.Errorf("node %s: %w", n.ID, err)
				}
				root := expr.Root()
				if root == "inputs" {
					return nil
				}
				if _, ok := byID[root]; !ok {
					return fmt.Errorf("node %s references unknown producer %q", n.ID, root)
				}
				return g.AddEdge(root, n.ID)
			})
			if err != nil {
				return nil, err
			}
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	sorted := make([]*flatten.Node, len(order))
	for i, id := range order {
		sorted[i] = byID[id]
	}
	return sorted, nil
}
