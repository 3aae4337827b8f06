package model

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// stepNode adapts a *Step to a gonum graph.Node so the live Step graph can
// be analyzed with gonum's traversal algorithms, the same library
// internal/batch/batch.go uses for its package dependency graph.
type stepNode struct {
	id   int64
	step *Step
}

func (n stepNode) ID() int64 { return n.id }

// CollectUnreachable returns the DrvPaths of every Step that is no longer
// reachable from a live Build (directly or transitively) and is not
// currently held by a worker — the steps invariant I1 says must be
// collected. The queue monitor calls this once per successful pass and
// removes the returned steps from the table.
func (s *Scheduler) CollectUnreachable() []string {
	steps := s.Steps()
	if len(steps) == 0 {
		return nil
	}

	g := simple.NewDirectedGraph()
	ids := make(map[string]int64, len(steps))
	nodes := make(map[string]stepNode, len(steps))
	for i, st := range steps {
		id := int64(i)
		ids[st.DrvPath] = id
		n := stepNode{id: id, step: st}
		nodes[st.DrvPath] = n
		g.AddNode(n)
	}
	for _, st := range steps {
		from := nodes[st.DrvPath]
		for _, d := range st.Deps() {
			if to, ok := nodes[d.DrvPath]; ok {
				g.SetEdge(g.NewEdge(from, to))
			}
		}
	}

	reachable := make(map[int64]bool, len(steps))
	bf := traverse.BreadthFirst{}
	for _, st := range steps {
		if st.RefCount() == 0 && st.HeldBy() == "" {
			continue // not a seed; may still be reached from another seed
		}
		seed := nodes[st.DrvPath]
		if reachable[seed.ID()] {
			continue
		}
		bf.Walk(g, seed, func(n graph.Node) bool {
			reachable[n.ID()] = true
			return false
		})
	}

	var unreachable []string
	for _, st := range steps {
		if !reachable[ids[st.DrvPath]] {
			unreachable = append(unreachable, st.DrvPath)
		}
	}
	return unreachable
}
