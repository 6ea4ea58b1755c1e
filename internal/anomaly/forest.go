package anomaly

import (
	"fmt"
	"math"
)

// Forest is a frozen isolation forest. Trees are immutable after load and
// safe for concurrent scoring.
type Forest struct {
	// SubsampleSize is the per-tree training subsample size (psi).
	SubsampleSize int    `json:"subsampleSize"`
	Trees         []Tree `json:"trees"`
}

// Tree is a single isolation tree stored as a flat node array.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is one tree node. Feature < 0 marks a leaf; Size is the number of
// training samples that reached the node.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

// Validate checks structural invariants so a malformed artifact fails at
// load time rather than mid-scoring.
func (f *Forest) Validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	if f.SubsampleSize < 2 {
		return fmt.Errorf("forest subsample size must be >= 2, got %d", f.SubsampleSize)
	}
	for i, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", i)
		}
		for j, n := range t.Nodes {
			if n.Feature >= 0 {
				if n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
					return fmt.Errorf("tree %d node %d has out-of-range children", i, j)
				}
			}
		}
	}
	return nil
}

// ScoreSample returns the raw outlier score for one sample, following the
// convention that higher raw = more normal: -2^(-E[h(x)]/c(psi)), where
// E[h(x)] is the mean path length across trees and c is the expected path
// length of an unsuccessful BST search.
func (f *Forest) ScoreSample(x []float64) float64 {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Exp2(-mean / averagePathLength(f.SubsampleSize))
}

// pathLength walks the tree for one sample. A leaf holding more than one
// training sample contributes its depth plus the expected remaining depth
// c(size) for the samples isolated below it.
func (t *Tree) pathLength(x []float64) float64 {
	depth := 0.0
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Feature < 0 {
			return depth + averagePathLength(n.Size)
		}
		depth++
		if x[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// averagePathLength is c(n): 2*H(n-1) - 2*(n-1)/n with the Euler-Mascheroni
// harmonic approximation; 0 for n <= 1.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}
