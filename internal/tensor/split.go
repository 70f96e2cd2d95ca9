package tensor

import (
	"fmt"
	"math/rand"
)

// SplitState separates a 2-D state matrix (one row per entity) into the rows of
// the entities named by idx and, for each of them, the rows of every other
// entity. When maxNodes is positive and smaller than the entity count, each
// neighbour set is reduced to maxNodes-1 randomly chosen entities.
//
// A nil idx selects every entity. The mask reports, per selected entity, which
// rows were kept as neighbours.
func SplitState(state *Tensor, idx []int, maxNodes int, rng *rand.Rand) (self, neighbours *Tensor, mask [][]bool, err error) {
	if len(state.shape) != 2 {
		return nil, nil, nil, fmt.Errorf("%w: state must be 2-D, got %v", ErrShape, state.shape)
	}
	n := state.Rows()
	if n == 0 {
		return nil, nil, nil, fmt.Errorf("%w: state has no entities", ErrShape)
	}
	if idx == nil {
		idx = make([]int, n)
		for i := range idx {
			idx[i] = i
		}
	}
	if self, err = state.Index(idx); err != nil {
		return nil, nil, nil, err
	}

	numNodes := n - 1
	mask = make([][]bool, len(idx))
	for i, j := range idx {
		mask[i] = make([]bool, n)
		for k := range mask[i] {
			mask[i][k] = k != j
		}
	}

	if maxNodes > 0 && maxNodes < numNodes {
		if rng == nil {
			return nil, nil, nil, fmt.Errorf("random source required for neighbour sampling")
		}
		numNodes = maxNodes - 1
		for i, j := range idx {
			others := make([]int, 0, n-1)
			for k := 0; k < n; k++ {
				if k != j {
					others = append(others, k)
				}
			}
			rng.Shuffle(len(others), func(a, b int) { others[a], others[b] = others[b], others[a] })
			row := make([]bool, n)
			for _, k := range others[:numNodes] {
				row[k] = true
			}
			mask[i] = row
		}
	}

	w := state.RowLen()
	data := make([]float32, 0, len(idx)*numNodes*w)
	for i := range idx {
		for k, keep := range mask[i] {
			if keep {
				data = append(data, state.data[k*w:(k+1)*w]...)
			}
		}
	}
	neighbours = &Tensor{data: data, shape: []int{len(idx), numNodes, w}, device: state.device}
	return self, neighbours, mask, nil
}
