package actor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Environment places cells in a dim-dimensional space, each with a target
// position. A cell is rewarded for the distance it closes toward its target.
type Environment struct {
	cells    int
	dim      int
	stepSize float32
	rng      *rand.Rand

	pos    [][]float32
	target [][]float32
	fixed  [][]float32
}

// NewEnvironment returns an environment; call Reset before stepping.
func NewEnvironment(cells, dim int, stepSize float32, rng *rand.Rand) (*Environment, error) {
	if cells <= 0 || dim <= 0 {
		return nil, fmt.Errorf("cells and dim must be positive, got %d and %d", cells, dim)
	}
	return &Environment{cells: cells, dim: dim, stepSize: stepSize, rng: rng}, nil
}

// Reset draws fresh positions in the unit cube. Targets are redrawn too
// unless fixed with SetTargets.
func (e *Environment) Reset() {
	e.pos = e.randomPoints()
	if e.fixed != nil {
		e.target = make([][]float32, e.cells)
		for i := range e.fixed {
			e.target[i] = append([]float32(nil), e.fixed[i]...)
		}
		return
	}
	e.target = e.randomPoints()
}

// SetTargets pins every cell's target to the rows of a cells x dim tensor.
func (e *Environment) SetTargets(t *tensor.Tensor) error {
	if shape := t.Shape(); len(shape) != 2 || shape[0] != e.cells || shape[1] != e.dim {
		return fmt.Errorf("%w: targets must be %dx%d, got %v", tensor.ErrShape, e.cells, e.dim, shape)
	}
	e.fixed = make([][]float32, e.cells)
	for i := range e.fixed {
		e.fixed[i] = append([]float32(nil), t.Row(i)...)
	}
	return nil
}

// State is the cells x 2*dim matrix of positions followed by target offsets.
func (e *Environment) State() *tensor.Tensor {
	rows := make([][]float32, e.cells)
	for i := range rows {
		row := make([]float32, 0, 2*e.dim)
		row = append(row, e.pos[i]...)
		for d := 0; d < e.dim; d++ {
			row = append(row, e.target[i][d]-e.pos[i][d])
		}
		rows[i] = row
	}
	t, _ := tensor.FromRows(rows)
	return t
}

// Step applies one action per cell and returns the per-cell rewards.
func (e *Environment) Step(actions []*tensor.Tensor, space ActionSpaceType) ([]float32, error) {
	if len(actions) != e.cells {
		return nil, fmt.Errorf("expected %d actions, got %d", e.cells, len(actions))
	}
	rewards := make([]float32, e.cells)
	for i, a := range actions {
		before := e.distance(i)
		delta, err := e.velocity(a, space)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		for d := range delta {
			e.pos[i][d] += e.stepSize * delta[d]
		}
		rewards[i] = before - e.distance(i)
	}
	return rewards, nil
}

func (e *Environment) velocity(a *tensor.Tensor, space ActionSpaceType) ([]float32, error) {
	switch space {
	case ActionSpaceDiscrete:
		choice := int(a.At(0))
		if choice < 0 || choice >= 2*e.dim {
			return nil, fmt.Errorf("discrete action %d out of range", choice)
		}
		v := make([]float32, e.dim)
		v[choice/2] = 1
		if choice%2 == 1 {
			v[choice/2] = -1
		}
		return v, nil
	case ActionSpaceContinuous:
		if n := len(a.Data()); n != e.dim {
			return nil, fmt.Errorf("continuous action has %d axes, want %d", n, e.dim)
		}
		return a.Data(), nil
	default:
		return nil, fmt.Errorf("unknown action space type %d", space)
	}
}

func (e *Environment) distance(i int) float32 {
	var sum float64
	for d := 0; d < e.dim; d++ {
		diff := float64(e.target[i][d] - e.pos[i][d])
		sum += diff * diff
	}
	return float32(math.Sqrt(sum))
}

func (e *Environment) randomPoints() [][]float32 {
	out := make([][]float32, e.cells)
	for i := range out {
		out[i] = make([]float32, e.dim)
		for d := range out[i] {
			out[i][d] = e.rng.Float32()
		}
	}
	return out
}
