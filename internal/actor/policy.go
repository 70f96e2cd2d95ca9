package actor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Policy chooses an action for one cell given its observation.
type Policy interface {
	// SelectAction returns the action and its log-probability under the policy.
	SelectAction(observation *tensor.Tensor) (*tensor.Tensor, float32, error)
}

type ActionSpaceType int

const (
	// ActionSpaceDiscrete moves a cell one step along a single axis: action
	// 2k moves +k, 2k+1 moves -k.
	ActionSpaceDiscrete ActionSpaceType = iota
	// ActionSpaceContinuous draws a velocity per axis within bounds.
	ActionSpaceContinuous
)

// RandomPolicy selects uniformly random actions
type RandomPolicy struct {
	rng        *rand.Rand
	actionType ActionSpaceType

	discreteN      int
	continuousLow  []float32
	continuousHigh []float32
}

// NewDiscreteRandom returns a policy over n discrete actions.
func NewDiscreteRandom(n int, rng *rand.Rand) (*RandomPolicy, error) {
	if n <= 0 {
		return nil, fmt.Errorf("discrete action space needs at least one action, got %d", n)
	}
	return &RandomPolicy{rng: rng, actionType: ActionSpaceDiscrete, discreteN: n}, nil
}

// NewContinuousRandom returns a policy drawing each axis from [low, high].
func NewContinuousRandom(low, high []float32, rng *rand.Rand) (*RandomPolicy, error) {
	if len(low) != len(high) || len(low) == 0 {
		return nil, errors.New("continuous action space bounds mismatch")
	}
	for i := range low {
		if high[i] <= low[i] {
			return nil, fmt.Errorf("empty bound on axis %d: [%v, %v]", i, low[i], high[i])
		}
	}
	return &RandomPolicy{rng: rng, actionType: ActionSpaceContinuous, continuousLow: low, continuousHigh: high}, nil
}

// SelectAction implements Policy interface
func (p *RandomPolicy) SelectAction(*tensor.Tensor) (*tensor.Tensor, float32, error) {
	switch p.actionType {
	case ActionSpaceDiscrete:
		action := p.rng.Intn(p.discreteN)
		return tensor.Vector(float32(action)), float32(-math.Log(float64(p.discreteN))), nil
	case ActionSpaceContinuous:
		values := make([]float32, len(p.continuousLow))
		var logProb float64
		for i := range values {
			width := p.continuousHigh[i] - p.continuousLow[i]
			values[i] = p.continuousLow[i] + p.rng.Float32()*width
			logProb -= math.Log(float64(width))
		}
		return tensor.Vector(values...), float32(logProb), nil
	default:
		return nil, 0, fmt.Errorf("unknown action space type %d", p.actionType)
	}
}
