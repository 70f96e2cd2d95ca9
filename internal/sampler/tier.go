package sampler

import "fmt"

// Tier is one of the three ordered staging levels.
type Tier int

const (
	// Maxbatch samples from every recorded transition.
	Maxbatch Tier = iota
	// Batch narrows the maxbatch selection.
	Batch
	// Minibatch is the selection used for a single gradient step.
	Minibatch
)

// NumTiers is the fixed number of staging levels.
const NumTiers = 3

var tierNames = [NumTiers]string{"maxbatch", "batch", "minibatch"}

// ParseTier maps a tier name to its Tier.
func ParseTier(name string) (Tier, error) {
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, name)
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= Maxbatch && t <= Minibatch
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}
