package sampler

import (
	"errors"
	"fmt"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

var (
	// ErrUnknownTier is returned for tier names outside maxbatch, batch, minibatch.
	ErrUnknownTier = errors.New("unknown tier")
	// ErrInvalidConfig indicates a sampler configuration that cannot stage correctly.
	ErrInvalidConfig = errors.New("invalid sampler config")
	// ErrInvalidDataset indicates reward and data row counts disagree.
	ErrInvalidDataset = errors.New("invalid dataset")
	// ErrOutOfOrder is returned when a tier is staged before its predecessor.
	ErrOutOfOrder = errors.New("tier staged out of order")
	// ErrEmptyIndexSpace is returned when there is nothing to sample from.
	ErrEmptyIndexSpace = errors.New("empty index space")
	// ErrSampleTooLarge is returned when a draw without replacement exceeds the index space.
	ErrSampleTooLarge = errors.New("sample larger than index space")
)

// Policy selects how indices are drawn from an index space.
type Policy string

const (
	// WithReplacement draws each index independently; duplicates are possible.
	WithReplacement Policy = "with_replacement"
	// WithoutReplacement draws distinct indices.
	WithoutReplacement Policy = "without_replacement"
)

// Config fixes tier sizes and where data changes residency.
type Config struct {
	// Sizes holds the number of indices drawn at each tier.
	Sizes [NumTiers]int
	// MemTier is the tier whose selection is copied into staging memory.
	MemTier Tier
	// GPUTier is the tier whose selection is copied to the accelerator.
	GPUTier Tier
	// Device is the accelerator residency, e.g. "cuda:0".
	Device tensor.Device
	// Policy defaults to WithReplacement.
	Policy Policy
}

// Validate checks the configuration
func (c Config) Validate() error {
	for i, size := range c.Sizes {
		if size <= 0 {
			return fmt.Errorf("%w: %s size must be positive, got %d", ErrInvalidConfig, Tier(i), size)
		}
	}
	if !c.MemTier.Valid() {
		return fmt.Errorf("%w: mem tier %s", ErrInvalidConfig, c.MemTier)
	}
	if !c.GPUTier.Valid() {
		return fmt.Errorf("%w: gpu tier %s", ErrInvalidConfig, c.GPUTier)
	}
	if c.MemTier > c.GPUTier {
		return fmt.Errorf("%w: mem tier %s comes after gpu tier %s", ErrInvalidConfig, c.MemTier, c.GPUTier)
	}
	if c.Device == "" {
		return fmt.Errorf("%w: device is required", ErrInvalidConfig)
	}
	switch c.Policy {
	case "", WithReplacement, WithoutReplacement:
	default:
		return fmt.Errorf("%w: policy %q", ErrInvalidConfig, c.Policy)
	}
	return nil
}

func (c Config) policy() Policy {
	if c.Policy == "" {
		return WithReplacement
	}
	return c.Policy
}
