package sampler

import (
	"github.com/google/uuid"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Staged is the data visible at a staged tier. Data is nil for tiers before
// the first materialization boundary.
type Staged struct {
	Data    tensor.Node
	Rewards *tensor.Tensor
}

// cache holds data materialized at one residency.
type cache struct {
	data    tensor.Node
	rewards *tensor.Tensor
	set     bool
}

// Session is the staging state of one pass through the tiers. A new session
// begins with every maxbatch stage.
type Session struct {
	ID string

	idxs   [NumTiers][]int
	staged [NumTiers]bool
	mem    cache
	gpu    cache
}

func newSession() *Session {
	return &Session{ID: uuid.New().String()}
}

// Indices returns a copy of the indices chosen at tier.
func (s *Session) Indices(t Tier) []int {
	return append([]int(nil), s.idxs[t]...)
}

// Staged reports whether tier t holds a selection in this session.
func (s *Session) Staged(t Tier) bool {
	return s.staged[t]
}

// invalidateFrom drops t and every later tier.
func (s *Session) invalidateFrom(t Tier) {
	for k := t; k < NumTiers; k++ {
		s.staged[k] = false
	}
}
