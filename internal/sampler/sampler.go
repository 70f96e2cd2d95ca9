// Package sampler implements staged experience sampling. Three tiers draw
// progressively smaller index sets; data is copied into staging memory and onto
// the accelerator only at the configured tiers, and later tiers narrow the
// already-resident copy instead of returning to the source.
package sampler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Dataset is the full collection the maxbatch tier samples from.
type Dataset struct {
	Data    tensor.Node
	Rewards *tensor.Tensor
}

// Observer is notified of every copy into a new residency.
type Observer interface {
	Materialized(tier Tier, device tensor.Device, rows int)
}

// Sampler stages a dataset through the configured tiers. It is meant for a
// single owner; concurrent use requires external locking.
type Sampler struct {
	cfg      Config
	data     Dataset
	rows     int
	rng      *rand.Rand
	observer Observer
	logger   zerolog.Logger
	session  *Session
}

// Option customizes a Sampler.
type Option func(*Sampler)

// WithRand sets the random source used for index draws.
func WithRand(rng *rand.Rand) Option {
	return func(s *Sampler) { s.rng = rng }
}

// WithObserver registers a materialization observer.
func WithObserver(o Observer) Option {
	return func(s *Sampler) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sampler) { s.logger = logger }
}

// New validates cfg and data and returns a Sampler.
func New(data Dataset, cfg Config, opts ...Option) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sampler{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  zerolog.Nop(),
		session: newSession(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Load(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Load replaces the dataset and starts a fresh session.
func (s *Sampler) Load(data Dataset) error {
	if data.Rewards == nil {
		return fmt.Errorf("%w: rewards are required", ErrInvalidDataset)
	}
	rows := data.Rewards.Rows()
	var mismatch error
	tensor.Leaves(data.Data, func(path string, t *tensor.Tensor) {
		if mismatch != nil {
			return
		}
		if t == nil {
			mismatch = fmt.Errorf("%w: %s has no tensor", ErrInvalidDataset, path)
			return
		}
		if t.Rows() != rows {
			mismatch = fmt.Errorf("%w: %s has %d rows, rewards have %d", ErrInvalidDataset, path, t.Rows(), rows)
		}
	})
	if mismatch != nil {
		return mismatch
	}
	s.data = data
	s.rows = rows
	s.session = newSession()
	return nil
}

// Config returns the sampler configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Session returns the current staging session.
func (s *Sampler) Session() *Session { return s.session }

// StageByName resolves name and stages that tier.
func (s *Sampler) StageByName(name string, explicit []int) (Staged, error) {
	tier, err := ParseTier(name)
	if err != nil {
		return Staged{}, err
	}
	return s.Stage(tier, explicit)
}

// Stage selects indices for tier and returns the data visible there. Tiers
// must be staged in increasing order; a later tier may be staged repeatedly.
// A non-nil explicit selects positions within the tier's index space instead
// of drawing them at random.
func (s *Sampler) Stage(tier Tier, explicit []int) (Staged, error) {
	if !tier.Valid() {
		return Staged{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	if tier == Maxbatch {
		s.session = newSession()
	} else if !s.session.staged[tier-1] {
		return Staged{}, fmt.Errorf("%w: %s requires %s", ErrOutOfOrder, tier, tier-1)
	}

	sess := s.session
	sess.invalidateFrom(tier)
	if err := s.sample(sess, tier, explicit); err != nil {
		return Staged{}, fmt.Errorf("sample %s: %w", tier, err)
	}
	batch, err := s.act(sess, tier)
	if err != nil {
		return Staged{}, fmt.Errorf("materialize %s: %w", tier, err)
	}
	sess.staged[tier] = true

	s.logger.Debug().
		Str("session_id", sess.ID).
		Str("tier", tier.String()).
		Int("rows", len(sess.idxs[tier])).
		Bool("materialized", batch.Data != nil).
		Msg("Tier staged")

	return batch, nil
}

// sample chooses idxs[tier]. The index space is the full dataset for the
// first tier, a fresh range over the rows just materialized for the tier after
// a residency change, and otherwise the previous tier's selection.
func (s *Sampler) sample(sess *Session, tier Tier, explicit []int) error {
	var space []int
	count := -1
	switch {
	case tier == Maxbatch:
		count = s.rows
	case tier-1 == s.cfg.MemTier || tier-1 == s.cfg.GPUTier:
		count = len(sess.idxs[tier-1])
	default:
		space = sess.idxs[tier-1]
	}

	if explicit != nil {
		if count >= 0 {
			space = arange(count)
		}
		selected := make([]int, len(explicit))
		for i, pos := range explicit {
			if pos < 0 || pos >= len(space) {
				return fmt.Errorf("%w: explicit index %d not in [0, %d)", tensor.ErrIndexOutOfRange, pos, len(space))
			}
			selected[i] = space[pos]
		}
		sess.idxs[tier] = selected
		return nil
	}

	n := count
	if count < 0 {
		n = len(space)
	}
	positions, err := s.draw(n, s.cfg.Sizes[tier])
	if err != nil {
		return err
	}
	if count < 0 {
		for i, pos := range positions {
			positions[i] = space[pos]
		}
	}
	sess.idxs[tier] = positions
	return nil
}

func (s *Sampler) draw(n, size int) ([]int, error) {
	if n == 0 {
		return nil, ErrEmptyIndexSpace
	}
	if s.cfg.policy() == WithoutReplacement {
		if size > n {
			return nil, fmt.Errorf("%w: %d from %d", ErrSampleTooLarge, size, n)
		}
		return s.rng.Perm(n)[:size], nil
	}
	out := make([]int, size)
	for i := range out {
		out[i] = s.rng.Intn(n)
	}
	return out, nil
}

// act copies data into a new residency when tier is a materialization
// boundary, then serves tier from the closest resident copy. Calling act again
// without sampling reproduces the same batch.
func (s *Sampler) act(sess *Session, tier Tier) (Staged, error) {
	idx := sess.idxs[tier]

	switch {
	case tier == s.cfg.MemTier && tier == s.cfg.GPUTier:
		// Source straight to the accelerator; staging shares the copy.
		c, err := s.materialize(s.data.Data, s.data.Rewards, idx, s.cfg.Device)
		if err != nil {
			return Staged{}, err
		}
		sess.gpu, sess.mem = c, c
		s.notify(tier, s.cfg.Device, len(idx))
	case tier == s.cfg.MemTier:
		c, err := s.materialize(s.data.Data, s.data.Rewards, idx, tensor.Staging)
		if err != nil {
			return Staged{}, err
		}
		sess.mem = c
		s.notify(tier, tensor.Staging, len(idx))
	case tier == s.cfg.GPUTier:
		c, err := s.materialize(sess.mem.data, sess.mem.rewards, idx, s.cfg.Device)
		if err != nil {
			return Staged{}, err
		}
		sess.gpu = c
		s.notify(tier, s.cfg.Device, len(idx))
	}

	switch {
	case tier >= s.cfg.GPUTier:
		return serve(sess.gpu, tier == s.cfg.GPUTier, idx)
	case tier >= s.cfg.MemTier:
		return serve(sess.mem, tier == s.cfg.MemTier, idx)
	default:
		rewards, err := s.data.Rewards.Index(idx)
		if err != nil {
			return Staged{}, err
		}
		return Staged{Rewards: rewards}, nil
	}
}

func (s *Sampler) materialize(data tensor.Node, rewards *tensor.Tensor, idx []int, device tensor.Device) (cache, error) {
	moved, err := tensor.IndexAndTransfer(data, idx, device)
	if err != nil {
		return cache{}, err
	}
	r, err := rewards.Index(idx)
	if err != nil {
		return cache{}, err
	}
	return cache{data: moved, rewards: r.To(device), set: true}, nil
}

// serve returns c unchanged at its own tier and narrowed by idx past it.
func serve(c cache, atBoundary bool, idx []int) (Staged, error) {
	if !c.set {
		return Staged{}, fmt.Errorf("%w: nothing materialized", ErrOutOfOrder)
	}
	if atBoundary {
		return Staged{Data: c.data, Rewards: c.rewards}, nil
	}
	data, err := tensor.IndexAndTransfer(c.data, idx, "")
	if err != nil {
		return Staged{}, err
	}
	rewards, err := c.rewards.Index(idx)
	if err != nil {
		return Staged{}, err
	}
	return Staged{Data: data, Rewards: rewards}, nil
}

func (s *Sampler) notify(tier Tier, device tensor.Device, rows int) {
	if s.observer != nil {
		s.observer.Materialized(tier, device, rows)
	}
}

func arange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
