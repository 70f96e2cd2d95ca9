package sampler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

const accel = tensor.Device("cuda:0")

type materialization struct {
	tier   Tier
	device tensor.Device
	rows   int
}

type recordingObserver struct {
	events []materialization
}

func (r *recordingObserver) Materialized(tier Tier, device tensor.Device, rows int) {
	r.events = append(r.events, materialization{tier, device, rows})
}

// dataset builds n rows where states[i] = {i, -i} and rewards[i] = i, so any
// correctly staged batch keeps rewards aligned with the first state column.
func dataset(t *testing.T, n int) Dataset {
	t.Helper()
	rows := make([][]float32, n)
	rewards := make([]float32, n)
	for i := range rows {
		rows[i] = []float32{float32(i), -float32(i)}
		rewards[i] = float32(i)
	}
	states, err := tensor.FromRows(rows)
	require.NoError(t, err)
	return Dataset{
		Data: tensor.NewBranch(
			tensor.Entry{Key: "states", Node: tensor.Leaf{Tensor: states}},
		),
		Rewards: tensor.Vector(rewards...),
	}
}

func newSampler(t *testing.T, n int, cfg Config, opts ...Option) *Sampler {
	t.Helper()
	opts = append([]Option{WithRand(rand.New(rand.NewSource(42)))}, opts...)
	s, err := New(dataset(t, n), cfg, opts...)
	require.NoError(t, err)
	return s
}

func assertAligned(t *testing.T, b Staged, rows int, device tensor.Device) {
	t.Helper()
	require.NotNil(t, b.Data)
	node, ok := b.Data.(*tensor.Branch).Get("states")
	require.True(t, ok)
	states := node.(tensor.Leaf).Tensor
	require.Equal(t, rows, states.Rows())
	require.Equal(t, rows, b.Rewards.Rows())
	assert.Equal(t, device, states.Device())
	assert.Equal(t, device, b.Rewards.Device())
	for k := 0; k < rows; k++ {
		assert.Equal(t, states.Row(k)[0], b.Rewards.At(k), "row %d misaligned", k)
	}
}

func TestParseTier(t *testing.T) {
	for name, want := range map[string]Tier{"maxbatch": Maxbatch, "batch": Batch, "minibatch": Minibatch} {
		got, err := ParseTier(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}

	_, err := ParseTier("microbatch")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Sizes: [NumTiers]int{8, 4, 2}, MemTier: Batch, GPUTier: Minibatch, Device: accel}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"MemAfterGPU", func(c *Config) { c.MemTier, c.GPUTier = Minibatch, Batch }},
		{"ZeroSize", func(c *Config) { c.Sizes[1] = 0 }},
		{"NoDevice", func(c *Config) { c.Device = "" }},
		{"BadTier", func(c *Config) { c.GPUTier = Tier(5) }},
		{"BadPolicy", func(c *Config) { c.Policy = "stratified" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := New(dataset(t, 4), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_InvalidDataset(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{4, 2, 1}, MemTier: Batch, GPUTier: Minibatch, Device: accel}
	data := dataset(t, 5)
	data.Rewards = tensor.Vector(1, 2, 3)

	_, err := New(data, cfg)
	assert.ErrorIs(t, err, ErrInvalidDataset)

	_, err = New(Dataset{Data: data.Data}, cfg)
	assert.ErrorIs(t, err, ErrInvalidDataset)

	empty := tensor.NewBranch(tensor.Entry{Key: "x", Node: tensor.Leaf{}})
	_, err = New(Dataset{Data: empty, Rewards: tensor.Vector(1)}, cfg)
	assert.ErrorIs(t, err, ErrInvalidDataset)
}

func TestStage_NestedSelectionBeforeBoundary(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{10, 5, 3}, MemTier: Minibatch, GPUTier: Minibatch, Device: accel}
	s := newSampler(t, 50, cfg)

	b0, err := s.StageByName("maxbatch", nil)
	require.NoError(t, err)
	assert.Nil(t, b0.Data, "nothing is materialized before the mem tier")
	require.Equal(t, 10, b0.Rewards.Rows())

	sess := s.Session()
	idx0 := sess.Indices(Maxbatch)
	require.Len(t, idx0, 10)
	for k, i := range idx0 {
		assert.True(t, i >= 0 && i < 50)
		assert.Equal(t, float32(i), b0.Rewards.At(k))
	}

	b1, err := s.StageByName("batch", nil)
	require.NoError(t, err)
	assert.Nil(t, b1.Data)
	idx1 := sess.Indices(Batch)
	require.Len(t, idx1, 5)
	for _, i := range idx1 {
		assert.Contains(t, idx0, i, "batch must narrow the maxbatch selection")
	}

	b2, err := s.StageByName("minibatch", nil)
	require.NoError(t, err)
	idx2 := sess.Indices(Minibatch)
	require.Len(t, idx2, 3)
	for _, i := range idx2 {
		assert.Contains(t, idx1, i)
	}
	assertAligned(t, b2, 3, accel)
}

func TestStage_IndexSpaceResetsAfterBoundary(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{10, 5, 3}, MemTier: Maxbatch, GPUTier: Batch, Device: accel}
	s := newSampler(t, 1000, cfg)

	b0, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	assertAligned(t, b0, 10, tensor.Staging)

	b1, err := s.Stage(Batch, nil)
	require.NoError(t, err)
	for _, i := range s.Session().Indices(Batch) {
		assert.True(t, i >= 0 && i < 10, "batch indexes the 10 staged rows, got %d", i)
	}
	assertAligned(t, b1, 5, accel)

	b2, err := s.Stage(Minibatch, nil)
	require.NoError(t, err)
	for _, i := range s.Session().Indices(Minibatch) {
		assert.True(t, i >= 0 && i < 5, "minibatch indexes the 5 accelerator rows, got %d", i)
	}
	assertAligned(t, b2, 3, accel)
}

func TestStage_ServesFromStagingBetweenBoundaries(t *testing.T) {
	obs := &recordingObserver{}
	cfg := Config{Sizes: [NumTiers]int{12, 6, 3}, MemTier: Maxbatch, GPUTier: Minibatch, Device: accel}
	s := newSampler(t, 40, cfg, WithObserver(obs))

	_, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	b1, err := s.Stage(Batch, nil)
	require.NoError(t, err)
	assertAligned(t, b1, 6, tensor.Staging)

	// Minibatch draws from the batch selection, which indexes staged rows.
	b2, err := s.Stage(Minibatch, nil)
	require.NoError(t, err)
	for _, i := range s.Session().Indices(Minibatch) {
		assert.Contains(t, s.Session().Indices(Batch), i)
	}
	assertAligned(t, b2, 3, accel)

	assert.Equal(t, []materialization{
		{Maxbatch, tensor.Staging, 12},
		{Minibatch, accel, 3},
	}, obs.events)
}

func TestStage_SingleCopyWhenMemEqualsGPU(t *testing.T) {
	obs := &recordingObserver{}
	cfg := Config{Sizes: [NumTiers]int{10, 5, 2}, MemTier: Batch, GPUTier: Batch, Device: accel}
	s := newSampler(t, 30, cfg, WithObserver(obs))

	_, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	b1, err := s.Stage(Batch, nil)
	require.NoError(t, err)
	assertAligned(t, b1, 5, accel)

	require.Equal(t, []materialization{{Batch, accel, 5}}, obs.events, "one direct source to accelerator copy")
	sess := s.Session()
	assert.Same(t, sess.gpu.rewards, sess.mem.rewards, "staging shares the combined copy")

	b2, err := s.Stage(Minibatch, nil)
	require.NoError(t, err)
	assertAligned(t, b2, 2, accel)
	assert.Len(t, obs.events, 1, "minibatch narrows resident data without copying")
}

func TestStage_RequiresPreviousTier(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{10, 5, 2}, MemTier: Batch, GPUTier: Minibatch, Device: accel}
	s := newSampler(t, 30, cfg)

	_, err := s.Stage(Minibatch, nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = s.StageByName("batch", nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = s.StageByName("bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestStage_RepeatedMinibatches(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{10, 5, 2}, MemTier: Batch, GPUTier: Batch, Device: accel}
	s := newSampler(t, 30, cfg)

	_, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	_, err = s.Stage(Batch, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		b, err := s.Stage(Minibatch, nil)
		require.NoError(t, err)
		assertAligned(t, b, 2, accel)
	}

	// A new maxbatch starts a new session; minibatch must wait for batch again.
	first := s.Session().ID
	_, err = s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, s.Session().ID)
	_, err = s.Stage(Minibatch, nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAct_RepeatableWithoutResampling(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{10, 5, 2}, MemTier: Batch, GPUTier: Minibatch, Device: accel}
	s := newSampler(t, 30, cfg)

	_, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	_, err = s.Stage(Batch, nil)
	require.NoError(t, err)
	_, err = s.Stage(Minibatch, nil)
	require.NoError(t, err)

	sess := s.Session()
	for _, tier := range []Tier{Batch, Minibatch} {
		first, err := s.act(sess, tier)
		require.NoError(t, err)
		second, err := s.act(sess, tier)
		require.NoError(t, err)
		assert.Equal(t, first, second, "%s", tier)
	}
}

func TestStage_ExplicitIndices(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{10, 5, 2}, MemTier: Minibatch, GPUTier: Minibatch, Device: accel}
	s := newSampler(t, 30, cfg)

	b0, err := s.Stage(Maxbatch, []int{7, 3, 9})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 3, 9}, s.Session().Indices(Maxbatch))
	assert.Equal(t, []float32{7, 3, 9}, b0.Rewards.Data())

	// Positions select within the previous tier's selection.
	_, err = s.Stage(Batch, []int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{9, 7}, s.Session().Indices(Batch))

	b2, err := s.Stage(Minibatch, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, s.Session().Indices(Minibatch))
	assertAligned(t, b2, 1, accel)

	_, err = s.Stage(Minibatch, []int{2})
	assert.ErrorIs(t, err, tensor.ErrIndexOutOfRange)
}

func TestStage_WithReplacementByDefault(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{50, 5, 2}, MemTier: Batch, GPUTier: Minibatch, Device: accel}
	s := newSampler(t, 3, cfg)

	_, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	idx := s.Session().Indices(Maxbatch)
	require.Len(t, idx, 50)

	seen := map[int]int{}
	for _, i := range idx {
		seen[i]++
	}
	assert.LessOrEqual(t, len(seen), 3)
	assert.Less(t, len(seen), len(idx), "draws repeat indices")
}

func TestStage_WithoutReplacement(t *testing.T) {
	cfg := Config{
		Sizes:   [NumTiers]int{20, 5, 2},
		MemTier: Batch,
		GPUTier: Minibatch,
		Device:  accel,
		Policy:  WithoutReplacement,
	}
	s := newSampler(t, 20, cfg)

	_, err := s.Stage(Maxbatch, nil)
	require.NoError(t, err)
	idx := s.Session().Indices(Maxbatch)
	assert.ElementsMatch(t, arange(20), idx)

	small := newSampler(t, 10, cfg)
	_, err = small.Stage(Maxbatch, nil)
	assert.ErrorIs(t, err, ErrSampleTooLarge)
}

func TestStage_EmptyDataset(t *testing.T) {
	cfg := Config{Sizes: [NumTiers]int{4, 2, 1}, MemTier: Batch, GPUTier: Minibatch, Device: accel}
	s, err := New(Dataset{Rewards: tensor.Vector()}, cfg)
	require.NoError(t, err)

	_, err = s.Stage(Maxbatch, nil)
	assert.ErrorIs(t, err, ErrEmptyIndexSpace)
}
