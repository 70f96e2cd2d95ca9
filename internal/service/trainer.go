package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/events"
	"github.com/Oafish1/cellTRIP/internal/metrics"
	"github.com/Oafish1/cellTRIP/internal/sampler"
	"github.com/Oafish1/cellTRIP/internal/storage"
)

var (
	// ErrEmptyBuffer is returned when staging is requested with nothing recorded.
	ErrEmptyBuffer = errors.New("replay buffer is empty")
	// ErrInvalidRecord is returned for records without a key.
	ErrInvalidRecord = errors.New("invalid record")
)

// Config controls how the trainer stages its buffer.
type Config struct {
	Sampler sampler.Config
	// Gamma discounts rewards when a maxbatch is staged remotely.
	Gamma float32
	// BatchesPerMaxbatch is the number of batch rounds Iterate runs per maxbatch.
	BatchesPerMaxbatch int
	// MinibatchesPerBatch is the number of minibatches Iterate yields per batch.
	MinibatchesPerBatch int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Sampler.Validate(); err != nil {
		return err
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be within [0, 1], got %v", c.Gamma)
	}
	if c.BatchesPerMaxbatch <= 0 || c.MinibatchesPerBatch <= 0 {
		return errors.New("batch and minibatch rounds must be positive")
	}
	return nil
}

// Step is one minibatch handed to an Iterate callback.
type Step struct {
	SessionID      string
	BatchRound     int
	MinibatchRound int
	sampler.Staged
}

// StageResult describes a remotely staged tier.
type StageResult struct {
	SessionID string
	Tier      sampler.Tier
	Indices   []int
	sampler.Staged
}

// Trainer owns the replay buffer and the staged sampler over it. All methods
// are serialized by a single mutex.
type Trainer struct {
	mu      sync.Mutex
	buffer  *storage.MemoryBuffer
	cfg     Config
	sampler *sampler.Sampler
	runID   string
	rng     *rand.Rand

	archive   storage.Archive
	events    events.Publisher
	collector *metrics.Collector
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTrainer constructs a Trainer over buffer.
func NewTrainer(buffer *storage.MemoryBuffer, cfg Config, archive storage.Archive, publisher events.Publisher, collector *metrics.Collector, logger zerolog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		buffer:    buffer,
		cfg:       cfg,
		runID:     uuid.New().String(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		archive:   archive,
		events:    publisher,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithRand allows tests to fix the sampling source.
func (t *Trainer) WithRand(rng *rand.Rand) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rng = rng
}

// RunID identifies the records currently held; it rotates on Clear.
func (t *Trainer) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

// Config returns the trainer configuration.
func (t *Trainer) Config() Config { return t.cfg }

// Record appends records to the buffer.
func (t *Trainer) Record(ctx context.Context, records []storage.Record) (storage.Stats, error) {
	for i, r := range records {
		if r.Key == "" {
			return storage.Stats{}, fmt.Errorf("%w: record %d has no key", ErrInvalidRecord, i)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buffer.AppendBatch(records)
	stats := t.buffer.Stats()
	t.collector.BufferSize(stats.Records, stats.Keys)
	t.publishBuffer(ctx, events.BufferRecorded, len(records))
	return stats, nil
}

// Stats summarizes the buffer.
func (t *Trainer) Stats() storage.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.Stats()
}

// Returns propagates discounted rewards over the buffer.
func (t *Trainer) Returns(gamma float32) []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.PropagateRewards(gamma)
}

// Clear archives the buffer contents under the current run ID, empties the
// buffer and starts a new run. Nothing is cleared if archiving fails.
func (t *Trainer) Clear(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.buffer.Records()
	if len(records) > 0 {
		if err := t.archive.ArchiveRecords(ctx, t.runID, records); err != nil {
			return 0, fmt.Errorf("archive run %s: %w", t.runID, err)
		}
	}
	t.publishBuffer(ctx, events.BufferCleared, len(records))
	t.logger.Info().Str("run_id", t.runID).Int("records", len(records)).Msg("Buffer cleared")

	t.buffer.Clear()
	t.sampler = nil
	t.runID = uuid.New().String()
	return len(records), nil
}

// Iterate stages a fresh maxbatch using gamma-discounted returns, then runs
// the configured batch and minibatch rounds, handing every minibatch to fn.
// fn runs with the trainer locked and must not call back into it.
func (t *Trainer) Iterate(ctx context.Context, gamma float32, fn func(context.Context, Step) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.reload(gamma); err != nil {
		return err
	}
	if _, err := t.stage(ctx, sampler.Maxbatch, nil, 0); err != nil {
		return err
	}
	for b := 0; b < t.cfg.BatchesPerMaxbatch; b++ {
		if _, err := t.stage(ctx, sampler.Batch, nil, b); err != nil {
			return err
		}
		for m := 0; m < t.cfg.MinibatchesPerBatch; m++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := t.stage(ctx, sampler.Minibatch, nil, m)
			if err != nil {
				return err
			}
			step := Step{SessionID: t.sampler.Session().ID, BatchRound: b, MinibatchRound: m, Staged: batch}
			if err := fn(ctx, step); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stage stages a single tier by name. Staging the maxbatch rebuilds the
// dataset from the current buffer.
func (t *Trainer) Stage(ctx context.Context, tierName string, explicit []int) (StageResult, error) {
	tier, err := sampler.ParseTier(tierName)
	if err != nil {
		return StageResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tier == sampler.Maxbatch {
		if err := t.reload(t.cfg.Gamma); err != nil {
			return StageResult{}, err
		}
	} else if t.sampler == nil {
		return StageResult{}, fmt.Errorf("%w: %s requires %s", sampler.ErrOutOfOrder, tier, tier-1)
	}

	batch, err := t.stage(ctx, tier, explicit, 0)
	if err != nil {
		return StageResult{}, err
	}
	sess := t.sampler.Session()
	return StageResult{
		SessionID: sess.ID,
		Tier:      tier,
		Indices:   sess.Indices(tier),
		Staged:    batch,
	}, nil
}

func (t *Trainer) reload(gamma float32) error {
	data, rewards, err := t.buffer.Dataset(gamma)
	if errors.Is(err, storage.ErrEmpty) {
		return ErrEmptyBuffer
	}
	if err != nil {
		return err
	}
	ds := sampler.Dataset{Data: data, Rewards: rewards}
	if t.sampler != nil {
		return t.sampler.Load(ds)
	}
	s, err := sampler.New(ds, t.cfg.Sampler,
		sampler.WithRand(t.rng),
		sampler.WithObserver(t.collector),
		sampler.WithLogger(t.logger),
	)
	if err != nil {
		return err
	}
	t.sampler = s
	return nil
}

func (t *Trainer) stage(ctx context.Context, tier sampler.Tier, explicit []int, round int) (sampler.Staged, error) {
	start := t.now()
	batch, err := t.sampler.Stage(tier, explicit)
	if err != nil {
		return sampler.Staged{}, err
	}
	sess := t.sampler.Session()
	rows := len(sess.Indices(tier))
	t.collector.Staged(tier, rows, t.now().Sub(start))

	event := events.StageEvent{
		SessionID: sess.ID,
		Tier:      tier.String(),
		Rows:      rows,
		Round:     round,
	}
	if batch.Data != nil && batch.Rewards != nil {
		event.Device = string(batch.Rewards.Device())
	}
	if err := t.events.PublishStage(ctx, event); err != nil {
		t.logger.Error().Err(err).Str("session_id", sess.ID).Str("tier", tier.String()).Msg("failed to publish stage event")
	}
	return batch, nil
}

func (t *Trainer) publishBuffer(ctx context.Context, name string, records int) {
	event := events.BufferEvent{RunID: t.runID, Event: name, Records: records}
	if err := t.events.PublishBuffer(ctx, event); err != nil {
		t.logger.Error().Err(err).Str("run_id", t.runID).Str("event", name).Msg("failed to publish buffer event")
	}
}
