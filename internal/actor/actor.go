// Package actor generates synthetic experience by running a random policy in a
// cell-movement environment.
package actor

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/config"
	"github.com/Oafish1/cellTRIP/internal/storage"
	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Sink receives batches of transitions.
type Sink interface {
	Record(ctx context.Context, records []storage.Record) (storage.Stats, error)
}

// Actor runs episodes and forwards transitions to a Sink.
type Actor struct {
	cfg    config.ActorConfig
	env    *Environment
	policy Policy
	space  ActionSpaceType
	sink   Sink
	rng    *rand.Rand
	logger zerolog.Logger

	episodeCount     int
	transitionBuffer []storage.Record
}

// New creates a new actor instance
func New(cfg config.ActorConfig, sink Sink, rng *rand.Rand, logger zerolog.Logger) (*Actor, error) {
	env, err := NewEnvironment(cfg.Cells, cfg.Dim, cfg.StepSize, rng)
	if err != nil {
		return nil, err
	}

	var (
		policy *RandomPolicy
		space  ActionSpaceType
	)
	if cfg.Discrete {
		space = ActionSpaceDiscrete
		policy, err = NewDiscreteRandom(2*cfg.Dim, rng)
	} else {
		space = ActionSpaceContinuous
		low, high := make([]float32, cfg.Dim), make([]float32, cfg.Dim)
		for d := range low {
			low[d], high[d] = -1, 1
		}
		policy, err = NewContinuousRandom(low, high, rng)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}

	logger.Info().
		Int("cells", cfg.Cells).
		Int("dim", cfg.Dim).
		Int("horizon", cfg.Horizon).
		Bool("discrete", cfg.Discrete).
		Msg("Actor initialized")

	return &Actor{
		cfg:              cfg,
		env:              env,
		policy:           policy,
		space:            space,
		sink:             sink,
		rng:              rng,
		logger:           logger,
		transitionBuffer: make([]storage.Record, 0, cfg.BatchSize),
	}, nil
}

// Close flushes any remaining transitions
func (a *Actor) Close(ctx context.Context) error {
	return a.flushBuffer(ctx)
}

// SetTargets fixes the cells' target positions for every later episode.
func (a *Actor) SetTargets(t *tensor.Tensor) error {
	return a.env.SetTargets(t)
}

// Episodes is the number of completed episodes.
func (a *Actor) Episodes() int { return a.episodeCount }

// Run plays episodes until n are complete or ctx is done, then flushes. It
// returns the mean per-cell return of each episode.
func (a *Actor) Run(ctx context.Context, n int) ([]float32, error) {
	returns := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return returns, err
		}
		ret, err := a.RunEpisode(ctx)
		if err != nil {
			return returns, fmt.Errorf("episode %d: %w", a.episodeCount+1, err)
		}
		returns = append(returns, ret)
	}
	return returns, a.flushBuffer(ctx)
}

// RunEpisode plays one episode of cfg.Horizon steps and returns the mean
// undiscounted return per cell.
func (a *Actor) RunEpisode(ctx context.Context) (float32, error) {
	a.env.Reset()
	var total float32

	for step := 0; step < a.cfg.Horizon; step++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		observations, err := a.observe()
		if err != nil {
			return 0, fmt.Errorf("failed to observe: %w", err)
		}

		actions := make([]*tensor.Tensor, a.cfg.Cells)
		logProbs := make([]float32, a.cfg.Cells)
		for i, obs := range observations {
			if actions[i], logProbs[i], err = a.policy.SelectAction(obs); err != nil {
				return 0, fmt.Errorf("failed to select action: %w", err)
			}
		}

		rewards, err := a.env.Step(actions, a.space)
		if err != nil {
			return 0, fmt.Errorf("failed to step environment: %w", err)
		}

		terminal := step == a.cfg.Horizon-1
		for i := range observations {
			a.transitionBuffer = append(a.transitionBuffer, storage.Record{
				Key:           fmt.Sprintf("cell-%d", i),
				State:         observations[i],
				Action:        actions[i],
				ActionLogProb: tensor.Vector(logProbs[i]),
				Reward:        rewards[i],
				IsTerminal:    terminal,
			})
			total += rewards[i]
		}

		if len(a.transitionBuffer) >= a.cfg.BatchSize {
			if err := a.flushBuffer(ctx); err != nil {
				return 0, fmt.Errorf("failed to flush buffer: %w", err)
			}
		}
	}

	a.episodeCount++
	mean := total / float32(a.cfg.Cells)
	a.logger.Debug().
		Int("episode", a.episodeCount).
		Float32("mean_return", mean).
		Msg("Episode completed")
	return mean, nil
}

// observe builds one observation per cell: its own row followed by the mean
// row of its sampled neighbours.
func (a *Actor) observe() ([]*tensor.Tensor, error) {
	state := a.env.State()
	self, neighbours, _, err := tensor.SplitState(state, nil, a.cfg.MaxNeighbours, a.rng)
	if err != nil {
		return nil, err
	}
	shape := neighbours.Shape()
	k, w := shape[1], shape[2]
	nb := neighbours.Data()

	out := make([]*tensor.Tensor, a.cfg.Cells)
	for i := range out {
		obs := make([]float32, 0, 2*w)
		obs = append(obs, self.Row(i)...)
		mean := make([]float32, w)
		for j := 0; j < k; j++ {
			row := nb[(i*k+j)*w : (i*k+j+1)*w]
			for c, v := range row {
				mean[c] += v / float32(k)
			}
		}
		out[i] = tensor.Vector(append(obs, mean...)...)
	}
	return out, nil
}

// flushBuffer sends accumulated transitions to the sink
func (a *Actor) flushBuffer(ctx context.Context) error {
	if len(a.transitionBuffer) == 0 {
		return nil
	}

	a.logger.Debug().Int("transitions", len(a.transitionBuffer)).Msg("Flushing transitions")

	batch := make([]storage.Record, len(a.transitionBuffer))
	copy(batch, a.transitionBuffer)
	if _, err := a.sink.Record(ctx, batch); err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}

	a.transitionBuffer = a.transitionBuffer[:0]
	return nil
}
