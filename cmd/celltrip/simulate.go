package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/Oafish1/cellTRIP/internal/actor"
	"github.com/Oafish1/cellTRIP/internal/config"
	"github.com/Oafish1/cellTRIP/internal/preprocess"
	"github.com/Oafish1/cellTRIP/internal/service"
	"github.com/Oafish1/cellTRIP/internal/stats"
	"github.com/Oafish1/cellTRIP/internal/tensor"
	"github.com/Oafish1/cellTRIP/internal/timing"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a random-policy rollout and staging loop locally",
	Long: `simulate alternates between collecting episodes with a random policy and
staging the buffer through every tier, reporting timings and stopping early once
the mean episode return plateaus.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Int("iterations", 0, "Number of rollout/update iterations; overrides config")
	simulateCmd.Flags().String("modality", "", "CSV whose PCA embedding fixes cell targets; overrides config")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("iterations"); n > 0 {
		cfg.Simulate.Iterations = n
	}
	if path, _ := cmd.Flags().GetString("modality"); path != "" {
		cfg.Simulate.ModalityPath = path
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	seed := cfg.Actor.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	a.trainer.WithRand(rand.New(rand.NewSource(seed + 1)))

	act, err := actor.New(cfg.Actor, a.trainer, rng, logger)
	if err != nil {
		return err
	}
	if cfg.Simulate.ModalityPath != "" {
		targets, err := loadTargets(cfg, rng)
		if err != nil {
			return fmt.Errorf("failed to load targets: %w", err)
		}
		if err := act.SetTargets(targets); err != nil {
			return err
		}
	}

	return simulate(ctx, cfg, act, a.trainer, logger)
}

func simulate(ctx context.Context, cfg *config.Config, act *actor.Actor, trainer *service.Trainer, logger zerolog.Logger) error {
	stopper, err := timing.NewEarlyStopping(
		timing.WithMethod(timing.Method(cfg.Simulate.EarlyStopMethod)),
		timing.WithBuffer(cfg.Simulate.EarlyStopBuffer),
		timing.WithDelta(cfg.Simulate.EarlyStopDelta),
		timing.WithWindow(cfg.Simulate.EarlyStopWindow),
	)
	if err != nil {
		return err
	}
	timer := timing.NewTimeLogger(logger, timing.DiscardFirstSample(), timing.MemoryUsage())
	minibatchReturns := stats.NewRunningStatistics()
	gamma := trainer.Config().Gamma

	for it := 0; it < cfg.Simulate.Iterations; it++ {
		returns, err := act.Run(ctx, cfg.Simulate.EpisodesPerUpdate)
		if err != nil {
			return err
		}
		timer.Log("rollout")

		minibatches := 0
		err = trainer.Iterate(ctx, gamma, func(_ context.Context, step service.Step) error {
			for _, r := range step.Rewards.Data() {
				minibatchReturns.Update(float64(r))
			}
			minibatches++
			return nil
		})
		if err != nil {
			return err
		}
		timer.Log("stage")

		var objective float64
		for _, r := range returns {
			objective += float64(r)
		}
		objective /= float64(len(returns))

		logger.Info().
			Int("iteration", it).
			Int("episodes", act.Episodes()).
			Int("minibatches", minibatches).
			Float64("mean_return", objective).
			Float64("staged_return_mean", minibatchReturns.Mean()).
			Float64("staged_return_var", minibatchReturns.Variance()).
			Msg("Iteration complete")

		if cfg.Simulate.ClearEachIteration {
			if _, err := trainer.Clear(ctx); err != nil {
				return err
			}
			timer.Log("clear")
		}

		if stopper.Observe(objective) {
			best, _ := stopper.Best()
			logger.Info().Int("iteration", it).Float64("best", best).Msg("Early stopping")
			break
		}
	}

	if _, err := timer.Aggregate(timing.AggregateMean); err != nil {
		return err
	}
	return act.Close(ctx)
}

// loadTargets embeds the modality CSV into actor.dim principal components and
// keeps one random node per cell.
func loadTargets(cfg *config.Config, rng *rand.Rand) (*tensor.Tensor, error) {
	f, err := os.Open(cfg.Simulate.ModalityPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := preprocess.ReadCSV(f)
	if err != nil {
		return nil, err
	}
	p := preprocess.New(preprocess.Options{
		Standardize: true,
		PCADim:      []int{cfg.Actor.Dim},
		NumNodes:    cfg.Actor.Cells,
		Device:      tensor.Host,
	}, rng)

	sub, err := p.Subsample([]*mat.Dense{m}, nil, nil)
	if err != nil {
		return nil, err
	}
	embedded, err := p.FitTransform(sub.Modalities)
	if err != nil {
		return nil, err
	}
	cast, err := p.Cast(embedded)
	if err != nil {
		return nil, err
	}
	return cast[0], nil
}
