package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oafish1/cellTRIP/internal/actor"
	"github.com/Oafish1/cellTRIP/internal/config"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Sampler.MaxbatchSize = 40
	cfg.Sampler.BatchSize = 20
	cfg.Sampler.MinibatchSize = 5
	cfg.Trainer.MinibatchesPerBatch = 2
	cfg.Actor.Cells = 4
	cfg.Actor.Horizon = 5
	cfg.Actor.BatchSize = 16
	cfg.Actor.Seed = 3
	cfg.Simulate.Iterations = 3
	cfg.Simulate.EpisodesPerUpdate = 2
	cfg.Simulate.EarlyStopWindow = 1
	return cfg
}

func TestSimulate(t *testing.T) {
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())
	logger := zerolog.Nop()
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	act, err := actor.New(cfg.Actor, a.trainer, rand.New(rand.NewSource(cfg.Actor.Seed)), logger)
	require.NoError(t, err)

	require.NoError(t, simulate(ctx, cfg, act, a.trainer, logger))
	assert.Equal(t, 6, act.Episodes())
	// Buffers are cleared after every iteration.
	assert.Equal(t, 0, a.trainer.Stats().Records)
}

func TestSimulate_EarlyStop(t *testing.T) {
	cfg := smallConfig()
	cfg.Simulate.Iterations = 50
	cfg.Simulate.EarlyStopBuffer = 1
	cfg.Simulate.EarlyStopDelta = 1e9
	logger := zerolog.Nop()
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	act, err := actor.New(cfg.Actor, a.trainer, rand.New(rand.NewSource(1)), logger)
	require.NoError(t, err)

	require.NoError(t, simulate(ctx, cfg, act, a.trainer, logger))
	// No observation can beat the threshold, so the first one stops the loop.
	assert.Equal(t, cfg.Simulate.EpisodesPerUpdate, act.Episodes())
}

func TestLoadTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rna.csv")
	var b strings.Builder
	b.WriteString("g1,g2,g3\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "%d,%d,%d\n", i, i%3, 9-i*i%7)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	cfg := smallConfig()
	cfg.Simulate.ModalityPath = path
	targets, err := loadTargets(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, targets.Shape())
}
