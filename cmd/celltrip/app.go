package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/config"
	"github.com/Oafish1/cellTRIP/internal/events"
	"github.com/Oafish1/cellTRIP/internal/metrics"
	"github.com/Oafish1/cellTRIP/internal/service"
	"github.com/Oafish1/cellTRIP/internal/storage"
)

// app holds the components shared by serve and simulate.
type app struct {
	buffer    *storage.MemoryBuffer
	trainer   *service.Trainer
	collector *metrics.Collector
	closers   []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		buffer:    storage.NewMemoryBuffer(),
		collector: metrics.NewCollector(logger),
	}

	var archive storage.Archive = storage.NoopArchive{}
	if cfg.Database.DSN != "" {
		pg, err := storage.OpenPostgresArchive(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		archive = pg
		a.closers = append(a.closers, func() {
			if err := pg.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close archive")
			}
		})
		logger.Info().Msg("Archiving cleared buffers to PostgreSQL")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		publisher = nc
		a.closers = append(a.closers, nc.Close)
		logger.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("Publishing events to NATS")
	}

	trainerCfg, err := cfg.TrainerConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	trainer, err := service.NewTrainer(a.buffer, trainerCfg, archive, publisher, a.collector, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.trainer = trainer
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
