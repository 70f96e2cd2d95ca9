package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/sampler"
	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Collector logs training and API metrics as structured events.
type Collector struct {
	logger zerolog.Logger
}

var _ sampler.Observer = (*Collector)(nil)

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// Materialized tracks data copies made by the sampler.
func (c *Collector) Materialized(tier sampler.Tier, device tensor.Device, rows int) {
	c.logger.Debug().
		Str("metric", "materialized").
		Str("tier", tier.String()).
		Str("device", string(device)).
		Int("rows", rows).
		Msg("Materialization metric")
}

// Track stage latency
func (c *Collector) Staged(tier sampler.Tier, rows int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "staged").
		Str("tier", tier.String()).
		Int("rows", rows).
		Dur("duration", duration).
		Msg("Stage metric")
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}

// Track buffer size after writes
func (c *Collector) BufferSize(records, keys int) {
	c.logger.Info().
		Str("metric", "buffer_size").
		Int("records", records).
		Int("keys", keys).
		Msg("Buffer metric")
}

// Track health monitoring events
func (c *Collector) HealthEvent(eventType string, severity string) {
	c.logger.Warn().
		Str("metric", "health_event").
		Str("event_type", eventType).
		Str("severity", severity).
		Msg("Health monitoring event")
}
