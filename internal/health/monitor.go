package health

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/metrics"
	"github.com/Oafish1/cellTRIP/internal/storage"
)

// Config holds health monitoring configuration
type Config struct {
	CheckInterval time.Duration
	// MaxRecords warns once the buffer holds more records; zero disables the check.
	MaxRecords int
	// MaxHeapBytes warns once the live heap exceeds this size; zero disables the check.
	MaxHeapBytes uint64
}

// StatsSource reports buffer contents.
type StatsSource interface {
	Stats() storage.Stats
}

// Status is the outcome of one health check.
type Status struct {
	Records      int
	Keys         int
	HeapBytes    uint64
	BufferFull   bool
	HeapExceeded bool
}

// Healthy reports whether no threshold was crossed.
func (s Status) Healthy() bool { return !s.BufferFull && !s.HeapExceeded }

// Monitor runs background health checks
type Monitor struct {
	source    StatsSource
	collector *metrics.Collector
	config    Config
	logger    zerolog.Logger
	heap      func() uint64
	onStatus  func(Status)
}

// NewMonitor creates a new health monitor
func NewMonitor(source StatsSource, collector *metrics.Collector, config Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		source:    source,
		collector: collector,
		config:    config,
		logger:    logger,
		heap:      heapAlloc,
	}
}

// OnStatus registers fn to receive the result of every check.
func (m *Monitor) OnStatus(fn func(Status)) {
	m.onStatus = fn
}

// Start runs checks every CheckInterval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("check_interval", m.config.CheckInterval).
		Int("max_records", m.config.MaxRecords).
		Uint64("max_heap_bytes", m.config.MaxHeapBytes).
		Msg("Starting health monitor")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check samples the buffer and heap once and reports crossed thresholds.
func (m *Monitor) Check() Status {
	stats := m.source.Stats()
	status := Status{
		Records:   stats.Records,
		Keys:      stats.Keys,
		HeapBytes: m.heap(),
	}
	status.BufferFull = m.config.MaxRecords > 0 && status.Records > m.config.MaxRecords
	status.HeapExceeded = m.config.MaxHeapBytes > 0 && status.HeapBytes > m.config.MaxHeapBytes

	m.logger.Debug().
		Int("records", status.Records).
		Int("keys", status.Keys).
		Uint64("heap_bytes", status.HeapBytes).
		Msg("Checking trainer health")

	if status.BufferFull {
		m.collector.HealthEvent("buffer_full", "warning")
	}
	if status.HeapExceeded {
		m.collector.HealthEvent("heap_exceeded", "critical")
	}
	if m.onStatus != nil {
		m.onStatus(status)
	}
	return status
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
