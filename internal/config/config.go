package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Oafish1/cellTRIP/internal/sampler"
	"github.com/Oafish1/cellTRIP/internal/service"
	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// EnvPrefix prefixes every environment override, e.g. CELLTRIP_SERVER_ADDR.
const EnvPrefix = "CELLTRIP"

// Config holds all celltrip configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Health   HealthConfig   `mapstructure:"health"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Trainer  TrainerConfig  `mapstructure:"trainer"`
	Actor    ActorConfig    `mapstructure:"actor"`
	Simulate SimulateConfig `mapstructure:"simulate"`

	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds HTTP and gRPC server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// DatabaseConfig holds the archive connection; an empty DSN disables archiving.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// NATSConfig holds NATS configuration; an empty URL disables publishing.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// HealthConfig holds health monitoring configuration
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	MaxRecords    int           `mapstructure:"max_records"`
	MaxHeapBytes  uint64        `mapstructure:"max_heap_bytes"`
}

// SamplerConfig names tiers by string; see Staged for the parsed form.
type SamplerConfig struct {
	MaxbatchSize  int    `mapstructure:"maxbatch_size"`
	BatchSize     int    `mapstructure:"batch_size"`
	MinibatchSize int    `mapstructure:"minibatch_size"`
	MemTier       string `mapstructure:"mem_tier"`
	GPUTier       string `mapstructure:"gpu_tier"`
	Device        string `mapstructure:"device"`
	Policy        string `mapstructure:"policy"`
}

// TrainerConfig controls iteration rounds.
type TrainerConfig struct {
	Gamma               float32 `mapstructure:"gamma"`
	BatchesPerMaxbatch  int     `mapstructure:"batches_per_maxbatch"`
	MinibatchesPerBatch int     `mapstructure:"minibatches_per_batch"`
}

// ActorConfig controls the synthetic environment and its random policy.
type ActorConfig struct {
	Cells         int     `mapstructure:"cells"`
	Dim           int     `mapstructure:"dim"`
	Horizon       int     `mapstructure:"horizon"`
	MaxNeighbours int     `mapstructure:"max_neighbours"`
	StepSize      float32 `mapstructure:"step_size"`
	Discrete      bool    `mapstructure:"discrete"`
	BatchSize     int     `mapstructure:"batch_size"`
	Seed          int64   `mapstructure:"seed"`
}

// SimulateConfig controls the local simulate loop.
type SimulateConfig struct {
	Iterations         int     `mapstructure:"iterations"`
	EpisodesPerUpdate  int     `mapstructure:"episodes_per_update"`
	EarlyStopMethod    string  `mapstructure:"early_stop_method"`
	EarlyStopBuffer    int     `mapstructure:"early_stop_buffer"`
	EarlyStopDelta     float64 `mapstructure:"early_stop_delta"`
	EarlyStopWindow    int     `mapstructure:"early_stop_window"`
	ClearEachIteration bool    `mapstructure:"clear_each_iteration"`
	// ModalityPath names a CSV whose PCA embedding fixes cell targets.
	ModalityPath       string  `mapstructure:"modality_path"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
		},
		NATS: NATSConfig{
			Subject: "celltrip",
		},
		Health: HealthConfig{
			CheckInterval: 15 * time.Second,
			MaxRecords:    1_000_000,
		},
		Sampler: SamplerConfig{
			MaxbatchSize:  10_000,
			BatchSize:     1_000,
			MinibatchSize: 100,
			MemTier:       "batch",
			GPUTier:       "minibatch",
			Device:        "cuda:0",
			Policy:        string(sampler.WithReplacement),
		},
		Trainer: TrainerConfig{
			Gamma:               0.95,
			BatchesPerMaxbatch:  1,
			MinibatchesPerBatch: 10,
		},
		Actor: ActorConfig{
			Cells:         32,
			Dim:           2,
			Horizon:       50,
			MaxNeighbours: 8,
			StepSize:      0.05,
			BatchSize:     256,
		},
		Simulate: SimulateConfig{
			Iterations:         100,
			EpisodesPerUpdate:  4,
			EarlyStopMethod:    "average",
			EarlyStopBuffer:    30,
			EarlyStopDelta:     1e-3,
			EarlyStopWindow:    15,
			ClearEachIteration: true,
		},
		LogLevel: "info",
	}
}

// Load reads an optional YAML file at path, then applies CELLTRIP_* environment
// overrides on top of Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]interface{}{
		"server.addr":             d.Server.Addr,
		"server.grpc_addr":        d.Server.GRPCAddr,
		"server.read_timeout":     d.Server.ReadTimeout,
		"server.write_timeout":    d.Server.WriteTimeout,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,
		"server.rate_limit":       d.Server.RateLimit,
		"server.rate_burst":       d.Server.RateBurst,

		"database.dsn": d.Database.DSN,

		"nats.url":     d.NATS.URL,
		"nats.subject": d.NATS.Subject,

		"health.check_interval": d.Health.CheckInterval,
		"health.max_records":    d.Health.MaxRecords,
		"health.max_heap_bytes": d.Health.MaxHeapBytes,

		"sampler.maxbatch_size":  d.Sampler.MaxbatchSize,
		"sampler.batch_size":     d.Sampler.BatchSize,
		"sampler.minibatch_size": d.Sampler.MinibatchSize,
		"sampler.mem_tier":       d.Sampler.MemTier,
		"sampler.gpu_tier":       d.Sampler.GPUTier,
		"sampler.device":         d.Sampler.Device,
		"sampler.policy":         d.Sampler.Policy,

		"trainer.gamma":                 d.Trainer.Gamma,
		"trainer.batches_per_maxbatch":  d.Trainer.BatchesPerMaxbatch,
		"trainer.minibatches_per_batch": d.Trainer.MinibatchesPerBatch,

		"actor.cells":          d.Actor.Cells,
		"actor.dim":            d.Actor.Dim,
		"actor.horizon":        d.Actor.Horizon,
		"actor.max_neighbours": d.Actor.MaxNeighbours,
		"actor.step_size":      d.Actor.StepSize,
		"actor.discrete":       d.Actor.Discrete,
		"actor.batch_size":     d.Actor.BatchSize,
		"actor.seed":           d.Actor.Seed,

		"simulate.iterations":           d.Simulate.Iterations,
		"simulate.episodes_per_update":  d.Simulate.EpisodesPerUpdate,
		"simulate.early_stop_method":    d.Simulate.EarlyStopMethod,
		"simulate.early_stop_buffer":    d.Simulate.EarlyStopBuffer,
		"simulate.early_stop_delta":     d.Simulate.EarlyStopDelta,
		"simulate.early_stop_window":    d.Simulate.EarlyStopWindow,
		"simulate.clear_each_iteration": d.Simulate.ClearEachIteration,
		"simulate.modality_path":        d.Simulate.ModalityPath,

		"log_level": d.LogLevel,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.TrainerConfig(); err != nil {
		return err
	}
	if c.Health.CheckInterval <= 0 {
		return errors.New("health.check_interval must be positive")
	}
	if c.Actor.Cells <= 0 || c.Actor.Dim <= 0 || c.Actor.Horizon <= 0 {
		return errors.New("actor cells, dim and horizon must be positive")
	}
	if c.Actor.BatchSize <= 0 {
		return errors.New("actor.batch_size must be positive")
	}
	if c.Simulate.Iterations <= 0 || c.Simulate.EpisodesPerUpdate <= 0 {
		return errors.New("simulate iterations and episodes_per_update must be positive")
	}
	return nil
}

// Staged parses the sampler section.
func (s SamplerConfig) Staged() (sampler.Config, error) {
	mem, err := sampler.ParseTier(s.MemTier)
	if err != nil {
		return sampler.Config{}, fmt.Errorf("sampler.mem_tier: %w", err)
	}
	gpu, err := sampler.ParseTier(s.GPUTier)
	if err != nil {
		return sampler.Config{}, fmt.Errorf("sampler.gpu_tier: %w", err)
	}
	cfg := sampler.Config{
		Sizes:   [sampler.NumTiers]int{s.MaxbatchSize, s.BatchSize, s.MinibatchSize},
		MemTier: mem,
		GPUTier: gpu,
		Device:  tensor.Device(s.Device),
		Policy:  sampler.Policy(s.Policy),
	}
	return cfg, cfg.Validate()
}

// TrainerConfig assembles the validated trainer configuration.
func (c *Config) TrainerConfig() (service.Config, error) {
	staged, err := c.Sampler.Staged()
	if err != nil {
		return service.Config{}, err
	}
	cfg := service.Config{
		Sampler:             staged,
		Gamma:               c.Trainer.Gamma,
		BatchesPerMaxbatch:  c.Trainer.BatchesPerMaxbatch,
		MinibatchesPerBatch: c.Trainer.MinibatchesPerBatch,
	}
	return cfg, cfg.Validate()
}
