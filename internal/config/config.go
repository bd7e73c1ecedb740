// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Config holds all application configuration.
type Config struct {
	// Dataset selection
	Data DataConfig `yaml:"data"`

	// Training run layout
	Run RunConfig `yaml:"run"`

	// Evaluation protocol
	Eval EvalConfig `yaml:"eval"`

	// Scoring model access
	Model ModelConfig `yaml:"model"`

	// Partial-metrics storage
	Store StoreConfig `yaml:"store"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// DataConfig selects the dataset and the split under evaluation.
type DataConfig struct {
	Dir   string `envconfig:"LINKRANK_DATA_DIR" yaml:"dir"`
	Name  string `envconfig:"LINKRANK_DATA_NAME" yaml:"name"`
	Split string `envconfig:"LINKRANK_DATA_SPLIT" yaml:"split"` // test, or valid when tuning
}

// RunConfig locates checkpoints: <folder>/runs/<model_name>/checkpoints/model-<index>.
type RunConfig struct {
	Folder       string   `envconfig:"LINKRANK_RUN_FOLDER" yaml:"folder"`
	ModelNames   []string `envconfig:"LINKRANK_MODEL_NAMES" yaml:"model_names"`
	ModelIndexes []string `envconfig:"LINKRANK_MODEL_INDEXES" yaml:"model_indexes"`
}

// EvalConfig holds ranking protocol and sharding settings.
type EvalConfig struct {
	Type        string  `envconfig:"LINKRANK_EVAL_TYPE" yaml:"type"`
	NumSplits   int     `envconfig:"LINKRANK_NUM_SPLITS" yaml:"num_splits"`
	TestIdx     int     `envconfig:"LINKRANK_TEST_IDX" yaml:"test_idx"`
	BatchSize   int     `envconfig:"LINKRANK_BATCH_SIZE" yaml:"batch_size"`
	NegRatio    float64 `envconfig:"LINKRANK_NEG_RATIO" yaml:"neg_ratio"`
	Seed        int64   `envconfig:"LINKRANK_SEED" yaml:"seed"`
	Workers     int     `envconfig:"LINKRANK_WORKERS" yaml:"workers"`
	LogEvery    int     `envconfig:"LINKRANK_LOG_EVERY" yaml:"log_every"`
	Diagnostics bool    `envconfig:"LINKRANK_DIAGNOSTICS" yaml:"diagnostics"`
}

// ModelConfig selects where scores come from.
type ModelConfig struct {
	Kind        string        `envconfig:"LINKRANK_MODEL_KIND" yaml:"kind"` // local or grpc
	GRPCAddress string        `envconfig:"LINKRANK_GRPC_ADDRESS" yaml:"grpc_address"`
	GRPCTimeout time.Duration `envconfig:"LINKRANK_GRPC_TIMEOUT" yaml:"grpc_timeout"`
	MaxBatch    int           `envconfig:"LINKRANK_MAX_BATCH" yaml:"max_batch"` // 0 = chunk size
	RPS         float64       `envconfig:"LINKRANK_RPS" yaml:"rps"`             // 0 = unlimited
}

// StoreConfig selects the partial-metrics store.
type StoreConfig struct {
	Type     string `envconfig:"LINKRANK_STORE_TYPE" yaml:"type"`
	RedisURL string `envconfig:"LINKRANK_REDIS_URL" yaml:"redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"LINKRANK_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"LINKRANK_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"LINKRANK_KAFKA_GROUP" yaml:"kafka_group"`
	EventLog     string `envconfig:"LINKRANK_EVENT_LOG" yaml:"event_log"` // empty = off
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"LINKRANK_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"LINKRANK_LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from environment variables and optional config file.
// The result is not validated: callers apply their overrides first and then
// call Validate.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	// file overrides defaults
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, errors.Wrap(errors.CodeConfig, "loading config file", err)
		}
	}

	// environment overrides everything
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errors.Wrap(errors.CodeConfig, "processing env config", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Data = DataConfig{
		Dir:   "./data/",
		Name:  "WN18RR",
		Split: "test",
	}

	cfg.Run = RunConfig{
		Folder:       "../",
		ModelNames:   []string{"wn18rr"},
		ModelIndexes: []string{"200"},
	}

	cfg.Eval = EvalConfig{
		Type:        "random",
		NumSplits:   8,
		TestIdx:     1,
		BatchSize:   128,
		NegRatio:    1.0,
		Seed:        1234,
		Workers:     1,
		LogEvery:    100,
		Diagnostics: true,
	}

	cfg.Model = ModelConfig{
		Kind:        "local",
		GRPCTimeout: 60 * time.Second,
	}

	cfg.Store = StoreConfig{
		Type:     "file",
		RedisURL: "redis://localhost:6379",
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "linkrank",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate collects every problem and reports them together as a
// CONFIG_ERROR.
func (c *Config) Validate() error {
	var errs []string

	// Data validation
	if c.Data.Name == "" {
		errs = append(errs, "data name is required")
	}
	validSplits := map[string]bool{"test": true, "valid": true}
	if !validSplits[c.Data.Split] {
		errs = append(errs, fmt.Sprintf("invalid split: %s (must be test or valid)", c.Data.Split))
	}

	// Run validation
	if len(c.Run.ModelNames) == 0 {
		errs = append(errs, "at least one model name is required")
	}
	if len(c.Run.ModelIndexes) == 0 {
		errs = append(errs, "at least one model index is required")
	}

	// Eval validation
	validTypes := map[string]bool{"top": true, "bottom": true, "random": true}
	if !validTypes[c.Eval.Type] {
		errs = append(errs, fmt.Sprintf("invalid eval type: %s (must be top, bottom, or random)", c.Eval.Type))
	}
	if c.Eval.NumSplits < 1 {
		errs = append(errs, "num_splits must be positive")
	}
	if c.Eval.TestIdx < 0 || c.Eval.TestIdx >= c.Eval.NumSplits {
		errs = append(errs, fmt.Sprintf("test_idx %d must be in [0, %d)", c.Eval.TestIdx, c.Eval.NumSplits))
	}
	if c.Eval.BatchSize < 1 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.Eval.NegRatio < 0 {
		errs = append(errs, "neg_ratio must not be negative")
	}
	if c.Eval.Workers < 1 {
		errs = append(errs, "workers must be positive")
	}
	if c.Eval.LogEvery < 0 {
		errs = append(errs, "log_every must not be negative")
	}

	// Model validation
	switch c.Model.Kind {
	case "local":
	case "grpc":
		if c.Model.GRPCAddress == "" {
			errs = append(errs, "grpc_address is required for grpc model kind")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid model kind: %s (must be local or grpc)", c.Model.Kind))
	}
	if c.Model.MaxBatch < 0 {
		errs = append(errs, "max_batch must not be negative")
	}
	if c.Model.RPS < 0 {
		errs = append(errs, "rps must not be negative")
	}

	// Store validation
	validStoreTypes := map[string]bool{"file": true, "redis": true}
	if !validStoreTypes[c.Store.Type] {
		errs = append(errs, fmt.Sprintf("invalid store type: %s (must be file or redis)", c.Store.Type))
	}
	if c.Store.Type == "redis" && c.Store.RedisURL == "" {
		errs = append(errs, "redis_url is required for redis store")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for kafka bus")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.ConfigError(fmt.Sprintf("config validation failed:\n  - %s", strings.Join(errs, "\n  - ")))
	}

	return nil
}

// ChunkSize is the number of candidates per scoring call:
// batch_size * (int(neg_ratio) + 1).
func (c *Config) ChunkSize() int {
	return c.Eval.BatchSize * (int(c.Eval.NegRatio) + 1)
}

// MaxBatch is the scoring batch bound, defaulting to the chunk size.
func (c *Config) MaxBatch() int {
	if c.Model.MaxBatch > 0 {
		return c.Model.MaxBatch
	}
	return c.ChunkSize()
}
