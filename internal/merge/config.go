package merge

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carelake-io/carelake/internal/config"
	"github.com/carelake-io/carelake/internal/scd2"
)

// DefaultConfigPath is the default location of the optional merge
// configuration file.
const DefaultConfigPath = ".carelake.yaml"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CARELAKE_CONFIG_PATH"

// Config holds the tunable merge settings. Environment variables provide the
// base values; the optional YAML file overrides them where set.
type Config struct {
	DimensionBatchSize int
	FactBatchSize      int
	Strategy           scd2.Strategy

	// EnableSCD2 turns dimension versioning on; off, significant changes
	// rewrite the current version in place.
	EnableSCD2 bool

	// EnableFKValidation applies the handlers' missing-key strategies; off,
	// unresolved references load as NULL keys.
	EnableFKValidation bool

	// DimensionTimeout bounds each dimension load. Zero disables it.
	DimensionTimeout time.Duration

	ContinueOnError bool
	MaxErrors       int
	MaxErrorRate    float64

	CacheTTL             time.Duration
	CacheCapacity        uint64
	CacheRefreshInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel slog.Level
}

// fileConfig mirrors the YAML layout; pointer fields distinguish "absent"
// from zero.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type fileConfig struct {
	Merge struct {
		DimensionBatchSize *int    `yaml:"dimension_batch_size"`
		FactBatchSize      *int    `yaml:"fact_batch_size"`
		Scd2Strategy       *string `yaml:"scd2_strategy"`
		EnableSCD2         *bool   `yaml:"enable_scd2"`
		EnableFKValidation *bool   `yaml:"enable_fk_validation"`
		DimensionTimeout   *string `yaml:"dimension_timeout"`
	} `yaml:"merge"`
	ErrorHandling struct {
		ContinueOnError *bool    `yaml:"continue_on_error"`
		MaxErrors       *int     `yaml:"max_errors"`
		MaxErrorRate    *float64 `yaml:"max_error_rate"`
	} `yaml:"error_handling"`
	Cache struct {
		TTL             *string `yaml:"ttl"`
		Capacity        *int64  `yaml:"capacity"`
		RefreshInterval *string `yaml:"refresh_interval"`
	} `yaml:"cache"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   *string  `yaml:"topic"`
	} `yaml:"kafka"`
}

// LoadConfig builds the merge configuration from the environment and the
// optional config file. A missing or malformed file degrades gracefully to
// environment values; the merger must be runnable with nothing but
// DATABASE_URL set.
func LoadConfig() *Config {
	cfg := &Config{
		DimensionBatchSize: config.GetEnvInt("CARELAKE_DIMENSION_BATCH_SIZE", 500),
		FactBatchSize:      config.GetEnvInt("CARELAKE_FACT_BATCH_SIZE", 1000),
		Strategy:           scd2.Strategy(config.GetEnvStr("CARELAKE_SCD2_STRATEGY", string(scd2.StrategyHash))),
		EnableSCD2:         config.GetEnvBool("CARELAKE_ENABLE_SCD2", true),
		EnableFKValidation: config.GetEnvBool("CARELAKE_ENABLE_FK_VALIDATION", true),
		DimensionTimeout:   config.GetEnvDuration("CARELAKE_DIMENSION_TIMEOUT", 5*time.Minute),
		ContinueOnError:    config.GetEnvBool("CARELAKE_CONTINUE_ON_ERROR", true),
		MaxErrors:          config.GetEnvInt("CARELAKE_MAX_ERRORS", 1000),
		MaxErrorRate:       config.GetEnvFloat("CARELAKE_MAX_ERROR_RATE", 0.05),
		CacheTTL:           config.GetEnvDuration("CARELAKE_CACHE_TTL", 5*time.Minute),
		CacheCapacity:      uint64(config.GetEnvInt64("CARELAKE_CACHE_CAPACITY", 1_000_000)),
		CacheRefreshInterval: config.GetEnvDuration("CARELAKE_CACHE_REFRESH_INTERVAL",
			time.Minute),
		KafkaBrokers:       config.GetEnvStrSlice("CARELAKE_KAFKA_BROKERS", nil),
		KafkaTopic:         config.GetEnvStr("CARELAKE_KAFKA_TOPIC", "carelake.core.merges"),
		LogLevel:           config.GetEnvLogLevel("CARELAKE_LOG_LEVEL", slog.LevelInfo),
	}

	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)
	applyFile(cfg, path)

	return cfg
}

// applyFile overlays settings from the YAML file onto cfg.
func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, using environment configuration",
				slog.String("path", path))

			return
		}

		slog.Warn("Failed to read config file, using environment configuration",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return
	}

	if len(data) == 0 {
		return
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Failed to parse config file, using environment configuration",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return
	}

	if file.Merge.DimensionBatchSize != nil {
		cfg.DimensionBatchSize = *file.Merge.DimensionBatchSize
	}

	if file.Merge.FactBatchSize != nil {
		cfg.FactBatchSize = *file.Merge.FactBatchSize
	}

	if file.Merge.Scd2Strategy != nil {
		cfg.Strategy = scd2.Strategy(*file.Merge.Scd2Strategy)
	}

	if file.Merge.EnableSCD2 != nil {
		cfg.EnableSCD2 = *file.Merge.EnableSCD2
	}

	if file.Merge.EnableFKValidation != nil {
		cfg.EnableFKValidation = *file.Merge.EnableFKValidation
	}

	if file.Merge.DimensionTimeout != nil {
		if timeout, err := time.ParseDuration(*file.Merge.DimensionTimeout); err == nil {
			cfg.DimensionTimeout = timeout
		} else {
			slog.Warn("Invalid dimension timeout in config file, keeping current value",
				slog.String("timeout", *file.Merge.DimensionTimeout))
		}
	}

	if file.ErrorHandling.ContinueOnError != nil {
		cfg.ContinueOnError = *file.ErrorHandling.ContinueOnError
	}

	if file.ErrorHandling.MaxErrors != nil {
		cfg.MaxErrors = *file.ErrorHandling.MaxErrors
	}

	if file.ErrorHandling.MaxErrorRate != nil {
		cfg.MaxErrorRate = *file.ErrorHandling.MaxErrorRate
	}

	if file.Cache.TTL != nil {
		if ttl, err := time.ParseDuration(*file.Cache.TTL); err == nil {
			cfg.CacheTTL = ttl
		} else {
			slog.Warn("Invalid cache TTL in config file, keeping current value",
				slog.String("ttl", *file.Cache.TTL))
		}
	}

	if file.Cache.Capacity != nil && *file.Cache.Capacity > 0 {
		cfg.CacheCapacity = uint64(*file.Cache.Capacity)
	}

	if file.Cache.RefreshInterval != nil {
		if interval, err := time.ParseDuration(*file.Cache.RefreshInterval); err == nil {
			cfg.CacheRefreshInterval = interval
		} else {
			slog.Warn("Invalid cache refresh interval in config file, keeping current value",
				slog.String("refreshInterval", *file.Cache.RefreshInterval))
		}
	}

	if len(file.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = file.Kafka.Brokers
	}

	if file.Kafka.Topic != nil {
		cfg.KafkaTopic = *file.Kafka.Topic
	}
}
