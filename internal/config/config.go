// Package config loads flowcore settings from defaults, an optional YAML or
// JSON file and FLOWCORE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/executor"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/pkg/schema"
)

// EnvPrefix prefixes every environment override, e.g. FLOWCORE_STORE_DSN.
const EnvPrefix = "FLOWCORE"

// Config is the complete process configuration.
type Config struct {
	Log         logging.Config            `mapstructure:"log"`
	Store       StoreConfig               `mapstructure:"store"`
	Lock        LockConfig                `mapstructure:"lock"`
	Tokens      TokenConfig               `mapstructure:"tokens"`
	Engine      engine.Config             `mapstructure:"engine"`
	Scheduler   scheduler.Config          `mapstructure:"scheduler"`
	Dispatcher  executor.DispatcherConfig `mapstructure:"dispatcher"`
	Registry    executor.RegistryConfig   `mapstructure:"registry"`
	Kafka       executor.KafkaConfig      `mapstructure:"kafka"`
	Callbacks   CallbackConfig            `mapstructure:"callbacks"`
	Definitions DefinitionsConfig         `mapstructure:"definitions"`
	Executors   []schema.ExecutorInfo     `mapstructure:"executors"`
	Streaming   StreamingConfig           `mapstructure:"streaming"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
}

// StoreConfig selects the run store. DSN is the libSQL database path or URL.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LockConfig selects the per-run lock implementation.
type LockConfig struct {
	Driver string `mapstructure:"driver"`
	// Address is the Redis address; DSN the Postgres connection string.
	Address       string        `mapstructure:"address"`
	DSN           string        `mapstructure:"dsn"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Prefix        string        `mapstructure:"prefix"`
}

// TokenConfig configures execution and callback token signing.
type TokenConfig struct {
	Secret    string        `mapstructure:"secret"`
	Issuer    string        `mapstructure:"issuer"`
	TTL       time.Duration `mapstructure:"ttl"`
	ClockSkew time.Duration `mapstructure:"clock_skew"`
}

// CallbackConfig bounds signal callbacks that set no TTL of their own.
type CallbackConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// DefinitionsConfig points at the directory definitions are loaded from.
// An empty Dir serves no definitions.
type DefinitionsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// StreamingConfig sizes per-subscriber event buffers.
type StreamingConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// Store and lock drivers.
const (
	DriverMemory   = "memory"
	DriverLibSQL   = "libsql"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

const minSecretLen = 32

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	sched := scheduler.DefaultConfig()
	return Config{
		Log:    logging.Config{Level: "info", Format: "json"},
		Store:  StoreConfig{Driver: DriverMemory},
		Lock:   LockConfig{Driver: DriverMemory, TTL: 10 * time.Second, RetryInterval: 50 * time.Millisecond, Prefix: "flowcore:"},
		Tokens: TokenConfig{Issuer: "flowcore", TTL: 24 * time.Hour, ClockSkew: 30 * time.Second},
		Engine: engine.DefaultConfig(),
		Scheduler: scheduler.Config{
			PoolSize:           sched.PoolSize,
			DeadLetterCapacity: sched.DeadLetterCapacity,
			TombstoneTTL:       sched.TombstoneTTL,
			SweepSpec:          sched.SweepSpec,
		},
		Dispatcher: executor.DispatcherConfig{
			DefaultTimeout: executor.DefaultDispatchTimeout,
			MaxConcurrent:  executor.DefaultMaxConcurrent,
		},
		Registry: executor.RegistryConfig{
			HeartbeatTimeout: executor.DefaultHeartbeatTimeout,
			Strategy:         "round_robin",
			CircuitBreaker:   executor.DefaultCircuitBreakerConfig(),
		},
		Kafka:     executor.KafkaConfig{ReplyTopic: "flowcore.replies", GroupID: "flowcore"},
		Callbacks: CallbackConfig{DefaultTTL: 7 * 24 * time.Hour},
		Streaming: StreamingConfig{Buffer: 256},
		Metrics:   MetricsConfig{Path: "/metrics"},
	}
}

// Load reads the configuration. path may be empty, in which case
// flowcore.{yaml,yml,json} is looked up in the working directory and
// /etc/flowcore; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("flowcore")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowcore")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so environment variables can
// override keys the file never mentions.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("lock.driver", d.Lock.Driver)
	v.SetDefault("lock.address", d.Lock.Address)
	v.SetDefault("lock.dsn", d.Lock.DSN)
	v.SetDefault("lock.ttl", d.Lock.TTL)
	v.SetDefault("lock.retry_interval", d.Lock.RetryInterval)
	v.SetDefault("lock.prefix", d.Lock.Prefix)

	v.SetDefault("tokens.secret", d.Tokens.Secret)
	v.SetDefault("tokens.issuer", d.Tokens.Issuer)
	v.SetDefault("tokens.ttl", d.Tokens.TTL)
	v.SetDefault("tokens.clock_skew", d.Tokens.ClockSkew)

	v.SetDefault("engine.max_conflict_retries", d.Engine.MaxConflictRetries)
	v.SetDefault("engine.recovery_page_size", d.Engine.RecoveryPageSize)

	v.SetDefault("scheduler.pool_size", d.Scheduler.PoolSize)
	v.SetDefault("scheduler.dead_letter_capacity", d.Scheduler.DeadLetterCapacity)
	v.SetDefault("scheduler.tombstone_ttl", d.Scheduler.TombstoneTTL)
	v.SetDefault("scheduler.sweep_spec", d.Scheduler.SweepSpec)

	v.SetDefault("dispatcher.default_timeout", d.Dispatcher.DefaultTimeout)
	v.SetDefault("dispatcher.max_concurrent", d.Dispatcher.MaxConcurrent)

	v.SetDefault("registry.heartbeat_timeout", d.Registry.HeartbeatTimeout)
	v.SetDefault("registry.strategy", d.Registry.Strategy)
	v.SetDefault("registry.circuit_breaker.failure_threshold", d.Registry.CircuitBreaker.FailureThreshold)
	v.SetDefault("registry.circuit_breaker.cooldown", d.Registry.CircuitBreaker.Cooldown)
	v.SetDefault("registry.circuit_breaker.half_open_max", d.Registry.CircuitBreaker.HalfOpenMax)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.reply_topic", d.Kafka.ReplyTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)

	v.SetDefault("callbacks.default_ttl", d.Callbacks.DefaultTTL)
	v.SetDefault("definitions.dir", d.Definitions.Dir)
	v.SetDefault("definitions.watch", d.Definitions.Watch)
	v.SetDefault("streaming.buffer", d.Streaming.Buffer)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Validate rejects missing or inconsistent settings. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		fail("log.format %q is not json or text", c.Log.Format)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverLibSQL:
		if c.Store.DSN == "" {
			fail("store.dsn is required for the libsql driver")
		}
	default:
		fail("store.driver %q is not memory or libsql", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Lock.Address == "" {
			fail("lock.address is required for the redis driver")
		}
	case DriverPostgres:
		if c.Lock.DSN == "" {
			fail("lock.dsn is required for the postgres driver")
		}
	default:
		fail("lock.driver %q is not memory, redis or postgres", c.Lock.Driver)
	}
	if c.Store.Driver == DriverMemory && c.Lock.Driver != DriverMemory {
		fail("lock.driver %s needs a shared store; the memory store is private to one process", c.Lock.Driver)
	}
	if c.Lock.Driver == DriverRedis && c.Lock.TTL <= 3*c.Lock.RetryInterval {
		fail("lock.ttl must exceed three retry intervals")
	}

	if len(c.Tokens.Secret) < minSecretLen {
		fail("tokens.secret must be at least %d bytes", minSecretLen)
	}
	if c.Tokens.TTL <= 0 {
		fail("tokens.ttl must be positive")
	}

	if c.Engine.MaxConflictRetries < 1 {
		fail("engine.max_conflict_retries must be at least 1")
	}
	if c.Engine.RecoveryPageSize < 1 {
		fail("engine.recovery_page_size must be at least 1")
	}
	if c.Scheduler.PoolSize < 1 {
		fail("scheduler.pool_size must be at least 1")
	}
	if err := scheduler.ValidateSpec(c.Scheduler.SweepSpec); err != nil {
		fail("scheduler.sweep_spec: %w", err)
	}
	if c.Dispatcher.DefaultTimeout <= 0 {
		fail("dispatcher.default_timeout must be positive")
	}
	for typ, limit := range c.Dispatcher.RateLimits {
		if limit <= 0 {
			fail("dispatcher.rate_limits.%s must be positive", typ)
		}
	}
	switch c.Registry.Strategy {
	case "", "round_robin", "random":
	default:
		fail("registry.strategy %q is not round_robin or random", c.Registry.Strategy)
	}
	if c.Definitions.Watch && c.Definitions.Dir == "" {
		fail("definitions.watch needs definitions.dir")
	}

	seen := make(map[string]bool, len(c.Executors))
	kafka := false
	for i, ex := range c.Executors {
		switch {
		case ex.ID == "":
			fail("executors[%d].id is required", i)
		case seen[ex.ID]:
			fail("executors[%d].id %q is duplicated", i, ex.ID)
		}
		seen[ex.ID] = true
		if ex.Type == "" {
			fail("executors[%d].type is required", i)
		}
		switch ex.CommunicationType {
		case schema.CommunicationGRPC, schema.CommunicationREST:
			if ex.Endpoint == "" {
				fail("executors[%d] %s needs an endpoint", i, ex.CommunicationType)
			}
		case schema.CommunicationKafka:
			kafka = true
			if ex.Endpoint == "" {
				fail("executors[%d] KAFKA needs a topic endpoint", i)
			}
		case schema.CommunicationLocal, schema.CommunicationUnspecified, "":
		default:
			fail("executors[%d].communication_type %q is unknown", i, ex.CommunicationType)
		}
	}
	if kafka && len(c.Kafka.Brokers) == 0 {
		fail("kafka.brokers is required when a KAFKA executor is configured")
	}

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	return schema.NewError(schema.ErrCodeValidation, "invalid configuration: "+joined.Error()).WithCause(joined)
}
