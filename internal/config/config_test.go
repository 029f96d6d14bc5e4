package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "flowcore.yaml", `
log:
  level: debug
  format: text
store:
  driver: libsql
  dsn: /var/lib/flowcore/runs.db
lock:
  driver: redis
  address: localhost:6379
tokens:
  secret: `+secret+`
scheduler:
  pool_size: 16
  sweep_spec: "@every 10s"
dispatcher:
  default_timeout: 5s
  concurrency:
    payments: 4
  rate_limits:
    payments: 2.5
registry:
  strategy: random
  circuit_breaker:
    failure_threshold: 3
kafka:
  brokers: [localhost:9092]
executors:
  - id: pay-1
    type: payments
    communication_type: REST
    endpoint: http://payments:8080/execute
    timeout: 3s
  - id: ship-1
    type: shipping
    communication_type: KAFKA
    endpoint: shipping.requests
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverLibSQL, cfg.Store.Driver)
	assert.Equal(t, DriverRedis, cfg.Lock.Driver)
	assert.Equal(t, 10*time.Second, cfg.Lock.TTL, "unset keys keep their defaults")
	assert.Equal(t, 16, cfg.Scheduler.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.DefaultTimeout)
	assert.Equal(t, int64(4), cfg.Dispatcher.Concurrency["payments"])
	assert.InDelta(t, 2.5, cfg.Dispatcher.RateLimits["payments"], 0.001)
	assert.Equal(t, "random", cfg.Registry.Strategy)
	assert.Equal(t, 3, cfg.Registry.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Registry.CircuitBreaker.Cooldown)
	assert.Equal(t, 5, cfg.Engine.MaxConflictRetries)

	require.Len(t, cfg.Executors, 2)
	assert.Equal(t, schema.CommunicationREST, cfg.Executors[0].CommunicationType)
	assert.Equal(t, 3*time.Second, cfg.Executors[0].Timeout)
	assert.Equal(t, "shipping.requests", cfg.Executors[1].Endpoint)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "flowcore.json", `{"tokens": {"secret": "`+secret+`"}, "scheduler": {"pool_size": 4}}`)
	t.Setenv("FLOWCORE_SCHEDULER_POOL_SIZE", "32")
	t.Setenv("FLOWCORE_LOG_LEVEL", "warn")
	t.Setenv("FLOWCORE_DISPATCHER_DEFAULT_TIMEOUT", "45s")
	t.Setenv("FLOWCORE_METRICS_LISTEN_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Scheduler.PoolSize)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.DefaultTimeout)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = Load(writeFile(t, "flowcore.yaml", "log: {level: info}\n"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "tokens.secret")
}

func valid() Config {
	cfg := Default()
	cfg.Tokens.Secret = secret
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, func() error { c := valid(); return c.Validate() }())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"store driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"libsql dsn", func(c *Config) { c.Store.Driver = DriverLibSQL }, "store.dsn"},
		{"shared lock over memory store", func(c *Config) {
			c.Lock.Driver = DriverPostgres
			c.Lock.DSN = "postgres://localhost/flowcore"
		}, "memory store"},
		{"redis address", func(c *Config) {
			c.Store = StoreConfig{Driver: DriverLibSQL, DSN: "runs.db"}
			c.Lock.Driver = DriverRedis
		}, "lock.address"},
		{"short secret", func(c *Config) { c.Tokens.Secret = "short" }, "tokens.secret"},
		{"sweep spec", func(c *Config) { c.Scheduler.SweepSpec = "whenever" }, "sweep_spec"},
		{"pool size", func(c *Config) { c.Scheduler.PoolSize = 0 }, "pool_size"},
		{"strategy", func(c *Config) { c.Registry.Strategy = "fastest" }, "registry.strategy"},
		{"watch without dir", func(c *Config) { c.Definitions.Watch = true }, "definitions.dir"},
		{"duplicate executor", func(c *Config) {
			ex := schema.ExecutorInfo{ID: "a", Type: "t", CommunicationType: schema.CommunicationLocal}
			c.Executors = []schema.ExecutorInfo{ex, ex}
		}, "duplicated"},
		{"rest endpoint", func(c *Config) {
			c.Executors = []schema.ExecutorInfo{{ID: "a", Type: "t", CommunicationType: schema.CommunicationREST}}
		}, "endpoint"},
		{"kafka brokers", func(c *Config) {
			c.Executors = []schema.ExecutorInfo{{ID: "a", Type: "t", CommunicationType: schema.CommunicationKafka, Endpoint: "topic"}}
		}, "kafka.brokers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
