package shardkeeper

import (
	"errors"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.API.Secret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func invalidFields(t *testing.T, err error) []string {
	t.Helper()
	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected validation errors, got: %v", err)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.StructField())
	}
	return fields
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	require.NoError(t, structValidator.Struct(cfg))

	assert.Equal(t, DefaultShardsPerWorker, cfg.Orchestrator.ShardsPerWorker)
	assert.Equal(t, DefaultDrainTimeout, cfg.Orchestrator.DrainTimeout)
	assert.Equal(t, DefaultWorkerMode, cfg.Orchestrator.WorkerMode)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultDiscordgoLogLevel, cfg.Discord.DiscordGoLogLevel.Level())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.API.Development)

	// level vars aren't shared between components
	cfg.API.LogLevel.Set(DefaultLogLevel - 4)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(cfg *Config)
		field  string
	}{
		{
			name:   "missing token",
			modify: func(cfg *Config) { cfg.Discord.Token = "" },
			field:  "Token",
		},
		{
			name:   "short secret",
			modify: func(cfg *Config) { cfg.API.Secret = "hunter2" },
			field:  "Secret",
		},
		{
			name:   "database type",
			modify: func(cfg *Config) { cfg.DatabaseType = "mysql" },
			field:  "DatabaseType",
		},
		{
			name:   "shards per worker",
			modify: func(cfg *Config) { cfg.Orchestrator.ShardsPerWorker = 0 },
			field:  "ShardsPerWorker",
		},
		{
			name:   "worker mode",
			modify: func(cfg *Config) { cfg.Orchestrator.WorkerMode = "thread" },
			field:  "WorkerMode",
		},
		{
			name: "heartbeat timeout",
			modify: func(cfg *Config) {
				cfg.Orchestrator.HeartbeatTimeout = cfg.Orchestrator.HeartbeatInterval
			},
			field: "HeartbeatTimeout",
		},
		{
			name: "backoff",
			modify: func(cfg *Config) {
				cfg.Orchestrator.RespawnBackoffInitial = time.Minute
				cfg.Orchestrator.RespawnBackoffMax = time.Second
			},
			field: "RespawnBackoffMax",
		},
		{
			name: "more clusters than shards",
			modify: func(cfg *Config) {
				cfg.Orchestrator.TotalShards = 2
				cfg.Orchestrator.Clusters = 3
			},
			field: "Clusters",
		},
		{
			name: "restart window",
			modify: func(cfg *Config) {
				cfg.Orchestrator.MaxRestarts = 3
				cfg.Orchestrator.RestartWindow = 0
			},
			field: "RestartWindow",
		},
		{
			name:   "listen network",
			modify: func(cfg *Config) { cfg.API.ListenNetwork = "udp" },
			field:  "ListenNetwork",
		},
		{
			name:   "rate limit",
			modify: func(cfg *Config) { cfg.API.RateLimit = 0 },
			field:  "RateLimit",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := validTestConfig()
				tc.modify(cfg)
				err := structValidator.Struct(cfg)
				require.Error(t, err)
				assert.Contains(t, invalidFields(t, err), tc.field)
			},
		)
	}

	t.Run(
		"restarts disabled", func(t *testing.T) {
			t.Parallel()
			cfg := validTestConfig()
			cfg.Orchestrator.MaxRestarts = 0
			cfg.Orchestrator.RestartWindow = 0
			assert.NoError(t, structValidator.Struct(cfg))
		},
	)
}

func TestCORSConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultCORSConfig()
	cfg.AllowMethods[0] = "PATCH"
	assert.NotEqual(t, "PATCH", DefaultCORSAllowMethods[0])
	assert.Contains(t, cfg.AllowHeaders, SecretHeader)

	gc := cfg.GINConfig()
	assert.True(t, gc.AllowAllOrigins)
	assert.False(t, gc.AllowCredentials)

	cfg.AllowOrigins = []string{"https://example.com"}
	cfg.AllowCredentials = true
	gc = cfg.GINConfig()
	assert.False(t, gc.AllowAllOrigins)
	assert.True(t, gc.AllowCredentials)
	assert.Equal(t, DefaultCORSMaxAge, gc.MaxAge)
}

func TestRedisConfig_Enabled(t *testing.T) {
	t.Parallel()
	var nilConfig *RedisConfig
	assert.False(t, nilConfig.Enabled())
	assert.False(t, (&RedisConfig{}).Enabled())
	assert.True(t, (&RedisConfig{Addrs: []string{"127.0.0.1:6379"}}).Enabled())
}

func TestConfig_LogValue(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	value := cfg.LogValue().String()
	assert.NotContains(t, value, cfg.Discord.Token)
	assert.NotContains(t, value, cfg.API.Secret)
	assert.Contains(t, value, "[redacted]")
}

func TestNew(t *testing.T) {
	cfg := validTestConfig()
	cfg.Database = t.TempDir() + "/shardkeeper.sqlite3"
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.ValidateConfig())
	assert.NotNil(t, s.fetcher)
	assert.NotNil(t, s.spawner)
	assert.NotNil(t, cfg.HTTPClient)
	assert.Nil(t, s.Manager())

	cfg = validTestConfig()
	cfg.DatabaseType = "mysql"
	s, err = New(cfg)
	require.ErrorIs(t, err, ErrConfigInvalid)
	assert.ErrorIs(t, s.ValidateConfig(), ErrConfigInvalid)
}
