//nolint:lll // struct tags can't be split
package shardkeeper

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "SHARDKEEPER_ENV_PREFIX"
	DefaultEnvPrefix      = "SK"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "shardkeeper.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 5 * time.Minute
	// DefaultShutdownTimeout covers draining every worker
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultIdentifyOS           = "linux"
	DefaultIdentifyBrowser      = "shardkeeper"
	DefaultIdentifyDevice       = "shardkeeper"

	DefaultShardsPerWorker       = 4
	DefaultClusters              = 1
	DefaultSpawnShardDelay       = 5 * time.Second
	DefaultClusterSpawnDelay     = 5 * time.Second
	DefaultIdentifyTimeout       = 30 * time.Second
	DefaultHeartbeatInterval     = 5 * time.Second
	DefaultHeartbeatTimeout      = 30 * time.Second
	DefaultRespawnBackoffInitial = time.Second
	DefaultRespawnBackoffMax     = time.Minute
	DefaultMaxRestarts           = 5
	DefaultRestartWindow         = 10 * time.Minute
	DefaultDrainTimeout          = 30 * time.Second
	DefaultWorkerMode            = WorkerModeGoroutine
	DefaultOrchestratorLogLevel  = slog.LevelInfo

	DefaultRedisLeaseTTL  = 15 * time.Second
	DefaultRedisKeyPrefix = "shardkeeper"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPIRateLimit            = 1.0
	DefaultAPIRateBurst            = 5
	DefaultAPICORSAllowCredentials = false

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	defaultListenNetwork         = "tcp"
)

const (
	// WorkerModeGoroutine runs workers inside the orchestrator process
	WorkerModeGoroutine = "goroutine"

	// WorkerModeProcess runs each worker as a child process,
	// speaking msgpack frames over stdin/stdout
	WorkerModeProcess = "process"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"Cache-Control",
		SecretHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the gateway connection parameters
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Orchestrator configures sharding, workers and recovery
	Orchestrator *OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator" json:"orchestrator" binding:"required"`

	// Redis is optional. When addresses are set, identify buckets are
	// leased in Redis so that several orchestrators sharing a bot token
	// never identify in the same bucket at once.
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// API configures the control channel
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds the time for every shard of the first
	// generation to become ready.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, remaining workers are killed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig holds the parameters passed to every gateway connection.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Identify connection properties
	Properties IdentifyProperties `yaml:"properties" mapstructure:"properties" json:"properties"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// IdentifyProperties are sent in the IDENTIFY payload
type IdentifyProperties struct {
	OS      string `yaml:"os" mapstructure:"os" json:"os" msgpack:"os"`
	Browser string `yaml:"browser" mapstructure:"browser" json:"browser" msgpack:"browser"`
	Device  string `yaml:"device" mapstructure:"device" json:"device" msgpack:"device"`
}

// OrchestratorConfig configures how shards are divided and supervised.
type OrchestratorConfig struct {
	// TotalShards overrides Discord's recommended shard count. 0 uses the
	// recommendation from /gateway/bot.
	TotalShards int `yaml:"total_shards" mapstructure:"total_shards" json:"total_shards" binding:"min=0"`

	// ShardsPerWorker is the number of shards hosted by a single worker
	ShardsPerWorker int `yaml:"shards_per_worker" mapstructure:"shards_per_worker" json:"shards_per_worker" binding:"min=1"`

	// Clusters is the number of clusters the shards are divided into
	Clusters int `yaml:"clusters" mapstructure:"clusters" json:"clusters" binding:"min=1"`

	// SpawnShardDelay is the time a bucket stays held after a shard
	// reports ready, before the next shard in the bucket may identify.
	SpawnShardDelay time.Duration `yaml:"spawn_shard_delay" mapstructure:"spawn_shard_delay" json:"spawn_shard_delay" binding:"min=0"`

	// ClusterSpawnDelay is the pause between starting consecutive clusters
	ClusterSpawnDelay time.Duration `yaml:"cluster_spawn_delay" mapstructure:"cluster_spawn_delay" json:"cluster_spawn_delay" binding:"min=0"`

	// IdentifyTimeout bounds the wait for a bucket, and the time a granted
	// shard has to report ready before its bucket is reclaimed.
	IdentifyTimeout time.Duration `yaml:"identify_timeout" mapstructure:"identify_timeout" json:"identify_timeout" binding:"min=1ms"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" json:"heartbeat_interval" binding:"min=1ms"`

	// HeartbeatTimeout marks a worker unresponsive when no heartbeat
	// arrives within this window. Must exceed HeartbeatInterval.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout" json:"heartbeat_timeout" binding:"gtfield=HeartbeatInterval"`

	RespawnBackoffInitial time.Duration `yaml:"respawn_backoff_initial" mapstructure:"respawn_backoff_initial" json:"respawn_backoff_initial" binding:"min=0"`
	RespawnBackoffMax     time.Duration `yaml:"respawn_backoff_max" mapstructure:"respawn_backoff_max" json:"respawn_backoff_max" binding:"gtefield=RespawnBackoffInitial"`

	// MaxRestarts is the number of crashes a worker may have within
	// RestartWindow before it is declared failed.
	MaxRestarts   int           `yaml:"max_restarts" mapstructure:"max_restarts" json:"max_restarts" binding:"min=0"`
	RestartWindow time.Duration `yaml:"restart_window" mapstructure:"restart_window" json:"restart_window" binding:"min=0"`

	// DrainTimeout is the grace window a replaced generation keeps
	// delivering events after a recluster, before it is stopped.
	DrainTimeout time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout" json:"drain_timeout" binding:"min=0"`

	// WorkerMode is either 'goroutine' or 'process'
	WorkerMode string `yaml:"worker_mode" mapstructure:"worker_mode" json:"worker_mode" binding:"oneof=goroutine process"`

	// WorkerBinary is the executable started for process workers.
	// Defaults to the running executable.
	WorkerBinary string `yaml:"worker_binary" mapstructure:"worker_binary" json:"worker_binary"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RedisConfig configures the shared identify bucket lease
type RedisConfig struct {
	Addrs     []string      `yaml:"addrs" mapstructure:"addrs" json:"addrs"`
	Password  string        `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	LeaseTTL  time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl" json:"lease_ttl" binding:"min=0"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
}

// Enabled reports whether any Redis address is configured
func (c *RedisConfig) Enabled() bool {
	return c != nil && len(c.Addrs) > 0
}

// APIConfig configures the control channel server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Shared secret expected in the X-Shardkeeper-Secret header
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required,min=16"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`

	// RateLimit is the sustained rate of mutating requests allowed per second
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit" binding:"gt=0"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst" json:"rate_burst" binding:"min=1"`

	// Development disables panic recovery and registers pprof handlers
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateOrchestratorConfig checks the relationships between orchestrator
// settings that field tags can't express.
func validateOrchestratorConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(OrchestratorConfig)
	if !ok {
		return
	}
	if c.TotalShards > 0 && c.Clusters > c.TotalShards {
		sl.ReportError(
			c.Clusters,
			"clusters",
			"Clusters",
			"ltefield",
			"TotalShards",
		)
	}
	if c.MaxRestarts > 0 && c.RestartWindow == 0 {
		sl.ReportError(
			c.RestartWindow,
			"restart_window",
			"RestartWindow",
			"required_with",
			"MaxRestarts",
		)
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	orchestratorLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	orchestratorLogLevel.Set(DefaultOrchestratorLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents: DefaultDiscordGatewayIntent,
			Properties: IdentifyProperties{
				OS:      DefaultIdentifyOS,
				Browser: DefaultIdentifyBrowser,
				Device:  DefaultIdentifyDevice,
			},
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Orchestrator: &OrchestratorConfig{
			ShardsPerWorker:       DefaultShardsPerWorker,
			Clusters:              DefaultClusters,
			SpawnShardDelay:       DefaultSpawnShardDelay,
			ClusterSpawnDelay:     DefaultClusterSpawnDelay,
			IdentifyTimeout:       DefaultIdentifyTimeout,
			HeartbeatInterval:     DefaultHeartbeatInterval,
			HeartbeatTimeout:      DefaultHeartbeatTimeout,
			RespawnBackoffInitial: DefaultRespawnBackoffInitial,
			RespawnBackoffMax:     DefaultRespawnBackoffMax,
			MaxRestarts:           DefaultMaxRestarts,
			RestartWindow:         DefaultRestartWindow,
			DrainTimeout:          DefaultDrainTimeout,
			WorkerMode:            DefaultWorkerMode,
			LogLevel:              orchestratorLogLevel,
		},
		Redis: &RedisConfig{
			LeaseTTL:  DefaultRedisLeaseTTL,
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			RateLimit:         DefaultAPIRateLimit,
			RateBurst:         DefaultAPIRateBurst,
			CORS:              DefaultCORSConfig(),
		},
	}
}
