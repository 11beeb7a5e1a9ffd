package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/shardkeeper/shardkeeper"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = shardkeeper.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "shardkeeper [flags]",
	Short: "Orchestrates a Discord bot's sharded gateway connections",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	// stdout belongs to the worker protocol when running as a worker
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", shardkeeper.DefaultDatabase)
	viper.SetDefault("database_type", shardkeeper.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		shardkeeper.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		shardkeeper.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", shardkeeper.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", shardkeeper.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", shardkeeper.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		shardkeeper.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		shardkeeper.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		shardkeeper.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.properties.os", shardkeeper.DefaultIdentifyOS)
	viper.SetDefault("discord.properties.browser", shardkeeper.DefaultIdentifyBrowser)
	viper.SetDefault("discord.properties.device", shardkeeper.DefaultIdentifyDevice)

	// Orchestrator config
	viper.SetDefault("orchestrator.total_shards", 0)
	viper.SetDefault("orchestrator.shards_per_worker", shardkeeper.DefaultShardsPerWorker)
	viper.SetDefault("orchestrator.clusters", shardkeeper.DefaultClusters)
	viper.SetDefault("orchestrator.spawn_shard_delay", shardkeeper.DefaultSpawnShardDelay)
	viper.SetDefault("orchestrator.cluster_spawn_delay", shardkeeper.DefaultClusterSpawnDelay)
	viper.SetDefault("orchestrator.identify_timeout", shardkeeper.DefaultIdentifyTimeout)
	viper.SetDefault("orchestrator.heartbeat_interval", shardkeeper.DefaultHeartbeatInterval)
	viper.SetDefault("orchestrator.heartbeat_timeout", shardkeeper.DefaultHeartbeatTimeout)
	viper.SetDefault(
		"orchestrator.respawn_backoff_initial",
		shardkeeper.DefaultRespawnBackoffInitial,
	)
	viper.SetDefault("orchestrator.respawn_backoff_max", shardkeeper.DefaultRespawnBackoffMax)
	viper.SetDefault("orchestrator.max_restarts", shardkeeper.DefaultMaxRestarts)
	viper.SetDefault("orchestrator.restart_window", shardkeeper.DefaultRestartWindow)
	viper.SetDefault("orchestrator.drain_timeout", shardkeeper.DefaultDrainTimeout)
	viper.SetDefault("orchestrator.worker_mode", shardkeeper.DefaultWorkerMode)
	viper.SetDefault("orchestrator.worker_binary", "")
	viper.SetDefault(
		"orchestrator.log_level",
		shardkeeper.DefaultOrchestratorLogLevel.String(),
	)

	// Redis config
	viper.SetDefault("redis.addrs", []string{})
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.lease_ttl", shardkeeper.DefaultRedisLeaseTTL)
	viper.SetDefault("redis.key_prefix", shardkeeper.DefaultRedisKeyPrefix)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", shardkeeper.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", shardkeeper.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.rate_limit", shardkeeper.DefaultAPIRateLimit)
	viper.SetDefault("api.rate_burst", shardkeeper.DefaultAPIRateBurst)
	viper.SetDefault("api.read_timeout", shardkeeper.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		shardkeeper.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", shardkeeper.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", shardkeeper.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", shardkeeper.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		shardkeeper.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		shardkeeper.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		shardkeeper.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", shardkeeper.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		shardkeeper.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(shardkeeper.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = shardkeeper.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
		"redis.addrs",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"orchestrator.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
