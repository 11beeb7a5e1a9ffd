package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// Version is set at build time:
	// -ldflags "-X github.com/arcward/shardkeeper/shardkeeper.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Shardkeeper runs a ClusterManager along with its database, optional
// Redis lease, control API and control broadcasts.
type Shardkeeper struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	runMu       sync.Mutex
	signalReady chan struct{}
	signalStop  chan struct{}

	// fetcher and spawner are set by New. They may be replaced before
	// Run is called.
	fetcher GatewayBotFetcher
	spawner WorkerSpawner

	db       *gorm.DB
	store    Store
	notifier Notifier
	redis    redis.UniversalClient
	probe    *SessionLimitProbe
	manager  *ClusterManager
	api      *API
}

// New creates a Shardkeeper from config. Nothing connects until Run.
func New(config *Config) (*Shardkeeper, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf("%w: invalid database type (must be 'sqlite' or 'postgres')", ErrConfigInvalid),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	s := &Shardkeeper{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}

	s.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	s.logger = slog.New(s.logHandler)
	slog.SetDefault(s.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	discordLogger := componentLogger(defaultLogWriter, "discord", config.Discord.LogLevel)

	session, err := newDiscordSession(config.Discord, config.HTTPClient, discordLogger)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.fetcher = session
	}

	dialer := NewDiscordgoDialer(config.HTTPClient, config.Discord.DiscordGoLogLevel, discordLogger)
	workerLogger := componentLogger(defaultLogWriter, "worker", config.Orchestrator.LogLevel)
	switch config.Orchestrator.WorkerMode {
	case WorkerModeProcess:
		spawner, e := NewProcessSpawner(config.Orchestrator.WorkerBinary, workerLogger)
		if e != nil {
			errs = append(errs, e)
		}
		s.spawner = spawner
	default:
		s.spawner = NewGoroutineSpawner(dialer, workerLogger)
	}

	return s, errors.Join(errs...)
}

func (s *Shardkeeper) ValidateConfig() error {
	err := structValidator.Struct(s.config)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return nil
}

// Ready receives once the first generation is ready
func (s *Shardkeeper) Ready() <-chan struct{} {
	return s.signalReady
}

// Stop asks Run to shut down. It doesn't wait.
func (s *Shardkeeper) Stop() {
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// Manager returns the cluster manager, once Run has initialized it
func (s *Shardkeeper) Manager() *ClusterManager {
	return s.manager
}

// Run starts the API and the first generation, then blocks until ctx is
// canceled or Stop is called, and shuts everything down.
func (s *Shardkeeper) Run(ctx context.Context) error {
	// prevents concurrent runs
	s.runMu.Lock()
	defer s.runMu.Unlock()

	logger := s.logger
	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", s.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	if err := s.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return errors.Join(err, s.closeResources())
	}

	runtimeWG := &sync.WaitGroup{}

	if err := s.api.Listen(startCtx); err != nil {
		return errors.Join(err, s.closeResources())
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := s.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := s.manager.Start(ctx); err != nil {
		logger.ErrorContext(ctx, "error starting first generation", tint.Err(err))
		return errors.Join(err, s.shutdown(ctx, runtimeWG))
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := s.notifier.Listen(ctx, s.manager.ApplyControl); e != nil {
			logger.ErrorContext(ctx, "error listening for control messages", tint.Err(e))
		}
	}()

	s.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return s.shutdown(ctx, runtimeWG)
}

// initRun connects the database and Redis, and builds the manager and API
func (s *Shardkeeper) initRun(ctx context.Context) error {
	s.logger.Debug("initializing DB...")
	db, err := createDB(
		ctx,
		defaultLogWriter,
		s.config.DatabaseType,
		s.config.Database,
		s.config.DatabaseLogLevel,
		s.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	s.db = db
	s.store = NewStore(db, s.logger)

	notifier, err := newNotifier(s.config.DatabaseType, s.config.Database, db, s.logger)
	if err != nil {
		return err
	}
	s.notifier = notifier

	var lock BucketLock
	if s.config.Redis.Enabled() {
		client, e := NewRedisClient(ctx, s.config.Redis)
		if e != nil {
			return fmt.Errorf("error connecting to redis: %w", e)
		}
		s.redis = client
		lock = newRedisBucketLock(client, s.config.Redis, s.logger)
		s.logger.InfoContext(ctx, "using redis identify bucket lease", "addrs", s.config.Redis.Addrs)
	}

	orchestratorLogger := componentLogger(defaultLogWriter, "orchestrator", s.config.Orchestrator.LogLevel)
	s.probe = NewSessionLimitProbe(s.fetcher, orchestratorLogger)

	workerLevel := ""
	if s.config.Orchestrator.LogLevel != nil {
		workerLevel = s.config.Orchestrator.LogLevel.Level().String()
	}
	manager, err := NewClusterManager(
		ClusterManagerOptions{
			Orchestrator:   s.config.Orchestrator,
			StartupTimeout: s.config.StartupTimeout,
			Probe:          s.probe,
			Spawner:        s.spawner,
			Lock:           lock,
			Router:         newLogRouter(orchestratorLogger),
			Store:          s.store,
			Params: SpawnParams{
				Token:      s.config.Discord.Token,
				Intents:    s.config.Discord.GatewayIntents,
				Properties: s.config.Discord.Properties,
				LogLevel:   workerLevel,
			},
			Logger: orchestratorLogger,
		},
	)
	if err != nil {
		return err
	}
	manager.AddListener(newLifecycleRecorder(s.store, s.logger))
	s.manager = manager

	api, err := newAPI(s.config.API, manager, s.probe, s.store, s.notifier)
	if err != nil {
		return err
	}
	s.api = api
	return nil
}

// shutdown stops every generation and the API, giving up after
// ShutdownTimeout
func (s *Shardkeeper) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	s.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(s.config.ShutdownTimeout)

	s.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", s.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var errs []error
	if s.manager != nil {
		if err := s.manager.Shutdown(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.api != nil {
		if err := s.api.httpServer.Shutdown(closeCtx); err != nil {
			s.logger.WarnContext(ctx, "error shutting down api", tint.Err(err))
			_ = s.api.httpServer.Close()
		}
	}

	waited := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-closeCtx.Done():
		errs = append(errs, errors.New("timed out waiting for shutdown"))
	}

	errs = append(errs, s.closeResources())
	s.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

func (s *Shardkeeper) closeResources() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
		s.redis = nil
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
		s.db = nil
	}
	return errors.Join(errs...)
}
