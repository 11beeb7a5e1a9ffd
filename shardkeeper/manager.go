package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"go.jetify.com/typeid/v2"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const persistTimeout = 10 * time.Second

// ClusterManagerOptions configures a ClusterManager
type ClusterManagerOptions struct {
	Orchestrator   *OrchestratorConfig
	StartupTimeout time.Duration

	Probe   *SessionLimitProbe
	Spawner WorkerSpawner

	// Lock is shared by the schedulers of every generation. Defaults to an
	// in-process lock.
	Lock BucketLock

	// Router receives every dispatch. Defaults to a router that only logs.
	Router EventRouter

	// Store persists generations and maintenance changes. Optional.
	Store Store

	// Params is the template for every worker's SpawnParams
	Params SpawnParams
	Logger *slog.Logger
}

// ClusterManager owns the live generation. It starts it, replaces it
// without downtime, and stops it.
type ClusterManager struct {
	config         *OrchestratorConfig
	startupTimeout time.Duration
	probe          *SessionLimitProbe
	spawner        WorkerSpawner
	lock           BucketLock
	router         EventRouter
	store          Store
	params         SpawnParams
	lifecycle      *lifecycleFanout
	logger         *slog.Logger

	// transitioning is set while a generation is being started or replaced
	transitioning atomic.Bool
	maintenance   atomic.Bool

	// ctx is canceled by Shutdown, ending any recluster in progress
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	number      int
	live        *Generation
	generations []*Generation
}

func NewClusterManager(opts ClusterManagerOptions) (*ClusterManager, error) {
	var errs []error
	if opts.Orchestrator == nil {
		errs = append(errs, &ConfigError{Field: "orchestrator", Reason: "required"})
	}
	if opts.Probe == nil {
		errs = append(errs, &ConfigError{Field: "probe", Reason: "required"})
	}
	if opts.Spawner == nil {
		errs = append(errs, &ConfigError{Field: "spawner", Reason: "required"})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "cluster_manager")

	ctx, cancel := context.WithCancel(context.Background())
	m := &ClusterManager{
		ctx:            ctx,
		cancel:         cancel,
		config:         opts.Orchestrator,
		startupTimeout: opts.StartupTimeout,
		probe:          opts.Probe,
		spawner:        opts.Spawner,
		lock:           opts.Lock,
		router:         opts.Router,
		store:          opts.Store,
		params:         opts.Params,
		lifecycle:      &lifecycleFanout{},
		logger:         logger,
	}
	if m.lock == nil {
		m.lock = newLocalBucketLock()
	}
	if m.router == nil {
		m.router = newLogRouter(logger)
	}
	if m.startupTimeout <= 0 {
		m.startupTimeout = DefaultStartupTimeout
	}
	m.lifecycle.add(lifecycleLogger{logger: logger})
	return m, nil
}

// AddListener registers l for lifecycle signals
func (m *ClusterManager) AddListener(l LifecycleListener) {
	m.lifecycle.add(l)
}

// Live returns the live generation, if one has started
func (m *ClusterManager) Live() (*Generation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live, m.live != nil
}

// Start brings up the first generation and makes it live. It returns once
// every shard is ready, or with the reason the generation failed, in which
// case everything it started has been stopped.
func (m *ClusterManager) Start(ctx context.Context) error {
	if !m.transitioning.CompareAndSwap(false, true) {
		return ErrReclusterInProgress
	}
	defer m.transitioning.Store(false)

	if live, ok := m.Live(); ok {
		m.logger.WarnContext(ctx, "already started", "generation_id", live.ID)
		return nil
	}

	gen, err := m.launch(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.live = gen
	m.mu.Unlock()
	m.lifecycle.Ready(ctx, gen.ID)
	return nil
}

// Recluster replaces the live generation with a new one, built from a
// fresh session limit. The live generation keeps serving until the new
// one is fully ready. It's then drained for DrainTimeout and stopped. If
// the new generation fails, it is torn down and the live one is kept.
func (m *ClusterManager) Recluster(ctx context.Context) error {
	done, err := m.BeginRecluster(ctx)
	if err != nil {
		return err
	}
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginRecluster starts a recluster in the background. It fails
// immediately with ErrReclusterInProgress if one is already running.
func (m *ClusterManager) BeginRecluster(ctx context.Context) (<-chan error, error) {
	prev, ok := m.Live()
	if !ok {
		return nil, ErrNotStarted
	}
	if !m.transitioning.CompareAndSwap(false, true) {
		return nil, ErrReclusterInProgress
	}

	rctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)

	done := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stop()
		defer cancel()
		err := m.recluster(rctx, prev)
		m.transitioning.Store(false)
		done <- err
	}()
	return done, nil
}

func (m *ClusterManager) recluster(ctx context.Context, prev *Generation) error {
	logger := m.logger.With("previous_generation_id", prev.ID)
	logger.InfoContext(ctx, "reclustering")

	next, err := m.launch(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "recluster failed, keeping live generation", tint.Err(err))
		return err
	}

	m.mu.Lock()
	m.live = next
	m.mu.Unlock()
	m.lifecycle.Ready(ctx, next.ID)
	logger.InfoContext(ctx, "new generation live", "generation_id", next.ID)

	m.retire(context.WithoutCancel(ctx), prev, StopCodeRecluster)
	return nil
}

// launch builds a generation from the current session limit and starts
// every cluster, returning once all shards are ready.
func (m *ClusterManager) launch(ctx context.Context) (*Generation, error) {
	limit, err := m.probe.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	total := m.config.TotalShards
	if total == 0 {
		total = limit.TotalShards
	}
	assignment, err := ComputeAssignment(total, m.config.Clusters, m.config.ShardsPerWorker)
	if err != nil {
		return nil, err
	}
	if err = checkIdentifyBudget(limit, total); err != nil {
		m.logger.ErrorContext(ctx, "not enough session starts", tint.Err(err))
		return nil, err
	}

	gen, err := m.newGeneration(limit, assignment)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("generation_id", gen.ID, "generation", gen.Number)
	logger.InfoContext(
		ctx,
		"starting generation",
		"total_shards", total,
		"clusters", len(assignment.Clusters),
		"workers", assignment.WorkerCount(),
		"max_concurrency", limit.MaxConcurrency,
	)
	m.persist(ctx, gen)

	startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	err = m.startClusters(startCtx, gen)
	if err == nil {
		err = gen.waitReady(startCtx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: generation %s not ready after %s", ErrSchedulerTimeout, gen.ID, m.startupTimeout)
		}
		logger.ErrorContext(ctx, "generation failed to start", tint.Err(err))
		m.teardown(context.WithoutCancel(ctx), gen, GenerationFailed, StopCodeStartFailed)
		return nil, err
	}

	gen.setState(GenerationReady)
	m.persist(ctx, gen)
	logger.InfoContext(ctx, "generation ready", "elapsed", time.Since(gen.StartedAt))
	return gen, nil
}

func (m *ClusterManager) newGeneration(limit SessionLimit, assignment Assignment) (*Generation, error) {
	tid, err := typeid.Generate(generationIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("error generating generation id: %w", err)
	}

	m.mu.Lock()
	m.number++
	number := m.number
	m.mu.Unlock()

	gen := &Generation{
		ID:         tid.String(),
		Number:     number,
		Limit:      limit,
		Assignment: assignment,
		Scheduler:  NewIdentifyScheduler(limit.MaxConcurrency, m.lock, m.logger),
		StartedAt:  time.Now().UTC(),
		state:      GenerationStarting,
	}

	backoff := Exponential{
		Initial: m.config.RespawnBackoffInitial,
		Max:     m.config.RespawnBackoffMax,
	}
	params := m.params
	params.TotalShards = assignment.TotalShards
	params.HeartbeatInterval = m.config.HeartbeatInterval
	params.IdentifyTimeout = m.config.IdentifyTimeout
	params.RetryBackoff = backoff

	for _, ca := range assignment.Clusters {
		c := &Cluster{
			ID:           ca.ClusterID,
			GenerationID: gen.ID,
			Shards:       ca.Shards,
			Workers:      ca.Workers,
			state:        ClusterStarting,
			lifecycle:    m.lifecycle,
			logger:       m.logger.With("generation_id", gen.ID, "cluster_id", ca.ClusterID),
		}
		c.pool = NewShardWorkerPool(
			PoolConfig{
				GenerationID:     gen.ID,
				ClusterID:        ca.ClusterID,
				SpawnShardDelay:  m.config.SpawnShardDelay,
				IdentifyTimeout:  m.config.IdentifyTimeout,
				HeartbeatTimeout: m.config.HeartbeatTimeout,
				RespawnBackoff:   backoff,
				MaxRestarts:      m.config.MaxRestarts,
				RestartWindow:    m.config.RestartWindow,
				Params:           params,
			},
			gen.Scheduler,
			m.spawner,
			m.router,
			clusterSignals{LifecycleListener: m.lifecycle, cluster: c},
			m.logger,
		)
		gen.clusters = append(gen.clusters, c)
	}

	m.mu.Lock()
	m.generations = append(m.generations, gen)
	m.mu.Unlock()
	return gen, nil
}

// startClusters starts clusters in order, pausing ClusterSpawnDelay
// between them
func (m *ClusterManager) startClusters(ctx context.Context, gen *Generation) error {
	for i, c := range gen.clusters {
		if i > 0 && !sleepContext(ctx, m.config.ClusterSpawnDelay) {
			return ctx.Err()
		}
		if err := c.start(ctx); err != nil {
			return err
		}
		m.logger.InfoContext(
			ctx,
			"cluster started",
			"generation_id", gen.ID,
			"cluster_id", c.ID,
			"shards", c.Shards,
		)
	}
	return nil
}

// retire drains gen, waits out the drain window and stops it
func (m *ClusterManager) retire(ctx context.Context, gen *Generation, code int) {
	gen.setState(GenerationDraining)
	m.persist(ctx, gen)
	for _, c := range gen.clusters {
		c.drain(ctx)
	}
	if m.config.DrainTimeout > 0 {
		m.logger.InfoContext(
			ctx,
			"draining generation",
			"generation_id", gen.ID,
			"drain_timeout", m.config.DrainTimeout,
		)
		sleepContext(m.ctx, m.config.DrainTimeout)
	}
	m.teardown(ctx, gen, GenerationStopped, code)
}

// teardown stops every cluster of gen concurrently
func (m *ClusterManager) teardown(ctx context.Context, gen *Generation, state GenerationState, code int) {
	stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout())
	defer cancel()

	eg := &errgroup.Group{}
	for _, c := range gen.clusters {
		eg.Go(
			func() error {
				return c.stop(stopCtx, code)
			},
		)
	}
	if err := eg.Wait(); err != nil {
		m.logger.WarnContext(ctx, "error stopping generation", "generation_id", gen.ID, tint.Err(err))
	}

	gen.setStopped(state, code)
	m.persist(ctx, gen)

	m.mu.Lock()
	kept := m.generations[:0]
	for _, g := range m.generations {
		if g != gen {
			kept = append(kept, g)
		}
	}
	m.generations = kept
	if m.live == gen {
		m.live = nil
	}
	m.mu.Unlock()
}

func (m *ClusterManager) stopTimeout() time.Duration {
	return m.config.IdentifyTimeout + workerStopGrace
}

func (m *ClusterManager) persist(ctx context.Context, gen *Generation) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.store.SaveGeneration(ctx, gen.record()); err != nil {
		m.logger.ErrorContext(ctx, "error saving generation", "generation_id", gen.ID, tint.Err(err))
	}
}

// SetMaintenance toggles maintenance mode on the event router. Shard
// connections are unaffected.
func (m *ClusterManager) SetMaintenance(ctx context.Context, enabled bool) {
	prev := m.maintenance.Swap(enabled)
	m.router.SetMaintenance(enabled)
	if prev == enabled {
		return
	}
	m.logger.InfoContext(ctx, "maintenance mode changed", "enabled", enabled)
	if m.store == nil {
		return
	}
	ev := &LifecycleEvent{
		Kind:   LifecycleKindMaintenance,
		Detail: fmt.Sprintf("enabled=%t", enabled),
	}
	if live, ok := m.Live(); ok {
		ev.GenerationID = live.ID
	}
	if err := m.store.RecordEvent(ctx, ev); err != nil {
		m.logger.ErrorContext(ctx, "error recording maintenance change", tint.Err(err))
	}
}

// Maintenance reports whether maintenance mode is enabled
func (m *ClusterManager) Maintenance() bool {
	return m.maintenance.Load()
}

// Stop stops one cluster of the live generation. Its shards stay down
// until the next recluster.
func (m *ClusterManager) Stop(ctx context.Context, clusterID int, code int) error {
	live, ok := m.Live()
	if !ok {
		return ErrNotStarted
	}
	c, ok := live.Cluster(clusterID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCluster, clusterID)
	}
	m.logger.InfoContext(ctx, "stopping cluster", "generation_id", live.ID, "cluster_id", clusterID, "code", code)
	return c.stop(ctx, code)
}

// Shutdown stops every generation, live or draining. A recluster in
// progress is abandoned first.
func (m *ClusterManager) Shutdown(ctx context.Context) error {
	m.cancel()
	m.wg.Wait()

	m.mu.RLock()
	gens := make([]*Generation, len(m.generations))
	copy(gens, m.generations)
	m.mu.RUnlock()

	eg := &errgroup.Group{}
	for _, gen := range gens {
		eg.Go(
			func() error {
				m.teardown(ctx, gen, GenerationStopped, StopCodeShutdown)
				return nil
			},
		)
	}
	return eg.Wait()
}

// RequestGuildMembers sends an OP 8 request through the shard that owns
// guildID in the live generation
func (m *ClusterManager) RequestGuildMembers(
	ctx context.Context,
	guildID string,
	query string,
	limit int,
) (int, error) {
	live, ok := m.Live()
	if !ok {
		return 0, ErrNotStarted
	}
	shardID, err := shardForGuild(guildID, live.Assignment.TotalShards)
	if err != nil {
		return 0, err
	}
	c, ok := live.ClusterForShard(shardID)
	if !ok {
		return shardID, fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	return shardID, c.pool.RequestGuildMembers(
		ctx,
		shardID,
		GuildMembersRequest{GuildID: guildID, Query: query, Limit: limit},
	)
}

// ManagerStatus is a snapshot of the manager and its live generation
type ManagerStatus struct {
	GenerationID string          `json:"generation_id,omitempty"`
	Generation   int             `json:"generation"`
	State        GenerationState `json:"state,omitempty"`
	Ready        bool            `json:"ready"`
	Maintenance  bool            `json:"maintenance"`
	Reclustering bool            `json:"reclustering"`
	SessionLimit *SessionLimit   `json:"session_limit,omitempty"`
	Clusters     []ClusterStatus `json:"clusters"`
	Buckets      []BucketStatus  `json:"buckets,omitempty"`
	Draining     []string        `json:"draining,omitempty"`
}

type ClusterStatus struct {
	ClusterID int            `json:"cluster_id"`
	State     ClusterState   `json:"state"`
	Shards    ShardRange     `json:"shards"`
	Workers   []WorkerStatus `json:"workers"`
	Shard     []ShardStatus  `json:"shard_states"`
}

func (m *ClusterManager) Status() ManagerStatus {
	status := ManagerStatus{
		Maintenance:  m.maintenance.Load(),
		Reclustering: m.transitioning.Load(),
		Clusters:     []ClusterStatus{},
	}

	m.mu.RLock()
	live := m.live
	for _, g := range m.generations {
		if g != live && g.State() == GenerationDraining {
			status.Draining = append(status.Draining, g.ID)
		}
	}
	m.mu.RUnlock()

	if live == nil {
		return status
	}
	limit := live.Limit
	status.GenerationID = live.ID
	status.Generation = live.Number
	status.State = live.State()
	status.SessionLimit = &limit
	status.Buckets = live.Scheduler.Snapshot()
	status.Ready = status.State == GenerationReady
	for _, c := range live.clusters {
		cs := ClusterStatus{
			ClusterID: c.ID,
			State:     c.State(),
			Shards:    c.Shards,
			Workers:   c.pool.Workers(),
			Shard:     c.pool.Shards(),
		}
		if cs.State != ClusterReady {
			status.Ready = false
		}
		status.Clusters = append(status.Clusters, cs)
	}
	return status
}

// ApplyControl applies a control message broadcast by another instance.
// Messages naming a generation other than the live one are dropped.
func (m *ClusterManager) ApplyControl(ctx context.Context, msg ControlMessage) error {
	if msg.GenerationID != "" {
		live, ok := m.Live()
		if !ok || live.ID != msg.GenerationID {
			return fmt.Errorf("%w: %s", ErrStaleGeneration, msg.GenerationID)
		}
	}
	switch msg.Command {
	case ControlMaintenance:
		m.SetMaintenance(ctx, msg.Enabled)
		return nil
	case ControlRecluster:
		_, err := m.BeginRecluster(ctx)
		return err
	case ControlStopCluster:
		return m.Stop(ctx, msg.ClusterID, msg.Code)
	default:
		return fmt.Errorf("unknown control command: %q", msg.Command)
	}
}
