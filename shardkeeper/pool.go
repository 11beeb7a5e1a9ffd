package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerState is the lifecycle state of a worker, as seen by its pool
type WorkerState string

const (
	WorkerStarting   WorkerState = "starting"
	WorkerRunning    WorkerState = "running"
	WorkerRestarting WorkerState = "restarting"
	WorkerFailed     WorkerState = "failed"
	WorkerStopped    WorkerState = "stopped"
)

const workerStopGrace = 5 * time.Second

// PoolConfig configures a ShardWorkerPool
type PoolConfig struct {
	GenerationID     string
	ClusterID        int
	SpawnShardDelay  time.Duration
	IdentifyTimeout  time.Duration
	HeartbeatTimeout time.Duration
	RespawnBackoff   Exponential
	MaxRestarts      int
	RestartWindow    time.Duration

	// Params is the template for every worker's SpawnParams. WorkerID and
	// Shards are filled in per worker.
	Params SpawnParams
}

// ShardStatus is a point-in-time view of a shard
type ShardStatus struct {
	ShardID    int        `json:"shard_id"`
	WorkerID   int        `json:"worker_id"`
	BucketID   int        `json:"bucket_id"`
	State      ShardState `json:"state"`
	Identifies int        `json:"identifies"`
	Resumes    int        `json:"resumes"`
	ReadyAt    time.Time  `json:"ready_at,omitempty"`
}

// WorkerStatus is a point-in-time view of a worker
type WorkerStatus struct {
	WorkerID      int         `json:"worker_id"`
	Shards        ShardRange  `json:"shards"`
	State         WorkerState `json:"state"`
	Restarts      int         `json:"restarts"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
}

// ShardWorkerPool runs the workers of a single cluster and mediates their
// identify requests through the generation's scheduler.
type ShardWorkerPool struct {
	config    PoolConfig
	scheduler *IdentifyScheduler
	spawner   WorkerSpawner
	router    EventRouter
	lifecycle LifecycleListener
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool

	mu      sync.Mutex
	workers map[int]*poolWorker
	shards  map[int]*shardEntry
	changed chan struct{}
	failure error
}

type poolWorker struct {
	id            int
	shards        ShardRange
	handle        WorkerHandle
	exited        chan struct{}
	state         WorkerState
	lastHeartbeat time.Time
	restarts      int
	budget        *restartBudget
	stopRequested bool
	// starting is set while startWorker is still initializing handle. An
	// exit during that window is left to startWorker's caller to retry.
	starting bool
}

type shardEntry struct {
	id         int
	workerID   int
	bucketID   int
	state      ShardState
	grant      *IdentifyGrant
	holdTimer  *time.Timer
	identifies int
	resumes    int
	readyAt    time.Time
}

func NewShardWorkerPool(
	config PoolConfig,
	scheduler *IdentifyScheduler,
	spawner WorkerSpawner,
	router EventRouter,
	lifecycle LifecycleListener,
	logger *slog.Logger,
) *ShardWorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if lifecycle == nil {
		lifecycle = &lifecycleFanout{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShardWorkerPool{
		config:    config,
		scheduler: scheduler,
		spawner:   spawner,
		router:    router,
		lifecycle: lifecycle,
		logger: logger.With(
			loggerNameKey, "pool",
			"generation_id", config.GenerationID,
			"cluster_id", config.ClusterID,
		),
		ctx:     ctx,
		cancel:  cancel,
		workers: map[int]*poolWorker{},
		shards:  map[int]*shardEntry{},
		changed: make(chan struct{}),
	}
}

// Start begins monitoring worker heartbeats. Workers are added with Spawn.
func (p *ShardWorkerPool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapUnresponsive()
	}()
}

// notify wakes everything waiting on a state change. Must be called with
// p.mu held.
func (p *ShardWorkerPool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Spawn starts the worker owning shards. Spawning a worker that is
// already known does nothing.
func (p *ShardWorkerPool) Spawn(ctx context.Context, workerID int, shards ShardRange) error {
	if p.stopping.Load() {
		return fmt.Errorf("%w: pool is stopping", ErrWorkerUnavailable)
	}

	p.mu.Lock()
	if _, exists := p.workers[workerID]; exists {
		p.mu.Unlock()
		return nil
	}
	pw := &poolWorker{
		id:     workerID,
		shards: shards,
		state:  WorkerStarting,
		budget: newRestartBudget(p.config.MaxRestarts, p.config.RestartWindow),
	}
	p.workers[workerID] = pw
	for shardID := shards.Lo; shardID < shards.Hi; shardID++ {
		p.shards[shardID] = &shardEntry{
			id:       shardID,
			workerID: workerID,
			bucketID: bucketForShard(shardID, p.scheduler.MaxConcurrency()),
			state:    ShardDisconnected,
		}
	}
	p.notify()
	p.mu.Unlock()

	if err := p.startWorker(ctx, pw); err != nil {
		p.logger.ErrorContext(ctx, "error spawning worker", "worker_id", workerID, tint.Err(err))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = p.Respawn(p.ctx, workerID)
		}()
		return err
	}
	return nil
}

// startWorker spawns a process (or goroutine) for pw, initializes it and
// asks it to identify all of its shards.
func (p *ShardWorkerPool) startWorker(ctx context.Context, pw *poolWorker) error {
	handle, err := p.spawner.Spawn(ctx, pw.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	params := p.config.Params
	params.GenerationID = p.config.GenerationID
	params.ClusterID = p.config.ClusterID
	params.WorkerID = pw.id
	params.Shards = pw.shards

	exited := make(chan struct{})
	p.mu.Lock()
	if p.stopping.Load() {
		p.mu.Unlock()
		_ = handle.Kill()
		return fmt.Errorf("%w: pool is stopping", ErrWorkerUnavailable)
	}
	pw.handle = handle
	pw.exited = exited
	pw.state = WorkerRunning
	pw.lastHeartbeat = time.Now()
	pw.stopRequested = false
	pw.starting = true
	p.notify()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(exited)
		for msg := range handle.Messages() {
			p.onMessage(pw.id, handle, msg)
		}
		p.onWorkerExit(pw.id, handle, handle.Err())
	}()

	if err = handle.Send(ctx, p.message(MsgWorkerInit, pw.id, 0, func(m *WorkerMessage) { m.Init = &params })); err != nil {
		p.abandonStart(pw, handle)
		return fmt.Errorf("%w: init worker %d: %w", ErrWorkerUnavailable, pw.id, err)
	}
	for shardID := pw.shards.Lo; shardID < pw.shards.Hi; shardID++ {
		if err = handle.Send(ctx, p.message(MsgIdentifyShard, pw.id, shardID, nil)); err != nil {
			p.abandonStart(pw, handle)
			return fmt.Errorf("%w: worker %d: %w", ErrWorkerUnavailable, pw.id, err)
		}
	}

	p.mu.Lock()
	if pw.handle != handle {
		p.mu.Unlock()
		return fmt.Errorf("%w: worker %d exited while starting", ErrWorkerUnavailable, pw.id)
	}
	pw.starting = false
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "worker started", "worker_id", pw.id, "shards", pw.shards)
	return nil
}

// abandonStart detaches a handle that failed to initialize and kills it.
// Its exit is not treated as a crash: the caller of startWorker owns the
// retry.
func (p *ShardWorkerPool) abandonStart(pw *poolWorker, handle WorkerHandle) {
	p.mu.Lock()
	var grants []*IdentifyGrant
	if pw.handle == handle {
		grants = p.detachLocked(pw)
		if !pw.stopRequested && !p.stopping.Load() {
			pw.state = WorkerRestarting
		} else {
			pw.state = WorkerStopped
		}
		p.notify()
	}
	p.mu.Unlock()

	for _, grant := range grants {
		p.scheduler.ReleaseGrant(grant)
	}
	_ = handle.Kill()
}

// detachLocked clears pw's handle and disconnects its shards, returning
// the grants they held. Must be called with p.mu held.
func (p *ShardWorkerPool) detachLocked(pw *poolWorker) []*IdentifyGrant {
	var grants []*IdentifyGrant
	for shardID := pw.shards.Lo; shardID < pw.shards.Hi; shardID++ {
		entry := p.shards[shardID]
		if entry == nil {
			continue
		}
		if grant := p.takeGrant(entry); grant != nil {
			grants = append(grants, grant)
		}
		entry.state = ShardDisconnected
	}
	pw.handle = nil
	pw.starting = false
	return grants
}

func (p *ShardWorkerPool) message(
	msgType MessageType,
	workerID int,
	shardID int,
	fn func(m *WorkerMessage),
) WorkerMessage {
	m := WorkerMessage{
		Type:         msgType,
		GenerationID: p.config.GenerationID,
		WorkerID:     workerID,
		ShardID:      shardID,
		Sent:         time.Now().UTC(),
	}
	if fn != nil {
		fn(&m)
	}
	return m
}

// OnWorkerMessage handles a message from a worker. Messages tagged with
// another generation are dropped.
func (p *ShardWorkerPool) OnWorkerMessage(workerID int, msg WorkerMessage) {
	p.onMessage(workerID, nil, msg)
}

// onMessage handles msg read from the worker link from. Messages from a
// link that is no longer the worker's current one are dropped. A nil from
// stands for the current link.
func (p *ShardWorkerPool) onMessage(workerID int, from WorkerHandle, msg WorkerMessage) {
	if msg.GenerationID != p.config.GenerationID {
		p.logger.Warn(
			"dropping message from another generation",
			"type", msg.Type,
			"worker_id", workerID,
			"message_generation_id", msg.GenerationID,
		)
		return
	}

	p.mu.Lock()
	pw, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("message from unknown worker", "worker_id", workerID, "type", msg.Type)
		return
	}
	if pw.handle == nil || (from != nil && pw.handle != from) {
		p.mu.Unlock()
		p.logger.Debug("dropping message from a detached worker", "worker_id", workerID, "type", msg.Type)
		return
	}
	pw.lastHeartbeat = time.Now()
	handle := pw.handle

	var entry *shardEntry
	switch msg.Type {
	case MsgToIdentify, MsgShardOn, MsgShardOff:
		entry = p.shards[msg.ShardID]
		if entry == nil || entry.workerID != workerID {
			p.mu.Unlock()
			p.logger.Warn(
				"shard not owned by worker",
				"worker_id", workerID,
				"shard_id", msg.ShardID,
				"type", msg.Type,
			)
			return
		}
	}

	switch msg.Type {
	case MsgHeartbeat:
		p.mu.Unlock()
	case MsgToIdentify:
		stale := p.takeGrant(entry)
		entry.state = ShardPendingIdentify
		p.notify()
		p.mu.Unlock()
		if stale != nil {
			p.scheduler.ReleaseGrant(stale)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleIdentifyRequest(workerID, handle, msg.ShardID, msg.Nonce)
		}()
	case MsgShardOn:
		grant := p.takeGrant(entry)
		entry.state = ShardReady
		entry.readyAt = time.Now()
		if msg.Resumed {
			entry.resumes++
		}
		p.notify()
		p.mu.Unlock()

		if grant != nil {
			p.releaseAfter(grant, p.config.SpawnShardDelay)
		}
		p.logger.Info("shard ready", "shard_id", msg.ShardID, "resumed", msg.Resumed)
		p.lifecycle.ShardReady(p.ctx, p.config.GenerationID, msg.ShardID)
	case MsgShardOff:
		grant := p.takeGrant(entry)
		entry.state = ShardDisconnected
		p.notify()
		p.mu.Unlock()

		if grant != nil {
			p.scheduler.ReleaseGrant(grant)
		}
		p.logger.Info(
			"shard disconnected",
			"shard_id", msg.ShardID,
			"identify_failed", msg.IdentifyFailed,
			"reason", msg.Reason,
		)
	case MsgDispatch:
		p.mu.Unlock()
		if msg.Event != nil && p.router != nil {
			p.router.Dispatch(p.ctx, *msg.Event)
		}
	case MsgWorkerError:
		p.mu.Unlock()
		p.logger.Error(
			"worker error",
			"worker_id", workerID,
			"shard_id", msg.ShardID,
			"reason", msg.Reason,
		)
	default:
		p.mu.Unlock()
		p.logger.Warn("unexpected worker message", "worker_id", workerID, "type", msg.Type)
	}
}

// takeGrant detaches the shard's grant, if any. Must be called with p.mu held.
func (p *ShardWorkerPool) takeGrant(entry *shardEntry) *IdentifyGrant {
	grant := entry.grant
	entry.grant = nil
	if entry.holdTimer != nil {
		entry.holdTimer.Stop()
		entry.holdTimer = nil
	}
	return grant
}

// releaseAfter hands the grant's bucket back once delay has passed. The
// release happens even if the pool is stopped in the meantime.
func (p *ShardWorkerPool) releaseAfter(grant *IdentifyGrant, delay time.Duration) {
	if delay <= 0 {
		p.scheduler.ReleaseGrant(grant)
		return
	}
	time.AfterFunc(
		delay, func() {
			p.scheduler.ReleaseGrant(grant)
		},
	)
}

// holdTimeout is how long a granted shard has to report SHARD_ON. It's
// longer than the worker's own identify timeout, so a worker normally
// reports failure before its grant is revoked.
func (p *ShardWorkerPool) holdTimeout() time.Duration {
	return p.config.IdentifyTimeout + p.config.IdentifyTimeout/2
}

// queueTimeout bounds a new request's wait for bucketID. Every request
// already queued or holding the bucket may keep it for up to holdTimeout
// plus SpawnShardDelay, so the bound grows with the queue and only a
// stalled bucket times a waiter out.
func (p *ShardWorkerPool) queueTimeout(bucketID int) time.Duration {
	ahead := p.scheduler.Ahead(bucketID)
	return p.config.IdentifyTimeout + time.Duration(ahead)*(p.holdTimeout()+p.config.SpawnShardDelay)
}

func (p *ShardWorkerPool) handleIdentifyRequest(
	workerID int,
	handle WorkerHandle,
	shardID int,
	nonce uint64,
) {
	bucketID := bucketForShard(shardID, p.scheduler.MaxConcurrency())
	ctx, cancel := context.WithTimeout(p.ctx, p.queueTimeout(bucketID))
	defer cancel()

	grant, err := p.scheduler.RequestIdentify(ctx, bucketID, shardID)
	if err == nil && grant.LeaseLost() {
		p.scheduler.ReleaseGrant(grant)
		err = fmt.Errorf("shard %d bucket %d: %w", shardID, bucketID, ErrBucketLeaseLost)
	}
	if err != nil {
		p.logger.Warn(
			"identify request failed",
			"shard_id", shardID,
			"bucket_id", bucketID,
			tint.Err(err),
		)
		p.mu.Lock()
		if entry := p.shards[shardID]; entry != nil && entry.grant == nil {
			entry.state = ShardDisconnected
			p.notify()
		}
		p.mu.Unlock()
		if !p.stopping.Load() {
			_ = handle.Send(
				p.ctx,
				p.message(
					MsgIdentifyDenied, workerID, shardID, func(m *WorkerMessage) {
						m.Nonce = nonce
						m.Reason = err.Error()
					},
				),
			)
		}
		return
	}

	p.mu.Lock()
	entry := p.shards[shardID]
	pw := p.workers[workerID]
	if p.stopping.Load() || entry == nil || pw == nil || pw.handle != handle || entry.workerID != workerID {
		p.mu.Unlock()
		p.scheduler.ReleaseGrant(grant)
		return
	}
	entry.grant = grant
	entry.state = ShardIdentifying
	entry.identifies++
	entry.holdTimer = time.AfterFunc(
		p.holdTimeout(), func() {
			p.expireGrant(workerID, handle, shardID, grant, nonce, ErrSchedulerTimeout)
		},
	)
	p.notify()
	p.mu.Unlock()

	if lost := grant.Lost(); lost != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			select {
			case <-lost:
				p.expireGrant(workerID, handle, shardID, grant, nonce, ErrBucketLeaseLost)
			case <-grant.Done():
			case <-p.ctx.Done():
			}
		}()
	}

	if err = handle.Send(
		p.ctx,
		p.message(
			MsgAllowIdentify, workerID, shardID, func(m *WorkerMessage) {
				m.Nonce = nonce
			},
		),
	); err != nil {
		p.logger.Warn("error sending identify grant", "shard_id", shardID, tint.Err(err))
		p.mu.Lock()
		if entry.grant == grant {
			p.takeGrant(entry)
			entry.state = ShardDisconnected
			p.notify()
		}
		p.mu.Unlock()
		p.scheduler.ReleaseGrant(grant)
	}
}

// expireGrant reclaims a bucket from a shard that never reported ready,
// or whose bucket lease was lost first
func (p *ShardWorkerPool) expireGrant(
	workerID int,
	handle WorkerHandle,
	shardID int,
	grant *IdentifyGrant,
	nonce uint64,
	reason error,
) {
	p.mu.Lock()
	entry := p.shards[shardID]
	if entry == nil || entry.grant != grant {
		p.mu.Unlock()
		return
	}
	p.takeGrant(entry)
	entry.state = ShardDisconnected
	p.notify()
	p.mu.Unlock()

	p.scheduler.ReleaseGrant(grant)
	p.logger.Warn(
		"identify grant expired",
		"shard_id", shardID,
		"bucket_id", grant.BucketID,
		tint.Err(reason),
	)
	_ = handle.Send(
		p.ctx,
		p.message(
			MsgIdentifyDenied, workerID, shardID, func(m *WorkerMessage) {
				m.Nonce = nonce
				m.Reason = reason.Error()
			},
		),
	)
}

// onWorkerExit runs when a worker's link closes. Unless the exit was
// requested, it is a crash: the worker's shards are marked disconnected,
// their buckets released, and the worker respawned once.
func (p *ShardWorkerPool) onWorkerExit(workerID int, handle WorkerHandle, exitErr error) {
	p.mu.Lock()
	pw := p.workers[workerID]
	if pw == nil || pw.handle != handle {
		p.mu.Unlock()
		return
	}
	starting := pw.starting
	grants := p.detachLocked(pw)
	expected := pw.stopRequested || p.stopping.Load()
	if expected {
		pw.state = WorkerStopped
	} else {
		pw.state = WorkerRestarting
	}
	p.notify()
	p.mu.Unlock()

	for _, grant := range grants {
		p.scheduler.ReleaseGrant(grant)
	}

	if expected {
		p.logger.Info("worker stopped", "worker_id", workerID)
		return
	}
	if starting {
		p.logger.Warn("worker exited while starting", "worker_id", workerID, tint.Err(exitErr))
		return
	}
	p.logger.Error("worker crashed", "worker_id", workerID, tint.Err(exitErr))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.Respawn(p.ctx, workerID)
	}()
}

// Respawn restarts a crashed worker after a capped exponential backoff.
// When the worker exceeds its restart budget it is marked failed, and the
// cluster is reported degraded.
func (p *ShardWorkerPool) Respawn(ctx context.Context, workerID int) error {
	for {
		p.mu.Lock()
		pw := p.workers[workerID]
		if pw == nil {
			p.mu.Unlock()
			return fmt.Errorf("%w: unknown worker %d", ErrWorkerUnavailable, workerID)
		}
		crashes, allowed := pw.budget.record(time.Now())
		if !allowed {
			pw.state = WorkerFailed
			err := fmt.Errorf(
				"%w: worker %d crashed %d times within %s",
				ErrWorkerUnavailable,
				workerID,
				crashes,
				p.config.RestartWindow,
			)
			if p.failure == nil {
				p.failure = err
			}
			p.notify()
			p.mu.Unlock()
			p.logger.Error("worker restart budget exhausted", "worker_id", workerID, tint.Err(err))
			p.lifecycle.Degraded(ctx, p.config.GenerationID, p.config.ClusterID, err)
			return err
		}
		pw.restarts++
		pw.state = WorkerRestarting
		p.notify()
		p.mu.Unlock()

		delay := p.config.RespawnBackoff.Delay(crashes)
		p.logger.Info("respawning worker", "worker_id", workerID, "delay", delay, "crashes", crashes)
		if !sleepContext(ctx, delay) {
			return ctx.Err()
		}
		if p.stopping.Load() {
			return nil
		}

		err := p.startWorker(ctx, pw)
		if err == nil {
			return nil
		}
		p.logger.Error("error respawning worker", "worker_id", workerID, tint.Err(err))
	}
}

// reapUnresponsive kills workers that stop sending heartbeats. Their exit
// is handled like any other crash.
func (p *ShardWorkerPool) reapUnresponsive() {
	timeout := p.config.HeartbeatTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var unresponsive []WorkerHandle
			p.mu.Lock()
			for _, pw := range p.workers {
				if pw.state == WorkerRunning && pw.handle != nil && now.Sub(pw.lastHeartbeat) > timeout {
					p.logger.Warn(
						"worker unresponsive",
						"worker_id", pw.id,
						"last_heartbeat", pw.lastHeartbeat,
					)
					unresponsive = append(unresponsive, pw.handle)
				}
			}
			p.mu.Unlock()
			for _, h := range unresponsive {
				_ = h.Kill()
			}
		}
	}
}

// RequestGuildMembers routes an OP 8 request to the worker owning shardID
func (p *ShardWorkerPool) RequestGuildMembers(
	ctx context.Context,
	shardID int,
	req GuildMembersRequest,
) error {
	p.mu.Lock()
	entry := p.shards[shardID]
	if entry == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	if entry.state != ShardReady {
		p.mu.Unlock()
		return fmt.Errorf("shard %d: %w", shardID, ErrShardNotReady)
	}
	pw := p.workers[entry.workerID]
	handle := pw.handle
	p.mu.Unlock()

	return handle.Send(
		ctx,
		p.message(
			MsgRequestGuildMembers, pw.id, shardID, func(m *WorkerMessage) {
				m.Members = &req
			},
		),
	)
}

// Drain tells every worker that its shards must not reconnect after a
// drop. Connected shards keep delivering events.
func (p *ShardWorkerPool) Drain(ctx context.Context) {
	for _, h := range p.runningHandles(false) {
		if err := h.handle.Send(ctx, p.message(MsgDrain, h.id, 0, nil)); err != nil {
			p.logger.Warn("error draining worker", "worker_id", h.id, tint.Err(err))
		}
	}
}

type workerRef struct {
	id     int
	handle WorkerHandle
	exited chan struct{}
}

func (p *ShardWorkerPool) runningHandles(markStopping bool) []workerRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	refs := make([]workerRef, 0, len(p.workers))
	for _, pw := range p.workers {
		if pw.handle == nil || pw.state == WorkerStopped || pw.state == WorkerFailed {
			continue
		}
		if markStopping {
			pw.stopRequested = true
		}
		refs = append(refs, workerRef{id: pw.id, handle: pw.handle, exited: pw.exited})
	}
	return refs
}

// Stop sends STOP to every worker and waits for them to exit, killing any
// that don't exit before ctx ends.
func (p *ShardWorkerPool) Stop(ctx context.Context, code int) error {
	if !p.stopping.CompareAndSwap(false, true) {
		return nil
	}
	refs := p.runningHandles(true)
	p.logger.InfoContext(ctx, "stopping pool", "code", code, "workers", len(refs))

	var errs []error
	for _, ref := range refs {
		if err := ref.handle.Send(
			ctx,
			p.message(MsgStop, ref.id, 0, func(m *WorkerMessage) { m.Code = code }),
		); err != nil && !errors.Is(err, ErrWorkerUnavailable) {
			errs = append(errs, err)
		}
	}
	for _, ref := range refs {
		select {
		case <-ref.exited:
		case <-ctx.Done():
			p.logger.Warn("worker did not stop in time, killing", "worker_id", ref.id)
			_ = ref.handle.Kill()
			select {
			case <-ref.exited:
			case <-time.After(workerStopGrace):
				errs = append(errs, fmt.Errorf("worker %d did not exit", ref.id))
			}
		}
	}

	p.mu.Lock()
	var grants []*IdentifyGrant
	for _, entry := range p.shards {
		if grant := p.takeGrant(entry); grant != nil {
			grants = append(grants, grant)
		}
		entry.state = ShardDisconnected
	}
	p.notify()
	p.mu.Unlock()
	for _, grant := range grants {
		p.scheduler.ReleaseGrant(grant)
	}

	p.cancel()
	p.wg.Wait()
	return errors.Join(errs...)
}

// WaitReady blocks until every shard in the pool is ready, a worker
// exhausts its restart budget, or ctx ends.
func (p *ShardWorkerPool) WaitReady(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.failure != nil {
			err := p.failure
			p.mu.Unlock()
			return err
		}
		ready := len(p.shards) > 0
		for _, entry := range p.shards {
			if entry.state != ShardReady {
				ready = false
				break
			}
		}
		changed := p.changed
		p.mu.Unlock()

		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Failure returns the error that left the pool degraded, if any
func (p *ShardWorkerPool) Failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

func (p *ShardWorkerPool) ShardState(shardID int) (ShardState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.shards[shardID]
	if !ok {
		return ShardDisconnected, false
	}
	return entry.state, true
}

// Shards returns the status of every shard, ordered by shard ID
func (p *ShardWorkerPool) Shards() []ShardStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	statuses := make([]ShardStatus, 0, len(p.shards))
	for _, entry := range p.shards {
		statuses = append(
			statuses,
			ShardStatus{
				ShardID:    entry.id,
				WorkerID:   entry.workerID,
				BucketID:   entry.bucketID,
				State:      entry.state,
				Identifies: entry.identifies,
				Resumes:    entry.resumes,
				ReadyAt:    entry.readyAt,
			},
		)
	}
	sort.Slice(
		statuses, func(i, j int) bool {
			return statuses[i].ShardID < statuses[j].ShardID
		},
	)
	return statuses
}

// Workers returns the status of every worker, ordered by worker ID
func (p *ShardWorkerPool) Workers() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	statuses := make([]WorkerStatus, 0, len(p.workers))
	for _, pw := range p.workers {
		statuses = append(
			statuses,
			WorkerStatus{
				WorkerID:      pw.id,
				Shards:        pw.shards,
				State:         pw.state,
				Restarts:      pw.restarts,
				LastHeartbeat: pw.lastHeartbeat,
			},
		)
	}
	sort.Slice(
		statuses, func(i, j int) bool {
			return statuses[i].WorkerID < statuses[j].WorkerID
		},
	)
	return statuses
}

// Kill ends a worker abruptly, as a crash would
func (p *ShardWorkerPool) Kill(workerID int) error {
	p.mu.Lock()
	pw, ok := p.workers[workerID]
	if !ok || pw.handle == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: unknown worker %d", ErrWorkerUnavailable, workerID)
	}
	handle := pw.handle
	p.mu.Unlock()
	return handle.Kill()
}
