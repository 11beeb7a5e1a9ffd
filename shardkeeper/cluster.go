package shardkeeper

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sync"
	"time"
)

const generationIDPrefix = "gen"

// Stop codes reported with the stopped signal
const (
	StopCodeShutdown    = 1000
	StopCodeRecluster   = 4000
	StopCodeStartFailed = 4001
	StopCodeRequested   = 4002
)

// ClusterState is the state of a cluster within its generation
type ClusterState string

const (
	ClusterStarting ClusterState = "starting"
	ClusterReady    ClusterState = "ready"
	ClusterDegraded ClusterState = "degraded"
	ClusterDraining ClusterState = "draining"
	ClusterStopped  ClusterState = "stopped"
)

// GenerationState is the state of a generation
type GenerationState string

const (
	GenerationStarting GenerationState = "starting"
	GenerationReady    GenerationState = "ready"
	GenerationDraining GenerationState = "draining"
	GenerationStopped  GenerationState = "stopped"
	GenerationFailed   GenerationState = "failed"
)

// Generation is one complete assignment of shards to clusters, along
// with the scheduler its shards identify through. A generation's
// assignment never changes: reclustering builds a new generation.
type Generation struct {
	ID         string
	Number     int
	Limit      SessionLimit
	Assignment Assignment
	Scheduler  *IdentifyScheduler
	StartedAt  time.Time

	clusters []*Cluster

	mu       sync.RWMutex
	state    GenerationState
	readyAt  time.Time
	stopCode *int
}

func (g *Generation) State() GenerationState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Generation) setState(state GenerationState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
	if state == GenerationReady && g.readyAt.IsZero() {
		g.readyAt = time.Now().UTC()
	}
}

func (g *Generation) setStopped(state GenerationState, code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
	g.stopCode = &code
}

// Clusters returns the generation's clusters, ordered by ID
func (g *Generation) Clusters() []*Cluster {
	return g.clusters
}

// Cluster returns the cluster with the given ID
func (g *Generation) Cluster(clusterID int) (*Cluster, bool) {
	if clusterID < 0 || clusterID >= len(g.clusters) {
		return nil, false
	}
	return g.clusters[clusterID], true
}

// ClusterForShard returns the cluster owning shardID
func (g *Generation) ClusterForShard(shardID int) (*Cluster, bool) {
	for _, c := range g.clusters {
		if c.Shards.Contains(shardID) {
			return c, true
		}
	}
	return nil, false
}

// waitReady blocks until every cluster is ready. The first cluster to
// fail cancels the wait for the rest.
func (g *Generation) waitReady(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range g.clusters {
		eg.Go(
			func() error {
				return c.waitReady(egCtx)
			},
		)
	}
	return eg.Wait()
}

func (g *Generation) record() *GenerationRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec := &GenerationRecord{
		ID:              g.ID,
		Number:          g.Number,
		TotalShards:     g.Assignment.TotalShards,
		MaxConcurrency:  g.Limit.MaxConcurrency,
		ShardsPerWorker: g.Assignment.ShardsPerWorker,
		Clusters:        len(g.Assignment.Clusters),
		State:           string(g.state),
		StartedAt:       g.StartedAt.UnixMilli(),
		StopCode:        g.stopCode,
	}
	if !g.readyAt.IsZero() {
		readyAt := g.readyAt.UnixMilli()
		rec.ReadyAt = &readyAt
	}
	if g.state == GenerationStopped || g.state == GenerationFailed {
		stoppedAt := time.Now().UTC().UnixMilli()
		rec.StoppedAt = &stoppedAt
	}
	return rec
}

// Cluster is a group of workers in a generation, sharing one pool
type Cluster struct {
	ID           int
	GenerationID string
	Shards       ShardRange
	Workers      []WorkerAssignment

	pool      *ShardWorkerPool
	lifecycle LifecycleListener
	logger    *slog.Logger

	mu    sync.RWMutex
	state ClusterState
}

func (c *Cluster) State() ClusterState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Cluster) setState(state ClusterState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClusterStopped {
		return
	}
	c.state = state
}

// Pool returns the cluster's worker pool
func (c *Cluster) Pool() *ShardWorkerPool {
	return c.pool
}

// start spawns the cluster's workers concurrently. A worker that fails to
// spawn is retried by its pool, so only a canceled ctx fails the start.
func (c *Cluster) start(ctx context.Context) error {
	c.pool.Start()
	eg, egCtx := errgroup.WithContext(ctx)
	for _, w := range c.Workers {
		eg.Go(
			func() error {
				err := c.pool.Spawn(egCtx, w.WorkerID, w.Shards)
				if err != nil && egCtx.Err() != nil {
					return egCtx.Err()
				}
				return nil
			},
		)
	}
	return eg.Wait()
}

func (c *Cluster) waitReady(ctx context.Context) error {
	if err := c.pool.WaitReady(ctx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.setState(ClusterDegraded)
		}
		return err
	}
	c.setState(ClusterReady)
	return nil
}

func (c *Cluster) drain(ctx context.Context) {
	c.setState(ClusterDraining)
	c.pool.Drain(ctx)
}

// stop stops every worker in the cluster, then reports it stopped
func (c *Cluster) stop(ctx context.Context, code int) error {
	c.mu.Lock()
	if c.state == ClusterStopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.pool.Stop(ctx, code)
	if err != nil {
		c.logger.WarnContext(ctx, "error stopping cluster", tint.Err(err))
	}

	c.mu.Lock()
	c.state = ClusterStopped
	c.mu.Unlock()
	c.lifecycle.Stopped(ctx, c.GenerationID, c.ID, code)
	return err
}

// clusterSignals marks its cluster degraded before forwarding pool
// signals to the manager's listeners
type clusterSignals struct {
	LifecycleListener
	cluster *Cluster
}

func (s clusterSignals) Degraded(ctx context.Context, generationID string, clusterID int, err error) {
	s.cluster.setState(ClusterDegraded)
	s.LifecycleListener.Degraded(ctx, generationID, clusterID, err)
}
