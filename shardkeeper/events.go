package shardkeeper

import (
	"context"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"sync/atomic"
)

// GatewayEvent is a dispatch (op 0) received by a shard. The payload is
// passed along untouched.
type GatewayEvent struct {
	GenerationID string `msgpack:"gen" json:"generation_id"`
	ShardID      int    `msgpack:"shard" json:"shard_id"`
	Type         string `msgpack:"t" json:"t"`
	Op           int    `msgpack:"op" json:"op"`
	Sequence     int64  `msgpack:"s" json:"s"`
	Data         []byte `msgpack:"d" json:"d"`
}

// EventRouter receives every dispatch from every ready shard. It is the
// boundary to command handling and application logic.
type EventRouter interface {
	Dispatch(ctx context.Context, event GatewayEvent)

	// SetMaintenance tells the router to stop (or resume) handling
	// user-facing events. Connections are unaffected.
	SetMaintenance(enabled bool)
}

// LifecycleListener receives cluster lifecycle signals
type LifecycleListener interface {
	Ready(ctx context.Context, generationID string)
	ShardReady(ctx context.Context, generationID string, shardID int)
	Degraded(ctx context.Context, generationID string, clusterID int, err error)
	Stopped(ctx context.Context, generationID string, clusterID int, code int)
}

// logRouter is the default EventRouter. It only logs event metadata.
type logRouter struct {
	logger      *slog.Logger
	maintenance atomic.Bool
	dispatched  atomic.Int64
}

func newLogRouter(logger *slog.Logger) *logRouter {
	return &logRouter{logger: logger.With(loggerNameKey, "router")}
}

func (r *logRouter) Dispatch(ctx context.Context, event GatewayEvent) {
	r.dispatched.Add(1)
	r.logger.DebugContext(
		ctx,
		"dispatch",
		"generation_id", event.GenerationID,
		"shard_id", event.ShardID,
		"t", event.Type,
		"s", event.Sequence,
		"size", len(event.Data),
		"maintenance", r.maintenance.Load(),
	)
}

func (r *logRouter) SetMaintenance(enabled bool) {
	r.maintenance.Store(enabled)
	r.logger.Info("maintenance mode changed", "enabled", enabled)
}

// lifecycleFanout forwards lifecycle signals to every registered listener
type lifecycleFanout struct {
	mu        sync.RWMutex
	listeners []LifecycleListener
}

func (f *lifecycleFanout) add(l LifecycleListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *lifecycleFanout) each(fn func(l LifecycleListener)) {
	f.mu.RLock()
	listeners := make([]LifecycleListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (f *lifecycleFanout) Ready(ctx context.Context, generationID string) {
	f.each(func(l LifecycleListener) { l.Ready(ctx, generationID) })
}

func (f *lifecycleFanout) ShardReady(ctx context.Context, generationID string, shardID int) {
	f.each(func(l LifecycleListener) { l.ShardReady(ctx, generationID, shardID) })
}

func (f *lifecycleFanout) Degraded(ctx context.Context, generationID string, clusterID int, err error) {
	f.each(func(l LifecycleListener) { l.Degraded(ctx, generationID, clusterID, err) })
}

func (f *lifecycleFanout) Stopped(ctx context.Context, generationID string, clusterID int, code int) {
	f.each(func(l LifecycleListener) { l.Stopped(ctx, generationID, clusterID, code) })
}

// lifecycleLogger logs every lifecycle signal
type lifecycleLogger struct {
	logger *slog.Logger
}

func (l lifecycleLogger) Ready(ctx context.Context, generationID string) {
	l.logger.InfoContext(ctx, "generation ready", "generation_id", generationID)
}

func (l lifecycleLogger) ShardReady(ctx context.Context, generationID string, shardID int) {
	l.logger.DebugContext(
		ctx,
		"shard ready",
		"generation_id", generationID,
		"shard_id", shardID,
	)
}

func (l lifecycleLogger) Degraded(ctx context.Context, generationID string, clusterID int, err error) {
	l.logger.WarnContext(
		ctx,
		"cluster degraded",
		"generation_id", generationID,
		"cluster_id", clusterID,
		tint.Err(err),
	)
}

func (l lifecycleLogger) Stopped(ctx context.Context, generationID string, clusterID int, code int) {
	l.logger.InfoContext(
		ctx,
		"cluster stopped",
		"generation_id", generationID,
		"cluster_id", clusterID,
		"code", code,
	)
}
