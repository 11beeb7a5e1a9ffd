package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var errPoolGone = errors.New("pool link closed")

// RunWorker runs a worker until it is told to stop, ctx ends, or the pool
// goes away. The first message from the pool must be WORKER_INIT. When
// level is set, it's adjusted to the log level the pool sends.
func RunWorker(
	ctx context.Context,
	conn WorkerConn,
	dialer GatewayDialer,
	logger *slog.Logger,
	level *slog.LevelVar,
) error {
	if logger == nil {
		logger = slog.Default()
	}

	var params SpawnParams
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-conn.Messages():
		if !ok {
			return errPoolGone
		}
		if msg.Type != MsgWorkerInit || msg.Init == nil {
			return fmt.Errorf("expected %s, got %s", MsgWorkerInit, msg.Type)
		}
		params = *msg.Init
	}

	if level != nil && params.LogLevel != "" {
		if err := level.UnmarshalText([]byte(params.LogLevel)); err != nil {
			logger.Warn("invalid worker log level", "log_level", params.LogLevel)
		}
	}

	w := &shardWorker{
		params:      params,
		conn:        conn,
		dialer:      dialer,
		logger:      logger.With("worker_id", params.WorkerID, "generation_id", params.GenerationID),
		supervisors: map[int]*shardSupervisor{},
	}
	return w.run(ctx)
}

// RunWorkerProcess runs a worker linked to its pool over r and w, as
// started by the process spawner. Logs go to logOut, since w carries
// the protocol.
func RunWorkerProcess(ctx context.Context, r io.Reader, w io.Writer, logOut io.Writer) error {
	level := &slog.LevelVar{}
	level.Set(DefaultOrchestratorLogLevel)
	discordgoLevel := &slog.LevelVar{}
	discordgoLevel.Set(DefaultDiscordgoLogLevel)

	logger := slog.New(newLogHandler(logOut, level)).With(loggerNameKey, "worker")
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(logOut, discordgoLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	dialer := NewDiscordgoDialer(http.DefaultClient, discordgoLevel, logger)
	return RunWorker(ctx, NewStdioWorkerConn(r, w, logger), dialer, logger, level)
}

type shardWorker struct {
	params      SpawnParams
	conn        WorkerConn
	dialer      GatewayDialer
	logger      *slog.Logger
	supervisors map[int]*shardSupervisor
}

func (w *shardWorker) send(ctx context.Context, msg WorkerMessage) error {
	msg.GenerationID = w.params.GenerationID
	msg.WorkerID = w.params.WorkerID
	msg.Sent = time.Now().UTC()
	return w.conn.Send(ctx, msg)
}

func (w *shardWorker) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	stop := func() {
		cancel()
		wg.Wait()
	}

	w.logger.Info("worker started", "params", w.params)

	interval := w.params.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = w.send(ctx, WorkerMessage{Type: MsgHeartbeat})

	for {
		select {
		case <-ctx.Done():
			stop()
			return parent.Err()
		case <-ticker.C:
			_ = w.send(ctx, WorkerMessage{Type: MsgHeartbeat})
		case msg, ok := <-w.conn.Messages():
			if !ok {
				w.logger.Warn("pool link closed, stopping")
				stop()
				return errPoolGone
			}
			if msg.GenerationID != "" && msg.GenerationID != w.params.GenerationID {
				w.logger.Warn(
					"dropping message from another generation",
					"type", msg.Type,
					"message_generation_id", msg.GenerationID,
				)
				continue
			}

			switch msg.Type {
			case MsgIdentifyShard:
				w.startShard(ctx, &wg, msg.ShardID)
			case MsgAllowIdentify, MsgIdentifyDenied:
				if sup, exists := w.supervisors[msg.ShardID]; exists {
					sup.deliver(msg)
				}
			case MsgRequestGuildMembers:
				w.requestGuildMembers(ctx, &wg, msg)
			case MsgDrain:
				w.logger.Info("draining")
				for _, sup := range w.supervisors {
					sup.drain()
				}
			case MsgStop:
				w.logger.Info("stopping", "code", msg.Code)
				stop()
				return nil
			default:
				w.logger.Warn("unexpected message", "type", msg.Type)
			}
		}
	}
}

func (w *shardWorker) startShard(ctx context.Context, wg *sync.WaitGroup, shardID int) {
	if !w.params.Shards.Contains(shardID) {
		w.logger.Error("shard outside worker range", "shard_id", shardID, "range", w.params.Shards)
		_ = w.send(
			ctx,
			WorkerMessage{
				Type:    MsgWorkerError,
				ShardID: shardID,
				Reason:  fmt.Sprintf("shard %d outside range %s", shardID, w.params.Shards),
			},
		)
		return
	}
	if _, exists := w.supervisors[shardID]; exists {
		return
	}
	sup := newShardSupervisor(shardID, w.params, w.dialer, w.send, w.logger)
	w.supervisors[shardID] = sup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.run(ctx)
	}()
}

func (w *shardWorker) requestGuildMembers(ctx context.Context, wg *sync.WaitGroup, msg WorkerMessage) {
	sup, exists := w.supervisors[msg.ShardID]
	if !exists || msg.Members == nil {
		_ = w.send(
			ctx,
			WorkerMessage{
				Type:    MsgWorkerError,
				ShardID: msg.ShardID,
				Reason:  ErrUnknownShard.Error(),
			},
		)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.requestGuildMembers(ctx, *msg.Members); err != nil {
			_ = w.send(
				ctx,
				WorkerMessage{
					Type:    MsgWorkerError,
					ShardID: msg.ShardID,
					Reason:  err.Error(),
				},
			)
		}
	}()
}
