package shardkeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Discord allows 120 gateway commands per connection per minute. Part of
// that is reserved for heartbeats.
const (
	gatewayCommandInterval = 600 * time.Millisecond
	gatewayCommandBurst    = 5
)

// ShardState is the connection state of a single shard
type ShardState int32

const (
	ShardDisconnected ShardState = iota
	ShardPendingIdentify
	ShardIdentifying
	ShardReady
)

func (s ShardState) String() string {
	switch s {
	case ShardDisconnected:
		return "disconnected"
	case ShardPendingIdentify:
		return "pending_identify"
	case ShardIdentifying:
		return "identifying"
	case ShardReady:
		return "ready"
	default:
		return "unknown"
	}
}

func (s ShardState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// shardSupervisor owns one shard's gateway connection inside a worker.
//
// A fresh IDENTIFY always goes through the pool (TO_IDENTIFY, then
// ALLOW_IDENTIFY). A dropped session that can be resumed is resumed
// directly. A draining supervisor stays disconnected after a drop.
type shardSupervisor struct {
	shardID  int
	params   SpawnParams
	dialer   GatewayDialer
	send     func(ctx context.Context, msg WorkerMessage) error
	logger   *slog.Logger
	grants   chan WorkerMessage
	limiter  *rate.Limiter
	draining atomic.Bool
	state    atomic.Int32
	nonce    uint64

	mu   sync.Mutex
	conn GatewayConn
}

func newShardSupervisor(
	shardID int,
	params SpawnParams,
	dialer GatewayDialer,
	send func(ctx context.Context, msg WorkerMessage) error,
	logger *slog.Logger,
) *shardSupervisor {
	return &shardSupervisor{
		shardID: shardID,
		params:  params,
		dialer:  dialer,
		send:    send,
		logger:  logger.With("shard_id", shardID),
		grants:  make(chan WorkerMessage, 4),
		limiter: rate.NewLimiter(rate.Every(gatewayCommandInterval), gatewayCommandBurst),
	}
}

func (s *shardSupervisor) State() ShardState {
	return ShardState(s.state.Load())
}

func (s *shardSupervisor) setState(state ShardState) {
	prev := ShardState(s.state.Swap(int32(state)))
	if prev != state {
		s.logger.Debug("shard state changed", "from", prev, "to", state)
	}
}

func (s *shardSupervisor) current() GatewayConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *shardSupervisor) setConn(conn GatewayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *shardSupervisor) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// deliver passes an ALLOW_IDENTIFY or IDENTIFY_DENIED to the supervisor
func (s *shardSupervisor) deliver(msg WorkerMessage) {
	select {
	case s.grants <- msg:
	default:
		s.logger.Warn("dropping identify reply, supervisor busy", "type", msg.Type)
	}
}

func (s *shardSupervisor) drain() {
	s.draining.Store(true)
}

func (s *shardSupervisor) run(ctx context.Context) {
	defer s.setState(ShardDisconnected)
	defer s.closeConn()

	backoff := s.params.RetryBackoff
	attempt := 0

	for ctx.Err() == nil {
		if conn := s.current(); conn != nil {
			if s.draining.Load() {
				return
			}
			if conn.CanResume() {
				if err := s.resume(ctx, conn); err == nil {
					s.serve(ctx, conn, true)
					continue
				} else {
					s.logger.Warn("resume failed, identifying", tint.Err(err))
				}
			}
			s.closeConn()
		}
		if s.draining.Load() {
			return
		}

		allowed, err := s.awaitIdentify(ctx)
		if err != nil {
			return
		}
		if !allowed {
			s.setState(ShardDisconnected)
			attempt++
			if !sleepContext(ctx, backoff.Delay(attempt)) {
				return
			}
			continue
		}

		s.setState(ShardIdentifying)
		conn, err := s.identify(ctx)
		if err != nil {
			s.setState(ShardDisconnected)
			s.logger.Warn("identify failed", tint.Err(err))
			if ctx.Err() != nil {
				return
			}
			_ = s.send(
				ctx,
				WorkerMessage{
					Type:           MsgShardOff,
					ShardID:        s.shardID,
					IdentifyFailed: true,
					Reason:         err.Error(),
				},
			)
			attempt++
			if !sleepContext(ctx, backoff.Delay(attempt)) {
				return
			}
			continue
		}
		attempt = 0
		s.serve(ctx, conn, false)
	}
}

// awaitIdentify asks the pool for the shard's bucket and waits for the
// reply. Replies to earlier requests are discarded.
func (s *shardSupervisor) awaitIdentify(ctx context.Context) (bool, error) {
	s.nonce++
	nonce := s.nonce
	s.setState(ShardPendingIdentify)
	if err := s.send(
		ctx,
		WorkerMessage{Type: MsgToIdentify, ShardID: s.shardID, Nonce: nonce},
	); err != nil {
		return false, err
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case msg := <-s.grants:
			if msg.Nonce != nonce {
				s.logger.Debug("discarding stale identify reply", "type", msg.Type)
				continue
			}
			if msg.Type == MsgIdentifyDenied {
				s.logger.Info("identify denied", "reason", msg.Reason)
				return false, nil
			}
			return msg.Type == MsgAllowIdentify, nil
		}
	}
}

func (s *shardSupervisor) connectParams() ShardConnectParams {
	return ShardConnectParams{
		Token:       s.params.Token,
		ShardID:     s.shardID,
		ShardCount:  s.params.TotalShards,
		Intents:     s.params.Intents,
		Properties:  s.params.Properties,
		OpenTimeout: s.params.IdentifyTimeout,
	}
}

// identify connects and identifies under the current grant. A denial
// for the same request arriving meanwhile means the pool took the bucket
// back, and the attempt is abandoned.
func (s *shardSupervisor) identify(ctx context.Context) (GatewayConn, error) {
	idCtx, cancel := s.identifyContext(ctx)
	nonce := s.nonce
	revoked := make(chan struct{})
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		for {
			select {
			case <-idCtx.Done():
				return
			case msg := <-s.grants:
				if msg.Type == MsgIdentifyDenied && msg.Nonce == nonce {
					s.logger.Warn("identify grant revoked", "reason", msg.Reason)
					close(revoked)
					cancel()
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-watching
	}()

	conn, err := s.dialer.Dial(idCtx, s.connectParams())
	if err != nil {
		return nil, err
	}
	if err = conn.Identify(idCtx); err != nil {
		_ = conn.Close()
		select {
		case <-revoked:
			return nil, fmt.Errorf("%w: grant revoked", ErrIdentifyRejected)
		default:
		}
		return nil, err
	}
	s.setConn(conn)
	return conn, nil
}

func (s *shardSupervisor) resume(ctx context.Context, conn GatewayConn) error {
	idCtx, cancel := s.identifyContext(ctx)
	defer cancel()
	s.logger.Info("resuming session")
	return conn.Resume(idCtx)
}

func (s *shardSupervisor) identifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.params.IdentifyTimeout > 0 {
		return context.WithTimeout(ctx, s.params.IdentifyTimeout)
	}
	return context.WithCancel(ctx)
}

// serve reports the shard ready and forwards dispatches until the socket
// drops or ctx ends.
func (s *shardSupervisor) serve(ctx context.Context, conn GatewayConn, resumed bool) {
	s.setState(ShardReady)
	_ = s.send(
		ctx,
		WorkerMessage{Type: MsgShardOn, ShardID: s.shardID, Resumed: resumed},
	)

	done := conn.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-conn.Events():
			ev.GenerationID = s.params.GenerationID
			if err := s.send(
				ctx,
				WorkerMessage{Type: MsgDispatch, ShardID: s.shardID, Event: &ev},
			); err != nil {
				return
			}
		case <-done:
			s.setState(ShardDisconnected)
			reason := ""
			if err := conn.Err(); err != nil {
				reason = err.Error()
			}
			s.logger.Info("connection dropped", "reason", reason)
			_ = s.send(
				ctx,
				WorkerMessage{Type: MsgShardOff, ShardID: s.shardID, Reason: reason},
			)
			return
		}
	}
}

func (s *shardSupervisor) requestGuildMembers(
	ctx context.Context,
	req GuildMembersRequest,
) error {
	conn := s.current()
	if conn == nil || s.State() != ShardReady {
		return ErrShardNotReady
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.RequestGuildMembers(req.GuildID, req.Query, req.Limit)
}

// sleepContext waits for d, returning false if ctx ends first
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
