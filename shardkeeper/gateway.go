package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const gatewayEventBuffer = 256

var (
	errGatewayDisconnected = errors.New("gateway connection closed")
	errGatewayNotResumable = errors.New("gateway session can't be resumed")
	errGatewayClosed       = errors.New("gateway connection was closed locally")
)

// ShardConnectParams are the connection parameters for a single shard
type ShardConnectParams struct {
	Token      string
	ShardID    int
	ShardCount int
	Intents    discordgo.Intent
	Properties IdentifyProperties

	// OpenTimeout bounds each socket open, including IDENTIFY and READY
	OpenTimeout time.Duration
}

// GatewayDialer creates gateway connections for shards.
type GatewayDialer interface {
	Dial(ctx context.Context, params ShardConnectParams) (GatewayConn, error)
}

// GatewayConn is a shard's gateway session. A session may span several
// sockets: Identify opens the first, Resume re-opens a dropped one.
type GatewayConn interface {
	// Identify opens a socket and sends IDENTIFY, returning after READY
	Identify(ctx context.Context) error

	// Resume re-opens a dropped socket and sends RESUME, returning after
	// RESUMED. It never sends IDENTIFY.
	Resume(ctx context.Context) error

	// CanResume reports whether the session has been identified and
	// not invalidated
	CanResume() bool

	// Events delivers dispatch events (op 0)
	Events() <-chan GatewayEvent

	// Done is closed when the current socket drops
	Done() <-chan struct{}

	// Err returns the reason the current socket dropped
	Err() error

	RequestGuildMembers(guildID string, query string, limit int) error

	Close() error
}

type discordgoDialer struct {
	httpClient *http.Client
	logLevel   *slog.LevelVar
	logger     *slog.Logger
	newSession func(config *DiscordConfig) (DiscordSessionHandler, error)
}

// NewDiscordgoDialer returns a GatewayDialer using one discordgo session
// per shard connection.
func NewDiscordgoDialer(
	httpClient *http.Client,
	discordgoLogLevel *slog.LevelVar,
	logger *slog.Logger,
) GatewayDialer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &discordgoDialer{
		httpClient: httpClient,
		logLevel:   discordgoLogLevel,
		logger:     logger,
	}
	d.newSession = func(config *DiscordConfig) (DiscordSessionHandler, error) {
		return newDiscordSession(config, d.httpClient, d.logger)
	}
	return d
}

func (d *discordgoDialer) Dial(
	_ context.Context,
	params ShardConnectParams,
) (GatewayConn, error) {
	session, err := d.newSession(
		&DiscordConfig{
			Token:             params.Token,
			DiscordGoLogLevel: d.logLevel,
		},
	)
	if err != nil {
		return nil, err
	}
	return newSessionConn(
		session,
		params,
		d.logger.With("shard_id", params.ShardID),
	), nil
}

// sessionConn implements GatewayConn over a DiscordSessionHandler
type sessionConn struct {
	session DiscordSessionHandler
	shardID int
	logger  *slog.Logger
	events  chan GatewayEvent
	closed  chan struct{}

	mu          sync.Mutex
	done        chan struct{}
	err         error
	sessionID   string
	gotReady    bool
	gotResumed  bool
	isClosed    bool
	removeFuncs []func()
}

func newSessionConn(
	session DiscordSessionHandler,
	params ShardConnectParams,
	logger *slog.Logger,
) *sessionConn {
	session.SetShard(params.ShardID, params.ShardCount)
	session.SetIdentify(identifyPayload(params.Intents, params.Properties))
	session.SetOpenTimeout(params.OpenTimeout)

	done := make(chan struct{})
	close(done)
	c := &sessionConn{
		session: session,
		shardID: params.ShardID,
		logger:  logger,
		events:  make(chan GatewayEvent, gatewayEventBuffer),
		closed:  make(chan struct{}),
		done:    done,
		err:     errGatewayDisconnected,
	}
	c.removeFuncs = append(
		c.removeFuncs,
		session.AddHandler(c.handlerReady),
		session.AddHandler(c.handlerResumed),
		session.AddHandler(c.handlerDisconnect),
		session.AddHandler(c.handlerEvent),
	)
	return c
}

func (c *sessionConn) handlerReady(_ *discordgo.Session, r *discordgo.Ready) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = r.SessionID
	c.gotReady = true
	c.logger.Info("ready", "session_id", r.SessionID, "shard", r.Shard)
}

func (c *sessionConn) handlerResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gotResumed = true
	c.logger.Info("resumed", "session_id", c.sessionID)
}

func (c *sessionConn) handlerDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		if c.isClosed {
			c.err = errGatewayClosed
		} else {
			c.err = errGatewayDisconnected
		}
		close(c.done)
	}
	c.logger.Info("disconnected", "session_id", c.sessionID)
}

func (c *sessionConn) handlerEvent(_ *discordgo.Session, e *discordgo.Event) {
	if e.Operation != 0 {
		return
	}
	ev := GatewayEvent{
		ShardID:  c.shardID,
		Type:     e.Type,
		Op:       e.Operation,
		Sequence: e.Sequence,
		Data:     []byte(e.RawData),
	}
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// open runs a blocking Open. If ctx ends first, open still waits for Open
// to return and closes whatever it opened, so nothing is sent on the
// shard's behalf after open returns. Open itself is bounded by the
// session's open timeout.
func (c *sessionConn) open(ctx context.Context) error {
	c.mu.Lock()
	c.done = make(chan struct{})
	c.err = nil
	c.gotReady = false
	c.gotResumed = false
	c.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		result <- c.session.Open()
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.logger.Warn("gateway open outlived its deadline, waiting for it to return", tint.Err(ctx.Err()))
		if err := <-result; err == nil {
			_ = c.session.Close()
		}
		return ctx.Err()
	}
}

func (c *sessionConn) Identify(ctx context.Context) error {
	c.mu.Lock()
	identified := c.sessionID != ""
	c.mu.Unlock()
	if identified {
		return fmt.Errorf("shard %d: session already identified", c.shardID)
	}

	if err := c.open(ctx); err != nil {
		return &IdentifyRejectedError{ShardID: c.shardID, Reason: err.Error()}
	}

	c.mu.Lock()
	gotReady := c.gotReady
	c.mu.Unlock()
	if !gotReady {
		// discordgo re-sends IDENTIFY by itself on an invalid session,
		// so a missing READY is treated as a rejection and the socket
		// is dropped.
		_ = c.session.Close()
		return &IdentifyRejectedError{
			ShardID: c.shardID,
			Reason:  "gateway did not send READY",
		}
	}
	return nil
}

func (c *sessionConn) Resume(ctx context.Context) error {
	if !c.CanResume() {
		return errGatewayNotResumable
	}
	if err := c.open(ctx); err != nil {
		return fmt.Errorf("shard %d: resume failed: %w", c.shardID, err)
	}

	c.mu.Lock()
	resumed := c.gotResumed
	if !resumed {
		c.sessionID = ""
	}
	c.mu.Unlock()

	if !resumed {
		_ = c.session.Close()
		return fmt.Errorf("shard %d: %w", c.shardID, errGatewayNotResumable)
	}
	return nil
}

func (c *sessionConn) CanResume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID != "" && !c.isClosed
}

func (c *sessionConn) Events() <-chan GatewayEvent {
	return c.events
}

func (c *sessionConn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *sessionConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sessionConn) RequestGuildMembers(
	guildID string,
	query string,
	limit int,
) error {
	nonce, err := generateRandomHexString(32)
	if err != nil {
		return err
	}
	return c.session.RequestGuildMembers(guildID, query, limit, nonce, false)
}

func (c *sessionConn) Close() error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	close(c.closed)
	removeFuncs := c.removeFuncs
	c.mu.Unlock()

	err := c.session.Close()
	if err != nil && !errors.Is(err, discordgo.ErrWSNotFound) {
		c.logger.Warn("error closing gateway session", tint.Err(err))
	} else {
		err = nil
	}
	for _, remove := range removeFuncs {
		remove()
	}
	return err
}
