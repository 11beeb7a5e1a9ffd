package shardkeeper

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const discordLargeThreshold = 250

// DiscordSessionHandler defines the methods of `discordgo.Session` used to
// run a single shard's gateway connection, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord. A session which has
	// never received READY identifies, otherwise it resumes.
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetShard sets the shard this session identifies as
	SetShard(shardID int, shardCount int)

	// SetOpenTimeout bounds Open: the websocket handshake and the
	// HELLO/IDENTIFY/READY exchange must finish within timeout, or Open
	// fails. Zero means no bound.
	SetOpenTimeout(timeout time.Duration)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// GatewayBot fetches the recommended shard count and session start limits
	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)

	// RequestGuildMembers sends an OP 8 request over the gateway
	RequestGuildMembers(guildID string, query string, limit int, nonce string, presences bool) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger

	mu          sync.Mutex
	openTimeout time.Duration
	netConn     net.Conn
}

// newDiscordSession creates a session which never reconnects on its own.
// Reconnects, resumes and identifies are driven by the shard supervisor.
func newDiscordSession(
	config *DiscordConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*DiscordSession, error) {
	if logger == nil {
		logger = slog.Default()
	}
	session := &DiscordSession{logger: logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.ShouldReconnectOnError = false
	session.session = disc
	if httpClient != nil {
		disc.Client = httpClient
	}

	level := DefaultDiscordgoLogLevel
	if config.DiscordGoLogLevel != nil {
		level = config.DiscordGoLogLevel.Level()
	}
	if err = session.SetLogLevel(level); err != nil {
		return nil, err
	}

	return session, nil
}

func (d *DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d *DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d *DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d *DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d *DiscordSession) SetShard(shardID int, shardCount int) {
	d.session.ShardID = shardID
	d.session.ShardCount = shardCount
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d *DiscordSession) SetOpenTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.openTimeout = timeout
	d.mu.Unlock()
	if timeout <= 0 {
		d.session.Dialer = websocket.DefaultDialer
		return
	}
	d.session.Dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		NetDialContext:   d.dialContext,
	}
}

// dialContext dials the gateway with a deadline covering the whole of
// Open. The deadline is lifted once Open succeeds.
func (d *DiscordSession) dialContext(ctx context.Context, network string, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openTimeout > 0 {
		if err = conn.SetDeadline(time.Now().Add(d.openTimeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	d.netConn = conn
	return conn, nil
}

func (d *DiscordSession) Open() error {
	err := d.session.Open()
	d.mu.Lock()
	conn := d.netConn
	d.netConn = nil
	d.mu.Unlock()
	if err == nil && conn != nil {
		if e := conn.SetDeadline(time.Time{}); e != nil {
			d.logger.Warn("error clearing gateway deadline", tint.Err(e))
		}
	}
	return err
}

func (d *DiscordSession) Close() error {
	return d.session.Close()
}

func (d *DiscordSession) RequestGuildMembers(
	guildID string,
	query string,
	limit int,
	nonce string,
	presences bool,
) error {
	err := d.session.RequestGuildMembers(guildID, query, limit, nonce, presences)
	if err != nil {
		d.logger.Error(
			"error requesting guild members",
			"guild_id", guildID,
			tint.Err(err),
		)
	}
	return err
}

// identifyPayload builds the IDENTIFY payload for the given shard.
// The token is filled in by discordgo from the session.
func identifyPayload(
	intents discordgo.Intent,
	props IdentifyProperties,
) discordgo.Identify {
	return discordgo.Identify{
		Compress:       true,
		LargeThreshold: discordLargeThreshold,
		Intents:        intents,
		Properties: discordgo.IdentifyProperties{
			OS:      props.OS,
			Browser: props.Browser,
			Device:  props.Device,
		},
	}
}
