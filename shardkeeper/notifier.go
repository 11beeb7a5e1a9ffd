package shardkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"sync"
	"time"
)

const (
	postgresNotifyChannelControl = "shardkeeper_control"
	notifierRetryInterval        = 5 * time.Second
	notifierSendTimeout          = 15 * time.Second
)

// ControlCommand names an operation broadcast between orchestrator
// instances sharing a database
type ControlCommand string

const (
	ControlMaintenance ControlCommand = "maintenance"
	ControlRecluster   ControlCommand = "recluster"
	ControlStopCluster ControlCommand = "stop_cluster"
)

// ControlMessage is a typed control broadcast. GenerationID, when set,
// limits the message to the instance whose live generation matches.
type ControlMessage struct {
	NotifierID   string         `json:"notifier_id"`
	GenerationID string         `json:"generation_id,omitempty"`
	Command      ControlCommand `json:"command"`
	Enabled      bool           `json:"enabled,omitempty"`
	ClusterID    int            `json:"cluster_id,omitempty"`
	Code         int            `json:"code,omitempty"`
}

// ControlHandler applies a control message received from another instance
type ControlHandler func(ctx context.Context, msg ControlMessage) error

// Notifier broadcasts control messages to other orchestrator instances.
// Instances ignore their own messages.
type Notifier interface {
	// ID returns the identifier stamped on this notifier's messages
	ID() string

	Publish(ctx context.Context, msg ControlMessage) error

	// Listen delivers messages from other instances to handler until ctx
	// ends
	Listen(ctx context.Context, handler ControlHandler) error
}

func newNotifier(databaseType string, database string, db *gorm.DB, logger *slog.Logger) (Notifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := logger.With(loggerNameKey, "db_notifier", "notifier_id", notifyID)
	switch databaseType {
	case dbTypeSQLite:
		return newLocalNotifier(notifyID, log), nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:       db,
			database: database,
			logger:   log,
			notifyID: notifyID,
		}, nil
	default:
		return nil, fmt.Errorf("%w: invalid database type %q", ErrConfigInvalid, databaseType)
	}
}

// localNotifier is the notifier for single-instance (sqlite) deployments.
// Messages are only seen by other listeners in this process.
type localNotifier struct {
	notifyID string
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[chan ControlMessage]struct{}
}

func newLocalNotifier(notifyID string, logger *slog.Logger) *localNotifier {
	return &localNotifier{
		notifyID:    notifyID,
		logger:      logger,
		subscribers: map[chan ControlMessage]struct{}{},
	}
}

func (n *localNotifier) ID() string {
	return n.notifyID
}

func (n *localNotifier) Publish(ctx context.Context, msg ControlMessage) error {
	if msg.NotifierID == "" {
		msg.NotifierID = n.notifyID
	}
	n.mu.Lock()
	subs := make([]chan ControlMessage, 0, len(n.subscribers))
	for ch := range n.subscribers {
		subs = append(subs, ch)
	}
	n.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(notifierSendTimeout):
			n.logger.Warn("timed out sending control message", "command", msg.Command)
		}
	}
	return nil
}

func (n *localNotifier) Listen(ctx context.Context, handler ControlHandler) error {
	ch := make(chan ControlMessage, 16)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.subscribers, ch)
		n.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if msg.NotifierID == n.notifyID {
				n.logger.Debug("received control message from self, ignoring", "command", msg.Command)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				n.logger.WarnContext(ctx, "error applying control message", "command", msg.Command, tint.Err(err))
			}
		}
	}
}

// postgresNotifier broadcasts with pg_notify and listens on a dedicated
// pgx connection. A lost listener connection is replaced, and LISTEN
// re-issued, until ctx ends.
type postgresNotifier struct {
	db       *gorm.DB
	database string
	logger   *slog.Logger
	notifyID string

	// listen opens a LISTENing connection. Defaults to one from a pgx
	// pool on database.
	listen        func(ctx context.Context) (listenConn, error)
	retryInterval time.Duration
}

// listenConn is a connection LISTENing on the control channel
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	// Close discards the connection
	Close(ctx context.Context)
}

type pgxListenConn struct {
	conn *pgxpool.Conn
}

func (c pgxListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

// Close closes the connection before handing it back, so the pool
// destroys it instead of reusing a connection that is still LISTENing.
func (c pgxListenConn) Close(ctx context.Context) {
	_ = c.conn.Conn().Close(ctx)
	c.conn.Release()
}

func pgxListener(pool *pgxpool.Pool, channel string) func(ctx context.Context) (listenConn, error) {
	return func(ctx context.Context) (listenConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring connection: %w", err)
		}
		if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
			conn.Release()
			return nil, fmt.Errorf("setting up listener: %w", err)
		}
		return pgxListenConn{conn: conn}, nil
	}
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) Publish(ctx context.Context, msg ControlMessage) error {
	msg.NotifierID = p.notifyID
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	notifyErr := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelControl,
		string(payload),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(ctx, "Error sending NOTIFY", tint.Err(notifyErr), "command", msg.Command)
		return notifyErr
	}
	p.logger.InfoContext(ctx, "sent control message", "command", msg.Command)
	return nil
}

func (p *postgresNotifier) Listen(ctx context.Context, handler ControlHandler) error {
	channel := postgresNotifyChannelControl
	logger := p.logger.With("channel", channel)
	logger.Info("starting db listener")

	listen := p.listen
	if listen == nil {
		config, err := pgxpool.ParseConfig(p.database)
		if err != nil {
			logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
			return err
		}
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
			return err
		}
		defer pool.Close()
		listen = pgxListener(pool, channel)
	}

	retry := p.retryInterval
	if retry <= 0 {
		retry = notifierRetryInterval
	}

	for ctx.Err() == nil {
		conn, err := listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error starting listener", tint.Err(err))
			if !sleepContext(ctx, retry) {
				break
			}
			continue
		}
		logger.InfoContext(ctx, "Started listening on channel")

		err = p.receive(ctx, conn, handler, logger)
		conn.Close(context.WithoutCancel(ctx))
		if err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "Listener connection lost, reconnecting", tint.Err(err))
			if !sleepContext(ctx, retry) {
				break
			}
		}
	}

	return nil
}

// receive hands notifications from conn to handler until ctx ends or the
// connection fails
func (p *postgresNotifier) receive(
	ctx context.Context,
	conn listenConn,
	handler ControlHandler,
	logger *slog.Logger,
) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg ControlMessage
		if err = json.Unmarshal([]byte(notification.Payload), &msg); err != nil {
			logger.WarnContext(ctx, "Received malformed notification", tint.Err(err))
			continue
		}
		if msg.NotifierID == p.notifyID {
			logger.Debug("Received notification from self, ignoring")
			continue
		}
		logger.InfoContext(ctx, "Received control message", "command", msg.Command, "from", msg.NotifierID)
		if err = handler(ctx, msg); err != nil {
			logger.WarnContext(ctx, "error applying control message", "command", msg.Command, tint.Err(err))
		}
	}
}
