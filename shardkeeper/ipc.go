package shardkeeper

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/vmihailenco/msgpack/v5"
	"io"
	"log/slog"
	"sync"
	"time"
)

// MessageType identifies a message exchanged between the pool and a worker
type MessageType string

const (
	// MsgWorkerInit carries the worker's SpawnParams. Always sent first.
	MsgWorkerInit MessageType = "WORKER_INIT"

	// MsgIdentifyShard asks a worker to start supervising a shard
	MsgIdentifyShard MessageType = "IDENTIFY_SHARD"

	// MsgToIdentify asks the pool for permission to IDENTIFY
	MsgToIdentify MessageType = "TO_IDENTIFY"

	// MsgAllowIdentify grants a MsgToIdentify request
	MsgAllowIdentify MessageType = "ALLOW_IDENTIFY"

	// MsgIdentifyDenied refuses a MsgToIdentify request, or revokes a
	// grant that was held too long
	MsgIdentifyDenied MessageType = "IDENTIFY_DENIED"

	// MsgShardOn reports a shard reached READY (or RESUMED)
	MsgShardOn MessageType = "SHARD_ON"

	// MsgShardOff reports a shard lost its connection or failed to identify
	MsgShardOff MessageType = "SHARD_OFF"

	MsgHeartbeat           MessageType = "HEARTBEAT"
	MsgDispatch            MessageType = "DISPATCH"
	MsgRequestGuildMembers MessageType = "REQUEST_GUILD_MEMBERS"

	// MsgDrain tells a worker its shards must not reconnect after a drop
	MsgDrain MessageType = "DRAIN"

	// MsgStop closes every connection and ends the worker
	MsgStop MessageType = "STOP"

	MsgWorkerError MessageType = "WORKER_ERROR"
)

const maxFrameSize = 16 << 20

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// WorkerMessage is the single message type of the worker protocol. Only
// the fields relevant to Type are set.
type WorkerMessage struct {
	Type           MessageType          `msgpack:"type" json:"type"`
	GenerationID   string               `msgpack:"gen" json:"generation_id"`
	WorkerID       int                  `msgpack:"worker" json:"worker_id"`
	ShardID        int                  `msgpack:"shard" json:"shard_id"`
	Nonce          uint64               `msgpack:"nonce,omitempty" json:"nonce,omitempty"`
	Resumed        bool                 `msgpack:"resumed,omitempty" json:"resumed,omitempty"`
	IdentifyFailed bool                 `msgpack:"identify_failed,omitempty" json:"identify_failed,omitempty"`
	Reason         string               `msgpack:"reason,omitempty" json:"reason,omitempty"`
	Code           int                  `msgpack:"code,omitempty" json:"code,omitempty"`
	Sent           time.Time            `msgpack:"sent" json:"sent"`
	Init           *SpawnParams         `msgpack:"init,omitempty" json:"-"`
	Event          *GatewayEvent        `msgpack:"event,omitempty" json:"-"`
	Members        *GuildMembersRequest `msgpack:"members,omitempty" json:"members,omitempty"`
}

// SpawnParams is everything a worker needs to run its shards
type SpawnParams struct {
	Token             string             `msgpack:"token" json:"token" log:"[redacted]"`
	Intents           discordgo.Intent   `msgpack:"intents" json:"intents"`
	TotalShards       int                `msgpack:"total_shards" json:"total_shards"`
	ClusterID         int                `msgpack:"cluster_id" json:"cluster_id"`
	WorkerID          int                `msgpack:"worker_id" json:"worker_id"`
	Shards            ShardRange         `msgpack:"shards" json:"shards"`
	GenerationID      string             `msgpack:"gen" json:"generation_id"`
	Properties        IdentifyProperties `msgpack:"properties" json:"properties"`
	HeartbeatInterval time.Duration      `msgpack:"heartbeat_interval" json:"heartbeat_interval"`
	IdentifyTimeout   time.Duration      `msgpack:"identify_timeout" json:"identify_timeout"`
	RetryBackoff      Exponential        `msgpack:"retry_backoff" json:"retry_backoff"`
	LogLevel          string             `msgpack:"log_level" json:"log_level"`
}

func (p SpawnParams) LogValue() slog.Value {
	return structToSlogValue(p)
}

// GuildMembersRequest is an OP 8 request routed to the guild's shard
type GuildMembersRequest struct {
	GuildID string `msgpack:"guild_id" json:"guild_id"`
	Query   string `msgpack:"query" json:"query"`
	Limit   int    `msgpack:"limit" json:"limit"`
}

// writeFrame writes msg as a big-endian length prefixed msgpack frame
func writeFrame(w io.Writer, msg WorkerMessage) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%s: %w", msg.Type, errFrameTooLarge)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err = w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readFrame reads a single frame written by writeFrame
func readFrame(r io.Reader) (WorkerMessage, error) {
	var msg WorkerMessage
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return msg, errFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return msg, err
	}
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decoding frame: %w", err)
	}
	return msg, nil
}

// WorkerHandle is the pool's end of a running worker
type WorkerHandle interface {
	Send(ctx context.Context, msg WorkerMessage) error

	// Messages delivers the worker's messages. It is closed when the
	// worker exits.
	Messages() <-chan WorkerMessage

	// Err returns the reason the worker exited, once Messages is closed
	Err() error

	// Kill ends the worker without a graceful stop
	Kill() error
}

// WorkerConn is the worker's end of the link to the pool
type WorkerConn interface {
	Send(ctx context.Context, msg WorkerMessage) error

	// Messages delivers the pool's messages. It is closed if the pool
	// goes away.
	Messages() <-chan WorkerMessage
}

// chanWorkerHandle links a pool to a worker running in a goroutine
type chanWorkerHandle struct {
	toWorker chan WorkerMessage
	toPool   chan WorkerMessage
	exited   chan struct{}
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

func newChanWorkerHandle(cancel context.CancelFunc) *chanWorkerHandle {
	return &chanWorkerHandle{
		toWorker: make(chan WorkerMessage, 64),
		toPool:   make(chan WorkerMessage, 64),
		exited:   make(chan struct{}),
		cancel:   cancel,
	}
}

func (h *chanWorkerHandle) Send(ctx context.Context, msg WorkerMessage) error {
	select {
	case <-h.exited:
		return ErrWorkerUnavailable
	default:
	}
	select {
	case h.toWorker <- msg:
		return nil
	case <-h.exited:
		return ErrWorkerUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *chanWorkerHandle) Messages() <-chan WorkerMessage {
	return h.toPool
}

func (h *chanWorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *chanWorkerHandle) Kill() error {
	h.cancel()
	return nil
}

// exit records the worker's result. Called once the worker goroutine
// has returned, so nothing sends on toPool afterward.
func (h *chanWorkerHandle) exit(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.exited)
	close(h.toPool)
}

// workerSide returns the worker's end of the link
func (h *chanWorkerHandle) workerSide() WorkerConn {
	return chanWorkerConn{h: h}
}

type chanWorkerConn struct {
	h *chanWorkerHandle
}

func (c chanWorkerConn) Send(ctx context.Context, msg WorkerMessage) error {
	select {
	case c.h.toPool <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c chanWorkerConn) Messages() <-chan WorkerMessage {
	return c.h.toWorker
}

// stdioWorkerConn is the worker end of a process link, reading frames
// from r (stdin) and writing frames to w (stdout)
type stdioWorkerConn struct {
	w        io.Writer
	mu       sync.Mutex
	messages chan WorkerMessage
	logger   *slog.Logger
}

// NewStdioWorkerConn starts reading frames from r. Messages is closed
// when r reaches EOF, which happens when the parent process exits.
func NewStdioWorkerConn(r io.Reader, w io.Writer, logger *slog.Logger) WorkerConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &stdioWorkerConn{
		w:        w,
		messages: make(chan WorkerMessage, 64),
		logger:   logger,
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *stdioWorkerConn) readLoop(r io.Reader) {
	defer close(c.messages)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("error reading frame", "error", err)
			}
			return
		}
		c.messages <- msg
	}
}

func (c *stdioWorkerConn) Send(ctx context.Context, msg WorkerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.w, msg)
}

func (c *stdioWorkerConn) Messages() <-chan WorkerMessage {
	return c.messages
}
