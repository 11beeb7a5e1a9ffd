package shardkeeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// WorkerCommand is the subcommand a process worker is started with
const WorkerCommand = "worker"

// WorkerSpawner starts workers. The returned handle's first message must
// be sent by the caller (WORKER_INIT).
type WorkerSpawner interface {
	Spawn(ctx context.Context, workerID int) (WorkerHandle, error)
}

// goroutineSpawner runs each worker in a goroutine of this process
type goroutineSpawner struct {
	dialer GatewayDialer
	logger *slog.Logger
}

// NewGoroutineSpawner returns a WorkerSpawner running workers in-process
func NewGoroutineSpawner(dialer GatewayDialer, logger *slog.Logger) WorkerSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &goroutineSpawner{dialer: dialer, logger: logger}
}

func (s *goroutineSpawner) Spawn(ctx context.Context, workerID int) (WorkerHandle, error) {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newChanWorkerHandle(cancel)
	go func() {
		err := RunWorker(
			workerCtx,
			h.workerSide(),
			s.dialer,
			s.logger.With(loggerNameKey, "worker"),
			nil,
		)
		cancel()
		h.exit(err)
	}()
	return h, nil
}

// processSpawner starts each worker as `<binary> worker`, linked over the
// child's stdin and stdout
type processSpawner struct {
	binary string
	args   []string
	env    []string
	logger *slog.Logger
}

// NewProcessSpawner returns a WorkerSpawner starting child processes. An
// empty binary uses the running executable.
func NewProcessSpawner(binary string, logger *slog.Logger) (WorkerSpawner, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: locating executable: %w", ErrWorkerUnavailable, err)
		}
		binary = exe
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &processSpawner{
		binary: binary,
		args:   []string{WorkerCommand},
		env:    os.Environ(),
		logger: logger,
	}, nil
}

func (s *processSpawner) Spawn(_ context.Context, workerID int) (WorkerHandle, error) {
	cmd := exec.Command(s.binary, s.args...)
	cmd.Env = s.env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting worker %d: %w", ErrWorkerUnavailable, workerID, err)
	}
	s.logger.Info("started worker process", "worker_id", workerID, "pid", cmd.Process.Pid)

	h := &processWorkerHandle{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan WorkerMessage, 64),
		exited:   make(chan struct{}),
		logger:   s.logger.With("worker_id", workerID),
	}
	go h.readLoop(stdout)
	return h, nil
}

type processWorkerHandle struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	wmu      sync.Mutex
	messages chan WorkerMessage
	exited   chan struct{}
	logger   *slog.Logger

	mu  sync.Mutex
	err error
}

func (h *processWorkerHandle) readLoop(stdout io.Reader) {
	for {
		msg, err := readFrame(stdout)
		if err != nil {
			break
		}
		h.messages <- msg
	}
	err := h.cmd.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("worker process exited", "error", err)
	}
	close(h.exited)
	close(h.messages)
}

func (h *processWorkerHandle) Send(ctx context.Context, msg WorkerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-h.exited:
		return ErrWorkerUnavailable
	default:
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := writeFrame(h.stdin, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	return nil
}

func (h *processWorkerHandle) Messages() <-chan WorkerMessage {
	return h.messages
}

func (h *processWorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *processWorkerHandle) Kill() error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	return h.cmd.Process.Kill()
}
