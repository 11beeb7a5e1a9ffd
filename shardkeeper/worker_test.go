package shardkeeper

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

const testGenerationID = "gen_test"

type testWorker struct {
	t      *testing.T
	handle *chanWorkerHandle
	dialer *fakeDialer
	done   chan error
}

func startTestWorker(t *testing.T, dialer *fakeDialer) *testWorker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := newChanWorkerHandle(cancel)
	w := &testWorker{t: t, handle: h, dialer: dialer, done: make(chan error, 1)}
	go func() {
		err := RunWorker(ctx, h.workerSide(), dialer, testLogger(), nil)
		cancel()
		h.exit(err)
		w.done <- err
	}()
	t.Cleanup(
		func() {
			cancel()
			<-h.exited
		},
	)
	return w
}

func (w *testWorker) send(msg WorkerMessage) {
	w.t.Helper()
	if msg.GenerationID == "" {
		msg.GenerationID = testGenerationID
	}
	require.NoError(w.t, w.handle.Send(context.Background(), msg))
}

func (w *testWorker) init(shards ShardRange) {
	w.send(
		WorkerMessage{
			Type: MsgWorkerInit,
			Init: &SpawnParams{
				Token:             "test-token",
				TotalShards:       shards.Hi,
				Shards:            shards,
				GenerationID:      testGenerationID,
				HeartbeatInterval: 20 * time.Millisecond,
				IdentifyTimeout:   time.Second,
				RetryBackoff:      Exponential{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
				LogLevel:          "DEBUG",
			},
		},
	)
}

// next returns the next message that isn't a heartbeat
func (w *testWorker) next() WorkerMessage {
	w.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-w.handle.Messages():
			require.True(w.t, ok, "worker exited")
			if msg.Type == MsgHeartbeat {
				continue
			}
			assert.Equal(w.t, testGenerationID, msg.GenerationID)
			return msg
		case <-timeout:
			w.t.Fatal("timed out waiting for worker message")
		}
	}
}

func (w *testWorker) expect(msgType MessageType, shardID int) WorkerMessage {
	w.t.Helper()
	msg := w.next()
	require.Equal(w.t, msgType, msg.Type, "message: %+v", msg)
	require.Equal(w.t, shardID, msg.ShardID)
	return msg
}

// identify walks shardID through TO_IDENTIFY, ALLOW_IDENTIFY and SHARD_ON
func (w *testWorker) identify(shardID int) {
	w.t.Helper()
	req := w.expect(MsgToIdentify, shardID)
	w.send(WorkerMessage{Type: MsgAllowIdentify, ShardID: shardID, Nonce: req.Nonce})
	on := w.expect(MsgShardOn, shardID)
	assert.False(w.t, on.Resumed)
}

func (w *testWorker) stop() {
	w.t.Helper()
	w.send(WorkerMessage{Type: MsgStop, Code: StopCodeShutdown})
	select {
	case err := <-w.done:
		require.NoError(w.t, err)
	case <-time.After(5 * time.Second):
		w.t.Fatal("worker did not stop")
	}
}

func TestRunWorker_IdentifyAndResume(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 1})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})

	w.identify(0)
	conn := dialer.conn(0)
	require.NotNil(t, conn)

	conn.events <- GatewayEvent{ShardID: 0, Type: "GUILD_CREATE", Sequence: 1}
	dispatch := w.expect(MsgDispatch, 0)
	require.NotNil(t, dispatch.Event)
	assert.Equal(t, "GUILD_CREATE", dispatch.Event.Type)
	assert.Equal(t, testGenerationID, dispatch.Event.GenerationID)

	conn.drop(errors.New("websocket: close 1006"))
	off := w.expect(MsgShardOff, 0)
	assert.False(t, off.IdentifyFailed)
	assert.Contains(t, off.Reason, "1006")

	// a resumable session reconnects without asking for a bucket
	on := w.expect(MsgShardOn, 0)
	assert.True(t, on.Resumed)
	assert.Equal(t, 1, conn.resumeCount())
	assert.Equal(t, 1, dialer.attemptsFor(0))

	w.stop()
}

func TestRunWorker_IdentifyDenied(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 1})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})

	first := w.expect(MsgToIdentify, 0)
	w.send(
		WorkerMessage{
			Type:    MsgIdentifyDenied,
			ShardID: 0,
			Nonce:   first.Nonce,
			Reason:  ErrSchedulerTimeout.Error(),
		},
	)

	second := w.expect(MsgToIdentify, 0)
	assert.Greater(t, second.Nonce, first.Nonce)

	// replies to the old request are ignored
	w.send(WorkerMessage{Type: MsgAllowIdentify, ShardID: 0, Nonce: first.Nonce})
	w.send(WorkerMessage{Type: MsgAllowIdentify, ShardID: 0, Nonce: second.Nonce})
	w.expect(MsgShardOn, 0)
	assert.Equal(t, 1, dialer.attemptsFor(0))

	w.stop()
}

func TestRunWorker_GrantRevokedDuringIdentify(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	dialer.setIdentifyDelay(time.Minute)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 1})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})

	req := w.expect(MsgToIdentify, 0)
	w.send(WorkerMessage{Type: MsgAllowIdentify, ShardID: 0, Nonce: req.Nonce})
	require.Eventually(
		t,
		func() bool { return dialer.attemptsFor(0) == 1 },
		time.Second,
		time.Millisecond,
	)
	w.send(
		WorkerMessage{
			Type:    MsgIdentifyDenied,
			ShardID: 0,
			Nonce:   req.Nonce,
			Reason:  ErrBucketLeaseLost.Error(),
		},
	)

	off := w.expect(MsgShardOff, 0)
	assert.True(t, off.IdentifyFailed)
	assert.Contains(t, off.Reason, "grant revoked")

	dialer.setIdentifyDelay(0)
	w.identify(0)
	assert.Equal(t, 2, dialer.attemptsFor(0))
	w.stop()
}

func TestRunWorker_IdentifyRejected(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	dialer.rejectOnce(0)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 1})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})

	req := w.expect(MsgToIdentify, 0)
	w.send(WorkerMessage{Type: MsgAllowIdentify, ShardID: 0, Nonce: req.Nonce})
	off := w.expect(MsgShardOff, 0)
	assert.True(t, off.IdentifyFailed)
	assert.Contains(t, off.Reason, ErrIdentifyRejected.Error())

	w.identify(0)
	assert.Equal(t, 2, dialer.attemptsFor(0))
	w.stop()
}

func TestRunWorker_Drain(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 1})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})
	w.identify(0)

	w.send(WorkerMessage{Type: MsgDrain})
	// still delivering events while draining
	conn := dialer.conn(0)
	conn.events <- GatewayEvent{ShardID: 0, Type: "MESSAGE_CREATE"}
	w.expect(MsgDispatch, 0)

	conn.drop(errors.New("reset"))
	w.expect(MsgShardOff, 0)

	select {
	case msg := <-w.handle.Messages():
		if msg.Type != MsgHeartbeat {
			t.Fatalf("draining shard reconnected: %+v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, conn.resumeCount())
	w.stop()
}

func TestRunWorker_RequestGuildMembers(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 2})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})
	w.identify(0)

	w.send(
		WorkerMessage{
			Type:    MsgRequestGuildMembers,
			ShardID: 0,
			Members: &GuildMembersRequest{GuildID: "81384788765712384", Limit: 10},
		},
	)
	require.Eventually(
		t,
		func() bool { return len(dialer.guildMemberRequests()) == 1 },
		time.Second,
		5*time.Millisecond,
	)
	assert.Equal(t, []string{"81384788765712384"}, dialer.guildMemberRequests())

	// shard 1 was never started on this worker
	w.send(
		WorkerMessage{
			Type:    MsgRequestGuildMembers,
			ShardID: 1,
			Members: &GuildMembersRequest{GuildID: "1"},
		},
	)
	errMsg := w.expect(MsgWorkerError, 1)
	assert.Equal(t, ErrUnknownShard.Error(), errMsg.Reason)
	w.stop()
}

func TestRunWorker_ShardOutOfRange(t *testing.T) {
	t.Parallel()
	w := startTestWorker(t, newFakeDialer(1))
	w.init(ShardRange{Lo: 0, Hi: 4})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 4})
	msg := w.expect(MsgWorkerError, 4)
	assert.Contains(t, msg.Reason, "outside range [0,4)")
	w.stop()
}

func TestRunWorker_StaleGeneration(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer(1)
	w := startTestWorker(t, dialer)
	w.init(ShardRange{Lo: 0, Hi: 1})

	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0, GenerationID: "gen_old"})
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})
	req := w.expect(MsgToIdentify, 0)

	w.send(WorkerMessage{Type: MsgStop, GenerationID: "gen_old"})
	w.send(WorkerMessage{Type: MsgAllowIdentify, ShardID: 0, Nonce: req.Nonce})
	w.expect(MsgShardOn, 0)
	w.stop()
}

func TestRunWorker_InitRequired(t *testing.T) {
	t.Parallel()
	w := startTestWorker(t, newFakeDialer(1))
	w.send(WorkerMessage{Type: MsgIdentifyShard, ShardID: 0})
	select {
	case err := <-w.done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), string(MsgWorkerInit))
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestRunWorker_PoolGone(t *testing.T) {
	t.Parallel()
	w := startTestWorker(t, newFakeDialer(1))
	w.init(ShardRange{Lo: 0, Hi: 1})
	close(w.handle.toWorker)
	select {
	case err := <-w.done:
		assert.ErrorIs(t, err, errPoolGone)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}
