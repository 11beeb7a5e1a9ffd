package shardkeeper

import (
	"context"
	"errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// fakeRedis implements the lease commands against a map
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	renews  int
	setErr  error
	evalErr error
	closed  bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Ping(_ context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) SetNX(
	_ context.Context,
	key string,
	value any,
	expiration time.Duration,
) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	key := keys[0]
	if f.values[key] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case leaseRenewScript:
		f.renews++
	case leaseReleaseScript:
		delete(f.values, key)
		delete(f.ttls, key)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func (f *fakeRedis) del(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.ttls, key)
}

func (f *fakeRedis) failEval(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalErr = err
}

func (f *fakeRedis) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

func TestLocalBucketLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lock := newLocalBucketLock()

	require.NoError(t, lock.Acquire(ctx, 0))
	require.NoError(t, lock.Acquire(ctx, 1), "buckets are independent")

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	t.Cleanup(cancel)
	assert.ErrorIs(t, lock.Acquire(timeoutCtx, 0), context.DeadlineExceeded)

	require.NoError(t, lock.Release(ctx, 0))
	assert.ErrorIs(t, lock.Release(ctx, 0), errBucketNotLocked)
	require.NoError(t, lock.Acquire(ctx, 0))
}

func TestRedisBucketLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeRedis()
	lock := newRedisBucketLock(
		client,
		&RedisConfig{LeaseTTL: 30 * time.Millisecond, KeyPrefix: "test"},
		testLogger(),
	)
	lock.retryInterval = 5 * time.Millisecond

	require.NoError(t, lock.Acquire(ctx, 3))
	value, ok := client.get("test:identify:3")
	require.True(t, ok)
	assert.Len(t, value, 32)

	t.Run(
		"renewed while held", func(t *testing.T) {
			require.Eventually(
				t,
				func() bool { return client.renewCount() > 0 },
				time.Second,
				5*time.Millisecond,
			)
		},
	)

	t.Run(
		"contended", func(t *testing.T) {
			other := newRedisBucketLock(
				client,
				&RedisConfig{LeaseTTL: time.Second, KeyPrefix: "test"},
				testLogger(),
			)
			other.retryInterval = 5 * time.Millisecond

			timeoutCtx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
			defer cancel()
			assert.ErrorIs(t, other.Acquire(timeoutCtx, 3), context.DeadlineExceeded)

			acquired := make(chan error, 1)
			go func() {
				acquired <- other.Acquire(ctx, 3)
			}()
			require.NoError(t, lock.Release(ctx, 3))

			select {
			case err := <-acquired:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("lease not acquired after release")
			}
			require.NoError(t, other.Release(ctx, 3))
			_, ok := client.get("test:identify:3")
			assert.False(t, ok)
		},
	)

	t.Run(
		"release without lease", func(t *testing.T) {
			assert.ErrorIs(t, lock.Release(ctx, 9), errBucketNotLocked)
		},
	)
}

func TestRedisBucketLock_LeaseLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.Nil(t, newLocalBucketLock().Lost(0))

	newLock := func(client *fakeRedis) *redisBucketLock {
		return newRedisBucketLock(
			client,
			&RedisConfig{LeaseTTL: 30 * time.Millisecond, KeyPrefix: "test"},
			testLogger(),
		)
	}
	waitLost := func(t *testing.T, lost <-chan struct{}) {
		t.Helper()
		select {
		case <-lost:
		case <-time.After(time.Second):
			t.Fatal("lease loss not reported")
		}
	}

	t.Run(
		"taken over", func(t *testing.T) {
			t.Parallel()
			client := newFakeRedis()
			lock := newLock(client)
			assert.Nil(t, lock.Lost(1))

			require.NoError(t, lock.Acquire(ctx, 1))
			lost := lock.Lost(1)
			require.NotNil(t, lost)
			client.set("test:identify:1", "another-holder")
			waitLost(t, lost)

			// release still works, and leaves the other holder's lease alone
			require.NoError(t, lock.Release(ctx, 1))
			assert.Nil(t, lock.Lost(1))
			value, ok := client.get("test:identify:1")
			require.True(t, ok)
			assert.Equal(t, "another-holder", value)
		},
	)

	t.Run(
		"renewals failing", func(t *testing.T) {
			t.Parallel()
			client := newFakeRedis()
			lock := newLock(client)
			require.NoError(t, lock.Acquire(ctx, 2))
			acquiredAt := time.Now()
			client.failEval(errors.New("i/o timeout"))

			waitLost(t, lock.Lost(2))
			assert.GreaterOrEqual(t, time.Since(acquiredAt), lock.ttl)

			client.failEval(nil)
			require.NoError(t, lock.Release(ctx, 2))
		},
	)

	t.Run(
		"kept while renewing", func(t *testing.T) {
			t.Parallel()
			client := newFakeRedis()
			lock := newLock(client)
			require.NoError(t, lock.Acquire(ctx, 3))
			lost := lock.Lost(3)
			require.Eventually(
				t,
				func() bool { return client.renewCount() >= 3 },
				time.Second,
				5*time.Millisecond,
			)
			select {
			case <-lost:
				t.Fatal("renewed lease reported lost")
			default:
			}
			require.NoError(t, lock.Release(ctx, 3))
		},
	)
}

func TestRedisBucketLock_ReleaseError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeRedis()
	lock := newRedisBucketLock(client, &RedisConfig{}, testLogger())
	assert.Equal(t, DefaultRedisLeaseTTL, lock.ttl)
	assert.Equal(t, DefaultRedisKeyPrefix+":identify:0", lock.key(0))

	require.NoError(t, lock.Acquire(ctx, 0))
	client.mu.Lock()
	client.evalErr = errors.New("connection reset")
	client.mu.Unlock()
	assert.Error(t, lock.Release(ctx, 0))
}

func TestNewRedisClient_Disabled(t *testing.T) {
	t.Parallel()
	_, err := NewRedisClient(context.Background(), &RedisConfig{})
	assert.ErrorIs(t, err, ErrConfigInvalid)
}
