package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const (
	leaseRenewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  return 0
end
`
	leaseReleaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`
	defaultLeaseRetryInterval = 250 * time.Millisecond
)

var errBucketNotLocked = errors.New("bucket is not locked")

// BucketLock provides mutual exclusion per identify bucket across
// schedulers. A generation's scheduler acquires its bucket here before
// granting, so two generations (or two orchestrators) never identify in
// the same bucket at once.
//
// Lost returns a channel that is closed if a held bucket stops being
// exclusive before Release, or nil if the lock can't lose a bucket.
type BucketLock interface {
	Acquire(ctx context.Context, bucketID int) error
	Release(ctx context.Context, bucketID int) error
	Lost(bucketID int) <-chan struct{}
}

// localBucketLock is an in-process BucketLock
type localBucketLock struct {
	mu    sync.Mutex
	slots map[int]chan struct{}
}

func newLocalBucketLock() *localBucketLock {
	return &localBucketLock{slots: map[int]chan struct{}{}}
}

func (l *localBucketLock) slot(bucketID int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[bucketID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[bucketID] = ch
	}
	return ch
}

func (l *localBucketLock) Acquire(ctx context.Context, bucketID int) error {
	select {
	case l.slot(bucketID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *localBucketLock) Release(_ context.Context, bucketID int) error {
	select {
	case <-l.slot(bucketID):
		return nil
	default:
		return fmt.Errorf("bucket %d: %w", bucketID, errBucketNotLocked)
	}
}

func (l *localBucketLock) Lost(int) <-chan struct{} {
	return nil
}

// redisBucketLock leases buckets in Redis with SET NX PX. Held leases are
// renewed at a third of their TTL until released. A lease is lost when
// its key no longer holds our value, or when renewals keep failing for a
// full TTL.
type redisBucketLock struct {
	client        RedisClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger

	mu   sync.Mutex
	held map[int]*redisLease
}

type redisLease struct {
	value  string
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

func newRedisBucketLock(
	client RedisClient,
	config *RedisConfig,
	logger *slog.Logger,
) *redisBucketLock {
	ttl := config.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultRedisLeaseTTL
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBucketLock{
		client:        client,
		keyPrefix:     prefix,
		ttl:           ttl,
		retryInterval: defaultLeaseRetryInterval,
		logger:        logger.With(loggerNameKey, "bucket_lock"),
		held:          map[int]*redisLease{},
	}
}

func (l *redisBucketLock) key(bucketID int) string {
	return fmt.Sprintf("%s:identify:%d", l.keyPrefix, bucketID)
}

func (l *redisBucketLock) Acquire(ctx context.Context, bucketID int) error {
	value, err := generateRandomHexString(32)
	if err != nil {
		return err
	}
	key := l.key(bucketID)

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		ok, setErr := l.client.SetNX(ctx, key, value, l.ttl).Result()
		if setErr != nil {
			l.logger.WarnContext(ctx, "error acquiring lease", "key", key, tint.Err(setErr))
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{
		value:  value,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	l.mu.Lock()
	l.held[bucketID] = lease
	l.mu.Unlock()

	go l.renew(renewCtx, key, lease)
	return nil
}

func (l *redisBucketLock) renew(ctx context.Context, key string, lease *redisLease) {
	defer close(lease.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.client.Eval(
				ctx,
				leaseRenewScript,
				[]string{key},
				lease.value,
				int(l.ttl.Milliseconds()),
			).Int()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				l.logger.Warn("error renewing lease", "key", key, tint.Err(err))
				if time.Since(renewed) < l.ttl {
					continue
				}
			} else if n != 0 {
				renewed = time.Now()
				continue
			}
			l.logger.Warn("lease lost", "key", key, "last_renewed", renewed)
			close(lease.lost)
			return
		}
	}
}

// Lost returns a channel closed once the bucket's lease is lost. It
// returns nil when the bucket isn't held.
func (l *redisBucketLock) Lost(bucketID int) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[bucketID]; ok {
		return lease.lost
	}
	return nil
}

func (l *redisBucketLock) Release(ctx context.Context, bucketID int) error {
	l.mu.Lock()
	lease, ok := l.held[bucketID]
	delete(l.held, bucketID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("bucket %d: %w", bucketID, errBucketNotLocked)
	}
	lease.cancel()
	<-lease.done

	_, err := l.client.Eval(
		ctx,
		leaseReleaseScript,
		[]string{l.key(bucketID)},
		lease.value,
	).Int()
	if err != nil {
		return fmt.Errorf("releasing lease for bucket %d: %w", bucketID, err)
	}
	return nil
}
