package shardkeeper

import (
	"container/heap"
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// IdentifyGrant is permission for one shard to send IDENTIFY in its
// bucket. It must be handed back with ReleaseGrant (or Release).
type IdentifyGrant struct {
	BucketID  int
	ShardID   int
	GrantedAt time.Time
	Waited    time.Duration

	waiter *identifyWaiter
}

// Lost returns a channel closed if the grant's shared bucket lease is
// lost while held. It is nil for grants without a lease.
func (g *IdentifyGrant) Lost() <-chan struct{} {
	if g.waiter == nil {
		return nil
	}
	return g.waiter.lost
}

// LeaseLost reports whether Lost is already closed
func (g *IdentifyGrant) LeaseLost() bool {
	lost := g.Lost()
	if lost == nil {
		return false
	}
	select {
	case <-lost:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the grant is released
func (g *IdentifyGrant) Done() <-chan struct{} {
	if g.waiter == nil {
		return nil
	}
	return g.waiter.released
}

// BucketStatus is a point-in-time view of a bucket
type BucketStatus struct {
	BucketID int   `json:"bucket_id"`
	InFlight bool  `json:"in_flight"`
	Holder   int   `json:"holder"`
	Waiting  []int `json:"waiting,omitempty"`
}

// IdentifyScheduler serializes IDENTIFY per rate limit bucket. At most one
// shard holds a bucket at a time, waiters are granted in arrival order,
// and buckets never block each other.
//
// The scheduler has no timeout of its own: callers bound the wait with
// their context.
type IdentifyScheduler struct {
	maxConcurrency int
	lock           BucketLock
	logger         *slog.Logger

	mu      sync.Mutex
	seq     uint64
	buckets map[int]*identifyBucket
}

type identifyBucket struct {
	id       int
	inFlight bool
	holder   *identifyWaiter
	waiters  waiterQueue
}

type identifyWaiter struct {
	shardID     int
	seq         uint64
	requestedAt time.Time
	ready       chan struct{}
	released    chan struct{}
	lost        <-chan struct{}
	granted     bool
	locked      bool
	index       int
}

// NewIdentifyScheduler creates a scheduler for maxConcurrency buckets.
// If lock is non-nil, every grant also holds the bucket in lock, so that
// several schedulers sharing a token never overlap in a bucket.
func NewIdentifyScheduler(
	maxConcurrency int,
	lock BucketLock,
	logger *slog.Logger,
) *IdentifyScheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentifyScheduler{
		maxConcurrency: maxConcurrency,
		lock:           lock,
		logger:         logger.With(loggerNameKey, "identify_scheduler"),
		buckets:        make(map[int]*identifyBucket, maxConcurrency),
	}
}

// MaxConcurrency returns the number of buckets
func (s *IdentifyScheduler) MaxConcurrency() int {
	return s.maxConcurrency
}

func (s *IdentifyScheduler) bucket(bucketID int) *identifyBucket {
	b, ok := s.buckets[bucketID]
	if !ok {
		b = &identifyBucket{id: bucketID}
		s.buckets[bucketID] = b
	}
	return b
}

// RequestIdentify returns once shardID holds bucketID. If the bucket is
// busy, the caller waits behind earlier requests. When ctx ends first,
// the request is withdrawn and ErrSchedulerTimeout is returned.
func (s *IdentifyScheduler) RequestIdentify(
	ctx context.Context,
	bucketID int,
	shardID int,
) (*IdentifyGrant, error) {
	if bucketID < 0 || bucketID >= s.maxConcurrency {
		return nil, fmt.Errorf(
			"%w: bucket %d out of range [0,%d)",
			ErrIdentifyRejected,
			bucketID,
			s.maxConcurrency,
		)
	}

	s.mu.Lock()
	b := s.bucket(bucketID)
	s.seq++
	w := &identifyWaiter{
		shardID:     shardID,
		seq:         s.seq,
		requestedAt: time.Now(),
		ready:       make(chan struct{}),
		released:    make(chan struct{}),
		index:       -1,
	}

	if !b.inFlight {
		b.inFlight = true
		b.holder = w
		w.granted = true
		s.mu.Unlock()
	} else {
		heap.Push(&b.waiters, w)
		position := b.waiters.Len()
		s.mu.Unlock()

		s.logger.DebugContext(
			ctx,
			"waiting for bucket",
			"bucket_id", bucketID,
			"shard_id", shardID,
			"position", position,
		)

		select {
		case <-w.ready:
		case <-ctx.Done():
			s.mu.Lock()
			if !w.granted {
				heap.Remove(&b.waiters, w.index)
				s.mu.Unlock()
				return nil, fmt.Errorf(
					"shard %d bucket %d: %w: %w",
					shardID,
					bucketID,
					ErrSchedulerTimeout,
					ctx.Err(),
				)
			}
			s.mu.Unlock()
			// granted while giving up: pass the bucket on
			s.release(bucketID, w)
			return nil, fmt.Errorf(
				"shard %d bucket %d: %w: %w",
				shardID,
				bucketID,
				ErrSchedulerTimeout,
				ctx.Err(),
			)
		}
	}

	if s.lock != nil {
		if err := s.lock.Acquire(ctx, bucketID); err != nil {
			s.release(bucketID, w)
			return nil, fmt.Errorf(
				"shard %d bucket %d: %w: %w",
				shardID,
				bucketID,
				ErrSchedulerTimeout,
				err,
			)
		}
		s.mu.Lock()
		stillHolder := s.buckets[bucketID].holder == w
		if stillHolder {
			w.locked = true
			w.lost = s.lock.Lost(bucketID)
		}
		s.mu.Unlock()
		if !stillHolder {
			_ = s.lock.Release(context.Background(), bucketID)
			return nil, fmt.Errorf(
				"shard %d bucket %d: %w: released while acquiring",
				shardID,
				bucketID,
				ErrSchedulerTimeout,
			)
		}
	}

	grant := &IdentifyGrant{
		BucketID:  bucketID,
		ShardID:   shardID,
		GrantedAt: time.Now(),
		waiter:    w,
	}
	grant.Waited = grant.GrantedAt.Sub(w.requestedAt)
	s.logger.DebugContext(
		ctx,
		"bucket granted",
		"bucket_id", bucketID,
		"shard_id", shardID,
		"waited", grant.Waited,
	)
	return grant, nil
}

// Release frees bucketID for whichever shard currently holds it. The
// bucket passes directly to the oldest waiter, or goes idle when nobody
// waits. Releasing an idle bucket does nothing and returns false.
func (s *IdentifyScheduler) Release(bucketID int) bool {
	return s.release(bucketID, nil)
}

// ReleaseGrant releases the grant's bucket, only if the grant still holds
// it. A second release of the same grant returns false.
func (s *IdentifyScheduler) ReleaseGrant(grant *IdentifyGrant) bool {
	if grant == nil || grant.waiter == nil {
		return false
	}
	return s.release(grant.BucketID, grant.waiter)
}

func (s *IdentifyScheduler) release(bucketID int, holder *identifyWaiter) bool {
	s.mu.Lock()
	b, ok := s.buckets[bucketID]
	if !ok || !b.inFlight || b.holder == nil || (holder != nil && b.holder != holder) {
		s.mu.Unlock()
		s.logger.Debug("release of idle bucket ignored", "bucket_id", bucketID)
		return false
	}
	prev := b.holder
	b.holder = nil
	locked := prev.locked
	prev.locked = false
	close(prev.released)
	s.mu.Unlock()

	if locked {
		if err := s.lock.Release(context.Background(), bucketID); err != nil {
			s.logger.Warn(
				"error releasing bucket lock",
				"bucket_id", bucketID,
				tint.Err(err),
			)
		}
	}

	s.mu.Lock()
	next := s.handOff(b)
	s.mu.Unlock()

	if next != nil {
		s.logger.Debug(
			"bucket handed off",
			"bucket_id", bucketID,
			"from_shard", prev.shardID,
			"to_shard", next.shardID,
		)
	}
	return true
}

// handOff grants the bucket to the oldest waiter, if any. Must be called
// with s.mu held.
func (s *IdentifyScheduler) handOff(b *identifyBucket) *identifyWaiter {
	if b.waiters.Len() == 0 {
		b.inFlight = false
		b.holder = nil
		return nil
	}
	next, _ := heap.Pop(&b.waiters).(*identifyWaiter)
	b.holder = next
	next.granted = true
	close(next.ready)
	return next
}

// InFlight reports whether the bucket is currently held
func (s *IdentifyScheduler) InFlight(bucketID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	return ok && b.inFlight
}

// Ahead returns how many requests a new request for the bucket would
// queue behind, counting the holder
func (s *IdentifyScheduler) Ahead(bucketID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return 0
	}
	n := len(b.waiters)
	if b.inFlight {
		n++
	}
	return n
}

// Holder returns the shard holding the bucket, or -1
func (s *IdentifyScheduler) Holder(bucketID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok || b.holder == nil {
		return -1
	}
	return b.holder.shardID
}

// Waiting returns the shards waiting on the bucket, oldest first
func (s *IdentifyScheduler) Waiting(bucketID int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return nil
	}
	return b.waitingShards()
}

func (b *identifyBucket) waitingShards() []int {
	waiters := make([]*identifyWaiter, len(b.waiters))
	copy(waiters, b.waiters)
	sort.Slice(
		waiters, func(i, j int) bool {
			return waiters[i].seq < waiters[j].seq
		},
	)
	shards := make([]int, 0, len(waiters))
	for _, w := range waiters {
		shards = append(shards, w.shardID)
	}
	return shards
}

// Snapshot returns the state of every bucket, ordered by bucket ID
func (s *IdentifyScheduler) Snapshot() []BucketStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]BucketStatus, 0, s.maxConcurrency)
	for id := 0; id < s.maxConcurrency; id++ {
		status := BucketStatus{BucketID: id, Holder: -1}
		if b, ok := s.buckets[id]; ok {
			status.InFlight = b.inFlight
			if b.holder != nil {
				status.Holder = b.holder.shardID
			}
			status.Waiting = b.waitingShards()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// waiterQueue is a heap of identify waiters, ordered by arrival
type waiterQueue []*identifyWaiter

func (q waiterQueue) Len() int {
	return len(q)
}

func (q waiterQueue) Less(i, j int) bool {
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	n := len(*q)
	item, _ := x.(*identifyWaiter)
	item.index = n
	*q = append(*q, item)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[0 : n-1]
	return item
}
