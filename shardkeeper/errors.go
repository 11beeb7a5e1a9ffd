package shardkeeper

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimitExhausted is returned when the remaining session start
	// budget can't cover the shards that need a fresh IDENTIFY.
	ErrRateLimitExhausted = errors.New("session start limit exhausted")

	// ErrIdentifyRejected is returned when a shard's IDENTIFY was refused,
	// either by the gateway or by the scheduler.
	ErrIdentifyRejected = errors.New("identify rejected")

	// ErrWorkerUnavailable is returned when a worker can't be started or
	// has exhausted its restart budget.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrSchedulerTimeout is returned when an identify request waited too
	// long for its bucket. It is treated as an identify rejection.
	ErrSchedulerTimeout = fmt.Errorf("%w: scheduler timeout", ErrIdentifyRejected)

	// ErrBucketLeaseLost is returned when the shared lease on an identify
	// bucket lapsed while a shard held it.
	ErrBucketLeaseLost = fmt.Errorf("%w: bucket lease lost", ErrIdentifyRejected)

	// ErrConfigInvalid is returned for configuration that can't produce a
	// valid shard assignment.
	ErrConfigInvalid = errors.New("invalid configuration")

	ErrReclusterInProgress = errors.New("recluster already in progress")
	ErrNotStarted          = errors.New("no live generation")
	ErrUnknownCluster      = errors.New("unknown cluster")
	ErrUnknownShard        = errors.New("unknown shard")
	ErrShardNotReady       = errors.New("shard not ready")
	ErrStaleGeneration     = errors.New("stale generation")
)

// RateLimitExhaustedError carries the numbers behind an
// ErrRateLimitExhausted failure.
type RateLimitExhaustedError struct {
	Needed     int
	Remaining  int
	ResetAfter time.Duration
}

func (e *RateLimitExhaustedError) Error() string {
	return fmt.Sprintf(
		"%s: need %d session starts, %d remaining (resets in %s)",
		ErrRateLimitExhausted,
		e.Needed,
		e.Remaining,
		e.ResetAfter,
	)
}

func (e *RateLimitExhaustedError) Unwrap() error {
	return ErrRateLimitExhausted
}

// ConfigError describes a single invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfigInvalid, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// IdentifyRejectedError is reported for a specific shard.
type IdentifyRejectedError struct {
	ShardID int
	Reason  string
}

func (e *IdentifyRejectedError) Error() string {
	return fmt.Sprintf("shard %d: %s: %s", e.ShardID, ErrIdentifyRejected, e.Reason)
}

func (e *IdentifyRejectedError) Unwrap() error {
	return ErrIdentifyRejected
}
