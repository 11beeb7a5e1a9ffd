package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"sync"
	"time"
)

// GatewayBotFetcher fetches /gateway/bot. Implemented by DiscordSession.
type GatewayBotFetcher interface {
	GatewayBot(options ...discordgo.RequestOption) (*discordgo.GatewayBotResponse, error)
}

// SessionLimit is a snapshot of the bot's gateway sharding limits. It is
// only a hint: Discord may change it at any time.
type SessionLimit struct {
	URL            string        `json:"url"`
	TotalShards    int           `json:"total_shards"`
	MaxConcurrency int           `json:"max_concurrency"`
	Total          int           `json:"total"`
	Remaining      int           `json:"remaining"`
	ResetAfter     time.Duration `json:"reset_after"`
	FetchedAt      time.Time     `json:"fetched_at"`
}

// SessionLimitProbe reads the recommended shard count, identify
// concurrency and remaining session start budget.
type SessionLimitProbe struct {
	fetcher GatewayBotFetcher
	logger  *slog.Logger

	mu   sync.RWMutex
	last *SessionLimit
}

func NewSessionLimitProbe(fetcher GatewayBotFetcher, logger *slog.Logger) *SessionLimitProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionLimitProbe{
		fetcher: fetcher,
		logger:  logger.With(loggerNameKey, "session_limit_probe"),
	}
}

// Fetch retrieves the current limits. Failures are retryable by the caller.
func (p *SessionLimitProbe) Fetch(ctx context.Context) (SessionLimit, error) {
	gb, err := p.fetcher.GatewayBot(discordgo.WithContext(ctx))
	if err != nil {
		return SessionLimit{}, fmt.Errorf("error fetching gateway bot: %w", err)
	}
	if gb == nil {
		return SessionLimit{}, errors.New("empty gateway bot response")
	}

	limit := SessionLimit{
		URL:            gb.URL,
		TotalShards:    gb.Shards,
		MaxConcurrency: gb.SessionStartLimit.MaxConcurrency,
		Total:          gb.SessionStartLimit.Total,
		Remaining:      gb.SessionStartLimit.Remaining,
		ResetAfter:     time.Duration(gb.SessionStartLimit.ResetAfter) * time.Millisecond,
		FetchedAt:      time.Now().UTC(),
	}
	if limit.MaxConcurrency < 1 {
		limit.MaxConcurrency = 1
	}
	if limit.TotalShards < 1 {
		limit.TotalShards = 1
	}

	p.mu.Lock()
	p.last = &limit
	p.mu.Unlock()

	p.logger.InfoContext(
		ctx,
		"session limit",
		"total_shards", limit.TotalShards,
		"max_concurrency", limit.MaxConcurrency,
		"remaining", limit.Remaining,
		"reset_after", limit.ResetAfter,
	)
	return limit, nil
}

// Last returns the most recently fetched limits, if any
func (p *SessionLimitProbe) Last() (SessionLimit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return SessionLimit{}, false
	}
	return *p.last, true
}

// checkIdentifyBudget returns a *RateLimitExhaustedError when the
// remaining session starts can't cover the needed identifies.
func checkIdentifyBudget(limit SessionLimit, needed int) error {
	if limit.Remaining < needed {
		return &RateLimitExhaustedError{
			Needed:     needed,
			Remaining:  limit.Remaining,
			ResetAfter: limit.ResetAfter,
		}
	}
	return nil
}
