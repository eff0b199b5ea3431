// Package mailbox holds composed responses until the synchronous caller for
// the session picks them up. Each response can be taken once; unread
// responses expire.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultPollInterval  = 100 * time.Millisecond
	defaultSweepInterval = time.Minute
)

// ErrTimeout is returned by Wait when no response arrived in time.
var ErrTimeout = errors.New("timed out waiting for response")

type Config struct {
	Logger *slog.Logger

	// Optional with defaults.
	TTL           time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
	Clock         clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.TTL < 0 || c.PollInterval < 0 || c.SweepInterval < 0 {
		return errors.New("durations must be > 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Mailbox struct {
	log   *slog.Logger
	cfg   *Config
	cache *ttlcache.Cache[string, knowledge.FinalResponse]
}

func New(cfg *Config) (*Mailbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, knowledge.FinalResponse](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, knowledge.FinalResponse](),
	)
	m := &Mailbox{log: cfg.Logger, cfg: cfg, cache: cache}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, knowledge.FinalResponse]) {
		if reason == ttlcache.EvictionReasonExpired {
			metrics.MailboxOps.WithLabelValues("expired").Inc()
			m.log.Warn("mailbox: unread response expired", "session", item.Key())
		}
	})
	return m, nil
}

// Put stores the response for a session, replacing any unread one.
func (m *Mailbox) Put(sessionID string, resp knowledge.FinalResponse) {
	m.cache.Set(sessionID, resp, ttlcache.DefaultTTL)
	metrics.MailboxOps.WithLabelValues("put").Inc()
	m.log.Debug("mailbox: response stored", "session", sessionID)
}

// Take removes and returns the response for a session.
func (m *Mailbox) Take(sessionID string) (knowledge.FinalResponse, bool) {
	item, ok := m.cache.GetAndDelete(sessionID)
	if !ok || item == nil {
		return knowledge.FinalResponse{}, false
	}
	metrics.MailboxOps.WithLabelValues("take").Inc()
	return item.Value(), true
}

// Wait polls for the session's response until it arrives, timeout elapses or
// ctx is done. It returns ErrTimeout on timeout.
func (m *Mailbox) Wait(ctx context.Context, sessionID string, timeout time.Duration) (knowledge.FinalResponse, error) {
	if resp, ok := m.Take(sessionID); ok {
		return resp, nil
	}

	timer := m.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()
	ticker := m.cfg.Clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return knowledge.FinalResponse{}, ctx.Err()
		case <-timer.Chan():
			if resp, ok := m.Take(sessionID); ok {
				return resp, nil
			}
			metrics.MailboxOps.WithLabelValues("miss").Inc()
			return knowledge.FinalResponse{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.Chan():
			if resp, ok := m.Take(sessionID); ok {
				return resp, nil
			}
		}
	}
}

// Run sweeps expired responses until ctx is done.
func (m *Mailbox) Run(ctx context.Context) error {
	ticker := m.cfg.Clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep evicts expired responses.
func (m *Mailbox) Sweep() {
	m.cache.DeleteExpired()
}

// Len returns the number of unread responses, including expired ones not yet
// swept.
func (m *Mailbox) Len() int {
	return m.cache.Len()
}
