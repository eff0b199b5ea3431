// Package composer joins the chart and the insights of a session and
// composes the final answer.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/auditlens/agent/prompts"
	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/catalog"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

const (
	defaultComposedTTL   = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

// ResponseSink receives every composed response. The mailbox implements it.
type ResponseSink interface {
	Put(sessionID string, resp knowledge.FinalResponse)
}

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Publisher bus.Publisher
	Sink      ResponseSink

	// Optional with defaults.
	Store       Store
	Catalog     *catalog.Catalog
	Prompts     *prompts.Prompts
	Clock       clockwork.Clock
	ComposedTTL   time.Duration // How long a composed session ignores late units
	SweepInterval time.Duration // How often Run evicts expired composed sessions
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Sink == nil {
		return errors.New("response sink is required")
	}
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return err
		}
		c.Catalog = cat
	}
	if c.Prompts == nil {
		p, err := prompts.Load()
		if err != nil {
			return err
		}
		c.Prompts = p
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ComposedTTL == 0 {
		c.ComposedTTL = defaultComposedTTL
	}
	if c.ComposedTTL < 0 {
		return errors.New("composed ttl must be > 0")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SweepInterval < 0 {
		return errors.New("sweep interval must be > 0")
	}
	return nil
}

type Composer struct {
	log *slog.Logger
	cfg *Config

	// available lists the categorical dimensions follow-ups may ask about.
	available []string

	// mu guards the store and the composed set across the join.
	mu       sync.Mutex
	composed *ttlcache.Cache[string, struct{}]
}

func New(cfg *Config) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	var available []string
	for _, d := range cfg.Catalog.Dimensions() {
		if !d.Time {
			available = append(available, d.Name)
		}
	}
	return &Composer{
		log:       cfg.Logger,
		cfg:       cfg,
		available: available,
		composed: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.ComposedTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}, nil
}

// Register subscribes the composer to both halves of an answer.
func (c *Composer) Register(s bus.Subscriber) {
	s.Subscribe(knowledge.KindChartReady, "composer.chart", bus.On(c.HandleChartReady))
	s.Subscribe(knowledge.KindInsightsReady, "composer.insights", bus.On(c.HandleInsightsReady))
}

func (c *Composer) HandleChartReady(ctx context.Context, u knowledge.ChartReady) error {
	return c.accept(ctx, u.SessionID, u.Kind(), func(acc *Accumulator) { acc.Chart = &u })
}

func (c *Composer) HandleInsightsReady(ctx context.Context, u knowledge.InsightsReady) error {
	return c.accept(ctx, u.SessionID, u.Kind(), func(acc *Accumulator) { acc.Insights = &u })
}

// accept records one half of a session's answer. The handler that completes
// the accumulator composes; every other call returns after storing.
func (c *Composer) accept(ctx context.Context, sessionID string, kind knowledge.Kind, update func(*Accumulator)) error {
	acc, ok := c.join(sessionID, kind, update)
	if !ok {
		return nil
	}

	resp := c.Compose(ctx, sessionID, acc)
	if err := c.cfg.Publisher.Publish(ctx, knowledge.FinalResponseReady{
		Header:   knowledge.NewHeader(sessionID, c.cfg.Clock.Now()),
		Response: resp,
	}); err != nil {
		c.log.Error("composer: failed to publish final response", "session", sessionID, "error", err)
	}
	c.cfg.Sink.Put(sessionID, resp)
	return nil
}

// join applies update under the lock and reports whether this call won the
// compose transition for the session.
func (c *Composer) join(sessionID string, kind knowledge.Kind, update func(*Accumulator)) (Accumulator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.composed.Has(sessionID) {
		metrics.ComposerLateUnits.WithLabelValues(string(kind)).Inc()
		c.log.Warn("composer: dropping unit for composed session", "session", sessionID, "kind", kind)
		return Accumulator{}, false
	}

	acc, exists := c.cfg.Store.Get(sessionID)
	if !exists {
		metrics.ComposerPendingSessions.Inc()
	}
	update(&acc)
	if !acc.Complete() {
		c.cfg.Store.Put(sessionID, acc)
		c.log.Debug("composer: waiting for remaining input", "session", sessionID, "kind", kind)
		return Accumulator{}, false
	}

	c.cfg.Store.Delete(sessionID)
	c.composed.Set(sessionID, struct{}{}, ttlcache.DefaultTTL)
	metrics.ComposerPendingSessions.Dec()
	return acc, true
}

// Run evicts expired sessions from the late-unit guard until ctx is done.
func (c *Composer) Run(ctx context.Context) error {
	ticker := c.cfg.Clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.composed.DeleteExpired()
			c.log.Debug("composer: swept composed sessions", "remaining", c.composed.Len(), "evicted", c.composed.Metrics().Evictions)
		}
	}
}
