package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/auditlens/agent/composer"
	"github.com/malbeclabs/auditlens/agent/insight"
	"github.com/malbeclabs/auditlens/agent/planner"
	"github.com/malbeclabs/auditlens/agent/presentation"
	"github.com/malbeclabs/auditlens/agent/prompts"
	"github.com/malbeclabs/auditlens/internal/conversation"
	"github.com/malbeclabs/auditlens/internal/mailbox"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/catalog"
	"github.com/malbeclabs/auditlens/pkg/cube"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

type PipelineConfig struct {
	Logger  *slog.Logger
	LLM     llm.Client
	Querier cube.Querier

	// Optional with defaults.
	History     conversation.Store
	Catalog     *catalog.Catalog
	Workers     int
	JoinTimeout time.Duration
	MailboxTTL  time.Duration
	Clock       clockwork.Clock
}

func (c *PipelineConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.History == nil {
		c.History = conversation.NewMemoryStore(0, 0)
	}
	if c.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return err
		}
		c.Catalog = cat
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline is the bus with every agent subscribed, plus the synchronous
// service in front of it.
type Pipeline struct {
	Bus     *bus.Bus
	Mailbox *mailbox.Mailbox
	Service *Service

	log      *slog.Logger
	composer *composer.Composer
	history  conversation.Store
}

// NewPipeline constructs the bus and registers the planner, presentation
// selector, insight generator and composer on it.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	log := cfg.Logger

	p, err := prompts.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	b, err := bus.New(&bus.Config{Logger: log, Workers: cfg.Workers})
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	mb, err := mailbox.New(&mailbox.Config{Logger: log, TTL: cfg.MailboxTTL, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox: %w", err)
	}

	pl, err := planner.New(&planner.Config{
		Logger:    log,
		LLM:       cfg.LLM,
		Querier:   cfg.Querier,
		Publisher: b,
		Catalog:   cfg.Catalog,
		Prompts:   p,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}
	sel, err := presentation.New(&presentation.Config{Logger: log, LLM: cfg.LLM, Publisher: b, Prompts: p, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create presentation selector: %w", err)
	}
	gen, err := insight.New(&insight.Config{Logger: log, LLM: cfg.LLM, Publisher: b, Prompts: p, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create insight generator: %w", err)
	}
	comp, err := composer.New(&composer.Config{
		Logger:    log,
		LLM:       cfg.LLM,
		Publisher: b,
		Sink:      mb,
		Catalog:   cfg.Catalog,
		Prompts:   p,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create composer: %w", err)
	}

	pl.Register(b)
	sel.Register(b)
	gen.Register(b)
	comp.Register(b)

	svc, err := New(&Config{
		Logger:      log,
		Publisher:   b,
		Mailbox:     mb,
		History:     cfg.History,
		JoinTimeout: cfg.JoinTimeout,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat service: %w", err)
	}

	return &Pipeline{Bus: b, Mailbox: mb, Service: svc, log: log, composer: comp, history: cfg.History}, nil
}

// Run drives the background sweeps of the mailbox, the composer and the
// conversation store until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Mailbox.Run(ctx) })
	g.Go(func() error { return p.composer.Run(ctx) })
	if r, ok := p.history.(interface{ Run(context.Context) error }); ok {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

// Close stops the bus after in-flight handlers finish.
func (p *Pipeline) Close() {
	p.Bus.Close()
}
