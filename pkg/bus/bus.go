// Package bus implements the in-process knowledge bus. Publish schedules one
// delivery per subscribed handler on a bounded worker pool and returns
// without waiting for handlers to run. Delivery is at-most-once and not
// durable: units still queued when the bus closes are dropped.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	defaultWorkers = 64
)

var ErrClosed = errors.New("bus is closed")

// Handler processes one knowledge unit. A returned error is logged by the bus
// and does not affect other handlers.
type Handler func(ctx context.Context, unit knowledge.Unit) error

// Publisher is the publishing side of the bus as seen by agents.
type Publisher interface {
	Publish(ctx context.Context, unit knowledge.Unit) error
}

// Subscriber is the registration side of the bus.
type Subscriber interface {
	Subscribe(kind knowledge.Kind, name string, handler Handler)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, unit knowledge.Unit) error

func (f PublisherFunc) Publish(ctx context.Context, unit knowledge.Unit) error {
	return f(ctx, unit)
}

// On adapts a handler for a concrete unit type.
func On[T knowledge.Unit](fn func(ctx context.Context, unit T) error) Handler {
	return func(ctx context.Context, unit knowledge.Unit) error {
		u, ok := unit.(T)
		if !ok {
			return fmt.Errorf("unexpected unit type %T", unit)
		}
		return fn(ctx, u)
	}
}

type Config struct {
	Logger *slog.Logger

	// Optional with defaults.
	Workers int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	return nil
}

type subscription struct {
	name    string
	handler Handler
}

type Bus struct {
	log *slog.Logger
	cfg *Config

	ctx    context.Context
	cancel context.CancelFunc
	pool   pond.Pool

	mu     sync.RWMutex
	subs   map[knowledge.Kind][]subscription
	closed bool
}

func New(cfg *Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		log:    cfg.Logger,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		pool:   pond.NewPool(cfg.Workers, pond.WithContext(ctx)),
		subs:   make(map[knowledge.Kind][]subscription),
	}, nil
}

// Subscribe registers handler for units of the given kind. The name labels
// logs and metrics.
func (b *Bus) Subscribe(kind knowledge.Kind, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, handler: handler})
	b.log.Debug("bus: handler subscribed", "kind", kind, "handler", name)
}

// Publish schedules delivery of unit to every handler subscribed to its kind.
// Handlers run with the bus context, so cancelling ctx after Publish returns
// does not cancel them.
func (b *Bus) Publish(ctx context.Context, unit knowledge.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	kind := unit.Kind()
	metrics.BusPublished.WithLabelValues(string(kind)).Inc()

	subs := b.subs[kind]
	if len(subs) == 0 {
		b.log.Debug("bus: no subscribers", "kind", kind, "session", unit.Session())
		return nil
	}
	for _, sub := range subs {
		b.pool.Submit(func() {
			b.deliver(sub, unit)
		})
	}
	b.log.Debug("bus: published", "kind", kind, "session", unit.Session(), "subscribers", len(subs))
	return nil
}

func (b *Bus) deliver(sub subscription, unit knowledge.Unit) {
	kind := string(unit.Kind())
	start := time.Now()
	defer func() {
		metrics.BusHandlerDuration.WithLabelValues(sub.name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.BusDeliveries.WithLabelValues(kind, "panic").Inc()
			b.log.Error("bus: handler panicked",
				"handler", sub.name,
				"kind", kind,
				"session", unit.Session(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if b.ctx.Err() != nil {
		metrics.BusDeliveries.WithLabelValues(kind, "dropped").Inc()
		return
	}

	if err := sub.handler(b.ctx, unit); err != nil {
		metrics.BusDeliveries.WithLabelValues(kind, "error").Inc()
		b.log.Error("bus: handler failed", "handler", sub.name, "kind", kind, "session", unit.Session(), "error", err)
		return
	}
	metrics.BusDeliveries.WithLabelValues(kind, "ok").Inc()
}

// Close stops accepting units and waits for running handlers to return.
// Handlers that publish while the bus is closing receive ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.pool.StopAndWait()
	b.cancel()
	b.log.Debug("bus: closed")
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
