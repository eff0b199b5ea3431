// Package forward copies composed answers and critical anomalies from the
// bus to a Kafka topic for downstream consumers.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Producer is the subset of KafkaProducer the forwarder needs.
type Producer interface {
	Topic() string
	Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error))
}

type Config struct {
	Logger   *slog.Logger
	Producer Producer
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Producer == nil {
		return errors.New("producer is required")
	}
	if c.Producer.Topic() == "" {
		return errors.New("producer topic is required")
	}
	return nil
}

type Forwarder struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Forwarder{log: cfg.Logger, cfg: cfg}, nil
}

// Register subscribes the forwarder to final responses and anomalies.
func (f *Forwarder) Register(s bus.Subscriber) {
	s.Subscribe(knowledge.KindFinalResponseReady, "forward.final_response", f.Handle)
	s.Subscribe(knowledge.KindAnomalyDetected, "forward.anomaly", f.Handle)
}

// Handle produces unit as a JSON record keyed by its session id. Delivery is
// asynchronous; failures are logged and counted but never fail the handler.
func (f *Forwarder) Handle(ctx context.Context, unit knowledge.Unit) error {
	kind := string(unit.Kind())
	payload, err := knowledge.Marshal(unit)
	if err != nil {
		metrics.ForwardProduceOutcomes.WithLabelValues(kind, "encode_error").Inc()
		return fmt.Errorf("failed to encode unit: %w", err)
	}

	rec := &kgo.Record{
		Topic: f.cfg.Producer.Topic(),
		Key:   []byte(unit.Session()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(kind)},
		},
	}
	// Buffered records must survive bus shutdown; the owner flushes them.
	f.cfg.Producer.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.ForwardProduceOutcomes.WithLabelValues(kind, "error").Inc()
			f.log.Error("forward: failed to produce record", "error", err, "kind", kind, "session", unit.Session(), "topic", r.Topic)
			return
		}
		metrics.ForwardProduceOutcomes.WithLabelValues(kind, "ok").Inc()
		f.log.Debug("forward: produced record", "kind", kind, "session", unit.Session(), "partition", r.Partition, "offset", r.Offset)
	})
	return nil
}
