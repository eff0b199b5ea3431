package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
	"github.com/twmb/franz-go/pkg/sasl/aws"
)

const (
	defaultClientID    = "auditlens"
	defaultCompression = "snappy"
	defaultLinger      = 200 * time.Millisecond
	defaultPartitions  = 1
	defaultReplication = 1
)

var compressionCodecs = map[string]kgo.CompressionCodec{
	"none":   kgo.NoCompression(),
	"gzip":   kgo.GzipCompression(),
	"snappy": kgo.SnappyCompression(),
	"lz4":    kgo.Lz4Compression(),
	"zstd":   kgo.ZstdCompression(),
}

// ProducerConfig describes the event topic and how records reach it.
type ProducerConfig struct {
	Brokers []string
	Topic   string
	AuthIAM bool // Sign in to MSK with the default AWS credential chain

	// Optional with defaults.
	ClientID    string
	Compression string // One of none, gzip, snappy, lz4, zstd
	Linger      time.Duration
	Partitions  int // Used when the topic has to be created
	Replication int // Used when the topic has to be created
}

func (c *ProducerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.Compression == "" {
		c.Compression = defaultCompression
	}
	if _, ok := compressionCodecs[c.Compression]; !ok {
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if c.Linger == 0 {
		c.Linger = defaultLinger
	}
	if c.Partitions == 0 {
		c.Partitions = defaultPartitions
	}
	if c.Replication == 0 {
		c.Replication = defaultReplication
	}
	if c.Partitions < 0 || c.Replication < 0 {
		return errors.New("partitions and replication must be > 0")
	}
	return nil
}

// clientOpts maps the config onto kgo options. Records without a topic go to
// the event topic.
func (c *ProducerConfig) clientOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
		kgo.DefaultProduceTopic(c.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(compressionCodecs[c.Compression]),
		kgo.ProducerLinger(c.Linger),
		kgo.MaxVersions(kversion.V2_8_0()),
	}
}

// KafkaProducer writes forwarded units to the event topic.
type KafkaProducer struct {
	cfg    *ProducerConfig
	client *kgo.Client
}

func NewKafkaProducer(ctx context.Context, cfg *ProducerConfig) (*KafkaProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts := cfg.clientOpts()
	if cfg.AuthIAM {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		opts = append(opts,
			kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
				creds, err := awsCfg.Credentials.Retrieve(ctx)
				if err != nil {
					return aws.Auth{}, err
				}
				return aws.Auth{
					AccessKey:    creds.AccessKeyID,
					SecretKey:    creds.SecretAccessKey,
					SessionToken: creds.SessionToken,
				}, nil
			})),
			kgo.DialTLS(),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaProducer{cfg: cfg, client: client}, nil
}

// Topic is the topic records are forwarded to.
func (k *KafkaProducer) Topic() string {
	return k.cfg.Topic
}

func (k *KafkaProducer) Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error)) {
	k.client.Produce(ctx, record, fn)
}

// Flush blocks until buffered records are acknowledged or ctx is done.
func (k *KafkaProducer) Flush(ctx context.Context) error {
	return k.client.Flush(ctx)
}

func (k *KafkaProducer) Close() {
	k.client.Close()
}

// EnsureTopic creates the event topic with the configured partitions and
// replication unless it already exists.
func (k *KafkaProducer) EnsureTopic(ctx context.Context) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopic(ctx, int32(k.cfg.Partitions), int16(k.cfg.Replication), nil, k.cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", k.cfg.Topic, err)
	}
	return nil
}
