package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/auditlens/internal/chat"
	"github.com/malbeclabs/auditlens/internal/conversation"
	"github.com/malbeclabs/auditlens/internal/forward"
	"github.com/malbeclabs/auditlens/internal/mcp"
	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/internal/notify"
	"github.com/malbeclabs/auditlens/pkg/catalog"
	"github.com/malbeclabs/auditlens/pkg/cube"
	"github.com/malbeclabs/auditlens/pkg/llm"
	"github.com/malbeclabs/auditlens/pkg/logger"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = ":8010"
	defaultMetricsAddr = ":8080"
	defaultModel       = string(anthropic.ModelClaude3_5Haiku20241022)
	defaultMaxTokens   = 4096
	defaultCacheTTL    = time.Minute
	defaultPruneEvery  = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := logger.New(os.Stdout, logger.Options{Level: cfg.LogLevel, Verbose: cfg.Verbose})

	// Start pprof server
	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	querier, err := newQuerier(log, cfg)
	if err != nil {
		return err
	}
	cache, err := cube.NewCachingQuerier(&cube.CacheConfig{
		Logger:  log,
		Querier: querier,
		TTL:     cfg.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create query cache: %w", err)
	}
	defer cache.Close()

	client, err := llm.NewRetryingClient(&llm.RetryConfig{
		Logger: log,
		Client: llm.NewAnthropicClient(log, anthropic.Model(cfg.LLMModel), int64(cfg.LLMMaxTokens)),
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	history, err := newHistory(ctx, log, g, cfg)
	if err != nil {
		return err
	}

	// Created before the pipeline: shutdown drains the bus, then flushes.
	var kafkaProducer *forward.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafkaProducer, err = forward.NewKafkaProducer(ctx, &forward.ProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			AuthIAM:     cfg.KafkaAuthIAMEnabled,
			Compression: cfg.KafkaCompression,
			Partitions:  cfg.KafkaPartitions,
			Replication: cfg.KafkaReplicationFactor,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		defer kafkaProducer.Close()
		if err := kafkaProducer.EnsureTopic(ctx); err != nil {
			return fmt.Errorf("failed to ensure topic exists: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer flushCancel()
			if err := kafkaProducer.Flush(flushCtx); err != nil {
				log.Warn("failed to flush kafka records", "error", err)
			}
		}()
	}

	pipeline, err := chat.NewPipeline(&chat.PipelineConfig{
		Logger:      log,
		LLM:         client,
		Querier:     cache,
		History:     history,
		Catalog:     cat,
		Workers:     cfg.Workers,
		JoinTimeout: cfg.JoinTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pipeline.Close()

	if kafkaProducer != nil {
		fwd, err := forward.New(&forward.Config{Logger: log, Producer: kafkaProducer})
		if err != nil {
			return fmt.Errorf("failed to create forwarder: %w", err)
		}
		fwd.Register(pipeline.Bus)
		log.Info("forwarding events to kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	if cfg.SlackBotToken != "" {
		notifier, err := notify.New(&notify.Config{
			Logger:  log,
			Slack:   slack.New(cfg.SlackBotToken),
			Channel: cfg.SlackChannel,
		})
		if err != nil {
			return fmt.Errorf("failed to create notifier: %w", err)
		}
		notifier.Register(pipeline.Bus)
		log.Info("posting critical anomalies to slack", "channel", cfg.SlackChannel)
	}

	allowedTokens, err := mcpAllowedTokens(log)
	if err != nil {
		return err
	}

	server, err := mcp.New(mcp.Config{
		Logger:        log,
		Asker:         pipeline.Service,
		Catalog:       cat,
		Health:        cache.Health,
		Version:       version,
		ListenAddr:    cfg.ListenAddr,
		AllowedTokens: allowedTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	err = g.Wait()
	log.Info("server stopped", "error", err)
	return err
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		cat, err := catalog.Default()
		if err != nil {
			return nil, fmt.Errorf("failed to load default catalog: %w", err)
		}
		return cat, nil
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	return cat, nil
}

func newQuerier(log *slog.Logger, cfg Config) (cube.Querier, error) {
	switch {
	case cfg.ClickHouseAddr != "":
		client, err := cube.NewClickHouseClient(
			cube.WithLogger(log),
			cube.WithAddr(cfg.ClickHouseAddr),
			cube.WithDatabase(cfg.ClickHouseDatabase),
			cube.WithUser(cfg.ClickHouseUser),
			cube.WithPassword(cfg.ClickHousePassword),
			cube.WithSecure(cfg.ClickHouseSecure),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse client: %w", err)
		}
		log.Info("querying clickhouse", "addr", cfg.ClickHouseAddr, "database", cfg.ClickHouseDatabase)
		return client, nil
	case cfg.CubeURL != "":
		client, err := cube.NewHTTPClient(&cube.HTTPConfig{
			Logger:  log,
			BaseURL: cfg.CubeURL,
			Secret:  cfg.CubeSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cube client: %w", err)
		}
		log.Info("querying cube", "url", cfg.CubeURL)
		return client, nil
	default:
		return nil, errors.New("one of --cube-url or --clickhouse-addr is required")
	}
}

// newHistory picks Postgres when a URL is configured and schedules its
// pruning on g; otherwise history lives in memory.
func newHistory(ctx context.Context, log *slog.Logger, g *errgroup.Group, cfg Config) (conversation.Store, error) {
	if cfg.PostgresURL == "" {
		return conversation.NewMemoryStore(0, 0), nil
	}
	pool, err := conversation.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store, err := conversation.NewPostgresStore(ctx, &conversation.PostgresConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create conversation store: %w", err)
	}
	g.Go(func() error {
		defer pool.Close()
		return store.Run(ctx, defaultPruneEvery)
	})
	log.Info("storing conversations in postgres")
	return store, nil
}

func mcpAllowedTokens(log *slog.Logger) ([]string, error) {
	if getenvBool("MCP_AUTH_DISABLED", false) {
		log.Warn("mcp authentication is disabled")
		return nil, nil
	}
	tokens := splitCSV(os.Getenv("MCP_ALLOWED_TOKENS"))
	if len(tokens) == 0 {
		return nil, errors.New("MCP_ALLOWED_TOKENS is required unless MCP_AUTH_DISABLED=true")
	}
	log.Info("mcp authentication enabled", "tokens", len(tokens))
	return tokens, nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	LogLevel    slog.Level
	EnablePprof bool
	MetricsAddr string
	ListenAddr  string

	CatalogPath string
	Workers     int
	JoinTimeout time.Duration

	LLMModel     string
	LLMMaxTokens int

	CubeURL            string
	CubeSecret         string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseSecure   bool
	CacheTTL           time.Duration

	PostgresURL string

	KafkaBrokers           []string
	KafkaAuthIAMEnabled    bool
	KafkaTopic             string
	KafkaCompression       string
	KafkaPartitions        int
	KafkaReplicationFactor int

	SlackBotToken string
	SlackChannel  string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}
func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	var cfg Config
	var kafkaBrokersCSV, logLevel string

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&logLevel, "log-level", getenv("LOG_LEVEL", "info"), "minimum log level: debug, info, warn or error (env: LOG_LEVEL)")
	flag.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address for the mcp http server (env: LISTEN_ADDR)")
	flag.StringVar(&cfg.CatalogPath, "catalog", getenv("CATALOG_PATH", ""), "catalog yaml overriding the built-in radiology catalog (env: CATALOG_PATH)")

	flag.StringVar(&cfg.LLMModel, "llm-model", getenv("LLM_MODEL", defaultModel), "anthropic model (env: LLM_MODEL)")

	flag.StringVar(&cfg.CubeURL, "cube-url", getenv("CUBE_API_URL", ""), "cube.js REST base url (env: CUBE_API_URL)")
	flag.StringVar(&cfg.CubeSecret, "cube-secret", getenv("CUBE_API_SECRET", ""), "cube.js api secret (env: CUBE_API_SECRET)")
	flag.StringVar(&cfg.ClickHouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", ""), "clickhouse address; takes precedence over cube (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickHouseDatabase, "clickhouse-database", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	flag.StringVar(&cfg.ClickHouseUser, "clickhouse-user", getenv("CLICKHOUSE_USER", "default"), "clickhouse user (env: CLICKHOUSE_USER)")
	flag.StringVar(&cfg.ClickHousePassword, "clickhouse-password", getenv("CLICKHOUSE_PASSWORD", ""), "clickhouse password (env: CLICKHOUSE_PASSWORD)")
	flag.BoolVar(&cfg.ClickHouseSecure, "clickhouse-secure", getenvBool("CLICKHOUSE_SECURE", false), "clickhouse tls (env: CLICKHOUSE_SECURE)")

	flag.StringVar(&cfg.PostgresURL, "postgres-url", getenv("POSTGRES_URL", ""), "postgres url for conversation history; in-memory when empty (env: POSTGRES_URL)")

	flag.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", ""), "kafka brokers csv; forwarding disabled when empty (env: KAFKA_BROKERS)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", getenv("KAFKA_TOPIC", "auditlens-events"), "kafka topic (env: KAFKA_TOPIC)")
	flag.StringVar(&cfg.KafkaCompression, "kafka-compression", getenv("KAFKA_COMPRESSION", "snappy"), "kafka batch compression: none, gzip, snappy, lz4 or zstd (env: KAFKA_COMPRESSION)")
	flag.BoolVar(&cfg.KafkaAuthIAMEnabled, "kafka-auth-iam-enabled", getenvBool("KAFKA_AUTH_IAM_ENABLED", false), "kafka IAM auth (env: KAFKA_AUTH_IAM_ENABLED)")

	flag.StringVar(&cfg.SlackBotToken, "slack-bot-token", getenv("SLACK_BOT_TOKEN", ""), "slack bot token; alerting disabled when empty (env: SLACK_BOT_TOKEN)")
	flag.StringVar(&cfg.SlackChannel, "slack-channel", getenv("SLACK_CHANNEL", ""), "slack channel for critical anomalies (env: SLACK_CHANNEL)")

	defWorkers, err := getenvInt("WORKERS", 0)
	if err != nil {
		return Config{}, err
	}
	defMaxTokens, err := getenvInt("LLM_MAX_TOKENS", defaultMaxTokens)
	if err != nil {
		return Config{}, err
	}
	defPartitions, err := getenvInt("KAFKA_PARTITIONS", 1)
	if err != nil {
		return Config{}, err
	}
	defReplication, err := getenvInt("KAFKA_REPLICATION_FACTOR", 1)
	if err != nil {
		return Config{}, err
	}
	defJoinTimeout, err := getenvDuration("JOIN_TIMEOUT", chat.DefaultJoinTimeout)
	if err != nil {
		return Config{}, err
	}
	defCacheTTL, err := getenvDuration("CACHE_TTL", defaultCacheTTL)
	if err != nil {
		return Config{}, err
	}

	flag.IntVar(&cfg.Workers, "workers", defWorkers, "bus worker pool size; 0 selects the default (env: WORKERS)")
	flag.IntVar(&cfg.LLMMaxTokens, "llm-max-tokens", defMaxTokens, "max output tokens per llm call (env: LLM_MAX_TOKENS)")
	flag.IntVar(&cfg.KafkaPartitions, "kafka-partitions", defPartitions, "kafka topic partitions (env: KAFKA_PARTITIONS)")
	flag.IntVar(&cfg.KafkaReplicationFactor, "kafka-replication-factor", defReplication, "kafka topic replication factor (env: KAFKA_REPLICATION_FACTOR)")
	flag.DurationVar(&cfg.JoinTimeout, "join-timeout", defJoinTimeout, "how long an ask waits for the final response (env: JOIN_TIMEOUT)")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", defCacheTTL, "query result cache ttl (env: CACHE_TTL)")

	flag.Parse()

	cfg.KafkaBrokers = splitCSV(kafkaBrokersCSV)
	if cfg.LogLevel, err = logger.ParseLevel(logLevel); err != nil {
		return Config{}, err
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return Config{}, errors.New("--kafka-topic is required when --kafka-brokers is set")
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannel == "" {
		return Config{}, errors.New("--slack-channel is required when --slack-bot-token is set")
	}
	return cfg, nil
}
