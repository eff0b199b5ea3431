package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	role        TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_session ON conversation_turns (session_id, id DESC);
`

// Connect opens a connection pool for url and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	// Optional with defaults.
	TTL         time.Duration
	MaxMessages int
	Clock       clockwork.Clock
}

func (c *PostgresConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.TTL == 0 {
		c.TTL = IdleTTL
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = MaxMessages
	}
	if c.TTL < 0 || c.MaxMessages < 0 {
		return errors.New("ttl and max messages must be > 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// PostgresStore persists turns so sessions survive restarts and are shared
// between server replicas.
type PostgresStore struct {
	log *slog.Logger
	cfg *PostgresConfig
}

// NewPostgresStore creates the turns table if needed.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if _, err := cfg.Pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create conversation schema: %w", err)
	}
	return &PostgresStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, turn knowledge.Turn) error {
	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_turns (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		sessionID, string(turn.Role), turn.Content, s.cfg.Clock.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM conversation_turns
		WHERE session_id = $1
		  AND id NOT IN (
			SELECT id FROM conversation_turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		  )`,
		sessionID, s.cfg.MaxMessages,
	); err != nil {
		return fmt.Errorf("failed to trim turns: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, n int) ([]knowledge.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.TTL)
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT role, content FROM (
			SELECT id, role, content FROM conversation_turns
			WHERE session_id = $1
			  AND EXISTS (SELECT 1 FROM conversation_turns WHERE session_id = $1 AND created_at > $3)
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC`,
		sessionID, n, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Turn, error) {
		var role, content string
		if err := row.Scan(&role, &content); err != nil {
			return knowledge.Turn{}, err
		}
		return knowledge.Turn{Role: knowledge.Role(role), Content: content}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan turns: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.cfg.Pool.Exec(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Prune deletes sessions idle for longer than the TTL and returns the number
// of turns removed.
func (s *PostgresStore) Prune(ctx context.Context) (int64, error) {
	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.TTL)
	tag, err := s.cfg.Pool.Exec(ctx, `
		DELETE FROM conversation_turns
		WHERE session_id IN (
			SELECT session_id FROM conversation_turns GROUP BY session_id HAVING max(created_at) <= $1
		)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Run prunes idle sessions every interval until ctx is done.
func (s *PostgresStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			n, err := s.Prune(ctx)
			if err != nil {
				s.log.Warn("conversation: prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Debug("conversation: pruned idle sessions", "turns", n)
			}
		}
	}
}

var _ Store = (*PostgresStore)(nil)
