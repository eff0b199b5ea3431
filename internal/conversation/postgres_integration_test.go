//go:build integration

package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

func TestAuditLens_Conversation_PostgresStore_Integration(t *testing.T) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewPostgresStore(ctx, &PostgresConfig{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Pool:        pool,
		MaxMessages: 4,
		Clock:       clock,
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(ctx, "s1", knowledge.Turn{Role: knowledge.RoleUser, Content: fmt.Sprint(i)}))
	}
	require.NoError(t, s.Append(ctx, "s2", knowledge.Turn{Role: knowledge.RoleAssistant, Content: "other"}))

	turns, err := s.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Equal(t, []knowledge.Turn{
		{Role: knowledge.RoleUser, Content: "2"},
		{Role: knowledge.RoleUser, Content: "3"},
		{Role: knowledge.RoleUser, Content: "4"},
		{Role: knowledge.RoleUser, Content: "5"},
	}, turns)

	turns, err = s.Recent(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "4", turns[0].Content)

	clock.Advance(IdleTTL + time.Minute)
	turns, err = s.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Empty(t, turns)

	pruned, err := s.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), pruned)

	require.NoError(t, s.Append(ctx, "s3", knowledge.Turn{Role: knowledge.RoleUser, Content: "x"}))
	require.NoError(t, s.Delete(ctx, "s3"))
	turns, err = s.Recent(ctx, "s3", 10)
	require.NoError(t, err)
	require.Empty(t, turns)
}
