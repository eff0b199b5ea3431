// Package conversation keeps the recent turns of each chat session so the
// planner can resolve follow-up questions.
package conversation

import (
	"context"
	"time"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	// MaxMessages is the number of turns retained per session.
	MaxMessages = 30
	// IdleTTL is how long a session survives without new turns.
	IdleTTL = 30 * time.Minute
	// ContextTurns is the number of turns handed to the planner.
	ContextTurns = 5
)

type Store interface {
	// Append records a turn, dropping the oldest turns beyond MaxMessages.
	Append(ctx context.Context, sessionID string, turn knowledge.Turn) error
	// Recent returns up to n of the latest turns, oldest first. Expired or
	// unknown sessions have no turns.
	Recent(ctx context.Context, sessionID string, n int) ([]knowledge.Turn, error)
	Delete(ctx context.Context, sessionID string) error
}

func trim(turns []knowledge.Turn, n int) []knowledge.Turn {
	if n >= 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
