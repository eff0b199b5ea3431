package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// MemoryStore keeps sessions in process. A session expires IdleTTL after
// its last read or write.
type MemoryStore struct {
	maxMessages int

	mu    sync.Mutex
	cache *ttlcache.Cache[string, []knowledge.Turn]
}

// NewMemoryStore returns a store with the given idle TTL and per-session
// limit. Zero values select IdleTTL and MaxMessages.
func NewMemoryStore(ttl time.Duration, maxMessages int) *MemoryStore {
	if ttl <= 0 {
		ttl = IdleTTL
	}
	if maxMessages <= 0 {
		maxMessages = MaxMessages
	}
	return &MemoryStore{
		maxMessages: maxMessages,
		cache:       ttlcache.New(ttlcache.WithTTL[string, []knowledge.Turn](ttl)),
	}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, turn knowledge.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var turns []knowledge.Turn
	if item := s.cache.Get(sessionID); item != nil {
		turns = item.Value()
	}
	next := make([]knowledge.Turn, 0, len(turns)+1)
	next = append(next, turns...)
	next = append(next, turn)
	s.cache.Set(sessionID, trim(next, s.maxMessages), ttlcache.DefaultTTL)
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, sessionID string, n int) ([]knowledge.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(sessionID)
	if item == nil {
		return nil, nil
	}
	return append([]knowledge.Turn(nil), trim(item.Value(), n)...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.cache.Delete(sessionID)
	return nil
}

// Run evicts expired sessions in the background until ctx is done.
func (s *MemoryStore) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.cache.Stop()
	}()
	s.cache.Start()
	return nil
}

var _ Store = (*MemoryStore)(nil)
