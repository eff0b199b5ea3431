package composer

import (
	"sync"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Accumulator collects the two halves of a session's answer while the
// composer waits for both.
type Accumulator struct {
	Chart    *knowledge.ChartReady
	Insights *knowledge.InsightsReady
}

// Complete reports whether both the chart and the insights have arrived.
func (a Accumulator) Complete() bool {
	return a.Chart != nil && a.Insights != nil
}

// Rejected reports whether either half marks the question as out of scope,
// along with the first non-empty reason.
func (a Accumulator) Rejected() (bool, string) {
	var rejected bool
	var reason string
	if a.Insights != nil && a.Insights.Rejected {
		rejected, reason = true, a.Insights.RejectionReason
	}
	if a.Chart != nil && a.Chart.Rejected {
		rejected = true
		if reason == "" {
			reason = a.Chart.RejectionReason
		}
	}
	return rejected, reason
}

// ErrorType returns the query failure class carried by either half.
func (a Accumulator) ErrorType() knowledge.ErrorType {
	if a.Insights != nil && a.Insights.ErrorType != "" {
		return a.Insights.ErrorType
	}
	if a.Chart != nil {
		return a.Chart.ErrorType
	}
	return ""
}

// Dimensions returns the dimensions the session's result was grouped by.
func (a Accumulator) Dimensions() []string {
	if a.Insights != nil && len(a.Insights.Dimensions) > 0 {
		return a.Insights.Dimensions
	}
	if a.Chart != nil {
		return a.Chart.Dimensions
	}
	return nil
}

// Store holds accumulators between the first and the last half of a
// session's answer. The composer serializes its own read-modify-write
// sequences; implementations only need to be safe for concurrent use.
type Store interface {
	Get(sessionID string) (Accumulator, bool)
	Put(sessionID string, acc Accumulator)
	Delete(sessionID string)
}

type MemoryStore struct {
	mu   sync.Mutex
	accs map[string]Accumulator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accs: make(map[string]Accumulator)}
}

func (s *MemoryStore) Get(sessionID string) (Accumulator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accs[sessionID]
	return acc, ok
}

func (s *MemoryStore) Put(sessionID string, acc Accumulator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accs[sessionID] = acc
}

func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accs, sessionID)
}

// Len returns the number of pending sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accs)
}

var _ Store = (*MemoryStore)(nil)
