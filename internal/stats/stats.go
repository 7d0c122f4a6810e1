// Package stats records per-request usage for observability: cumulative
// counters plus a bounded, append-only request log. Every request outcome is
// recorded, with failures tagged separately from successes.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/tokenrouter/gateway/internal/domain"
)

type Entry struct {
	RequestID    string
	UserID       string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Success      bool
	ErrorType    string
	Timestamp    time.Time
}

// Store accepts usage entries from many concurrent request goroutines.
// Implementations keep critical sections O(1) amortized and never hold a
// lock across a network call.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Snapshot(ctx context.Context) (domain.StatsResponse, error)
	UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error)
}

const defaultLogCapacity = 1024

// InMemoryStore keeps cumulative counters and a ring buffer of the most
// recent entries.
type InMemoryStore struct {
	mu sync.Mutex

	totalRequests int64
	totalTokens   int64
	totalCostUSD  float64
	latencySumMs  float64
	failures      int64
	byProvider    map[string]int64
	byModel       map[string]int64

	log  []Entry
	next int
	full bool
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithCapacity(defaultLogCapacity)
}

func NewInMemoryStoreWithCapacity(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &InMemoryStore{
		byProvider: make(map[string]int64),
		byModel:    make(map[string]int64),
		log:        make([]Entry, capacity),
	}
}

func (s *InMemoryStore) Record(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	s.totalTokens += int64(entry.InputTokens + entry.OutputTokens)
	s.totalCostUSD += entry.CostUSD
	s.latencySumMs += float64(entry.LatencyMs)
	if !entry.Success {
		s.failures++
	}
	if entry.Provider != "" {
		s.byProvider[entry.Provider]++
	}
	if entry.Model != "" {
		s.byModel[entry.Model]++
	}

	s.log[s.next] = entry
	s.next = (s.next + 1) % len(s.log)
	if s.next == 0 {
		s.full = true
	}

	return nil
}

func (s *InMemoryStore) Snapshot(ctx context.Context) (domain.StatsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byProvider := make(map[string]int64, len(s.byProvider))
	for k, v := range s.byProvider {
		byProvider[k] = v
	}
	byModel := make(map[string]int64, len(s.byModel))
	for k, v := range s.byModel {
		byModel[k] = v
	}

	avgLatency := 0.0
	if s.totalRequests > 0 {
		avgLatency = s.latencySumMs / float64(s.totalRequests)
	}

	return domain.StatsResponse{
		TotalRequests:      s.totalRequests,
		TotalTokens:        s.totalTokens,
		TotalCostUSD:       s.totalCostUSD,
		RequestsByProvider: byProvider,
		RequestsByModel:    byModel,
		AvgLatencyMs:       avgLatency,
		Failures:           s.failures,
	}, nil
}

func (s *InMemoryStore) UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, e := range s.recentLocked() {
		if e.UserID == userID && e.Timestamp.After(since) {
			total += e.CostUSD
		}
	}
	return total, nil
}

// Recent returns the logged entries in arrival order, oldest first.
func (s *InMemoryStore) Recent() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked()
}

func (s *InMemoryStore) recentLocked() []Entry {
	if !s.full {
		out := make([]Entry, s.next)
		copy(out, s.log[:s.next])
		return out
	}
	out := make([]Entry, 0, len(s.log))
	out = append(out, s.log[s.next:]...)
	out = append(out, s.log[:s.next]...)
	return out
}
