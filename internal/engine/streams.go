package engine

import (
	"context"
	"sync"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
)

// Streams holds the engine's fetched state behind generation counters.
// Every fetch that updates visible state is tagged with a sequence number
// at issue time; a completed fetch applies only if its number is still the
// latest issued for that stream, so stale in-flight responses are silently
// discarded.
type Streams struct {
	mu sync.Mutex

	usageGen   uint64
	historyGen uint64

	stats    backend.UsageStatistics
	haveStat bool
	history  []core.HistoryEntry
	requests []core.RequestRow
}

func NewStreams() *Streams {
	return &Streams{}
}

// Statistics returns the last applied usage statistics.
func (s *Streams) Statistics() (backend.UsageStatistics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.haveStat
}

// History returns the last applied spend history.
func (s *Streams) History() []core.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.HistoryEntry(nil), s.history...)
}

// Requests returns the loaded raw request rows, newest first.
func (s *Streams) Requests() []core.RequestRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RequestRow(nil), s.requests...)
}

// RefreshUsage issues a sequence-tagged usage fetch. A response that lost
// the race to a newer fetch is dropped without error.
func (s *Streams) RefreshUsage(ctx context.Context, b backend.Backend, q backend.UsageQuery) error {
	s.mu.Lock()
	s.usageGen++
	gen := s.usageGen
	s.mu.Unlock()

	stats, err := b.GetUsageStatistics(ctx, q)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.usageGen {
		return nil
	}
	s.stats = stats
	s.haveStat = true
	return nil
}

// RefreshHistory issues a sequence-tagged spend-history fetch.
func (s *Streams) RefreshHistory(ctx context.Context, b backend.Backend, days int) error {
	s.mu.Lock()
	s.historyGen++
	gen := s.historyGen
	s.mu.Unlock()

	rows, err := b.GetSpendHistory(ctx, days)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.historyGen {
		return nil
	}
	s.history = rows
	return nil
}

// MergeLatestRequests tops up the raw request list without a full reload.
// Already-loaded rows are never truncated; only previously-unseen rows,
// identified by their composite identity, are prepended.
func (s *Streams) MergeLatestRequests(ctx context.Context, b backend.Backend, limit int) (int, error) {
	fetched, err := b.GetRecentRequests(ctx, limit)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.requests))
	for _, row := range s.requests {
		seen[row.IdentityKey()] = true
	}

	var fresh []core.RequestRow
	for _, row := range fetched {
		if !seen[row.IdentityKey()] {
			fresh = append(fresh, row)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	s.requests = append(fresh, s.requests...)
	return len(fresh), nil
}
