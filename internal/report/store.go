package report

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxStored caps the violation log; the oldest entries drop first.
const DefaultMaxStored = 100

// Store is the durable side of the reporting channel. The local store is
// authoritative; backend delivery is best-effort on top of it.
type Store interface {
	Append(ctx context.Context, v Violation) error
	List(ctx context.Context) ([]Violation, error)
	// Prune drops entries older than cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps the capped violation list in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	max   int
	items []Violation
}

// NewMemoryStore creates a store capped at max entries (DefaultMaxStored if
// max is not positive).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = DefaultMaxStored
	}
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Append(_ context.Context, v Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, v)
	if len(s.items) > s.max {
		s.items = s.items[len(s.items)-s.max:]
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Violation(nil), s.items...), nil
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	for _, v := range s.items {
		if v.Timestamp.After(cutoff) {
			kept = append(kept, v)
		}
	}
	removed := len(s.items) - len(kept)
	s.items = kept
	return removed, nil
}

// RunSweeper prunes the store on a fixed interval until ctx is cancelled,
// keeping only entries newer than the retention window.
func RunSweeper(ctx context.Context, store Store, interval, retention time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				if logger != nil {
					logger.WithError(err).Warn("violation store prune failed")
				}
				continue
			}
			if removed > 0 && logger != nil {
				logger.WithField("removed", removed).Debug("pruned expired violations")
			}
		}
	}
}
