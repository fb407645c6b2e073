package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/model"

	"github.com/google/uuid"
)

// MemoryStore is an in-process WorkStore used by tests and the loadtest
// driver.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*model.WorkItem

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*model.WorkItem),
		now:   time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, item *model.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := s.now()
	cp := *item
	cp.Status = model.StatusPending
	if cp.NextAttemptAt.IsZero() {
		cp.NextAttemptAt = now
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.items[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, limit int) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	eligible := make([]*model.WorkItem, 0, limit)
	for _, it := range s.items {
		if (it.Status == model.StatusPending || it.Status == model.StatusFailed) &&
			!it.NextAttemptAt.After(now) {
			eligible = append(eligible, it)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]model.WorkItem, 0, len(eligible))
	for _, it := range eligible {
		it.Status = model.StatusInFlight
		it.UpdatedAt = now
		claimed = append(claimed, *it)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	return s.setStatus(id, func(it *model.WorkItem) {
		it.Status = model.StatusSent
	})
}

func (s *MemoryStore) ScheduleRetry(_ context.Context, id string, attempt int, delay time.Duration) error {
	return s.setStatus(id, func(it *model.WorkItem) {
		it.Status = model.StatusFailed
		it.Attempt = attempt
		it.NextAttemptAt = s.now().Add(delay)
	})
}

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, id string) error {
	return s.setStatus(id, func(it *model.WorkItem) {
		it.Status = model.StatusDeadLettered
	})
}

func (s *MemoryStore) setStatus(id string, mutate func(*model.WorkItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	mutate(it)
	it.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AllTerminal(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if !it.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) QueueDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var depth int64
	for _, it := range s.items {
		if (it.Status == model.StatusPending || it.Status == model.StatusFailed) &&
			!it.NextAttemptAt.After(now) {
			depth++
		}
	}
	return depth, nil
}

func (s *MemoryStore) Counts(_ context.Context) (model.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c model.StatusCounts
	for _, it := range s.items {
		switch it.Status {
		case model.StatusPending:
			c.Pending++
		case model.StatusInFlight:
			c.InFlight++
		case model.StatusSent:
			c.Sent++
		case model.StatusFailed:
			c.Failed++
		case model.StatusDeadLettered:
			c.DeadLettered++
		}
	}
	return c, nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.WorkItem, 0, limit)
	for _, it := range s.items {
		if it.Status == model.StatusDeadLettered {
			out = append(out, *it)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ReplayDeadLetters(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	moved := 0
	for _, it := range s.items {
		if it.Status != model.StatusDeadLettered {
			continue
		}
		it.Status = model.StatusPending
		it.Attempt = 0
		it.NextAttemptAt = now
		it.UpdatedAt = now
		moved++
		if moved >= limit {
			break
		}
	}
	return moved, nil
}
