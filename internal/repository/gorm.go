package repository

import (
	"context"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the durable WorkStore over MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Enqueue(ctx context.Context, item *model.WorkItem) error {
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = time.Now()
	}
	item.Status = model.StatusPending
	return s.db.WithContext(ctx).Create(item).Error
}

// Claim selects eligible rows under a row lock and flips them to InFlight in
// one transaction, so two dispatcher instances never claim the same item.
func (s *GormStore) Claim(ctx context.Context, limit int) ([]model.WorkItem, error) {
	var items []model.WorkItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ? AND next_attempt_at <= ?",
				[]int{model.StatusPending, model.StatusFailed}, time.Now()).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		if err := tx.Model(&model.WorkItem{}).Where("id IN ?", ids).
			Update("status", model.StatusInFlight).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].Status = model.StatusInFlight
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *GormStore) MarkSent(ctx context.Context, id string) error {
	return s.updateByID(ctx, id, map[string]any{
		"status": model.StatusSent,
	})
}

func (s *GormStore) ScheduleRetry(ctx context.Context, id string, attempt int, delay time.Duration) error {
	return s.updateByID(ctx, id, map[string]any{
		"status":          model.StatusFailed,
		"attempt":         attempt,
		"next_attempt_at": time.Now().Add(delay),
	})
}

func (s *GormStore) MoveToDeadLetter(ctx context.Context, id string) error {
	return s.updateByID(ctx, id, map[string]any{
		"status": model.StatusDeadLettered,
	})
}

func (s *GormStore) updateByID(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&model.WorkItem{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *GormStore) AllTerminal(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.WorkItem{}).
		Where("status NOT IN ?", []int{model.StatusSent, model.StatusDeadLettered}).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *GormStore) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.WorkItem{}).
		Where("status IN ? AND next_attempt_at <= ?",
			[]int{model.StatusPending, model.StatusFailed}, time.Now()).
		Count(&n).Error
	return n, err
}

func (s *GormStore) Counts(ctx context.Context) (model.StatusCounts, error) {
	var rows []struct {
		Status int
		N      int64
	}
	var c model.StatusCounts
	err := s.db.WithContext(ctx).Model(&model.WorkItem{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error
	if err != nil {
		return c, err
	}
	for _, r := range rows {
		switch r.Status {
		case model.StatusPending:
			c.Pending = r.N
		case model.StatusInFlight:
			c.InFlight = r.N
		case model.StatusSent:
			c.Sent = r.N
		case model.StatusFailed:
			c.Failed = r.N
		case model.StatusDeadLettered:
			c.DeadLettered = r.N
		}
	}
	return c, nil
}

func (s *GormStore) ListDeadLetters(ctx context.Context, limit int) ([]model.WorkItem, error) {
	var items []model.WorkItem
	err := s.db.WithContext(ctx).
		Where("status = ?", model.StatusDeadLettered).
		Order("updated_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *GormStore) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	moved := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&model.WorkItem{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ?", model.StatusDeadLettered).
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Model(&model.WorkItem{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":          model.StatusPending,
			"attempt":         0,
			"next_attempt_at": time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		moved = int(res.RowsAffected)
		return nil
	})
	return moved, err
}
