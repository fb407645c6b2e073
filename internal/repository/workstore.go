package repository

import (
	"context"
	"errors"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/model"
)

var ErrItemNotFound = errors.New("work item not found")

// WorkStore is the pending work-store the dispatcher drains. Implementations
// must make Claim and the per-item finalizers atomic.
type WorkStore interface {
	// Enqueue inserts a new Pending item.
	Enqueue(ctx context.Context, item *model.WorkItem) error

	// Claim atomically marks up to limit eligible items InFlight and returns
	// them. Eligible: status Pending or Failed with NextAttemptAt <= now.
	Claim(ctx context.Context, limit int) ([]model.WorkItem, error)

	// MarkSent finalizes a claimed item as delivered.
	MarkSent(ctx context.Context, id string) error

	// ScheduleRetry returns a claimed item to Failed with the given attempt
	// count, eligible again after delay.
	ScheduleRetry(ctx context.Context, id string, attempt int, delay time.Duration) error

	// MoveToDeadLetter finalizes a claimed item as undeliverable.
	MoveToDeadLetter(ctx context.Context, id string) error

	// AllTerminal reports whether every item is Sent or DeadLettered.
	AllTerminal(ctx context.Context) (bool, error)

	// QueueDepth counts items currently eligible for claiming.
	QueueDepth(ctx context.Context) (int64, error)

	// Counts tallies items per status.
	Counts(ctx context.Context) (model.StatusCounts, error)

	// ListDeadLetters returns up to limit dead-lettered items.
	ListDeadLetters(ctx context.Context, limit int) ([]model.WorkItem, error)

	// ReplayDeadLetters moves up to limit dead-lettered items back to
	// Pending with a reset attempt counter, returning how many moved.
	ReplayDeadLetters(ctx context.Context, limit int) (int, error)
}
