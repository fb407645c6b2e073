package model

import "time"

// WorkItem is one unit of deliverable work in the pending store.
type WorkItem struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	Payload       string    `json:"payload" gorm:"type:text"`
	Status        int       `json:"status" gorm:"index"`
	Attempt       int       `json:"attempt" gorm:"default:0"`
	NextAttemptAt time.Time `json:"next_attempt_at" gorm:"index"`
	LastError     string    `json:"last_error" gorm:"size:512"`
	TraceID       string    `json:"trace_id" gorm:"size:64;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	StatusPending      = 0
	StatusInFlight     = 1
	StatusSent         = 2
	StatusFailed       = 3
	StatusDeadLettered = 4
)

// Terminal reports whether the item will never be attempted again.
func (w *WorkItem) Terminal() bool {
	return w.Status == StatusSent || w.Status == StatusDeadLettered
}

// StatusCounts is a per-status tally of the store, used for final reporting.
type StatusCounts struct {
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"in_flight"`
	Sent         int64 `json:"sent"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}
