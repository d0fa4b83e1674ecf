package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a job state change is not one of
// waiting→active, active→active, active→completed, active→failed.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Job states. Transitions are monotonic: a terminal job never becomes
// runnable again.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job kinds.
const (
	KindSingleItem = "single_item"
	KindBatch      = "batch"
)

type Job struct {
	ID          string
	Kind        string // "single_item" or "batch"
	PayloadJSON string
	Priority    int
	State       string // "waiting", "active", "completed", "failed"
	Progress    int    // 0–100, non-decreasing while active
	Attempts    int
	ResultJSON  string // present only when completed
	Error       string // present only when failed
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CacheEntry is a Tier-2 exact-match cache row.
type CacheEntry struct {
	Key         string
	PayloadJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
