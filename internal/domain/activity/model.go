package activity

import "time"

// Type is the kind of lock or job event.
type Type string

const (
	TypeLockAcquired    Type = "lock_acquired"
	TypeLockReleased    Type = "lock_released"
	TypeJobSubmitted    Type = "job_submitted"
	TypeJobCancelled    Type = "job_cancelled"
	TypeCallbackApplied Type = "callback_applied"
	TypeCallbackFailed  Type = "callback_failed"
	TypeCallbackDropped Type = "callback_dropped"
	TypeCompensated     Type = "compensated"
	TypeUnlocked        Type = "unlocked"
	TypeErrorCleared    Type = "error_cleared"
)

// Entry is one event in the activity journal.
type Entry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"projectid"`
	TaskID    *int      `json:"taskid,omitempty"`
	Type      Type      `json:"type"`
	Tag       string    `json:"tag,omitempty"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions filters journal queries.
type ListOptions struct {
	ProjectID string
	TaskID    *int
	Type      *Type
	Limit     int
	Offset    int
}
