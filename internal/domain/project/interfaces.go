package project

import (
	"context"
	"time"

	"github.com/rpggio/scribe/internal/audio"
	"github.com/rpggio/scribe/internal/domain/activity"
)

// Repository provides persistence for projects and their tasks.
// Methods taking a check function run it inside the write transaction,
// after the lock preconditions for the target have been verified.
type Repository interface {
	Create(ctx context.Context, proj *Project, newID func() string) error
	Get(ctx context.Context, id string) (*Project, error)
	ListByManager(ctx context.Context, user string) ([]Project, error)
	ListByCreator(ctx context.Context, user string) ([]Project, error)
	ListLocked(ctx context.Context) ([]Project, error)
	Tasks(ctx context.Context, projectID string) ([]Task, error)
	GetTask(ctx context.Context, projectID string, taskID int) (*Task, error)
	TasksForEditor(ctx context.Context, user string) ([]TaskView, error)
	TasksForCollator(ctx context.Context, user string) ([]TaskView, error)

	SaveTasks(ctx context.Context, projectID string, meta ProjectUpdate, tasks []Task, check func(*Snapshot) error) error
	Update(ctx context.Context, projectID string, meta ProjectUpdate, tasks []TaskUpdate, check func(*Snapshot) error) error
	UpdateTask(ctx context.Context, target Target, upd TaskUpdate, check func(*Snapshot) error) error
	ClearError(ctx context.Context, target Target) error
	Delete(ctx context.Context, projectID string, check func(*Snapshot) error) (*Snapshot, error)
}

// Prober reads audio file properties.
type Prober interface {
	Probe(ctx context.Context, path string) (audio.Info, error)
}

// VCS creates versioned text directories for tasks.
type VCS interface {
	Init(dir string) error
	Commit(dir, file, message string) (string, time.Time, error)
}

// Journal records lock and job events for operators.
type Journal interface {
	Record(ctx context.Context, entry activity.Entry)
}
