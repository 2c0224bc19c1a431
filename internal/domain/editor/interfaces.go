package editor

import (
	"context"
	"time"

	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
)

// Repository provides the task reads and writes editors need.
type Repository interface {
	Get(ctx context.Context, id string) (*project.Project, error)
	Tasks(ctx context.Context, projectID string) ([]project.Task, error)
	GetTask(ctx context.Context, projectID string, taskID int) (*project.Task, error)
	TasksForEditor(ctx context.Context, user string) ([]project.TaskView, error)
	TasksForCollator(ctx context.Context, user string) ([]project.TaskView, error)
	UpdateTask(ctx context.Context, target project.Target, upd project.TaskUpdate, check func(*project.Snapshot) error) error
	ClearError(ctx context.Context, target project.Target) error
}

// VCS versions task text.
type VCS interface {
	Check(dir, commitID string) error
	Commit(dir, file, message string) (string, time.Time, error)
	Revert(dir, file, commitID, message string) (string, time.Time, error)
	Rollback(dir, commitID string) error
}

// Catalogue lists what the speech service offers.
type Catalogue interface {
	Subsystems(ctx context.Context, service string) ([]string, error)
}

// Assembler turns concatenated task text into a document file.
type Assembler interface {
	Assemble(ctx context.Context, html []byte) (string, error)
}

// Downloads registers one-off download tokens.
type Downloads interface {
	InsertOutgoing(ctx context.Context, out mailbox.Outgoing) error
}
