package project

import (
	"context"
	"log/slog"

	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/fault"
)

// Operation names used as lock tags.
const (
	OpUploadAudio   = "upload_audio"
	OpAssignTasks   = "assign_tasks"
	OpDiarizeAudio  = "diarize_audio"
	OpSaveText      = "save_text"
	OpRevertText    = "revert_text"
	OpDiarizeTask   = "diarize_task"
	OpRecognizeTask = "recognize_task"
	OpAlignTask     = "align_task"
)

// Target identifies a lockable entity: a project, or one of its tasks.
type Target struct {
	ProjectID string
	TaskID    *int
}

func ProjectTarget(projectID string) Target {
	return Target{ProjectID: projectID}
}

func TaskTarget(projectID string, taskID int) Target {
	return Target{ProjectID: projectID, TaskID: &taskID}
}

// IsTask reports whether the target is a task.
func (t Target) IsTask() bool {
	return t.TaskID != nil
}

// LogValue groups the target ids in log records.
func (t Target) LogValue() slog.Value {
	if t.TaskID == nil {
		return slog.GroupValue(slog.String("project_id", t.ProjectID))
	}
	return slog.GroupValue(slog.String("project_id", t.ProjectID), slog.Int("task_id", *t.TaskID))
}

// Snapshot is the state read inside the lock transaction.
type Snapshot struct {
	Project *Project
	Task    *Task
	Tasks   []Task
}

// LockRequest describes a lock acquisition. Check and Attach run inside the
// same transaction as the conditional update.
type LockRequest struct {
	Target
	// Tag is the initial jobid value; Op defaults to Tag.
	Tag               string
	Op                string
	RequireCleanError bool
	LoadTasks         bool
	Check             func(s *Snapshot) error
	Attach            func(s *Snapshot) (*mailbox.Batch, error)
}

// Grant is returned by a successful acquisition.
type Grant struct {
	Snapshot
	Version int64
	Batch   *mailbox.Batch
}

// Effects are applied atomically with a release.
type Effects struct {
	Project      *ProjectUpdate
	ReplaceTasks bool
	Tasks        []Task
	DeleteTasks  bool
	TaskFiles    []TaskFile
	TextCommit   *TextCommit
}

// Release clears a held lock.
type Release struct {
	// Version must match the holder's lock version; zero releases any holder.
	Version   int64
	ErrStatus *string
	// DropMailbox deletes the lock-bound mailbox entries of the target.
	DropMailbox bool
	Effects     Effects
}

// Locker implements the jobid/errstatus lock protocol.
type Locker interface {
	Acquire(ctx context.Context, req LockRequest) (*Grant, error)
	Retag(ctx context.Context, target Target, version int64, tag string) error
	Release(ctx context.Context, target Target, rel Release) error
}

// JobSpec describes an asynchronous speech job.
type JobSpec struct {
	Target
	Op                string
	Service           mailbox.ServiceType
	ServiceName       string
	Subsystem         string
	Params            map[string]any
	RequireCleanError bool
	LoadTasks         bool
	Check             func(s *Snapshot) error
}

// JobSubmitter locks the target, submits a job and records its id.
type JobSubmitter interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

func ProjectNotFound() error {
	return fault.NotFound("Project not found")
}

func TaskNotFound() error {
	return fault.NotFound("Task not found")
}

// CheckProject enforces the project half of the lock preconditions.
func CheckProject(p *Project, requireClean bool) error {
	if p == nil {
		return ProjectNotFound()
	}
	if p.JobID != nil {
		return fault.Conflict("This project is currently locked with jobid: %s", *p.JobID)
	}
	if requireClean && p.ErrStatus != nil {
		return fault.PreviousJob(*p.ErrStatus)
	}
	return nil
}

// CheckTask enforces the task half of the lock preconditions.
func CheckTask(t *Task, requireClean bool) error {
	if t == nil {
		return TaskNotFound()
	}
	if t.JobID != nil {
		return fault.Conflict("This task is currently locked with jobid: %s", *t.JobID)
	}
	if requireClean && t.ErrStatus != nil {
		return fault.PreviousJob(*t.ErrStatus)
	}
	return nil
}
