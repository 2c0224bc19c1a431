package mocks

import (
	"context"

	"github.com/rpggio/scribe/internal/audio"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/stretchr/testify/mock"
)

// ProjectRepository is a mock for project.Repository.
type ProjectRepository struct {
	mock.Mock
}

func (m *ProjectRepository) Create(ctx context.Context, proj *project.Project, newID func() string) error {
	args := m.Called(ctx, proj, newID)
	return args.Error(0)
}

func (m *ProjectRepository) Get(ctx context.Context, id string) (*project.Project, error) {
	args := m.Called(ctx, id)
	if proj, ok := args.Get(0).(*project.Project); ok {
		return proj, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) ListByManager(ctx context.Context, user string) ([]project.Project, error) {
	args := m.Called(ctx, user)
	if list, ok := args.Get(0).([]project.Project); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) ListByCreator(ctx context.Context, user string) ([]project.Project, error) {
	args := m.Called(ctx, user)
	if list, ok := args.Get(0).([]project.Project); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) ListLocked(ctx context.Context) ([]project.Project, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.Project); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) Tasks(ctx context.Context, projectID string) ([]project.Task, error) {
	args := m.Called(ctx, projectID)
	if list, ok := args.Get(0).([]project.Task); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) GetTask(ctx context.Context, projectID string, taskID int) (*project.Task, error) {
	args := m.Called(ctx, projectID, taskID)
	if task, ok := args.Get(0).(*project.Task); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) TasksForEditor(ctx context.Context, user string) ([]project.TaskView, error) {
	args := m.Called(ctx, user)
	if list, ok := args.Get(0).([]project.TaskView); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) TasksForCollator(ctx context.Context, user string) ([]project.TaskView, error) {
	args := m.Called(ctx, user)
	if list, ok := args.Get(0).([]project.TaskView); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) SaveTasks(ctx context.Context, projectID string, meta project.ProjectUpdate, tasks []project.Task, check func(*project.Snapshot) error) error {
	args := m.Called(ctx, projectID, meta, tasks, check)
	return args.Error(0)
}

func (m *ProjectRepository) Update(ctx context.Context, projectID string, meta project.ProjectUpdate, tasks []project.TaskUpdate, check func(*project.Snapshot) error) error {
	args := m.Called(ctx, projectID, meta, tasks, check)
	return args.Error(0)
}

func (m *ProjectRepository) UpdateTask(ctx context.Context, target project.Target, upd project.TaskUpdate, check func(*project.Snapshot) error) error {
	args := m.Called(ctx, target, upd, check)
	return args.Error(0)
}

func (m *ProjectRepository) ClearError(ctx context.Context, target project.Target) error {
	args := m.Called(ctx, target)
	return args.Error(0)
}

func (m *ProjectRepository) Delete(ctx context.Context, projectID string, check func(*project.Snapshot) error) (*project.Snapshot, error) {
	args := m.Called(ctx, projectID, check)
	if snap, ok := args.Get(0).(*project.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Log(ctx context.Context, entry *activity.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.Entry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// MailboxStore is a mock for mailbox.Store.
type MailboxStore struct {
	mock.Mock
}

func (m *MailboxStore) ConsumeIncoming(ctx context.Context, token string) (*mailbox.Incoming, error) {
	args := m.Called(ctx, token)
	if in, ok := args.Get(0).(*mailbox.Incoming); ok {
		return in, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MailboxStore) ConsumeOutgoing(ctx context.Context, token string) (*mailbox.Outgoing, error) {
	args := m.Called(ctx, token)
	if out, ok := args.Get(0).(*mailbox.Outgoing); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MailboxStore) InsertOutgoing(ctx context.Context, out mailbox.Outgoing) error {
	args := m.Called(ctx, out)
	return args.Error(0)
}

func (m *MailboxStore) Delete(ctx context.Context, tokens ...string) error {
	args := m.Called(ctx, tokens)
	return args.Error(0)
}

// JobSubmitter is a mock for project.JobSubmitter.
type JobSubmitter struct {
	mock.Mock
}

func (m *JobSubmitter) Submit(ctx context.Context, spec project.JobSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *JobSubmitter) Cancel(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

// Prober is a mock for project.Prober.
type Prober struct {
	mock.Mock
}

func (m *Prober) Probe(ctx context.Context, path string) (audio.Info, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(audio.Info), args.Error(1)
}

// Catalogue is a mock for the speech service catalogue.
type Catalogue struct {
	mock.Mock
}

func (m *Catalogue) Subsystems(ctx context.Context, service string) ([]string, error) {
	args := m.Called(ctx, service)
	if list, ok := args.Get(0).([]string); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// Assembler is a mock for document assembly.
type Assembler struct {
	mock.Mock
}

func (m *Assembler) Assemble(ctx context.Context, html []byte) (string, error) {
	args := m.Called(ctx, html)
	return args.String(0), args.Error(1)
}

// APIKeyRepository is a mock for repository.APIKeyRepository.
type APIKeyRepository struct {
	mock.Mock
}

func (m *APIKeyRepository) Add(ctx context.Context, token, user, description string) error {
	args := m.Called(ctx, token, user, description)
	return args.Error(0)
}

func (m *APIKeyRepository) ResolveUser(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}
