package project

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/rpggio/scribe/internal/storage"
	"github.com/rpggio/scribe/internal/undo"
)

// Settings are the configured values the project service consults.
type Settings struct {
	Categories       []string
	Languages        []string
	DiarizeService   string
	DiarizeSubsystem string
	SegmentNo        int
}

// Dependencies are the collaborators of the project service.
type Dependencies struct {
	Repo    Repository
	Locker  Locker
	Jobs    JobSubmitter
	VCS     VCS
	Prober  Prober
	Layout  storage.Layout
	Journal Journal
}

// Service handles project business logic.
type Service struct {
	repo     Repository
	locker   Locker
	jobs     JobSubmitter
	vcs      VCS
	prober   Prober
	layout   storage.Layout
	journal  Journal
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new project service.
func NewService(deps Dependencies, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	return &Service{
		repo:     deps.Repo,
		locker:   deps.Locker,
		jobs:     deps.Jobs,
		vcs:      deps.VCS,
		prober:   deps.Prober,
		layout:   deps.Layout,
		journal:  journal,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, activity.Entry) {}

// NewID returns a project id: "p" followed by 32 hex digits.
func NewID() string {
	return "p" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateRequest contains fields for creating a project.
type CreateRequest struct {
	Name           string `json:"projectname"`
	Category       string `json:"category"`
	ProjectManager string `json:"projectmanager"`
	ProjectStatus  string `json:"projectstatus"`
}

// Categories lists the permitted project categories.
func (s *Service) Categories() []string {
	return slices.Clone(s.settings.Categories)
}

// Languages lists the configured task languages.
func (s *Service) Languages() []string {
	return slices.Clone(s.settings.Languages)
}

func (s *Service) checkCategory(category string) error {
	if len(s.settings.Categories) > 0 && !slices.Contains(s.settings.Categories, category) {
		return fault.BadRequest("Project category `%s` not permitted", category)
	}
	return nil
}

// Create creates an unassigned project owned by user.
func (s *Service) Create(ctx context.Context, user string, req CreateRequest) (*Project, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fault.BadRequest("Project name is required")
	}
	if err := s.checkCategory(req.Category); err != nil {
		return nil, err
	}
	manager := req.ProjectManager
	if manager == "" {
		manager = user
	}

	now := s.now()
	proj := &Project{
		Name:           req.Name,
		Category:       req.Category,
		Creator:        user,
		ProjectManager: manager,
		Year:           now.Year(),
		CreatedAt:      now,
		ProjectStatus:  req.ProjectStatus,
	}
	if err := s.repo.Create(ctx, proj, NewID); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project created", "project_id", proj.ID, "user", user)
	return proj, nil
}

// ListProjects lists the projects managed by user.
func (s *Service) ListProjects(ctx context.Context, user string) ([]Project, error) {
	return s.repo.ListByManager(ctx, user)
}

// ListCreated lists the projects created by user.
func (s *Service) ListCreated(ctx context.Context, user string) ([]Project, error) {
	return s.repo.ListByCreator(ctx, user)
}

// Loaded is a project with its tasks.
type Loaded struct {
	Project *Project `json:"project"`
	Tasks   []Task   `json:"tasks"`
}

// Load returns an unlocked project and its tasks.
func (s *Service) Load(ctx context.Context, id string) (*Loaded, error) {
	proj, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, FromRepo(err, ProjectNotFound, "load project")
	}
	if err := CheckProject(proj, false); err != nil {
		return nil, err
	}
	tasks, err := s.repo.Tasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return &Loaded{Project: proj, Tasks: tasks}, nil
}

// ProjectMeta are the project fields save_project may change.
type ProjectMeta struct {
	Name          *string `json:"projectname"`
	Category      *string `json:"category"`
	ProjectStatus *string `json:"projectstatus"`
}

// SaveRequest replaces the task partition of an unassigned project.
type SaveRequest struct {
	ProjectID string      `json:"projectid"`
	Project   ProjectMeta `json:"project"`
	Tasks     []TaskInput `json:"tasks"`
}

// Save validates the partition and replaces the project's tasks.
func (s *Service) Save(ctx context.Context, req SaveRequest) error {
	if req.Project.Category != nil {
		if err := s.checkCategory(*req.Project.Category); err != nil {
			return err
		}
	}
	tasks, err := BuildPartition(req.ProjectID, req.Tasks)
	if err != nil {
		return err
	}
	meta := ProjectUpdate{
		Name:          req.Project.Name,
		Category:      req.Project.Category,
		ProjectStatus: req.Project.ProjectStatus,
	}

	err = s.repo.SaveTasks(ctx, req.ProjectID, meta, tasks, func(snap *Snapshot) error {
		p := snap.Project
		if p.AudioDuration == nil {
			return fault.Conflict("No audio has been uploaded")
		}
		if err := CheckSpan(tasks, *p.AudioDuration); err != nil {
			return err
		}
		if p.Assigned {
			return fault.Conflict("Cannot be re-saved because tasks are already assigned (use: update_project())")
		}
		return nil
	})
	if err != nil {
		return FromRepo(err, ProjectNotFound, "save project")
	}
	s.logger.Info("tasks saved", "project_id", req.ProjectID, "tasks", len(tasks))
	return nil
}

// AssignRequest freezes the partition and hands tasks to their editors.
type AssignRequest struct {
	ProjectID string `json:"projectid"`
	Collator  string `json:"collator"`
}

// AssignTasks creates a versioned text file for every task and marks the
// project assigned. Any failure removes the created directories and
// leaves the project unlocked with errstatus "assign_tasks".
func (s *Service) AssignTasks(ctx context.Context, req AssignRequest) error {
	if req.Collator == "" {
		return fault.BadRequest("Collator is required")
	}
	target := ProjectTarget(req.ProjectID)
	grant, err := s.locker.Acquire(ctx, LockRequest{
		Target:    target,
		Tag:       OpAssignTasks,
		LoadTasks: true,
		Check: func(snap *Snapshot) error {
			if snap.Project.Assigned {
				return fault.Conflict("Tasks have already been assigned")
			}
			if snap.Project.AudioFile == "" {
				return fault.Conflict("No audio has been uploaded")
			}
			if len(snap.Tasks) == 0 {
				return fault.Conflict("No tasks found to assign")
			}
			for _, t := range snap.Tasks {
				if t.Editor == "" || t.Speaker == "" || t.Language == "" {
					return fault.BadRequest("Not all necessary task fields are defined (use save_project() first)")
				}
			}
			return nil
		},
	})
	if err != nil {
		return FromRepo(err, ProjectNotFound, "lock project")
	}
	s.lockAcquired(ctx, target, OpAssignTasks)

	reason := OpAssignTasks
	var stack undo.Stack
	stack.Push("release_lock", func(ctx context.Context) error {
		return s.locker.Release(ctx, target, Release{Version: grant.Version, ErrStatus: &reason})
	})

	files := make([]TaskFile, 0, len(grant.Tasks))
	for _, t := range grant.Tasks {
		file, err := s.createTaskText(grant.Project.AudioFile, t.TaskID, &stack)
		if err != nil {
			return s.abort(ctx, &stack, target, fmt.Errorf("task %d: %w", t.TaskID, err))
		}
		files = append(files, file)
	}

	assigned := true
	err = s.locker.Release(ctx, target, Release{
		Version: grant.Version,
		Effects: Effects{
			Project:   &ProjectUpdate{Collator: &req.Collator, Assigned: &assigned},
			TaskFiles: files,
		},
	})
	if err != nil {
		return s.abort(ctx, &stack, target, FromRepo(err, ProjectNotFound, "record assignment"))
	}
	stack.Discard()
	s.lockReleased(ctx, target, OpAssignTasks, fmt.Sprintf("assigned %d tasks to collator %s", len(files), req.Collator))
	return nil
}

func (s *Service) createTaskText(audioFile string, taskID int, stack *undo.Stack) (TaskFile, error) {
	dir := storage.TaskDir(audioFile, taskID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return TaskFile{}, fmt.Errorf("create task dir: %w", err)
	}
	stack.Push("remove_task_dir", func(context.Context) error { return os.RemoveAll(dir) })

	if err := s.vcs.Init(dir); err != nil {
		return TaskFile{}, err
	}
	text := storage.TextPath(dir)
	if err := os.WriteFile(text, nil, 0o644); err != nil {
		return TaskFile{}, fmt.Errorf("create text file: %w", err)
	}
	commitID, at, err := s.vcs.Commit(dir, storage.TextName, "task assigned")
	if err != nil {
		return TaskFile{}, err
	}
	return TaskFile{TaskID: taskID, TextFile: text, CommitID: commitID, At: at}, nil
}

// UploadRequest carries new audio for a project.
type UploadRequest struct {
	ProjectID string
	Audio     io.Reader
}

// UploadAudio stores new project audio, discarding any existing tasks.
// The audio must be single channel Ogg Vorbis.
func (s *Service) UploadAudio(ctx context.Context, user string, req UploadRequest) error {
	target := ProjectTarget(req.ProjectID)
	grant, err := s.locker.Acquire(ctx, LockRequest{
		Target: target,
		Tag:    OpUploadAudio,
		Check: func(snap *Snapshot) error {
			if snap.Project.Assigned {
				return fault.Conflict("Cannot re-upload audio because tasks are already assigned")
			}
			return nil
		},
	})
	if err != nil {
		return FromRepo(err, ProjectNotFound, "lock project")
	}
	s.lockAcquired(ctx, target, OpUploadAudio)

	var reason string
	var stack undo.Stack
	stack.Push("release_lock", func(ctx context.Context) error {
		return s.locker.Release(ctx, target, Release{Version: grant.Version, ErrStatus: &reason})
	})
	fail := func(err error) error {
		reason = fault.Message(err)
		return s.abort(ctx, &stack, target, err)
	}

	path := s.layout.NewAudioPath(user, req.ProjectID, grant.Project.CreatedAt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail(fmt.Errorf("create project dir: %w", err))
	}
	if err := writeFile(path, req.Audio); err != nil {
		return fail(err)
	}
	stack.Push("remove_audio", func(context.Context) error { return os.Remove(path) })

	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		return fail(fault.Wrap(fault.KindBadRequest, err, "Cannot read audio file"))
	}
	if err := info.Validate(); err != nil {
		return fail(err)
	}

	err = s.locker.Release(ctx, target, Release{
		Version: grant.Version,
		Effects: Effects{
			Project:     &ProjectUpdate{AudioFile: &path, AudioDuration: &info.Duration},
			DeleteTasks: true,
		},
	})
	if err != nil {
		return fail(FromRepo(err, ProjectNotFound, "record audio"))
	}
	stack.Discard()
	s.lockReleased(ctx, target, OpUploadAudio, fmt.Sprintf("audio %.2fs", info.Duration))

	if prev := grant.Project.AudioFile; prev != "" && prev != path {
		if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("previous audio not removed", "project_id", req.ProjectID, "path", prev, "error", err)
		}
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close audio file: %w", err)
	}
	return nil
}

// GetAudio returns the path of the project's audio.
func (s *Service) GetAudio(ctx context.Context, id string) (string, error) {
	proj, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", FromRepo(err, ProjectNotFound, "get project")
	}
	if proj.AudioFile == "" {
		return "", fault.Conflict("No audio has been uploaded")
	}
	return proj.AudioFile, nil
}

// DiarizeRequest asks the speech service to partition the project audio.
type DiarizeRequest struct {
	ProjectID string `json:"projectid"`
	SegmentNo *int   `json:"segmentno"`
}

// DiarizeAudio submits a diarization job and returns its job id. The
// project stays locked until the result arrives or an operator unlocks it.
func (s *Service) DiarizeAudio(ctx context.Context, req DiarizeRequest) (string, error) {
	segments := s.settings.SegmentNo
	if req.SegmentNo != nil {
		segments = *req.SegmentNo
	}
	return s.jobs.Submit(ctx, JobSpec{
		Target:      ProjectTarget(req.ProjectID),
		Op:          OpDiarizeAudio,
		Service:     mailbox.ServiceDiarizeProject,
		ServiceName: s.settings.DiarizeService,
		Subsystem:   s.settings.DiarizeSubsystem,
		Params:      map[string]any{"segmentno": segments},
		Check: func(snap *Snapshot) error {
			if snap.Project.Assigned {
				return fault.Conflict("Tasks have already been assigned")
			}
			if snap.Project.AudioFile == "" {
				return fault.Conflict("No audio has been uploaded")
			}
			return nil
		},
	})
}

// UnlockProject force-releases a project lock left behind by a crash or a
// lost callback, cleaning up after the operation that held it.
func (s *Service) UnlockProject(ctx context.Context, id string) (string, error) {
	proj, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", FromRepo(err, ProjectNotFound, "get project")
	}
	state := proj.Lock()
	if state.Kind != LockHeld {
		return "", fault.Conflict("Project is not locked")
	}

	target := ProjectTarget(id)
	errStatus := state.Op
	rel := Release{Version: proj.LockVersion, ErrStatus: &errStatus}
	var (
		msg   string
		tasks []Task
	)
	switch state.Op {
	case OpAssignTasks:
		if tasks, err = s.repo.Tasks(ctx, id); err != nil {
			return "", fmt.Errorf("list tasks: %w", err)
		}
		msg = "Project unlocked: Task assignment failed"
	case OpUploadAudio:
		msg = "Project unlocked: Audio upload failed"
	default:
		rel.DropMailbox = true
		msg = "Project unlocked: Speech job request failed"
	}

	// Partial task directories belong to the lock just released; a version
	// mismatch means the assignment finished and they are live.
	if err := s.locker.Release(ctx, target, rel); err != nil {
		return "", FromRepo(err, ProjectNotFound, "unlock project")
	}
	if proj.AudioFile != "" {
		for _, t := range tasks {
			dir := storage.TaskDir(proj.AudioFile, t.TaskID)
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Warn("task dir not removed", "project_id", id, "dir", dir, "error", err)
			}
		}
	}
	s.logger.Info("project unlocked", "project_id", id, "tag", state.Tag, "op", state.Op)
	s.journal.Record(ctx, activity.Entry{ProjectID: id, Type: activity.TypeUnlocked, Tag: state.Tag, Summary: msg})

	if state.External() {
		if err := s.jobs.Cancel(ctx, state.Tag); err != nil {
			s.logger.Warn("speech job not cancelled", "project_id", id, "job_id", state.Tag, "error", err)
		} else {
			msg = "Project unlocked: Speech job cancelled"
			s.journal.Record(ctx, activity.Entry{ProjectID: id, Type: activity.TypeJobCancelled, Tag: state.Tag, Summary: "cancelled on unlock"})
		}
	}
	return msg, nil
}

// UpdateRequest changes project meta fields and, once assigned, task fields.
type UpdateRequest struct {
	ProjectID string        `json:"projectid"`
	Project   ProjectUpdate `json:"project"`
	Tasks     []TaskUpdate  `json:"tasks"`
}

// Update applies meta and per-task changes to an unlocked project.
func (s *Service) Update(ctx context.Context, req UpdateRequest) error {
	if req.Project.Category != nil {
		if err := s.checkCategory(*req.Project.Category); err != nil {
			return err
		}
	}
	seen := make(map[int]bool, len(req.Tasks))
	for _, t := range req.Tasks {
		if seen[t.TaskID] {
			return fault.BadRequest("Task IDs not unique in input")
		}
		seen[t.TaskID] = true
	}

	err := s.repo.Update(ctx, req.ProjectID, req.Project, req.Tasks, func(snap *Snapshot) error {
		if req.Tasks != nil && !snap.Project.Assigned {
			return fault.Conflict("Save and assign tasks before calling update...")
		}
		return nil
	})
	if err != nil {
		return FromRepo(err, ProjectNotFound, "update project")
	}
	return nil
}

// Delete removes a project, its tasks, mailbox entries and files. A locked
// project is only deleted when force is set.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	deleted, err := s.repo.Delete(ctx, id, func(snap *Snapshot) error {
		if force {
			return nil
		}
		return CheckProject(snap.Project, false)
	})
	if err != nil {
		return FromRepo(err, ProjectNotFound, "delete project")
	}
	proj := deleted.Project
	if proj.AudioFile != "" {
		dir := filepath.Dir(proj.AudioFile)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("project files not removed", "project_id", id, "dir", dir, "error", err)
		}
	}

	// Speech jobs still running for the project or its tasks are cancelled.
	locks := []LockState{proj.Lock()}
	for i := range deleted.Tasks {
		locks = append(locks, deleted.Tasks[i].Lock())
	}
	for _, state := range locks {
		if !state.External() {
			continue
		}
		if err := s.jobs.Cancel(ctx, state.Tag); err != nil {
			s.logger.Warn("speech job not cancelled", "project_id", id, "job_id", state.Tag, "error", err)
		}
	}
	s.logger.Info("project deleted", "project_id", id, "forced", force)
	return nil
}

// ClearError acknowledges a recorded failure on an unlocked project.
func (s *Service) ClearError(ctx context.Context, id string) error {
	if err := s.repo.ClearError(ctx, ProjectTarget(id)); err != nil {
		return FromRepo(err, ProjectNotFound, "clear error")
	}
	s.journal.Record(ctx, activity.Entry{ProjectID: id, Type: activity.TypeErrorCleared, Summary: "project error cleared"})
	return nil
}

// TaskStatus is the lock state of one task.
type TaskStatus struct {
	TaskID  int       `json:"taskid"`
	Editor  string    `json:"editor"`
	Editing string    `json:"editing"`
	Lock    LockState `json:"lock"`
}

// Status summarizes a project's lock state and those of its tasks.
type Status struct {
	Project *Project     `json:"project"`
	Lock    LockState    `json:"lock"`
	Tasks   []TaskStatus `json:"tasks,omitempty"`
}

// Status reports lock state without requiring the project to be unlocked.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	proj, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, FromRepo(err, ProjectNotFound, "get project")
	}
	tasks, err := s.repo.Tasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	st := &Status{Project: proj, Lock: proj.Lock()}
	for i := range tasks {
		st.Tasks = append(st.Tasks, TaskStatus{
			TaskID:  tasks[i].TaskID,
			Editor:  tasks[i].Editor,
			Editing: tasks[i].Editing,
			Lock:    tasks[i].Lock(),
		})
	}
	return st, nil
}

// Stuck lists projects that are locked or carry an unacknowledged error.
func (s *Service) Stuck(ctx context.Context) ([]Status, error) {
	projects, err := s.repo.ListLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locked projects: %w", err)
	}
	out := make([]Status, 0, len(projects))
	for i := range projects {
		out = append(out, Status{Project: &projects[i], Lock: projects[i].Lock()})
	}
	return out, nil
}

func (s *Service) lockAcquired(ctx context.Context, target Target, op string) {
	s.logger.Debug("lock acquired", "project_id", target.ProjectID, "tag", op)
	s.journal.Record(ctx, activity.Entry{ProjectID: target.ProjectID, TaskID: target.TaskID, Type: activity.TypeLockAcquired, Tag: op, Summary: op})
}

func (s *Service) lockReleased(ctx context.Context, target Target, op, summary string) {
	s.logger.Info("operation complete", "project_id", target.ProjectID, "tag", op)
	s.journal.Record(ctx, activity.Entry{ProjectID: target.ProjectID, TaskID: target.TaskID, Type: activity.TypeLockReleased, Tag: op, Summary: summary})
}

// abort runs the compensation stack, whose bottom entry releases the lock
// with an errstatus, and returns cause.
func (s *Service) abort(ctx context.Context, stack *undo.Stack, target Target, cause error) error {
	s.logger.Warn("operation failed, compensating", "project_id", target.ProjectID, "error", cause)
	if err := stack.Run(context.WithoutCancel(ctx), s.logger); err != nil {
		s.logger.Error("compensation incomplete", "project_id", target.ProjectID, "error", err)
	}
	s.journal.Record(ctx, activity.Entry{ProjectID: target.ProjectID, TaskID: target.TaskID, Type: activity.TypeCompensated, Summary: fault.Message(cause)})
	return cause
}
