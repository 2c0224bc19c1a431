package editor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/rpggio/scribe/internal/storage"
	"github.com/rpggio/scribe/internal/undo"
)

// Settings are the configured values the editor service consults.
type Settings struct {
	Languages []string
	// Services maps the service keys to speech service names.
	Services map[string]string
	// Subsystems maps a service key and language to a default subsystem.
	Subsystems map[string]map[string]string
}

// Dependencies are the collaborators of the editor service.
type Dependencies struct {
	Repo      Repository
	Locker    project.Locker
	Jobs      project.JobSubmitter
	VCS       VCS
	Catalogue Catalogue
	Assembler Assembler
	Downloads Downloads
	Journal   project.Journal
}

// Service handles task editing for editors and collators.
type Service struct {
	repo      Repository
	locker    project.Locker
	jobs      project.JobSubmitter
	vcs       VCS
	catalogue Catalogue
	assembler Assembler
	downloads Downloads
	journal   project.Journal
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new editor service.
func NewService(deps Dependencies, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	return &Service{
		repo:      deps.Repo,
		locker:    deps.Locker,
		jobs:      deps.Jobs,
		vcs:       deps.VCS,
		catalogue: deps.Catalogue,
		assembler: deps.Assembler,
		downloads: deps.Downloads,
		journal:   journal,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, activity.Entry) {}

// Languages lists the configured task languages.
func (s *Service) Languages() []string {
	return slices.Clone(s.settings.Languages)
}

// LoadTasks lists the tasks user edits and the tasks of projects user collates.
func (s *Service) LoadTasks(ctx context.Context, user string) (*TaskLists, error) {
	edit, err := s.repo.TasksForEditor(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list editor tasks: %w", err)
	}
	collate, err := s.repo.TasksForCollator(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list collator tasks: %w", err)
	}
	if edit == nil {
		edit = []project.TaskView{}
	}
	if collate == nil {
		collate = []project.TaskView{}
	}
	return &TaskLists{Editor: edit, Collator: collate}, nil
}

// open reads a task and its project, enforcing that both are unlocked and,
// when clean is set, that neither carries an unacknowledged error.
func (s *Service) open(ctx context.Context, target project.Target, clean bool) (*project.Project, *project.Task, error) {
	proj, err := s.repo.Get(ctx, target.ProjectID)
	if err != nil {
		return nil, nil, project.FromRepo(err, project.ProjectNotFound, "get project")
	}
	if err := project.CheckProject(proj, clean); err != nil {
		return nil, nil, err
	}
	task, err := s.repo.GetTask(ctx, target.ProjectID, *target.TaskID)
	if err != nil {
		return nil, nil, project.FromRepo(err, project.TaskNotFound, "get task")
	}
	if err := project.CheckTask(task, clean); err != nil {
		return nil, nil, err
	}
	return proj, task, nil
}

// LoadTask returns an unlocked task without recorded errors.
func (s *Service) LoadTask(ctx context.Context, projectID string, taskID int) (*project.Task, error) {
	_, task, err := s.open(ctx, project.TaskTarget(projectID, taskID), true)
	return task, err
}

// GetAudio locates the task's segment of the project audio.
func (s *Service) GetAudio(ctx context.Context, projectID string, taskID int) (*AudioSegment, error) {
	proj, task, err := s.open(ctx, project.TaskTarget(projectID, taskID), true)
	if err != nil {
		return nil, err
	}
	if err := audioReady(proj); err != nil {
		return nil, err
	}
	if task.End <= task.Start {
		return nil, fault.BadRequest("Audio segment has not been defined for this task")
	}
	return &AudioSegment{
		Path:  proj.AudioFile,
		Range: mailbox.Range{Start: task.Start, End: task.End},
		Mime:  mailbox.MimeAudio,
	}, nil
}

func audioReady(p *project.Project) error {
	if p.AudioFile == "" {
		return fault.NotFound("No audio file has been uploaded to the project")
	}
	if !storage.Readable(p.AudioFile) {
		return fault.NotFound("Cannot find audio file uploaded to project")
	}
	return nil
}

// GetText returns the task's current text.
func (s *Service) GetText(ctx context.Context, projectID string, taskID int) (string, error) {
	_, task, err := s.open(ctx, project.TaskTarget(projectID, taskID), true)
	if err != nil {
		return "", err
	}
	if task.TextFile == "" {
		return "", fault.NotFound("This task has no text file")
	}
	data, err := os.ReadFile(task.TextFile)
	if os.IsNotExist(err) {
		return "", fault.NotFound("Cannot find text file")
	}
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(data), nil
}

// SaveText writes text to the task and commits it. A failure after the
// lock is taken restores the previous version and records errstatus.
func (s *Service) SaveText(ctx context.Context, projectID string, taskID int, text string) error {
	return s.changeText(ctx, project.TaskTarget(projectID, taskID), project.OpSaveText, func(task *project.Task) (string, time.Time, error) {
		if err := os.WriteFile(task.TextFile, []byte(text), 0o644); err != nil {
			return "", time.Time{}, fmt.Errorf("write text: %w", err)
		}
		return s.vcs.Commit(filepath.Dir(task.TextFile), filepath.Base(task.TextFile), "Changes saved")
	})
}

// RevertText restores the text recorded at commitID as a new version.
func (s *Service) RevertText(ctx context.Context, projectID string, taskID int, commitID string) error {
	if commitID == "" {
		return fault.BadRequest("Commit ID is required")
	}
	return s.changeText(ctx, project.TaskTarget(projectID, taskID), project.OpRevertText, func(task *project.Task) (string, time.Time, error) {
		return s.vcs.Revert(filepath.Dir(task.TextFile), filepath.Base(task.TextFile), commitID, "")
	})
}

func (s *Service) changeText(ctx context.Context, target project.Target, op string, change func(*project.Task) (string, time.Time, error)) error {
	grant, err := s.locker.Acquire(ctx, project.LockRequest{
		Target:            target,
		Tag:               op,
		RequireCleanError: true,
		Check: func(snap *project.Snapshot) error {
			if snap.Task.TextFile == "" {
				return fault.NotFound("This task has no text file")
			}
			if !storage.Readable(snap.Task.TextFile) {
				return fault.NotFound("Cannot find text file for this task")
			}
			return nil
		},
	})
	if err != nil {
		return project.FromRepo(err, project.TaskNotFound, "lock task")
	}
	task := grant.Task
	dir := filepath.Dir(task.TextFile)

	var reason string
	var stack undo.Stack
	stack.Push("release_lock", func(ctx context.Context) error {
		return s.locker.Release(ctx, target, project.Release{Version: grant.Version, ErrStatus: &reason})
	})
	fail := func(err error) error {
		reason = fault.Message(err)
		return s.abort(ctx, &stack, target, err)
	}

	if err := s.vcs.Check(dir, task.CommitID); err != nil {
		return fail(err)
	}
	stack.Push("rollback_text", func(context.Context) error { return s.vcs.Rollback(dir, task.CommitID) })
	commitID, at, err := change(task)
	if err != nil {
		return fail(err)
	}

	err = s.locker.Release(ctx, target, project.Release{
		Version: grant.Version,
		Effects: project.Effects{TextCommit: &project.TextCommit{CommitID: commitID, At: at}},
	})
	if err != nil {
		return fail(project.FromRepo(err, project.TaskNotFound, "record text"))
	}
	stack.Discard()
	s.logger.Info("text saved", "target", target, "op", op, "commit_id", commitID)
	return nil
}

// SpeechSubsystems lists the subsystems the speech service offers for a
// configured service key.
func (s *Service) SpeechSubsystems(ctx context.Context, service string) ([]string, error) {
	name, ok := s.settings.Services[service]
	if !ok {
		return nil, fault.NotFound("Speech service not supported!")
	}
	return s.catalogue.Subsystems(ctx, name)
}

// Diarize requests speaker segmentation of an empty task.
func (s *Service) Diarize(ctx context.Context, req SpeechRequest) (string, error) {
	subsystem := req.Subsystem
	if subsystem == "" {
		subsystem = "default"
	}
	return s.speechJob(ctx, req, project.OpDiarizeTask, mailbox.ServiceDiarize, ServiceDiarize, subsystem, func(task *project.Task) error {
		if !storage.Empty(task.TextFile) {
			return fault.BadRequest("Cannot run diarize since the document is not empty!")
		}
		return nil
	})
}

// Recognize requests a transcript of the task audio.
func (s *Service) Recognize(ctx context.Context, req SpeechRequest) (string, error) {
	subsystem, err := s.subsystem(ctx, req, ServiceRecognize)
	if err != nil {
		return "", err
	}
	return s.speechJob(ctx, req, project.OpRecognizeTask, mailbox.ServiceRecognize, ServiceRecognize, subsystem, nil)
}

// Align requests time alignment of the task's existing text.
func (s *Service) Align(ctx context.Context, req SpeechRequest) (string, error) {
	subsystem, err := s.subsystem(ctx, req, ServiceAlign)
	if err != nil {
		return "", err
	}
	return s.speechJob(ctx, req, project.OpAlignTask, mailbox.ServiceAlign, ServiceAlign, subsystem, func(task *project.Task) error {
		if storage.Empty(task.TextFile) {
			return fault.BadRequest("Cannot run alignment since the document is empty!")
		}
		return nil
	})
}

// subsystem resolves the subsystem from the request, or from the
// language table of service using the request or task language.
func (s *Service) subsystem(ctx context.Context, req SpeechRequest, service string) (string, error) {
	if req.Subsystem != "" {
		return req.Subsystem, nil
	}
	lang := req.Language
	if lang == "" {
		task, err := s.repo.GetTask(ctx, req.ProjectID, req.TaskID)
		if err != nil {
			return "", project.FromRepo(err, project.TaskNotFound, "get task")
		}
		lang = task.Language
	}
	if lang == "" {
		return "", fault.NotFound("No language has been specified!")
	}
	sub, ok := s.settings.Subsystems[service][lang]
	if !ok {
		return "", fault.NotFound("Language not supported by speech server!")
	}
	return sub, nil
}

func (s *Service) speechJob(ctx context.Context, req SpeechRequest, op string, st mailbox.ServiceType, service, subsystem string, check func(*project.Task) error) (string, error) {
	name, ok := s.settings.Services[service]
	if !ok {
		return "", fault.NotFound("Speech service not supported!")
	}
	jobID, err := s.jobs.Submit(ctx, project.JobSpec{
		Target:            req.Target(),
		Op:                op,
		Service:           st,
		ServiceName:       name,
		Subsystem:         subsystem,
		RequireCleanError: true,
		Check: func(snap *project.Snapshot) error {
			if err := audioReady(snap.Project); err != nil {
				return err
			}
			if snap.Task.TextFile == "" {
				return fault.NotFound("This task has no text file")
			}
			if !storage.Readable(snap.Task.TextFile) {
				return fault.NotFound("Cannot find text file")
			}
			if check != nil {
				return check(snap.Task)
			}
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("speech job requested", "target", req.Target(), "op", op, "job_id", jobID)
	return jobID, nil
}

// TaskDone hands the task to the project's collator.
func (s *Service) TaskDone(ctx context.Context, projectID string, taskID int) error {
	target := project.TaskTarget(projectID, taskID)
	proj, _, err := s.open(ctx, target, true)
	if err != nil {
		return err
	}
	if proj.Collator == "" {
		return fault.Conflict("Project has no collator")
	}
	now := s.now()
	return s.updateTask(ctx, target, project.TaskUpdate{Editing: &proj.Collator, CompletedAt: &now})
}

// ReassignTask hands a task back to its editor.
func (s *Service) ReassignTask(ctx context.Context, projectID string, taskID int) error {
	target := project.TaskTarget(projectID, taskID)
	_, task, err := s.open(ctx, target, true)
	if err != nil {
		return err
	}
	return s.updateTask(ctx, target, project.TaskUpdate{Editing: &task.Editor, ClearCompleted: true})
}

// UpdateLanguage changes the task language.
func (s *Service) UpdateLanguage(ctx context.Context, projectID string, taskID int, language string) error {
	if !slices.Contains(s.settings.Languages, language) {
		return fault.NotFound("Language not supported by speech services!")
	}
	return s.updateTask(ctx, project.TaskTarget(projectID, taskID), project.TaskUpdate{Language: &language})
}

func (s *Service) updateTask(ctx context.Context, target project.Target, upd project.TaskUpdate) error {
	if err := s.repo.UpdateTask(ctx, target, upd, nil); err != nil {
		return project.FromRepo(err, project.TaskNotFound, "update task")
	}
	return nil
}

// UnlockTask force-releases a task lock, cancelling the speech job that
// holds it. The operation that held the lock is recorded as errstatus.
func (s *Service) UnlockTask(ctx context.Context, projectID string, taskID int) (string, error) {
	target := project.TaskTarget(projectID, taskID)
	proj, err := s.repo.Get(ctx, projectID)
	if err != nil {
		return "", project.FromRepo(err, project.ProjectNotFound, "get project")
	}
	if err := project.CheckProject(proj, false); err != nil {
		return "", err
	}
	task, err := s.repo.GetTask(ctx, projectID, taskID)
	if err != nil {
		return "", project.FromRepo(err, project.TaskNotFound, "get task")
	}
	state := task.Lock()
	if state.Kind != project.LockHeld {
		return "", fault.NotFound("No Job has been specified")
	}

	msg := "Task unlocked"
	if state.External() {
		if err := s.jobs.Cancel(ctx, state.Tag); err != nil {
			s.logger.Warn("speech job not cancelled", "target", target, "job_id", state.Tag, "error", err)
		} else {
			msg = "Speech job cancelled"
			s.journal.Record(ctx, activity.Entry{ProjectID: projectID, TaskID: target.TaskID, Type: activity.TypeJobCancelled, Tag: state.Tag, Summary: "cancelled on unlock"})
		}
	}

	errStatus := state.Op
	err = s.locker.Release(ctx, target, project.Release{Version: task.LockVersion, ErrStatus: &errStatus, DropMailbox: true})
	if err != nil {
		return "", project.FromRepo(err, project.TaskNotFound, "unlock task")
	}
	s.logger.Info("task unlocked", "target", target, "tag", state.Tag, "op", state.Op)
	s.journal.Record(ctx, activity.Entry{ProjectID: projectID, TaskID: target.TaskID, Type: activity.TypeUnlocked, Tag: state.Tag, Summary: msg})
	return msg, nil
}

// ClearError acknowledges a recorded failure on an unlocked task.
func (s *Service) ClearError(ctx context.Context, projectID string, taskID int) error {
	target := project.TaskTarget(projectID, taskID)
	if err := s.repo.ClearError(ctx, target); err != nil {
		return project.FromRepo(err, project.TaskNotFound, "clear error")
	}
	s.journal.Record(ctx, activity.Entry{ProjectID: projectID, TaskID: target.TaskID, Type: activity.TypeErrorCleared, Summary: "task error cleared"})
	return nil
}

// BuildDocument joins the text of every task in task order into a Word
// document and returns a single-use download token for it.
func (s *Service) BuildDocument(ctx context.Context, projectID string) (string, error) {
	if _, err := s.repo.Get(ctx, projectID); err != nil {
		return "", project.FromRepo(err, project.ProjectNotFound, "get project")
	}
	tasks, err := s.repo.Tasks(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.TextFile == "" {
			return "", fault.NotFound("Text file is missing for a task")
		}
		data, err := os.ReadFile(t.TextFile)
		if err != nil {
			return "", fault.Wrap(fault.KindNotFound, err, "Cannot find text file")
		}
		parts = append(parts, string(data))
	}

	doc, err := s.assembler.Assemble(ctx, []byte(strings.Join(parts, "\n")))
	if err != nil {
		return "", fmt.Errorf("assemble document: %w", err)
	}
	token := mailbox.NewToken()
	whole := mailbox.WholeDocument
	err = s.downloads.InsertOutgoing(ctx, mailbox.Outgoing{Token: token, ProjectID: projectID, FilePath: doc, Range: &whole})
	if err != nil {
		os.Remove(doc)
		return "", project.FromRepo(err, project.ProjectNotFound, "register document")
	}
	s.logger.Info("document built", "project_id", projectID, "tasks", len(tasks))
	return token, nil
}

func (s *Service) abort(ctx context.Context, stack *undo.Stack, target project.Target, cause error) error {
	s.logger.Warn("operation failed, compensating", "target", target, "error", cause)
	if err := stack.Run(context.WithoutCancel(ctx), s.logger); err != nil {
		s.logger.Error("compensation incomplete", "target", target, "error", err)
	}
	s.journal.Record(ctx, activity.Entry{ProjectID: target.ProjectID, TaskID: target.TaskID, Type: activity.TypeCompensated, Summary: fault.Message(cause)})
	return cause
}
