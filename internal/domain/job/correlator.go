// Package job submits speech jobs under a project or task lock and
// correlates the results the speech service posts back with the lock
// that is waiting for them.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/rpggio/scribe/internal/repository"
	"github.com/rpggio/scribe/internal/speech"
	"github.com/rpggio/scribe/internal/undo"
	"github.com/tidwall/gjson"
)

// URL prefixes the mailbox endpoints are mounted under.
const (
	ProjectsPrefix = "projects"
	EditorPrefix   = "editor"
)

// Speech submits and cancels jobs on the speech service.
type Speech interface {
	Submit(ctx context.Context, job speech.JobRequest) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Targets reads the current state of lock targets.
type Targets interface {
	Get(ctx context.Context, id string) (*project.Project, error)
	GetTask(ctx context.Context, projectID string, taskID int) (*project.Task, error)
}

// VCS versions task text written by speech results.
type VCS interface {
	Check(dir, commitID string) error
	Commit(dir, file, message string) (string, time.Time, error)
	Rollback(dir, commitID string) error
}

// Dependencies are the collaborators of the correlator.
type Dependencies struct {
	Locker  project.Locker
	Targets Targets
	Store   mailbox.Store
	Speech  Speech
	VCS     VCS
	Journal project.Journal
}

// Correlator implements project.JobSubmitter and handles mailbox traffic.
type Correlator struct {
	locker  project.Locker
	targets Targets
	store   mailbox.Store
	speech  Speech
	vcs     VCS
	journal project.Journal
	baseURL string
	logger  *slog.Logger
}

// New creates a correlator. baseURL is the externally reachable root of
// the mailbox endpoints.
func New(deps Dependencies, baseURL string, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	return &Correlator{
		locker:  deps.Locker,
		targets: deps.Targets,
		store:   deps.Store,
		speech:  deps.Speech,
		vcs:     deps.VCS,
		journal: journal,
		baseURL: baseURL,
		logger:  logger,
	}
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, activity.Entry) {}

type tokens struct {
	in, audio, text string
}

// Submit locks the target, registers the mailbox tokens of the job and
// sends it to the speech service. The lock tag becomes the returned job id.
// If anything fails the tokens are removed and the lock is released with
// the failure recorded as errstatus.
func (c *Correlator) Submit(ctx context.Context, spec project.JobSpec) (string, error) {
	if spec.Service.TaskLevel() != spec.IsTask() {
		return "", fmt.Errorf("service %s does not apply to this target", spec.Service)
	}
	target := spec.Target
	tok := tokens{in: mailbox.NewToken(), audio: mailbox.NewToken()}
	if target.IsTask() {
		tok.text = mailbox.NewToken()
	}

	grant, err := c.locker.Acquire(ctx, project.LockRequest{
		Target:            target,
		Tag:               spec.Op,
		RequireCleanError: spec.RequireCleanError,
		LoadTasks:         spec.LoadTasks,
		Check:             spec.Check,
		Attach: func(snap *project.Snapshot) (*mailbox.Batch, error) {
			return buildBatch(spec, snap, tok)
		},
	})
	if err != nil {
		return "", project.FromRepo(err, notFoundFor(target), "lock for job")
	}
	c.logger.Debug("lock acquired", "target", target, "tag", spec.Op)
	c.journal.Record(ctx, activity.Entry{ProjectID: target.ProjectID, TaskID: target.TaskID, Type: activity.TypeLockAcquired, Tag: spec.Op, Summary: spec.Op})

	reason := spec.Op
	var stack undo.Stack
	stack.Push("release_lock", func(ctx context.Context) error {
		return c.locker.Release(ctx, target, project.Release{Version: grant.Version, ErrStatus: &reason})
	})
	stack.Push("delete_mailbox", func(ctx context.Context) error {
		return c.store.Delete(ctx, grant.Batch.Tokens()...)
	})

	req, err := c.jobRequest(spec, tok)
	if err != nil {
		return "", c.abort(ctx, &stack, target, err)
	}
	jobID, err := c.speech.Submit(ctx, req)
	if err != nil {
		reason = fault.Message(err)
		return "", c.abort(ctx, &stack, target, err)
	}
	stack.Discard()

	if err := c.locker.Retag(ctx, target, grant.Version, jobID); err != nil {
		// The result may already have arrived and released the lock.
		c.logger.Warn("job id not recorded on lock", "target", target, "job_id", jobID, "error", err)
	}
	c.logger.Info("speech job submitted", "target", target, "job_id", jobID, "service", spec.ServiceName)
	c.journal.Record(ctx, activity.Entry{
		ProjectID: target.ProjectID,
		TaskID:    target.TaskID,
		Type:      activity.TypeJobSubmitted,
		Tag:       jobID,
		Summary:   fmt.Sprintf("%s/%s", spec.ServiceName, spec.Subsystem),
	})
	return jobID, nil
}

func buildBatch(spec project.JobSpec, snap *project.Snapshot, tok tokens) (*mailbox.Batch, error) {
	p := snap.Project
	if p.AudioFile == "" {
		return nil, fault.Conflict("No audio has been uploaded")
	}
	batch := &mailbox.Batch{
		Incoming: []mailbox.Incoming{{Token: tok.in, ProjectID: p.ID, TaskID: spec.TaskID, Service: spec.Service}},
	}
	if !spec.IsTask() {
		batch.Outgoing = []mailbox.Outgoing{{Token: tok.audio, ProjectID: p.ID, FilePath: p.AudioFile}}
		return batch, nil
	}

	t := snap.Task
	if t.TextFile == "" {
		return nil, fault.NotFound("This task has no text file")
	}
	text := mailbox.TaskText
	batch.Outgoing = []mailbox.Outgoing{
		{Token: tok.audio, ProjectID: p.ID, TaskID: spec.TaskID, FilePath: p.AudioFile, Range: &mailbox.Range{Start: t.Start, End: t.End}},
		{Token: tok.text, ProjectID: p.ID, TaskID: spec.TaskID, FilePath: t.TextFile, Range: &text},
	}
	return batch, nil
}

func (c *Correlator) jobRequest(spec project.JobSpec, tok tokens) (speech.JobRequest, error) {
	prefix := ProjectsPrefix
	if spec.IsTask() {
		prefix = EditorPrefix
	}
	link := func(token string) (string, error) {
		if token == "" {
			return "", nil
		}
		u, err := url.JoinPath(c.baseURL, prefix, token)
		if err != nil {
			return "", fmt.Errorf("build callback url: %w", err)
		}
		return u, nil
	}

	req := speech.JobRequest{Service: spec.ServiceName, Subsystem: spec.Subsystem, Params: spec.Params}
	var err error
	if req.GetAudio, err = link(tok.audio); err != nil {
		return req, err
	}
	if req.GetText, err = link(tok.text); err != nil {
		return req, err
	}
	if req.PutResult, err = link(tok.in); err != nil {
		return req, err
	}
	return req, nil
}

// Cancel asks the speech service to drop a job.
func (c *Correlator) Cancel(ctx context.Context, jobID string) error {
	return c.speech.Cancel(ctx, jobID)
}

// Outgoing consumes a download token and describes what to stream.
func (c *Correlator) Outgoing(ctx context.Context, token string) (*mailbox.Delivery, error) {
	out, err := c.store.ConsumeOutgoing(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fault.MethodNotAllowed("Unknown or expired download token")
	}
	if err != nil {
		return nil, fmt.Errorf("consume outgoing: %w", err)
	}
	var name string
	if p, err := c.targets.Get(ctx, out.ProjectID); err == nil {
		name = p.Name
	}
	d := mailbox.Describe(*out, name)
	c.logger.Info("outgoing delivered", "target", project.Target{ProjectID: out.ProjectID, TaskID: out.TaskID}, "mime", d.Mime)
	return &d, nil
}

// Incoming consumes a result token and applies the payload to the lock
// waiting for it. A result for a lock that has since been released, or for
// a deleted project, is dropped. A failed job still releases the lock, with
// the failure recorded as errstatus.
func (c *Correlator) Incoming(ctx context.Context, token string, payload []byte) error {
	in, err := c.store.ConsumeIncoming(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return fault.MethodNotAllowed("Unknown or expired result token")
	}
	if err != nil {
		return fmt.Errorf("consume incoming: %w", err)
	}
	c.logger.Debug("incoming result", "target", targetOf(in), "service", in.Service)

	if in.Service.TaskLevel() != (in.TaskID != nil) {
		return fmt.Errorf("incoming %s entry without matching target", in.Service)
	}
	if !gjson.ValidBytes(payload) {
		return c.fail(ctx, in, "Speech service returned an unreadable result")
	}

	if in.Service == mailbox.ServiceDiarizeProject {
		proj, err := c.targets.Get(ctx, in.ProjectID)
		if reason, ok := stale(err, in, projectLock(proj)); !ok {
			return c.drop(ctx, in, reason, err)
		}
		return c.projectResult(ctx, in, gjson.ParseBytes(payload))
	}
	task, err := c.targets.GetTask(ctx, in.ProjectID, *in.TaskID)
	if reason, ok := stale(err, in, taskLock(task)); !ok {
		return c.drop(ctx, in, reason, err)
	}
	return c.taskResult(ctx, in, task, gjson.ParseBytes(payload))
}

type lockView struct {
	held    bool
	version int64
}

func projectLock(p *project.Project) lockView {
	if p == nil {
		return lockView{}
	}
	return lockView{held: p.JobID != nil, version: p.LockVersion}
}

func taskLock(t *project.Task) lockView {
	if t == nil {
		return lockView{}
	}
	return lockView{held: t.JobID != nil, version: t.LockVersion}
}

// stale reports why an entry no longer matches its target's lock.
func stale(err error, in *mailbox.Incoming, lock lockView) (string, bool) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "target no longer exists", false
	case err != nil:
		return "target not readable", false
	case !lock.held:
		return "target no longer locked", false
	case lock.version != in.LockVersion:
		return "lock taken by a later operation", false
	default:
		return "", true
	}
}

func (c *Correlator) drop(ctx context.Context, in *mailbox.Incoming, reason string, cause error) error {
	if cause != nil && !errors.Is(cause, repository.ErrNotFound) {
		return fmt.Errorf("read %s target: %w", in.Service, cause)
	}
	c.logger.Warn("incoming result dropped", "target", targetOf(in), "service", in.Service, "reason", reason)
	c.journal.Record(ctx, activity.Entry{ProjectID: in.ProjectID, TaskID: in.TaskID, Type: activity.TypeCallbackDropped, Tag: string(in.Service), Summary: reason})
	return nil
}

// upstreamError reads a failure reported in field. A null value is a
// failure without a message; an empty string is no failure.
func upstreamError(res gjson.Result, field, nullMessage string) (string, bool) {
	v := res.Get(field)
	switch {
	case !v.Exists():
		return "", false
	case v.Type == gjson.Null:
		return nullMessage, true
	case v.String() == "":
		return "", false
	default:
		return v.String(), true
	}
}

func (c *Correlator) projectResult(ctx context.Context, in *mailbox.Incoming, res gjson.Result) error {
	ctm := res.Get("CTM")
	if !ctm.Exists() {
		msg, ok := upstreamError(res, "errstatus", "Requested speech service error!")
		if !ok {
			msg, ok = upstreamError(res, "ERROR", "Requested speech service error!")
		}
		if !ok {
			msg = "Diarization process not successful (no CTM)"
		}
		return c.fail(ctx, in, msg)
	}
	segments, err := ParseCTM(ctm.String())
	if err != nil {
		return c.fail(ctx, in, err.Error())
	}

	tasks := make([]project.Task, len(segments))
	for i, seg := range segments {
		tasks[i] = project.Task{ProjectID: in.ProjectID, TaskID: i, Speaker: seg.Speaker, Start: seg.Start, End: seg.End}
	}
	err = c.locker.Release(ctx, project.ProjectTarget(in.ProjectID), project.Release{
		Version:     in.LockVersion,
		DropMailbox: true,
		Effects:     project.Effects{ReplaceTasks: true, Tasks: tasks},
	})
	if err != nil {
		return c.effectsFailed(ctx, in, err)
	}
	c.applied(ctx, in, fmt.Sprintf("%d segments", len(tasks)))
	return nil
}

func (c *Correlator) taskResult(ctx context.Context, in *mailbox.Incoming, task *project.Task, res gjson.Result) error {
	if msg, failed := upstreamError(res, "ERROR", "Requested Speech Service Error!"); failed {
		return c.fail(ctx, in, msg)
	}
	ctm := res.Get("CTM")
	if !ctm.Exists() {
		return c.fail(ctx, in, "Speech service failed, please try manual method")
	}
	if task.TextFile == "" {
		return c.fail(ctx, in, "This task has no text file")
	}

	dir, file := filepath.Dir(task.TextFile), filepath.Base(task.TextFile)
	if err := c.vcs.Check(dir, task.CommitID); err != nil {
		return c.fail(ctx, in, err.Error())
	}
	var stack undo.Stack
	stack.Push("rollback_text", func(context.Context) error { return c.vcs.Rollback(dir, task.CommitID) })
	if err := os.WriteFile(task.TextFile, []byte(ctm.String()), 0o644); err != nil {
		return c.failUndo(ctx, in, &stack, fmt.Sprintf("Cannot write text file: %v", err))
	}
	commitID, at, err := c.vcs.Commit(dir, file, "Changes saved")
	if err != nil {
		return c.failUndo(ctx, in, &stack, err.Error())
	}

	err = c.locker.Release(ctx, targetOf(in), project.Release{
		Version:     in.LockVersion,
		DropMailbox: true,
		Effects:     project.Effects{TextCommit: &project.TextCommit{CommitID: commitID, At: at}},
	})
	if err != nil {
		if runErr := stack.Run(context.WithoutCancel(ctx), c.logger); runErr != nil {
			c.logger.Error("text not rolled back", "target", targetOf(in), "error", runErr)
		}
		return c.effectsFailed(ctx, in, err)
	}
	stack.Discard()
	c.applied(ctx, in, "text updated to "+commitID)
	return nil
}

func targetOf(in *mailbox.Incoming) project.Target {
	return project.Target{ProjectID: in.ProjectID, TaskID: in.TaskID}
}

func (c *Correlator) failUndo(ctx context.Context, in *mailbox.Incoming, stack *undo.Stack, msg string) error {
	if err := stack.Run(context.WithoutCancel(ctx), c.logger); err != nil {
		c.logger.Error("text not rolled back", "target", targetOf(in), "error", err)
	}
	return c.fail(ctx, in, msg)
}

// fail releases the lock the entry belongs to and records msg as errstatus.
func (c *Correlator) fail(ctx context.Context, in *mailbox.Incoming, msg string) error {
	err := c.locker.Release(ctx, targetOf(in), project.Release{
		Version:     in.LockVersion,
		ErrStatus:   &msg,
		DropMailbox: true,
	})
	if err != nil {
		return c.releaseFailed(ctx, in, err)
	}
	c.logger.Warn("speech job failed", "target", targetOf(in), "service", in.Service, "errstatus", msg)
	c.journal.Record(ctx, activity.Entry{ProjectID: in.ProjectID, TaskID: in.TaskID, Type: activity.TypeCallbackFailed, Tag: string(in.Service), Summary: msg})
	return nil
}

// effectsFailed handles a release that could not store the result. The
// lock is still released, without effects and with errstatus set.
func (c *Correlator) effectsFailed(ctx context.Context, in *mailbox.Incoming, err error) error {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
		return c.releaseFailed(ctx, in, err)
	}
	c.logger.Error("speech result not stored", "target", targetOf(in), "service", in.Service, "error", err)
	return c.fail(ctx, in, "Speech result could not be stored")
}

func (c *Correlator) releaseFailed(ctx context.Context, in *mailbox.Incoming, err error) error {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
		return c.drop(ctx, in, "lock released while the result was processed", nil)
	}
	return fmt.Errorf("release %s lock: %w", in.Service, err)
}

func (c *Correlator) applied(ctx context.Context, in *mailbox.Incoming, summary string) {
	c.logger.Info("speech result applied", "target", targetOf(in), "service", in.Service)
	c.journal.Record(ctx, activity.Entry{ProjectID: in.ProjectID, TaskID: in.TaskID, Type: activity.TypeCallbackApplied, Tag: string(in.Service), Summary: summary})
}

func (c *Correlator) abort(ctx context.Context, stack *undo.Stack, target project.Target, cause error) error {
	c.logger.Warn("job submission failed, compensating", "target", target, "error", cause)
	if err := stack.Run(context.WithoutCancel(ctx), c.logger); err != nil {
		c.logger.Error("compensation incomplete", "target", target, "error", err)
	}
	c.journal.Record(ctx, activity.Entry{ProjectID: target.ProjectID, TaskID: target.TaskID, Type: activity.TypeCompensated, Summary: fault.Message(cause)})
	return cause
}

func notFoundFor(target project.Target) func() error {
	if target.IsTask() {
		return project.TaskNotFound
	}
	return project.ProjectNotFound
}
