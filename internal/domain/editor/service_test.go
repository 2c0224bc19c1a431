package editor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/scribe/internal/domain/editor"
	"github.com/rpggio/scribe/internal/domain/job"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/rpggio/scribe/internal/repository/mocks"
	"github.com/rpggio/scribe/internal/speech"
	"github.com/rpggio/scribe/internal/sqlite"
	"github.com/rpggio/scribe/internal/storage"
	"github.com/rpggio/scribe/internal/vcs"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeSpeech struct {
	mu        sync.Mutex
	requests  []speech.JobRequest
	cancelled []string
}

func (f *fakeSpeech) Submit(_ context.Context, req speech.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return fmt.Sprintf("job-%d", len(f.requests)), nil
}

func (f *fakeSpeech) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fixture struct {
	repo      *sqlite.ProjectRepository
	locker    *sqlite.Locker
	mailbox   *sqlite.MailboxRepository
	speech    *fakeSpeech
	catalogue *mocks.Catalogue
	assembler *mocks.Assembler
	git       *vcs.Git
	svc       *editor.Service
	root      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		repo:      sqlite.NewProjectRepository(db),
		locker:    sqlite.NewLocker(db),
		mailbox:   sqlite.NewMailboxRepository(db),
		speech:    &fakeSpeech{},
		catalogue: &mocks.Catalogue{},
		assembler: &mocks.Assembler{},
		git:       vcs.New("scribe", "scribe@localhost"),
		root:      t.TempDir(),
	}
	jobs := job.New(job.Dependencies{
		Locker:  f.locker,
		Targets: f.repo,
		Store:   f.mailbox,
		Speech:  f.speech,
		VCS:     f.git,
	}, "http://app.test", nil)

	f.svc = editor.NewService(editor.Dependencies{
		Repo:      f.repo,
		Locker:    f.locker,
		Jobs:      jobs,
		VCS:       f.git,
		Catalogue: f.catalogue,
		Assembler: f.assembler,
		Downloads: f.mailbox,
	}, editor.Settings{
		Languages: []string{"English", "Afrikaans"},
		Services:  map[string]string{"diarize": "diarize", "recognize": "asr", "align": "align"},
		Subsystems: map[string]map[string]string{
			"recognize": {"English": "en_ZA_16000"},
			"align":     {"English": "en_ZA_16000"},
		},
	}, nil)
	return f
}

// assignedProject creates an assigned project whose tasks cover spans,
// edited by bob and collated by carol.
func (f *fixture) assignedProject(t *testing.T, spans ...[2]float64) *project.Project {
	t.Helper()
	ctx := context.Background()
	proj := &project.Project{
		Name:           "Parliament",
		Category:       "hansard",
		Creator:        "alice",
		ProjectManager: "alice",
		Year:           2024,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, f.repo.Create(ctx, proj, project.NewID))

	audio := filepath.Join(f.root, proj.ID, "audio.ogg")
	require.NoError(t, os.MkdirAll(filepath.Dir(audio), 0o755))
	require.NoError(t, os.WriteFile(audio, []byte("OggS"), 0o644))
	duration := spans[len(spans)-1][1]

	target := project.ProjectTarget(proj.ID)
	grant, err := f.locker.Acquire(ctx, project.LockRequest{Target: target, Tag: project.OpUploadAudio})
	require.NoError(t, err)
	require.NoError(t, f.locker.Release(ctx, target, project.Release{
		Version: grant.Version,
		Effects: project.Effects{Project: &project.ProjectUpdate{AudioFile: &audio, AudioDuration: &duration}},
	}))

	tasks := make([]project.Task, len(spans))
	for i, s := range spans {
		tasks[i] = project.Task{TaskID: i, Editor: "bob", Editing: "bob", Speaker: "A", Start: s[0], End: s[1], Language: "English"}
	}
	require.NoError(t, f.repo.SaveTasks(ctx, proj.ID, project.ProjectUpdate{}, tasks, nil))

	grant, err = f.locker.Acquire(ctx, project.LockRequest{Target: target, Tag: project.OpAssignTasks})
	require.NoError(t, err)
	var files []project.TaskFile
	for _, task := range tasks {
		dir := storage.TaskDir(audio, task.TaskID)
		require.NoError(t, os.Mkdir(dir, 0o755))
		require.NoError(t, f.git.Init(dir))
		require.NoError(t, os.WriteFile(storage.TextPath(dir), nil, 0o644))
		id, at, err := f.git.Commit(dir, storage.TextName, "task assigned")
		require.NoError(t, err)
		files = append(files, project.TaskFile{TaskID: task.TaskID, TextFile: storage.TextPath(dir), CommitID: id, At: at})
	}
	assigned, collator := true, "carol"
	require.NoError(t, f.locker.Release(ctx, target, project.Release{
		Version: grant.Version,
		Effects: project.Effects{Project: &project.ProjectUpdate{Assigned: &assigned, Collator: &collator}, TaskFiles: files},
	}))

	proj, err = f.repo.Get(ctx, proj.ID)
	require.NoError(t, err)
	return proj
}

func (f *fixture) task(t *testing.T, projectID string, taskID int) *project.Task {
	t.Helper()
	task, err := f.repo.GetTask(context.Background(), projectID, taskID)
	require.NoError(t, err)
	return task
}

func TestEditorService_LoadTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assignedProject(t, [2]float64{0, 2}, [2]float64{2, 5})

	lists, err := f.svc.LoadTasks(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, lists.Editor, 2)
	require.Empty(t, lists.Collator)
	require.Equal(t, "Parliament", lists.Editor[0].ProjectName)

	lists, err = f.svc.LoadTasks(ctx, "carol")
	require.NoError(t, err)
	require.Empty(t, lists.Editor)
	require.Len(t, lists.Collator, 2)
}

func TestEditorService_GetAudio(t *testing.T) {
	f := newFixture(t)
	proj := f.assignedProject(t, [2]float64{0, 2}, [2]float64{2, 5})

	seg, err := f.svc.GetAudio(context.Background(), proj.ID, 1)
	require.NoError(t, err)
	require.Equal(t, proj.AudioFile, seg.Path)
	require.Equal(t, mailbox.Range{Start: 2, End: 5}, seg.Range)
	require.Equal(t, mailbox.MimeAudio, seg.Mime)

	require.NoError(t, os.Remove(proj.AudioFile))
	_, err = f.svc.GetAudio(context.Background(), proj.ID, 1)
	require.ErrorIs(t, err, fault.ErrNotFound)
	require.Equal(t, "Cannot find audio file uploaded to project", fault.Message(err))
}

func TestEditorService_SaveText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})
	before := f.task(t, proj.ID, 0)

	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 0, "<p>hello</p>"))

	after := f.task(t, proj.ID, 0)
	require.Nil(t, after.JobID)
	require.Nil(t, after.ErrStatus)
	require.NotEqual(t, before.CommitID, after.CommitID)
	require.NoError(t, f.git.Check(filepath.Dir(after.TextFile), after.CommitID))

	text, err := f.svc.GetText(ctx, proj.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "<p>hello</p>", text)
}

func TestEditorService_SaveTextFailureRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})
	task := f.task(t, proj.ID, 0)
	require.NoError(t, os.WriteFile(task.TextFile, []byte("written outside the editor"), 0o644))

	err := f.svc.SaveText(ctx, proj.ID, 0, "<p>hello</p>")
	require.True(t, vcs.IsReason(err, vcs.ReasonUncommitted), "got %v", err)

	after := f.task(t, proj.ID, 0)
	require.Nil(t, after.JobID)
	require.NotNil(t, after.ErrStatus)

	_, err = f.svc.LoadTask(ctx, proj.ID, 0)
	require.ErrorIs(t, err, fault.ErrPreviousJob)

	require.NoError(t, f.svc.ClearError(ctx, proj.ID, 0))
	loaded, err := f.svc.LoadTask(ctx, proj.ID, 0)
	require.NoError(t, err)
	require.Nil(t, loaded.ErrStatus)
}

func TestEditorService_RevertText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})

	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 0, "draft one"))
	first := f.task(t, proj.ID, 0).CommitID
	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 0, "draft two"))

	require.NoError(t, f.svc.RevertText(ctx, proj.ID, 0, first))
	text, err := f.svc.GetText(ctx, proj.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "draft one", text)
	require.NotEqual(t, first, f.task(t, proj.ID, 0).CommitID)

	require.ErrorIs(t, f.svc.RevertText(ctx, proj.ID, 0, ""), fault.ErrBadRequest)
}

func TestEditorService_ConcurrentSavesSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})

	var g errgroup.Group
	for i := range 4 {
		g.Go(func() error {
			err := f.svc.SaveText(ctx, proj.ID, 0, fmt.Sprintf("version %d", i))
			if err != nil && !errors.Is(err, fault.ErrConflict) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	task := f.task(t, proj.ID, 0)
	require.Nil(t, task.JobID)
	require.Nil(t, task.ErrStatus)
	require.NoError(t, f.git.Check(filepath.Dir(task.TextFile), task.CommitID))
}

func TestEditorService_DiarizeRequiresEmptyText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})
	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 0, "already typed"))

	_, err := f.svc.Diarize(ctx, editor.SpeechRequest{ProjectID: proj.ID, TaskID: 0})
	require.ErrorIs(t, err, fault.ErrBadRequest)
	require.Equal(t, "Cannot run diarize since the document is not empty!", fault.Message(err))
	require.Empty(t, f.speech.requests)

	task := f.task(t, proj.ID, 0)
	require.Nil(t, task.JobID)
	require.Nil(t, task.ErrStatus)
}

func TestEditorService_DiarizeDefaultsSubsystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})

	jobID, err := f.svc.Diarize(ctx, editor.SpeechRequest{ProjectID: proj.ID, TaskID: 0})
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)
	require.Equal(t, "default", f.speech.requests[0].Subsystem)
	require.Equal(t, "diarize", f.speech.requests[0].Service)
	require.Equal(t, jobID, *f.task(t, proj.ID, 0).JobID)
}

func TestEditorService_AlignRequiresText(t *testing.T) {
	f := newFixture(t)
	proj := f.assignedProject(t, [2]float64{0, 5})

	_, err := f.svc.Align(context.Background(), editor.SpeechRequest{ProjectID: proj.ID, TaskID: 0})
	require.ErrorIs(t, err, fault.ErrBadRequest)
	require.Equal(t, "Cannot run alignment since the document is empty!", fault.Message(err))
}

func TestEditorService_RecognizeAndUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 2}, [2]float64{2, 5})

	jobID, err := f.svc.Recognize(ctx, editor.SpeechRequest{ProjectID: proj.ID, TaskID: 1})
	require.NoError(t, err)
	req := f.speech.requests[0]
	require.Equal(t, "asr", req.Service)
	require.Equal(t, "en_ZA_16000", req.Subsystem)

	err = f.svc.SaveText(ctx, proj.ID, 1, "typing over a running job")
	require.ErrorIs(t, err, fault.ErrConflict)

	// The other task is unaffected.
	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 0, "task zero"))

	msg, err := f.svc.UnlockTask(ctx, proj.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "Speech job cancelled", msg)
	require.Equal(t, []string{jobID}, f.speech.cancelled)

	task := f.task(t, proj.ID, 1)
	require.Nil(t, task.JobID)
	require.Equal(t, project.OpRecognizeTask, *task.ErrStatus)

	_, err = f.svc.UnlockTask(ctx, proj.ID, 1)
	require.ErrorIs(t, err, fault.ErrNotFound)
	require.Equal(t, "No Job has been specified", fault.Message(err))
}

func TestEditorService_RecognizeLanguageResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})

	_, err := f.svc.Recognize(ctx, editor.SpeechRequest{ProjectID: proj.ID, TaskID: 0, Language: "Afrikaans"})
	require.ErrorIs(t, err, fault.ErrNotFound)
	require.Equal(t, "Language not supported by speech server!", fault.Message(err))

	_, err = f.svc.Recognize(ctx, editor.SpeechRequest{ProjectID: proj.ID, TaskID: 0, Subsystem: "af_ZA_16000"})
	require.NoError(t, err)
	require.Equal(t, "af_ZA_16000", f.speech.requests[0].Subsystem)
}

func TestEditorService_TaskDoneAndReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})

	require.NoError(t, f.svc.TaskDone(ctx, proj.ID, 0))
	task := f.task(t, proj.ID, 0)
	require.Equal(t, "carol", task.Editing)
	require.NotNil(t, task.CompletedAt)

	require.NoError(t, f.svc.ReassignTask(ctx, proj.ID, 0))
	task = f.task(t, proj.ID, 0)
	require.Equal(t, "bob", task.Editing)
	require.Nil(t, task.CompletedAt)
}

func TestEditorService_UpdateLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 5})

	err := f.svc.UpdateLanguage(ctx, proj.ID, 0, "Klingon")
	require.ErrorIs(t, err, fault.ErrNotFound)

	require.NoError(t, f.svc.UpdateLanguage(ctx, proj.ID, 0, "Afrikaans"))
	require.Equal(t, "Afrikaans", f.task(t, proj.ID, 0).Language)
}

func TestEditorService_BuildDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := f.assignedProject(t, [2]float64{0, 2}, [2]float64{2, 5})
	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 0, "<p>first</p>"))
	require.NoError(t, f.svc.SaveText(ctx, proj.ID, 1, "<p>second</p>"))

	doc := filepath.Join(t.TempDir(), "out.docx")
	f.assembler.On("Assemble", mock.Anything, []byte("<p>first</p>\n<p>second</p>")).Return(doc, nil)

	token, err := f.svc.BuildDocument(ctx, proj.ID)
	require.NoError(t, err)
	f.assembler.AssertExpectations(t)

	out, err := f.mailbox.ConsumeOutgoing(ctx, token)
	require.NoError(t, err)
	require.Equal(t, doc, out.FilePath)
	require.Equal(t, mailbox.WholeDocument, *out.Range)
	require.True(t, mailbox.Describe(*out, proj.Name).DeleteAfter)

	_, err = f.svc.BuildDocument(ctx, "p-missing")
	require.ErrorIs(t, err, fault.ErrNotFound)
}

func TestEditorService_SpeechSubsystems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalogue.On("Subsystems", ctx, "asr").Return([]string{"en_ZA_16000"}, nil)

	systems, err := f.svc.SpeechSubsystems(ctx, "recognize")
	require.NoError(t, err)
	require.Equal(t, []string{"en_ZA_16000"}, systems)

	_, err = f.svc.SpeechSubsystems(ctx, "translate")
	require.ErrorIs(t, err, fault.ErrNotFound)
}
