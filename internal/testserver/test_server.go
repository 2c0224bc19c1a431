// Package testserver runs the HTTP API over a real database, storage tree
// and git repositories, with the speech service and the audio tools faked.
package testserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rpggio/scribe/internal/audio"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/editor"
	"github.com/rpggio/scribe/internal/domain/job"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/speech"
	"github.com/rpggio/scribe/internal/sqlite"
	"github.com/rpggio/scribe/internal/storage"
	"github.com/rpggio/scribe/internal/transport"
	"github.com/rpggio/scribe/internal/vcs"
	"github.com/stretchr/testify/require"
)

type TestServer struct {
	Server   *httptest.Server
	DB       *sqlite.DB
	Token    string
	User     string
	Root     string
	Speech   *FakeSpeech
	Activity *activity.Service
}

func New(t *testing.T, token, user string) *TestServer {
	t.Helper()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	root := t.TempDir()
	layout := storage.Layout{Root: root}
	projectRepo := sqlite.NewProjectRepository(db)
	locker := sqlite.NewLocker(db)
	mailboxRepo := sqlite.NewMailboxRepository(db)
	apiKeys := sqlite.NewAPIKeyRepository(db)
	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), nil)
	git := vcs.New("scribe", "scribe@localhost")
	fake := &FakeSpeech{Systems: map[string][]string{"asr": {"en_ZA_16000", "af_ZA_16000"}}}

	// The correlator needs the server URL for its callback links.
	var handler http.Handler
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))

	jobs := job.New(job.Dependencies{
		Locker:  locker,
		Targets: projectRepo,
		Store:   mailboxRepo,
		Speech:  fake,
		VCS:     git,
		Journal: activitySvc,
	}, server.URL, nil)

	projectSvc := project.NewService(project.Dependencies{
		Repo:    projectRepo,
		Locker:  locker,
		Jobs:    jobs,
		VCS:     git,
		Prober:  MonoProber{Duration: 10},
		Layout:  layout,
		Journal: activitySvc,
	}, project.Settings{
		Categories:       []string{"hansard", "interview"},
		Languages:        []string{"English", "Afrikaans"},
		DiarizeService:   "diarize",
		DiarizeSubsystem: "default",
	}, nil)

	editorSvc := editor.NewService(editor.Dependencies{
		Repo:      projectRepo,
		Locker:    locker,
		Jobs:      jobs,
		VCS:       git,
		Catalogue: fake,
		Assembler: CopyAssembler{Dir: layout.DocumentDir()},
		Downloads: mailboxRepo,
		Journal:   activitySvc,
	}, editor.Settings{
		Languages: []string{"English", "Afrikaans"},
		Services:  map[string]string{"diarize": "diarize", "recognize": "asr", "align": "align"},
		Subsystems: map[string]map[string]string{
			"recognize": {"English": "en_ZA_16000", "Afrikaans": "af_ZA_16000"},
			"align":     {"English": "en_ZA_16000"},
		},
	}, nil)

	handler = transport.NewServer(transport.Services{
		Projects: projectSvc,
		Editor:   editorSvc,
		Mailbox:  jobs,
		Splitter: CopySplitter{Dir: t.TempDir()},
	}, transport.Options{Auth: transport.AuthMiddleware(apiKeys)})

	ts := &TestServer{
		Server:   server,
		DB:       db,
		Token:    token,
		User:     user,
		Root:     root,
		Speech:   fake,
		Activity: activitySvc,
	}
	require.NoError(t, ts.AddAPIKey(token, user))

	t.Cleanup(func() {
		server.Close()
		_ = db.Close()
	})

	return ts
}

func (ts *TestServer) AddAPIKey(token, user string) error {
	return sqlite.NewAPIKeyRepository(ts.DB).Add(context.Background(), token, user, "test")
}

// FakeSpeech records submitted jobs in place of the speech service.
type FakeSpeech struct {
	Systems map[string][]string

	mu        sync.Mutex
	jobs      []speech.JobRequest
	cancelled []string
}

func (f *FakeSpeech) Submit(_ context.Context, req speech.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, req)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func (f *FakeSpeech) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *FakeSpeech) Subsystems(_ context.Context, service string) ([]string, error) {
	systems, ok := f.Systems[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %s", service)
	}
	return systems, nil
}

// Jobs returns the submitted jobs in order.
func (f *FakeSpeech) Jobs() []speech.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]speech.JobRequest(nil), f.jobs...)
}

// Cancelled returns the ids of cancelled jobs.
func (f *FakeSpeech) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// MonoProber accepts any file as single channel Ogg Vorbis.
type MonoProber struct {
	Duration float64
}

func (p MonoProber) Probe(_ context.Context, path string) (audio.Info, error) {
	if _, err := os.Stat(path); err != nil {
		return audio.Info{}, err
	}
	return audio.Info{Duration: p.Duration, Channels: 1, Type: "Ogg", Encoding: "Vorbis"}, nil
}

// CopySplitter returns a copy of the whole file as the segment.
type CopySplitter struct {
	Dir string
}

func (s CopySplitter) Segment(_ context.Context, path string, start, end float64) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.Dir, "segment-*.ogg")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%.2f-%.2f:%s", start, end, data)
	return f.Name(), err
}

// CopyAssembler stores the assembled HTML unchanged.
type CopyAssembler struct {
	Dir string
}

func (a CopyAssembler) Assemble(_ context.Context, html []byte) (string, error) {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(a.Dir, "document-*.docx")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = f.Write(html)
	return filepath.Clean(f.Name()), err
}
