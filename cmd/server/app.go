package main

import (
	"fmt"
	"log/slog"
	"net/http"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/scribe/internal/audio"
	"github.com/rpggio/scribe/internal/config"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/editor"
	"github.com/rpggio/scribe/internal/domain/job"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/mcp"
	"github.com/rpggio/scribe/internal/repository"
	"github.com/rpggio/scribe/internal/speech"
	"github.com/rpggio/scribe/internal/sqlite"
	"github.com/rpggio/scribe/internal/storage"
	"github.com/rpggio/scribe/internal/transport"
	"github.com/rpggio/scribe/internal/vcs"
)

// Commits of task text are authored by the server.
const (
	commitAuthor = "scribe"
	commitEmail  = "scribe@localhost"
)

// app holds the wired services of one process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sqlite.DB
	apiKeys  repository.APIKeyRepository
	speech   *speech.Client
	jobs     *job.Correlator
	projects *project.Service
	editor   *editor.Service
	activity *activity.Service
	splitter audio.Splitter
}

// openDB opens the database and applies the embedded migrations.
func openDB(path string) (*sqlite.DB, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	db, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(cfg.DB.Path)
	if err != nil {
		return nil, err
	}

	projectRepo := sqlite.NewProjectRepository(db)
	locker := sqlite.NewLocker(db)
	mailboxRepo := sqlite.NewMailboxRepository(db)
	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), logger)
	git := vcs.New(commitAuthor, commitEmail)
	layout := storage.Layout{Root: cfg.Storage.Root}

	speechClient := speech.New(speech.Config{
		BaseURL:  cfg.Speech.URL,
		Username: cfg.Speech.Username,
		Password: cfg.Speech.Password,
		Paths:    speechPaths(cfg.Speech.Paths),
		RetryMax: cfg.Speech.RetryMax,
		Timeout:  cfg.Speech.Timeout,
	}, logger)

	jobs := job.New(job.Dependencies{
		Locker:  locker,
		Targets: projectRepo,
		Store:   mailboxRepo,
		Speech:  speechClient,
		VCS:     git,
		Journal: activitySvc,
	}, cfg.Server.BaseURL, logger)

	projectSvc := project.NewService(project.Dependencies{
		Repo:    projectRepo,
		Locker:  locker,
		Jobs:    jobs,
		VCS:     git,
		Prober:  audio.Soxi{Bin: cfg.Tools.Soxi},
		Layout:  layout,
		Journal: activitySvc,
	}, project.Settings{
		Categories:       cfg.Categories,
		Languages:        cfg.Languages,
		DiarizeService:   cfg.Services.DiarizeProject.Name,
		DiarizeSubsystem: cfg.Services.DiarizeProject.Subsystem,
		SegmentNo:        cfg.Services.DiarizeProject.SegmentNo,
	}, logger)

	editorSvc := editor.NewService(editor.Dependencies{
		Repo:      projectRepo,
		Locker:    locker,
		Jobs:      jobs,
		VCS:       git,
		Catalogue: speechClient,
		Assembler: audio.Pandoc{Bin: cfg.Tools.Pandoc, Dir: layout.DocumentDir()},
		Downloads: mailboxRepo,
		Journal:   activitySvc,
	}, editorSettings(cfg), logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		apiKeys:  sqlite.NewAPIKeyRepository(db),
		speech:   speechClient,
		jobs:     jobs,
		projects: projectSvc,
		editor:   editorSvc,
		activity: activitySvc,
		splitter: audio.Splitter{Bin: cfg.Tools.Splitter, TempDir: cfg.Tools.TempDir},
	}, nil
}

func speechPaths(p config.SpeechPaths) speech.Paths {
	if p == (config.SpeechPaths{}) {
		return speech.DefaultPaths
	}
	out := speech.DefaultPaths
	for _, o := range []struct {
		dst *string
		src string
	}{
		{&out.Login, p.Login},
		{&out.Logout, p.Logout},
		{&out.Logout2, p.Logout2},
		{&out.Discover, p.Discover},
		{&out.Add, p.Add},
		{&out.Delete, p.Delete},
	} {
		if o.src != "" {
			*o.dst = o.src
		}
	}
	return out
}

func editorSettings(cfg config.Config) editor.Settings {
	svc := cfg.Services
	return editor.Settings{
		Languages: cfg.Languages,
		Services: map[string]string{
			"diarize":   svc.Diarize.Name,
			"recognize": svc.Recognize.Name,
			"align":     svc.Align.Name,
		},
		Subsystems: map[string]map[string]string{
			"diarize":   svc.Diarize.Subsystems,
			"recognize": svc.Recognize.Subsystems,
			"align":     svc.Align.Subsystems,
		},
	}
}

// mcpServer builds the operator tool server.
func (a *app) mcpServer(mode string) *sdkmcp.Server {
	return mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Projects: a.projects,
			Tasks:    a.editor,
			Activity: a.activity,
		},
		Resolver:      a.apiKeys,
		AuthEnabled:   a.cfg.Auth.Enabled,
		DefaultUser:   a.cfg.Auth.User,
		TransportMode: mode,
		Logger:        a.logger,
	})
}

// handler builds the HTTP API, with the operator endpoint mounted at /mcp
// when enabled.
func (a *app) handler() http.Handler {
	auth := transport.AuthMiddleware(a.apiKeys)
	if !a.cfg.Auth.Enabled {
		auth = transport.StaticUser(a.cfg.Auth.User)
	}
	router := transport.NewServer(transport.Services{
		Projects: a.projects,
		Editor:   a.editor,
		Mailbox:  a.jobs,
		Splitter: a.splitter,
	}, transport.Options{
		Auth:      auth,
		MaxUpload: a.cfg.Server.MaxUpload,
		Logger:    a.logger,
	})

	if a.cfg.MCP.Enabled && a.cfg.MCP.Mode == "http" {
		server := a.mcpServer("http")
		mcpHandler := sdkmcp.NewStreamableHTTPHandler(
			func(*http.Request) *sdkmcp.Server { return server },
			nil,
		)
		router.Handle("/mcp", mcpHandler)
		router.Handle("/mcp/*", mcpHandler)
	}
	return router
}

func (a *app) Close() error {
	return a.db.Close()
}
