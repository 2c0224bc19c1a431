package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rpggio/scribe/internal/domain/editor"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
)

// ProjectService defines project operations served over HTTP.
type ProjectService interface {
	Categories() []string
	Languages() []string
	Create(ctx context.Context, user string, req project.CreateRequest) (*project.Project, error)
	ListProjects(ctx context.Context, user string) ([]project.Project, error)
	ListCreated(ctx context.Context, user string) ([]project.Project, error)
	Load(ctx context.Context, id string) (*project.Loaded, error)
	Save(ctx context.Context, req project.SaveRequest) error
	AssignTasks(ctx context.Context, req project.AssignRequest) error
	UploadAudio(ctx context.Context, user string, req project.UploadRequest) error
	GetAudio(ctx context.Context, id string) (string, error)
	DiarizeAudio(ctx context.Context, req project.DiarizeRequest) (string, error)
	UnlockProject(ctx context.Context, id string) (string, error)
	Update(ctx context.Context, req project.UpdateRequest) error
	Delete(ctx context.Context, id string, force bool) error
	ClearError(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*project.Status, error)
}

// EditorService defines task editing operations served over HTTP.
type EditorService interface {
	Languages() []string
	LoadTasks(ctx context.Context, user string) (*editor.TaskLists, error)
	LoadTask(ctx context.Context, projectID string, taskID int) (*project.Task, error)
	GetAudio(ctx context.Context, projectID string, taskID int) (*editor.AudioSegment, error)
	GetText(ctx context.Context, projectID string, taskID int) (string, error)
	SaveText(ctx context.Context, projectID string, taskID int, text string) error
	RevertText(ctx context.Context, projectID string, taskID int, commitID string) error
	SpeechSubsystems(ctx context.Context, service string) ([]string, error)
	Diarize(ctx context.Context, req editor.SpeechRequest) (string, error)
	Recognize(ctx context.Context, req editor.SpeechRequest) (string, error)
	Align(ctx context.Context, req editor.SpeechRequest) (string, error)
	TaskDone(ctx context.Context, projectID string, taskID int) error
	ReassignTask(ctx context.Context, projectID string, taskID int) error
	UpdateLanguage(ctx context.Context, projectID string, taskID int, language string) error
	UnlockTask(ctx context.Context, projectID string, taskID int) (string, error)
	ClearError(ctx context.Context, projectID string, taskID int) error
	BuildDocument(ctx context.Context, projectID string) (string, error)
}

// Mailbox resolves single-use download and callback tokens.
type Mailbox interface {
	Outgoing(ctx context.Context, token string) (*mailbox.Delivery, error)
	Incoming(ctx context.Context, token string, payload []byte) error
}

// Splitter cuts a time range out of an audio file into a temporary file.
type Splitter interface {
	Segment(ctx context.Context, path string, start, end float64) (string, error)
}

// Services contains everything the HTTP boundary dispatches to.
type Services struct {
	Projects ProjectService
	Editor   EditorService
	Mailbox  Mailbox
	Splitter Splitter
}

// Options tune the HTTP server.
type Options struct {
	// Auth authenticates API routes. Mailbox routes are reached by the
	// speech service and are guarded by their tokens instead.
	Auth      func(http.Handler) http.Handler
	MaxUpload int64
	// MaxResult bounds speech service results; zero means maxBody.
	MaxResult int64
	Logger    *slog.Logger
}

// Server wires HTTP handlers.
type Server struct {
	svc       Services
	maxUpload int64
	maxResult int64
	logger    *slog.Logger
}

// NewServer creates an HTTP server router with middleware.
func NewServer(svc Services, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxUpload := opts.MaxUpload
	if maxUpload <= 0 {
		maxUpload = 2 << 30
	}
	maxResult := opts.MaxResult
	if maxResult <= 0 {
		maxResult = maxBody
	}
	srv := &Server{svc: svc, maxUpload: maxUpload, maxResult: maxResult, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(allowCrossOrigin)

	r.Get("/health", srv.handleHealth)

	r.Route("/projects", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(opts.Auth)
			}
			srv.projectRoutes(r)
		})
		r.Get("/{token}", srv.handleOutgoing)
		r.Put("/{token}", srv.handleIncoming)
	})

	r.Route("/editor", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(opts.Auth)
			}
			srv.editorRoutes(r)
		})
		r.Get("/{token}", srv.handleOutgoing)
		r.Put("/{token}", srv.handleIncoming)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handle adapts a service call to an http.HandlerFunc.
func (s *Server) handle(fn func(r *http.Request, user string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		result, err := fn(r, user)
		if err != nil {
			fail(w, s.logger, r, err)
			return
		}
		writeResult(w, result)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// allowCrossOrigin lets browser editors on other origins call the API.
func allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, PUT, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
