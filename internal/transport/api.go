package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rpggio/scribe/internal/domain/editor"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/fault"
)

type projectRef struct {
	ProjectID string `json:"projectid"`
	Force     bool   `json:"force,omitempty"`
}

func (r projectRef) validate() error {
	return need("projectid", r.ProjectID != "")
}

type taskRef struct {
	ProjectID string `json:"projectid"`
	TaskID    *int   `json:"taskid"`
	Text      string `json:"text,omitempty"`
	CommitID  string `json:"commitid,omitempty"`
	Language  string `json:"language,omitempty"`
	Subsystem string `json:"subsystem,omitempty"`
}

func (r taskRef) validate() error {
	if err := need("projectid", r.ProjectID != ""); err != nil {
		return err
	}
	return need("taskid", r.TaskID != nil)
}

func need(name string, present bool) error {
	if !present {
		return fault.BadRequest("missing parameter in request body: %s", name)
	}
	return nil
}

// bind decodes the request body into a T.
func bind[T any](r *http.Request) (T, error) {
	var v T
	err := decode(r, &v)
	return v, err
}

func bindProject(r *http.Request) (projectRef, error) {
	ref, err := bind[projectRef](r)
	if err != nil {
		return ref, err
	}
	return ref, ref.validate()
}

func bindTask(r *http.Request) (taskRef, error) {
	ref, err := bind[taskRef](r)
	if err != nil {
		return ref, err
	}
	return ref, ref.validate()
}

func (s *Server) projectRoutes(r chi.Router) {
	p := s.svc.Projects

	r.Post("/list_categories", s.handle(func(*http.Request, string) (any, error) {
		return map[string]any{"categories": p.Categories()}, nil
	}))
	r.Post("/list_languages", s.handle(func(*http.Request, string) (any, error) {
		return map[string]any{"languages": p.Languages()}, nil
	}))
	r.Post("/create_project", s.handle(func(r *http.Request, user string) (any, error) {
		req, err := bind[project.CreateRequest](r)
		if err != nil {
			return nil, err
		}
		proj, err := p.Create(r.Context(), user, req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"projectid": proj.ID}, nil
	}))
	r.Post("/list_projects", s.handle(func(r *http.Request, user string) (any, error) {
		list, err := p.ListProjects(r.Context(), user)
		return projectList(list), err
	}))
	r.Post("/list_created_projects", s.handle(func(r *http.Request, user string) (any, error) {
		list, err := p.ListCreated(r.Context(), user)
		return projectList(list), err
	}))
	r.Post("/load_project", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindProject(r)
		if err != nil {
			return nil, err
		}
		return p.Load(r.Context(), ref.ProjectID)
	}))
	r.Post("/save_project", s.handle(func(r *http.Request, _ string) (any, error) {
		req, err := bind[project.SaveRequest](r)
		if err != nil {
			return nil, err
		}
		if err := need("projectid", req.ProjectID != ""); err != nil {
			return nil, err
		}
		if err := need("tasks", req.Tasks != nil); err != nil {
			return nil, err
		}
		return "Tasks created!", p.Save(r.Context(), req)
	}))
	r.Post("/assign_tasks", s.handle(func(r *http.Request, _ string) (any, error) {
		req, err := bind[project.AssignRequest](r)
		if err != nil {
			return nil, err
		}
		if err := need("projectid", req.ProjectID != ""); err != nil {
			return nil, err
		}
		return "Project tasks assigned!", p.AssignTasks(r.Context(), req)
	}))
	r.Post("/update_project", s.handle(func(r *http.Request, _ string) (any, error) {
		req, err := bind[project.UpdateRequest](r)
		if err != nil {
			return nil, err
		}
		if err := need("projectid", req.ProjectID != ""); err != nil {
			return nil, err
		}
		return "Project updated!", p.Update(r.Context(), req)
	}))
	r.Post("/unlock_project", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindProject(r)
		if err != nil {
			return nil, err
		}
		return p.UnlockProject(r.Context(), ref.ProjectID)
	}))
	r.Post("/delete_project", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindProject(r)
		if err != nil {
			return nil, err
		}
		return "Project deleted!", p.Delete(r.Context(), ref.ProjectID, ref.Force)
	}))
	r.With(limitBody(s.maxUpload)).Post("/upload_audio", s.handle(s.uploadAudio))
	r.Get("/get_audio", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("projectid")
		if err := need("projectid", id != ""); err != nil {
			fail(w, s.logger, r, err)
			return
		}
		path, err := p.GetAudio(r.Context(), id)
		if err != nil {
			fail(w, s.logger, r, err)
			return
		}
		s.deliver(w, r, &mailbox.Delivery{Mime: mailbox.MimeAudio, Path: path})
	})
	r.Post("/diarize_audio", s.handle(func(r *http.Request, _ string) (any, error) {
		req, err := bind[project.DiarizeRequest](r)
		if err != nil {
			return nil, err
		}
		if err := need("projectid", req.ProjectID != ""); err != nil {
			return nil, err
		}
		if _, err := p.DiarizeAudio(r.Context(), req); err != nil {
			return nil, err
		}
		return "Diarize request successful!", nil
	}))
	r.Post("/clear_error", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindProject(r)
		if err != nil {
			return nil, err
		}
		return "Project Error Status Cleared!", p.ClearError(r.Context(), ref.ProjectID)
	}))
	r.Post("/project_status", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindProject(r)
		if err != nil {
			return nil, err
		}
		return p.Status(r.Context(), ref.ProjectID)
	}))
}

func projectList(list []project.Project) map[string]any {
	if list == nil {
		list = []project.Project{}
	}
	return map[string]any{"projects": list}
}

func (s *Server) uploadAudio(r *http.Request, user string) (any, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, err, "Expected a multipart form with the audio file")
	}
	defer r.MultipartForm.RemoveAll()
	id := r.FormValue("projectid")
	if err := need("projectid", id != ""); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, err, "missing parameter in request body: file")
	}
	defer file.Close()

	req := project.UploadRequest{ProjectID: id, Audio: file}
	if err := s.svc.Projects.UploadAudio(r.Context(), user, req); err != nil {
		return nil, err
	}
	return "Audio Saved!", nil
}

func (s *Server) editorRoutes(r chi.Router) {
	e := s.svc.Editor

	// task wraps an operation on one task that answers with a fixed message.
	task := func(msg string, fn func(r *http.Request, ref taskRef) error) http.HandlerFunc {
		return s.handle(func(r *http.Request, _ string) (any, error) {
			ref, err := bindTask(r)
			if err != nil {
				return nil, err
			}
			return msg, fn(r, ref)
		})
	}
	speech := func(fn func(r *http.Request, req editor.SpeechRequest) (string, error)) http.HandlerFunc {
		return s.handle(func(r *http.Request, _ string) (any, error) {
			ref, err := bindTask(r)
			if err != nil {
				return nil, err
			}
			req := editor.SpeechRequest{
				ProjectID: ref.ProjectID,
				TaskID:    *ref.TaskID,
				Subsystem: ref.Subsystem,
				Language:  ref.Language,
			}
			if _, err := fn(r, req); err != nil {
				return nil, err
			}
			return "Request successful!", nil
		})
	}

	r.Post("/list_languages", s.handle(func(*http.Request, string) (any, error) {
		return map[string]any{"languages": e.Languages()}, nil
	}))
	r.Post("/load_tasks", s.handle(func(r *http.Request, user string) (any, error) {
		return e.LoadTasks(r.Context(), user)
	}))
	r.Post("/load_task", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindTask(r)
		if err != nil {
			return nil, err
		}
		return e.LoadTask(r.Context(), ref.ProjectID, *ref.TaskID)
	}))
	r.Get("/get_audio", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		id := q.Get("projectid")
		taskID, convErr := strconv.Atoi(q.Get("taskid"))
		if err := need("projectid", id != ""); err != nil {
			fail(w, s.logger, r, err)
			return
		}
		if err := need("taskid", convErr == nil); err != nil {
			fail(w, s.logger, r, err)
			return
		}
		seg, err := e.GetAudio(r.Context(), id, taskID)
		if err != nil {
			fail(w, s.logger, r, err)
			return
		}
		s.deliver(w, r, &mailbox.Delivery{Mime: seg.Mime, Path: seg.Path, Range: &seg.Range})
	})
	r.Post("/get_text", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindTask(r)
		if err != nil {
			return nil, err
		}
		text, err := e.GetText(r.Context(), ref.ProjectID, *ref.TaskID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"text": text}, nil
	}))
	r.Post("/save_text", task("Text Saved!", func(r *http.Request, ref taskRef) error {
		return e.SaveText(r.Context(), ref.ProjectID, *ref.TaskID, ref.Text)
	}))
	r.Post("/revert_text", task("Text reverted!", func(r *http.Request, ref taskRef) error {
		return e.RevertText(r.Context(), ref.ProjectID, *ref.TaskID, ref.CommitID)
	}))
	r.Post("/speech_subsystems", s.handle(func(r *http.Request, _ string) (any, error) {
		req, err := bind[struct {
			Service string `json:"service"`
		}](r)
		if err != nil {
			return nil, err
		}
		if err := need("service", req.Service != ""); err != nil {
			return nil, err
		}
		systems, err := e.SpeechSubsystems(r.Context(), req.Service)
		if err != nil {
			return nil, err
		}
		return map[string]any{"systems": systems}, nil
	}))
	r.Post("/diarize", speech(func(r *http.Request, req editor.SpeechRequest) (string, error) {
		return e.Diarize(r.Context(), req)
	}))
	r.Post("/recognize", speech(func(r *http.Request, req editor.SpeechRequest) (string, error) {
		return e.Recognize(r.Context(), req)
	}))
	r.Post("/align", speech(func(r *http.Request, req editor.SpeechRequest) (string, error) {
		return e.Align(r.Context(), req)
	}))
	r.Post("/task_done", task("Task Marked as Done!", func(r *http.Request, ref taskRef) error {
		return e.TaskDone(r.Context(), ref.ProjectID, *ref.TaskID)
	}))
	r.Post("/reassign_task", task("Task reassigned to editor!", func(r *http.Request, ref taskRef) error {
		return e.ReassignTask(r.Context(), ref.ProjectID, *ref.TaskID)
	}))
	r.Post("/update_language", task("Language changed!", func(r *http.Request, ref taskRef) error {
		if err := need("language", ref.Language != ""); err != nil {
			return err
		}
		return e.UpdateLanguage(r.Context(), ref.ProjectID, *ref.TaskID, ref.Language)
	}))
	r.Post("/unlock_task", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindTask(r)
		if err != nil {
			return nil, err
		}
		return e.UnlockTask(r.Context(), ref.ProjectID, *ref.TaskID)
	}))
	r.Post("/clear_error", task("Cleared task error status", func(r *http.Request, ref taskRef) error {
		return e.ClearError(r.Context(), ref.ProjectID, *ref.TaskID)
	}))
	r.Post("/buildmaster", s.handle(func(r *http.Request, _ string) (any, error) {
		ref, err := bindProject(r)
		if err != nil {
			return nil, err
		}
		token, err := e.BuildDocument(r.Context(), ref.ProjectID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": token}, nil
	}))
}
