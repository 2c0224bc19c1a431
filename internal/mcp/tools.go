package mcp

import (
	"context"
	"errors"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/project"
)

type ProjectParams struct {
	ProjectID string `json:"projectid" jsonschema:"Project id"`
}

type TaskParams struct {
	ProjectID string `json:"projectid" jsonschema:"Project id"`
	TaskID    int    `json:"taskid" jsonschema:"Task id within the project"`
}

type ClearErrorParams struct {
	ProjectID string `json:"projectid" jsonschema:"Project id"`
	TaskID    *int   `json:"taskid,omitempty" jsonschema:"Task id; omit to clear the project error"`
}

type RecentActivityParams struct {
	ProjectID string `json:"projectid,omitempty" jsonschema:"Only entries for this project"`
	TaskID    *int   `json:"taskid,omitempty" jsonschema:"Only entries for this task"`
	Type      string `json:"type,omitempty" jsonschema:"Only entries of this type, e.g. callback_failed"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of entries (default 50)"`
}

type LockView struct {
	State   string `json:"state"`
	Tag     string `json:"tag,omitempty"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message,omitempty"`
}

type TaskStatusView struct {
	TaskID  int      `json:"taskid"`
	Editor  string   `json:"editor"`
	Editing string   `json:"editing,omitempty"`
	Lock    LockView `json:"lock"`
}

type ProjectStatusView struct {
	ProjectID string           `json:"projectid"`
	Name      string           `json:"projectname"`
	Creator   string           `json:"creator"`
	Lock      LockView         `json:"lock"`
	Tasks     []TaskStatusView `json:"tasks,omitempty"`
}

type StuckResult struct {
	Projects []ProjectStatusView `json:"projects"`
}

type MessageResult struct {
	Message string `json:"message"`
}

type ActivityView struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"projectid"`
	TaskID    *int   `json:"taskid,omitempty"`
	Type      string `json:"type"`
	Tag       string `json:"tag,omitempty"`
	Summary   string `json:"summary"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at"`
}

type RecentActivityResult struct {
	Entries []ActivityView `json:"entries"`
}

func registerTools(server *sdkmcp.Server, svc Services) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_stuck",
		Description: "List projects that are locked or carry an error status",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ struct{}) (*sdkmcp.CallToolResult, StuckResult, error) {
		stuck, err := svc.Projects.Stuck(ctx)
		if err != nil {
			return nil, StuckResult{}, MapError(err)
		}
		out := StuckResult{Projects: make([]ProjectStatusView, 0, len(stuck))}
		for i := range stuck {
			out.Projects = append(out.Projects, statusView(&stuck[i]))
		}
		return nil, out, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "project_status",
		Description: "Show the lock state of a project and each of its tasks",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectParams) (*sdkmcp.CallToolResult, ProjectStatusView, error) {
		if in.ProjectID == "" {
			return nil, ProjectStatusView{}, errors.New("projectid is required")
		}
		st, err := svc.Projects.Status(ctx, in.ProjectID)
		if err != nil {
			return nil, ProjectStatusView{}, MapError(err)
		}
		return nil, statusView(st), nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "unlock_project",
		Description: "Release a project lock, cancelling its pending speech job if there is one",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectParams) (*sdkmcp.CallToolResult, MessageResult, error) {
		if in.ProjectID == "" {
			return nil, MessageResult{}, errors.New("projectid is required")
		}
		msg, err := svc.Projects.UnlockProject(ctx, in.ProjectID)
		if err != nil {
			return nil, MessageResult{}, MapError(err)
		}
		return nil, MessageResult{Message: msg}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "unlock_task",
		Description: "Release a task lock, cancelling its pending speech job if there is one",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in TaskParams) (*sdkmcp.CallToolResult, MessageResult, error) {
		if in.ProjectID == "" {
			return nil, MessageResult{}, errors.New("projectid is required")
		}
		msg, err := svc.Tasks.UnlockTask(ctx, in.ProjectID, in.TaskID)
		if err != nil {
			return nil, MessageResult{}, MapError(err)
		}
		return nil, MessageResult{Message: msg}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "clear_error",
		Description: "Acknowledge the error status of a project or one of its tasks",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in ClearErrorParams) (*sdkmcp.CallToolResult, MessageResult, error) {
		if in.ProjectID == "" {
			return nil, MessageResult{}, errors.New("projectid is required")
		}
		var err error
		msg := "Project Error Status Cleared!"
		if in.TaskID != nil {
			err = svc.Tasks.ClearError(ctx, in.ProjectID, *in.TaskID)
			msg = "Cleared task error status"
		} else {
			err = svc.Projects.ClearError(ctx, in.ProjectID)
		}
		if err != nil {
			return nil, MessageResult{}, MapError(err)
		}
		return nil, MessageResult{Message: msg}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "recent_activity",
		Description: "Read the lock and speech job journal, newest first",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in RecentActivityParams) (*sdkmcp.CallToolResult, RecentActivityResult, error) {
		opts := activity.ListOptions{ProjectID: in.ProjectID, TaskID: in.TaskID, Limit: in.Limit}
		if in.Type != "" {
			typ := activity.Type(in.Type)
			opts.Type = &typ
		}
		if opts.Limit <= 0 {
			opts.Limit = 50
		}
		entries, err := svc.Activity.Recent(ctx, opts)
		if err != nil {
			return nil, RecentActivityResult{}, MapError(err)
		}
		out := RecentActivityResult{Entries: make([]ActivityView, 0, len(entries))}
		for _, e := range entries {
			out.Entries = append(out.Entries, ActivityView{
				ID:        e.ID,
				ProjectID: e.ProjectID,
				TaskID:    e.TaskID,
				Type:      string(e.Type),
				Tag:       e.Tag,
				Summary:   e.Summary,
				Details:   e.Details,
				CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return nil, out, nil
	})
}

func lockView(l project.LockState) LockView {
	return LockView{State: l.Kind.String(), Tag: l.Tag, Op: l.Op, Message: l.Message}
}

func statusView(st *project.Status) ProjectStatusView {
	out := ProjectStatusView{Lock: lockView(st.Lock)}
	if st.Project != nil {
		out.ProjectID = st.Project.ID
		out.Name = st.Project.Name
		out.Creator = st.Project.Creator
	}
	for _, t := range st.Tasks {
		out.Tasks = append(out.Tasks, TaskStatusView{
			TaskID:  t.TaskID,
			Editor:  t.Editor,
			Editing: t.Editing,
			Lock:    lockView(t.Lock),
		})
	}
	return out
}
