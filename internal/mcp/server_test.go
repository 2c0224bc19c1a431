package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/stretchr/testify/require"
)

type projectStub struct {
	statusFn     func(context.Context, string) (*project.Status, error)
	stuckFn      func(context.Context) ([]project.Status, error)
	unlockFn     func(context.Context, string) (string, error)
	clearErrorFn func(context.Context, string) error
}

func (p projectStub) Status(ctx context.Context, id string) (*project.Status, error) {
	return p.statusFn(ctx, id)
}
func (p projectStub) Stuck(ctx context.Context) ([]project.Status, error) {
	return p.stuckFn(ctx)
}
func (p projectStub) UnlockProject(ctx context.Context, id string) (string, error) {
	return p.unlockFn(ctx, id)
}
func (p projectStub) ClearError(ctx context.Context, id string) error {
	return p.clearErrorFn(ctx, id)
}

type taskStub struct {
	unlockFn     func(context.Context, string, int) (string, error)
	clearErrorFn func(context.Context, string, int) error
}

func (t taskStub) UnlockTask(ctx context.Context, projectID string, taskID int) (string, error) {
	return t.unlockFn(ctx, projectID, taskID)
}
func (t taskStub) ClearError(ctx context.Context, projectID string, taskID int) error {
	return t.clearErrorFn(ctx, projectID, taskID)
}

type activityStub struct {
	recentFn func(context.Context, activity.ListOptions) ([]activity.Entry, error)
}

func (a activityStub) Recent(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	return a.recentFn(ctx, opts)
}

type resolverStub map[string]string

func (r resolverStub) ResolveUser(_ context.Context, token string) (string, error) {
	user, ok := r[token]
	if !ok {
		return "", errors.New("unknown key")
	}
	return user, nil
}

func connect(t *testing.T, server *sdkmcp.Server) *sdkmcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any) *sdkmcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, "CallTool %s failed", name)
	return result
}

func textOf(t *testing.T, result *sdkmcp.CallToolResult) string {
	t.Helper()
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			return text.Text
		}
	}
	t.Fatal("no text content")
	return ""
}

func decodeResult[T any](t *testing.T, result *sdkmcp.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, textOf(t, result))
	var out T
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &out))
	return out
}

func jobID(s string) *string { return &s }

func TestOperatorTools(t *testing.T) {
	var unlocked []string
	var clearedTasks []int
	var lastOpts activity.ListOptions

	svc := Services{
		Projects: projectStub{
			stuckFn: func(context.Context) ([]project.Status, error) {
				p := project.Project{ID: "p1", Name: "Sitting 12", Creator: "alice", JobID: jobID("job-9"), LockOp: "diarize_audio"}
				return []project.Status{{Project: &p, Lock: p.Lock()}}, nil
			},
			statusFn: func(_ context.Context, id string) (*project.Status, error) {
				if id != "p1" {
					return nil, fault.NotFound("Project not found")
				}
				p := project.Project{ID: "p1", Name: "Sitting 12"}
				return &project.Status{
					Project: &p,
					Lock:    p.Lock(),
					Tasks: []project.TaskStatus{
						{TaskID: 0, Editor: "bob", Lock: project.LockState{Kind: project.LockFailed, Message: "recognize_task"}},
					},
				}, nil
			},
			unlockFn: func(_ context.Context, id string) (string, error) {
				unlocked = append(unlocked, id)
				return "Project unlocked: Speech job cancelled", nil
			},
			clearErrorFn: func(context.Context, string) error { return nil },
		},
		Tasks: taskStub{
			unlockFn: func(context.Context, string, int) (string, error) {
				return "", fault.Conflict("Task is not locked")
			},
			clearErrorFn: func(_ context.Context, _ string, taskID int) error {
				clearedTasks = append(clearedTasks, taskID)
				return nil
			},
		},
		Activity: activityStub{
			recentFn: func(_ context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
				lastOpts = opts
				return []activity.Entry{{
					ID:        3,
					ProjectID: "p1",
					Type:      activity.TypeJobSubmitted,
					Tag:       "job-9",
					Summary:   "diarize_audio",
					CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
				}}, nil
			},
		},
	}
	session := connect(t, NewServer(Config{Services: svc, DefaultUser: "operator", TransportMode: "stdio"}))

	t.Run("list tools", func(t *testing.T) {
		tools, err := session.ListTools(context.Background(), nil)
		require.NoError(t, err)
		var names []string
		for _, tool := range tools.Tools {
			names = append(names, tool.Name)
		}
		require.ElementsMatch(t, []string{
			"list_stuck", "project_status", "unlock_project", "unlock_task", "clear_error", "recent_activity",
		}, names)
	})

	t.Run("list stuck", func(t *testing.T) {
		out := decodeResult[StuckResult](t, callTool(t, session, "list_stuck", nil))
		require.Len(t, out.Projects, 1)
		require.Equal(t, "p1", out.Projects[0].ProjectID)
		require.Equal(t, LockView{State: "locked", Tag: "job-9", Op: "diarize_audio"}, out.Projects[0].Lock)
	})

	t.Run("project status", func(t *testing.T) {
		out := decodeResult[ProjectStatusView](t, callTool(t, session, "project_status", map[string]any{"projectid": "p1"}))
		require.Equal(t, "idle", out.Lock.State)
		require.Len(t, out.Tasks, 1)
		require.Equal(t, "error", out.Tasks[0].Lock.State)
		require.Equal(t, "recognize_task", out.Tasks[0].Lock.Message)

		missing := callTool(t, session, "project_status", map[string]any{"projectid": "nope"})
		require.True(t, missing.IsError)
		require.Contains(t, textOf(t, missing), "not_found")
	})

	t.Run("unlock", func(t *testing.T) {
		out := decodeResult[MessageResult](t, callTool(t, session, "unlock_project", map[string]any{"projectid": "p1"}))
		require.Equal(t, "Project unlocked: Speech job cancelled", out.Message)
		require.Equal(t, []string{"p1"}, unlocked)

		conflict := callTool(t, session, "unlock_task", map[string]any{"projectid": "p1", "taskid": 0})
		require.True(t, conflict.IsError)
		require.Contains(t, textOf(t, conflict), "Task is not locked")
	})

	t.Run("clear error", func(t *testing.T) {
		out := decodeResult[MessageResult](t, callTool(t, session, "clear_error", map[string]any{"projectid": "p1", "taskid": 2}))
		require.Equal(t, "Cleared task error status", out.Message)
		require.Equal(t, []int{2}, clearedTasks)

		out = decodeResult[MessageResult](t, callTool(t, session, "clear_error", map[string]any{"projectid": "p1"}))
		require.Equal(t, "Project Error Status Cleared!", out.Message)
	})

	t.Run("recent activity", func(t *testing.T) {
		out := decodeResult[RecentActivityResult](t, callTool(t, session, "recent_activity", map[string]any{
			"projectid": "p1",
			"type":      "job_submitted",
		}))
		require.Len(t, out.Entries, 1)
		require.Equal(t, "job-9", out.Entries[0].Tag)
		require.Equal(t, "2026-03-01T10:00:00Z", out.Entries[0].CreatedAt)
		require.Equal(t, 50, lastOpts.Limit)
		require.NotNil(t, lastOpts.Type)
		require.Equal(t, activity.TypeJobSubmitted, *lastOpts.Type)
	})
}

type bearer struct {
	token string
	next  http.RoundTripper
}

func (b bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(req)
}

func TestHTTPAuth(t *testing.T) {
	var seenUser string
	svc := Services{
		Projects: projectStub{
			stuckFn: func(ctx context.Context) ([]project.Status, error) {
				seenUser = getUser(ctx)
				return nil, nil
			},
		},
	}
	server := NewServer(Config{
		Services:      svc,
		Resolver:      resolverStub{"good-key": "operator"},
		AuthEnabled:   true,
		TransportMode: "http",
	})
	handler := sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	dial := func(token string) *sdkmcp.ClientSession {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		t.Cleanup(cancel)
		client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
		session, err := client.Connect(ctx, &sdkmcp.StreamableClientTransport{
			Endpoint:   ts.URL,
			HTTPClient: &http.Client{Transport: bearer{token: token, next: http.DefaultTransport}},
		}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = session.Close() })
		return session
	}

	good := dial("good-key")
	out := decodeResult[StuckResult](t, callTool(t, good, "list_stuck", nil))
	require.Empty(t, out.Projects)
	require.Equal(t, "operator", seenUser)

	bad := dial("bad-key")
	_, err := bad.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: "list_stuck"})
	require.ErrorContains(t, err, "unauthorized")
}

func TestMapError(t *testing.T) {
	require.NoError(t, MapError(nil))

	err := MapError(fault.PreviousJob("Previous job failed"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "previous_job", apiErr.Code)
	require.Contains(t, apiErr.RecoveryHint, "clear_error")
	require.ErrorIs(t, err, fault.ErrPreviousJob)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestRecoveryCallsAreLogged(t *testing.T) {
	svc := Services{
		Projects: projectStub{
			stuckFn: func(context.Context) ([]project.Status, error) { return nil, nil },
			unlockFn: func(context.Context, string) (string, error) {
				return "Project unlocked: Audio upload failed", nil
			},
		},
		Tasks: taskStub{
			unlockFn: func(context.Context, string, int) (string, error) {
				return "", fault.Conflict("Task is not locked")
			},
		},
	}
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	session := connect(t, NewServer(Config{Services: svc, DefaultUser: "operator", TransportMode: "stdio", Logger: logger}))

	callTool(t, session, "list_stuck", nil)
	callTool(t, session, "unlock_project", map[string]any{"projectid": "p1"})
	callTool(t, session, "unlock_task", map[string]any{"projectid": "p1", "taskid": 2})

	var recovery []map[string]any
	for _, rec := range logs.records(t) {
		require.NotEqual(t, "mcp traffic", rec["msg"], "traffic is only logged at debug level")
		if _, ok := rec["tool"]; ok {
			recovery = append(recovery, rec)
		}
	}
	require.Len(t, recovery, 2, "read-only tools are not logged")

	require.Equal(t, "operator recovery", recovery[0]["msg"])
	require.Equal(t, "unlock_project", recovery[0]["tool"])
	require.Equal(t, "p1", recovery[0]["project_id"])
	require.Equal(t, "operator", recovery[0]["user"])
	require.NotContains(t, recovery[0], "task_id")

	require.Equal(t, "operator recovery refused", recovery[1]["msg"])
	require.Equal(t, "WARN", recovery[1]["level"])
	require.Equal(t, "unlock_task", recovery[1]["tool"])
	require.Equal(t, float64(2), recovery[1]["task_id"])
	require.Contains(t, recovery[1]["error"], "Task is not locked")
}
