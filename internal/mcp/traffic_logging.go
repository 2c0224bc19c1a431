package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

// recoveryTools change lock state. Their calls are logged at info level.
var recoveryTools = map[string]bool{
	"unlock_project": true,
	"unlock_task":    true,
	"clear_error":    true,
}

// toolCall is the tool and lock target named by a tools/call request.
type toolCall struct {
	tool      string
	projectID string
	taskID    *int64
}

func (c toolCall) attrs() []any {
	attrs := []any{"tool", c.tool}
	if c.projectID != "" {
		attrs = append(attrs, "project_id", c.projectID)
	}
	if c.taskID != nil {
		attrs = append(attrs, "task_id", *c.taskID)
	}
	return attrs
}

func readToolCall(method string, req sdkmcp.Request) (toolCall, bool) {
	if method != "tools/call" {
		return toolCall{}, false
	}
	params, ok := safeParams(req).(*sdkmcp.CallToolParamsRaw)
	if !ok || params == nil {
		return toolCall{}, false
	}
	call := toolCall{tool: params.Name}
	if len(params.Arguments) > 0 {
		args := gjson.ParseBytes(params.Arguments)
		call.projectID = args.Get("projectid").String()
		if id := args.Get("taskid"); id.Type == gjson.Number {
			v := id.Int()
			call.taskID = &v
		}
	}
	return call, true
}

// toolFailure returns the message of a failed call, or "" on success. Tool
// errors arrive as results flagged IsError rather than as err.
func toolFailure(result sdkmcp.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	res, ok := result.(*sdkmcp.CallToolResult)
	if !ok || res == nil || !res.IsError {
		return ""
	}
	for _, content := range res.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			return text.Text
		}
	}
	return "tool failed"
}

func trafficLoggingMiddleware(logger *slog.Logger, direction string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			if logger == nil {
				return next(ctx, method, req)
			}
			call, isCall := readToolCall(method, req)
			recovery := isCall && direction == "inbound" && recoveryTools[call.tool]
			debug := logger.Enabled(ctx, slog.LevelDebug)
			if !debug && !recovery {
				return next(ctx, method, req)
			}

			user := getUser(ctx)
			base := []any{"direction", direction, "method", method, "session_id", safeSessionID(req), "user", user}
			if isCall {
				base = append(base, call.attrs()...)
			}
			if debug {
				logger.Debug("mcp traffic", append(base[:len(base):len(base)], "stage", "request", "params", formatPayload(safeParams(req)))...)
			}

			result, err := next(ctx, method, req)

			if debug && !strings.HasPrefix(method, "notifications/") {
				attrs := append(base[:len(base):len(base)], "stage", "response", "result", formatPayload(result))
				if err != nil {
					attrs = append(attrs, "error", err)
				}
				logger.Debug("mcp traffic", attrs...)
			}
			if recovery {
				attrs := append([]any{"user", user}, call.attrs()...)
				if msg := toolFailure(result, err); msg != "" {
					logger.Warn("operator recovery refused", append(attrs, "error", msg)...)
				} else {
					logger.Info("operator recovery", attrs...)
				}
			}
			return result, err
		}
	}
}

func safeSessionID(req sdkmcp.Request) string {
	if req == nil {
		return ""
	}
	// Some requests carry a typed nil session.
	defer func() { recover() }()
	session := req.GetSession()
	if session == nil {
		return ""
	}
	return session.ID()
}

func safeParams(req sdkmcp.Request) any {
	if req == nil {
		return nil
	}
	defer func() { recover() }()
	return req.GetParams()
}

func formatPayload(payload any) string {
	if payload == nil {
		return "<nil>"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%T", payload)
	}
	return string(data)
}
