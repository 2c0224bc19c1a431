package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/scribe/internal/domain/activity"
	"github.com/rpggio/scribe/internal/domain/project"
)

// ProjectService defines the project operations operators need.
type ProjectService interface {
	Status(ctx context.Context, id string) (*project.Status, error)
	Stuck(ctx context.Context) ([]project.Status, error)
	UnlockProject(ctx context.Context, id string) (string, error)
	ClearError(ctx context.Context, id string) error
}

// TaskService defines the task operations operators need.
type TaskService interface {
	UnlockTask(ctx context.Context, projectID string, taskID int) (string, error)
	ClearError(ctx context.Context, projectID string, taskID int) error
}

// ActivityService reads the lock and job journal.
type ActivityService interface {
	Recent(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error)
}

// Services contains all domain services needed by MCP.
type Services struct {
	Projects ProjectService
	Tasks    TaskService
	Activity ActivityService
}

// Config contains server configuration.
type Config struct {
	Services      Services
	Resolver      UserResolver
	AuthEnabled   bool
	DefaultUser   string
	TransportMode string // "stdio" or "http"
	Logger        *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "scribe",
		Version: "0.1.0",
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	// Stdio is local only and never authenticates.
	auth := authMiddleware(cfg.Resolver)
	if cfg.TransportMode == "stdio" || !cfg.AuthEnabled {
		auth = noAuthMiddleware(cfg.DefaultUser)
	}
	// Authentication runs first so traffic records carry the user.
	server.AddReceivingMiddleware(auth, trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services)

	return server
}
