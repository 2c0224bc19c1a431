// Package speech is a client for the external speech processing service.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/tidwall/gjson"
)

// Paths are the service endpoints relative to the base URL.
type Paths struct {
	Login    string `yaml:"login"`
	Logout   string `yaml:"logout"`
	Logout2  string `yaml:"logout2"`
	Discover string `yaml:"discover"`
	Add      string `yaml:"add"`
	Delete   string `yaml:"delete"`
}

// DefaultPaths are the endpoint paths used when none are configured.
var DefaultPaths = Paths{
	Login:    "admin/login",
	Logout:   "admin/logout",
	Logout2:  "admin/logout2",
	Discover: "jobs/discover",
	Add:      "jobs/add",
	Delete:   "jobs/delete",
}

// Config configures the client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Paths    Paths
	RetryMax int
	Timeout  time.Duration
}

// JobRequest is a job submission. Params are merged into the request body.
type JobRequest struct {
	GetAudio  string
	GetText   string
	PutResult string
	Service   string
	Subsystem string
	Params    map[string]any
}

// Client talks to the speech service. Idempotent calls are retried;
// job submission is not, so a transient failure cannot start a job twice.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	submit *retryablehttp.Client
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

// New creates a client. Nothing is sent until the first call.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Paths == (Paths{}) {
		cfg.Paths = DefaultPaths
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   newHTTPClient(cfg.RetryMax, cfg.Timeout, logger),
		submit: newHTTPClient(0, cfg.Timeout, logger),
		logger: logger,
	}
}

func newHTTPClient(retryMax int, timeout time.Duration, logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = logger
	return c
}

func (c *Client) endpoint(path string) (string, error) {
	u, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return "", fmt.Errorf("invalid speech service url: %w", err)
	}
	return u, nil
}

// post sends body as JSON and returns the response status and body.
func (c *Client) post(ctx context.Context, hc *retryablehttp.Client, path string, body any) (int, []byte, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return 0, nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(hc, req)
}

func do(hc *retryablehttp.Client, req *retryablehttp.Request) (int, []byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("speech service request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read speech service response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// Login obtains a session token. If the service refuses because the
// account is already logged in, the stale session is closed with the
// credential-based logout and the login retried once.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	creds := map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}

	_, body, err := c.post(ctx, c.http, c.cfg.Paths.Login, creds)
	if err != nil {
		return err
	}
	if token := gjson.GetBytes(body, "token"); token.Exists() {
		c.token = token.String()
		return nil
	}

	c.logger.Debug("speech login refused, closing stale session", "response", string(body))
	status, _, err := c.post(ctx, c.http, c.cfg.Paths.Logout2, creds)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fault.BadRequest("LOGOUT2: Cannot log into speech server")
	}

	_, body, err = c.post(ctx, c.http, c.cfg.Paths.Login, creds)
	if err != nil {
		return err
	}
	token := gjson.GetBytes(body, "token")
	if !token.Exists() {
		return fault.BadRequest("Cannot log into speech server")
	}
	c.token = token.String()
	return nil
}

// Logout closes the session, if any.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return fault.BadRequest("Not logged into speech server")
	}
	if _, _, err := c.post(ctx, c.http, c.cfg.Paths.Logout, map[string]string{"token": c.token}); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// Token returns the session token, logging in first if needed.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// Discover returns the raw service catalogue.
func (c *Client) Discover(ctx context.Context) (gjson.Result, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	endpoint, err := c.endpoint(c.cfg.Paths.Discover)
	if err != nil {
		return gjson.Result{}, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+url.Values{"token": {token}}.Encode(), nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build request: %w", err)
	}
	_, body, err := do(c.http, req)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("speech service returned invalid catalogue")
	}
	return gjson.ParseBytes(body), nil
}

// Subsystems lists the subsystems the service offers for serviceName.
func (c *Client) Subsystems(ctx context.Context, serviceName string) ([]string, error) {
	catalogue, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	var entries gjson.Result
	found := false
	catalogue.Get("subsystems").ForEach(func(key, value gjson.Result) bool {
		if key.String() == serviceName {
			entries, found = value, true
			return false
		}
		return true
	})
	if !found {
		return nil, fault.NotFound("Speech server can't find requested service!")
	}

	var systems []string
	for _, entry := range entries.Array() {
		if name := entry.Get("subsystem"); name.Exists() {
			systems = append(systems, name.String())
		}
	}
	if len(systems) == 0 {
		return nil, fault.NotFound("Speech service has no subsystems defined!")
	}
	return systems, nil
}

// Submit sends a job and returns the job id the service assigned.
func (c *Client) Submit(ctx context.Context, job JobRequest) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", err
	}
	body := map[string]any{}
	for k, v := range job.Params {
		body[k] = v
	}
	body["token"] = token
	body["getaudio"] = job.GetAudio
	body["putresult"] = job.PutResult
	body["service"] = job.Service
	body["subsystem"] = job.Subsystem
	if job.GetText != "" {
		body["gettext"] = job.GetText
	}

	_, resp, err := c.post(ctx, c.submit, c.cfg.Paths.Add, body)
	if err != nil {
		return "", err
	}
	if jobID := gjson.GetBytes(resp, "jobid"); jobID.Exists() && jobID.String() != "" {
		return jobID.String(), nil
	}
	if msg := gjson.GetBytes(resp, "message"); msg.Exists() {
		return "", fault.BadRequest("%s", msg.String())
	}
	return "", fault.BadRequest("Speech service request failed")
}

// Cancel asks the service to delete a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}
	status, body, err := c.post(ctx, c.http, c.cfg.Paths.Delete, map[string]string{"token": token, "jobid": jobID})
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = http.StatusText(status)
		}
		return fmt.Errorf("cancel job %s: %s", jobID, msg)
	}
	return nil
}
