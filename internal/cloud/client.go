// Package cloud talks to the control service: device registration,
// heartbeats, leased task pulls, and result reporting.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ccjk-org/ccjk/internal/backoff"
	"github.com/ccjk-org/ccjk/internal/build"
	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/task"
)

// deviceKeyHeader authenticates every call except registration.
const deviceKeyHeader = "X-Device-Key"

// defaultTimeout bounds each HTTP call.
const defaultTimeout = 15 * time.Second

// ErrUnauthorized marks a 401 from the control service; the session layer
// reacts by re-registering once.
var ErrUnauthorized = errors.New("cloud rejected device key")

// Device online states reported in heartbeats.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Config holds the control-service endpoint and retry tuning.
type Config struct {
	BaseURL   string
	DeviceKey string
	Timeout   time.Duration

	// Result-post retry schedule: ResultPostRetries attempts total, starting
	// at ResultPostBackoff and doubling.
	ResultPostRetries int
	ResultPostBackoff time.Duration
}

// Client is a thin typed wrapper over the HTTP contract. It holds one
// keep-alive connection; the Session serializes access to it.
type Client struct {
	rest              *resty.Client
	resultPostRetries int
	resultPostBackoff time.Duration
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ResultPostRetries <= 0 {
		cfg.ResultPostRetries = 6
	}
	if cfg.ResultPostBackoff <= 0 {
		cfg.ResultPostBackoff = 100 * time.Millisecond
	}

	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", fmt.Sprintf("%s/%s", build.Slug, build.Version))
	if cfg.DeviceKey != "" {
		rest.SetHeader(deviceKeyHeader, cfg.DeviceKey)
	}

	return &Client{
		rest:              rest,
		resultPostRetries: cfg.ResultPostRetries,
		resultPostBackoff: cfg.ResultPostBackoff,
	}
}

// SetDeviceKey installs a freshly issued key on the shared client.
func (c *Client) SetDeviceKey(key string) {
	c.rest.SetHeader(deviceKeyHeader, key)
}

// envelope is the control service's uniform response shape.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceInfo describes this daemon in the registration request.
type DeviceInfo struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
}

// LocalDeviceInfo builds the DeviceInfo for this host and binary.
func LocalDeviceInfo(name string) DeviceInfo {
	return DeviceInfo{
		Name:     name,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  build.Version,
	}
}

// RegisterRequest is the POST /auth body.
type RegisterRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Device   DeviceInfo `json:"device"`
}

// RegisterData is the server's registration response: the device key plus
// server-advised overrides.
type RegisterData struct {
	DeviceKey            string `json:"device_key"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec,omitempty"`
	MaxConcurrentTasks   int    `json:"max_concurrent_tasks,omitempty"`
	MinVersion           string `json:"min_version,omitempty"`
}

// HeartbeatData is the advisory part of a heartbeat response.
type HeartbeatData struct {
	PendingTasks []string `json:"pending_tasks,omitempty"`
}

// TaskPayload is one leased task returned by GET /daemon/tasks. Unknown
// fields are ignored by construction.
type TaskPayload struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeout,omitempty"`
}

// ToTask converts the payload into a locally owned Task. The server already
// leased it, so it enters the queue as an already-acknowledged task.
func (p TaskPayload) ToTask(now time.Time) *task.Task {
	timeoutSec := 0
	if p.TimeoutMs > 0 {
		timeoutSec = (p.TimeoutMs + 999) / 1000
	}
	return &task.Task{
		ID:         p.ID,
		Source:     task.SourceCloud,
		Command:    p.Command,
		Cwd:        p.Cwd,
		Env:        p.Env,
		TimeoutSec: timeoutSec,
		Originator: p.ID,
		State:      task.Pending,
		ReceivedAt: now,
	}
}

// resultBody is the POST /daemon/tasks/:id/result payload.
type resultBody struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// Register issues a device key via POST /auth.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterData, error) {
	var data RegisterData
	if err := c.call(ctx, http.MethodPost, "/auth", req, &data); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	if data.DeviceKey == "" {
		return nil, fmt.Errorf("registration response missing device_key")
	}
	return &data, nil
}

// Heartbeat updates the device's liveness and returns the advisory response.
func (c *Client) Heartbeat(ctx context.Context, status string, currentTasks []string) (*HeartbeatData, error) {
	if currentTasks == nil {
		currentTasks = []string{}
	}
	body := map[string]any{
		"status":        status,
		"current_tasks": currentTasks,
	}
	var data HeartbeatData
	if err := c.call(ctx, http.MethodPost, "/daemon/heartbeat", body, &data); err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	return &data, nil
}

// PullTasks fetches leased tasks. Every returned task is already RUNNING
// server-side; the daemon owes each one exactly one result post.
func (c *Client) PullTasks(ctx context.Context) ([]TaskPayload, error) {
	var payloads []TaskPayload
	if err := c.call(ctx, http.MethodGet, "/daemon/tasks", nil, &payloads); err != nil {
		return nil, fmt.Errorf("failed to pull tasks: %w", err)
	}
	return payloads, nil
}

// ReportResult posts a terminal result, retrying transient failures with
// exponential backoff. The server is idempotent on (task id, device key), so
// at-least-once delivery is safe.
func (c *Client) ReportResult(ctx context.Context, t *task.Task) error {
	if t.Result == nil {
		return fmt.Errorf("task %s has no result to report", t.ID)
	}
	body := resultBody{
		Status:   t.State.String(),
		ExitCode: t.Result.ExitCode,
		Stdout:   t.Result.Stdout,
		Stderr:   t.Result.Stderr,
		Error:    t.Result.ErrorMessage,
	}

	policy := &backoff.ExponentialBackoffPolicy{
		InitialInterval: c.resultPostBackoff,
		BackoffFactor:   2.0,
		MaxInterval:     time.Minute,
		MaxRetries:      c.resultPostRetries - 1,
	}
	attempt := 0
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		attempt++
		err := c.call(ctx, http.MethodPost, "/daemon/tasks/"+t.Originator+"/result", body, nil)
		if err != nil {
			logger.Warn(ctx, "Result post attempt failed",
				"taskId", t.ID, "attempt", attempt, "err", err)
		}
		return err
	}, policy, func(err error) bool {
		// A rejected key will not heal on retry.
		return !errors.Is(err, ErrUnauthorized)
	})
	if err != nil {
		return fmt.Errorf("failed to report result for task %s after %d attempts: %w", t.ID, attempt, err)
	}
	return nil
}

// Offline marks the device offline immediately.
func (c *Client) Offline(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/daemon/offline", nil, nil); err != nil {
		return fmt.Errorf("failed to mark device offline: %w", err)
	}
	return nil
}

// call performs one request and decodes the envelope into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode(), err)
	}
	if !env.OK || resp.IsError() {
		if env.Error != nil {
			return fmt.Errorf("server error %s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode())
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
