package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ccjk-org/ccjk/internal/build"
	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/task"
)

// RegisterFunc performs a registration round-trip and persists the issued
// key. The session calls it once at startup when no key exists, and once more
// if the server starts rejecting the current key.
type RegisterFunc func(ctx context.Context) (*RegisterData, error)

// Session serializes every cloud call through one goroutine so connection
// reuse and re-registration state stay coherent. It also owns the device
// identity snapshot used by status reporting.
type Session struct {
	client   *Client
	register RegisterFunc

	ops chan sessionOp

	mu            sync.Mutex
	lastHeartbeat time.Time
	status        string
	reregistered  bool
}

type sessionOp struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// NewSession creates a Session around the client. register may be nil when
// re-registration is not possible (no stored credentials).
func NewSession(client *Client, register RegisterFunc) *Session {
	return &Session{
		client:   client,
		register: register,
		ops:      make(chan sessionOp),
		status:   StatusOffline,
	}
}

// Run processes submitted operations until ctx is cancelled. It must run in
// its own goroutine before any operation is submitted.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op.done <- s.runOp(ctx, op)
		}
	}
}

// runOp executes one operation, re-registering once on a rejected key.
func (s *Session) runOp(ctx context.Context, op sessionOp) error {
	err := op.fn(ctx)
	if err == nil {
		s.mu.Lock()
		s.reregistered = false
		s.mu.Unlock()
		return nil
	}
	if !errors.Is(err, ErrUnauthorized) || s.register == nil {
		return err
	}

	s.mu.Lock()
	already := s.reregistered
	s.reregistered = true
	s.mu.Unlock()
	if already {
		// Second rejection in a row: give up and let the caller degrade.
		return err
	}

	logger.Warn(ctx, "Device key rejected, re-registering", "op", op.name)
	data, regErr := s.register(ctx)
	if regErr != nil {
		return fmt.Errorf("re-registration failed: %w", errors.Join(regErr, err))
	}
	s.client.SetDeviceKey(data.DeviceKey)
	CheckMinVersion(ctx, data.MinVersion)
	return op.fn(ctx)
}

// do submits an operation to the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	op := sessionOp{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Heartbeat reports liveness and returns the advisory pending-task list.
func (s *Session) Heartbeat(ctx context.Context, status string, currentTasks []string) (*HeartbeatData, error) {
	var data *HeartbeatData
	err := s.do(ctx, "heartbeat", func(ctx context.Context) error {
		var err error
		data, err = s.client.Heartbeat(ctx, status, currentTasks)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.status = status
	s.mu.Unlock()
	return data, nil
}

// PullTasks fetches leased tasks and converts them into locally owned tasks.
func (s *Session) PullTasks(ctx context.Context) ([]*task.Task, error) {
	var payloads []TaskPayload
	err := s.do(ctx, "pull-tasks", func(ctx context.Context) error {
		var err error
		payloads, err = s.client.PullTasks(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tasks := make([]*task.Task, 0, len(payloads))
	for _, p := range payloads {
		tasks = append(tasks, p.ToTask(now))
	}
	return tasks, nil
}

// ReportResult posts a terminal result through the session.
func (s *Session) ReportResult(ctx context.Context, t *task.Task) error {
	return s.do(ctx, "report-result", func(ctx context.Context) error {
		return s.client.ReportResult(ctx, t)
	})
}

// Offline marks the device offline. Called during graceful shutdown, so it
// does not go through re-registration.
func (s *Session) Offline(ctx context.Context) error {
	err := s.do(ctx, "offline", func(ctx context.Context) error {
		return s.client.Offline(ctx)
	})
	if err == nil {
		s.mu.Lock()
		s.status = StatusOffline
		s.mu.Unlock()
	}
	return err
}

// LastHeartbeat returns when the last successful heartbeat completed and the
// status it carried.
func (s *Session) LastHeartbeat() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat, s.status
}

// CheckMinVersion logs a warning when the server advises a newer minimum
// daemon version. The daemon keeps running either way.
func CheckMinVersion(ctx context.Context, minVersion string) {
	if minVersion == "" {
		return
	}
	current, err := semver.NewVersion(build.Version)
	if err != nil {
		// Dev builds have no comparable version.
		return
	}
	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		logger.Debug(ctx, "Server sent unparsable min_version", "minVersion", minVersion)
		return
	}
	if current.LessThan(minimum) {
		logger.Warn(ctx, "Daemon version is older than the server-advised minimum",
			"current", build.Version, "minVersion", minVersion)
	}
}
