// Package daemon is the orchestrator: it owns the task queue, the running
// set, and every control loop, and wires sources, policy, executor, and
// sinks together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ccjk-org/ccjk/internal/cloud"
	"github.com/ccjk-org/ccjk/internal/config"
	"github.com/ccjk-org/ccjk/internal/executor"
	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/mailbox"
	"github.com/ccjk-org/ccjk/internal/policy"
	"github.com/ccjk-org/ccjk/internal/sock"
	"github.com/ccjk-org/ccjk/internal/task"
	"github.com/ccjk-org/ccjk/internal/telemetry"
)

// shutdownGraceExtra is added to the task timeout when waiting for workers
// to settle during shutdown.
const shutdownGraceExtra = 10 * time.Second

// offlineTimeout bounds the final offline notification to the cloud.
const offlineTimeout = 15 * time.Second

// ErrStopping rejects enqueues once shutdown has begun.
var ErrStopping = errors.New("daemon is shutting down")

// EmailSource is the inbox poller seam (C3).
type EmailSource interface {
	Poll(ctx context.Context, enqueue mailbox.EnqueueFunc) error
	Close() error
}

// ResultSink delivers email-task results (C4).
type ResultSink interface {
	SendResult(ctx context.Context, t *task.Task) error
}

// CloudService is the control-service seam (C5).
type CloudService interface {
	Heartbeat(ctx context.Context, status string, currentTasks []string) (*cloud.HeartbeatData, error)
	PullTasks(ctx context.Context) ([]*task.Task, error)
	ReportResult(ctx context.Context, t *task.Task) error
	Offline(ctx context.Context) error
}

// Daemon runs the control loops. All mutable state lives here, guarded by
// one mutex with O(1) critical sections; no lock is ever held across I/O.
type Daemon struct {
	cfg    *config.Config
	policy *policy.Policy
	exec   *executor.Executor
	email  EmailSource
	sink   ResultSink
	cloud  CloudService

	lock     *Lock
	sockAddr string

	dispatchCh chan struct{}
	pollWake   chan struct{}

	workerWg  sync.WaitGroup
	workerCtx context.Context
	flushCtx  context.Context

	stopOnce sync.Once
	stopFn   context.CancelFunc

	mu                sync.Mutex
	startedAt         time.Time
	stopping          bool
	emailEnabled      bool
	cloudEnabled      bool
	queue             []*task.Task
	running           map[string]*task.Task
	history           *lru.Cache[string, *historyEntry]
	health            map[string]ComponentHealth
	tasksTotal        map[telemetry.TaskKey]int64
	policyRejects     map[string]int64
	heartbeatFailures int64
	resultsLost       int64
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithEmailSource wires the inbox poller. Required in email and hybrid mode.
func WithEmailSource(src EmailSource) Option {
	return func(d *Daemon) { d.email = src }
}

// WithResultSink wires the SMTP sink for email-sourced results.
func WithResultSink(sink ResultSink) Option {
	return func(d *Daemon) { d.sink = sink }
}

// WithCloudService wires the control-service client. Required in cloud and
// hybrid mode.
func WithCloudService(c CloudService) Option {
	return func(d *Daemon) { d.cloud = c }
}

// WithExecutor overrides the default executor.
func WithExecutor(e *executor.Executor) Option {
	return func(d *Daemon) { d.exec = e }
}

// WithSocketAddr overrides the admin socket path.
func WithSocketAddr(addr string) Option {
	return func(d *Daemon) { d.sockAddr = addr }
}

// New creates a Daemon from the configuration and the injected
// collaborators.
func New(cfg *config.Config, pol *policy.Policy, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:           cfg,
		policy:        pol,
		lock:          NewLock(cfg.Paths.LockFile),
		sockAddr:      sock.Addr(cfg.Paths.Home),
		dispatchCh:    make(chan struct{}, 1),
		pollWake:      make(chan struct{}, 1),
		running:       make(map[string]*task.Task),
		history:       newHistory(),
		health:        make(map[string]ComponentHealth),
		tasksTotal:    make(map[telemetry.TaskKey]int64),
		policyRejects: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.exec == nil {
		d.exec = executor.New(cfg.ProjectPath, time.Duration(cfg.TaskTimeoutSec)*time.Second)
	}

	d.emailEnabled = cfg.Mode.EmailEnabled() && d.email != nil
	d.cloudEnabled = cfg.Mode.CloudEnabled() && d.cloud != nil
	d.health[ComponentExecutor] = ComponentHealth{State: HealthOK}
	if d.emailEnabled {
		d.health[ComponentEmail] = ComponentHealth{State: HealthOK}
	} else {
		d.health[ComponentEmail] = ComponentHealth{State: HealthDisabled}
	}
	if d.cloudEnabled {
		d.health[ComponentCloud] = ComponentHealth{State: HealthOK}
	} else {
		d.health[ComponentCloud] = ComponentHealth{State: HealthDisabled}
	}
	return d
}

// Run acquires the single-instance lock and drives every loop until ctx is
// cancelled or RequestStop is called, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.lock.Acquire(); err != nil {
		return err
	}
	defer d.lock.Release()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	d.stopFn = stop

	// flushCtx keeps the logger and survives cancellation so shutdown can
	// still deliver results and talk to the admin socket.
	d.flushCtx = context.WithoutCancel(ctx)
	workerCtx, cancelWorkers := context.WithCancel(d.flushCtx)
	defer cancelWorkers()
	d.workerCtx = workerCtx

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	logger.Info(ctx, "Daemon starting",
		"mode", string(d.cfg.Mode),
		"checkIntervalSec", d.cfg.CheckIntervalSec,
		"maxConcurrentTasks", d.cfg.MaxConcurrentTasks)

	admin := sock.NewServer(d.sockAddr, d.adminRouter(telemetry.NewRegistry(d)))
	adminDone := make(chan error, 1)
	go func() { adminDone <- admin.Serve(d.flushCtx) }()

	var loopWg sync.WaitGroup
	loopWg.Add(2)
	go func() {
		defer loopWg.Done()
		d.pollLoop(runCtx)
	}()
	go func() {
		defer loopWg.Done()
		d.dispatchLoop(runCtx)
	}()
	if d.cloudEnabled {
		loopWg.Add(1)
		go func() {
			defer loopWg.Done()
			d.heartbeatLoop(runCtx)
		}()
	}

	// Kick an immediate first poll instead of waiting out the first tick.
	d.nudgePoll()

	<-runCtx.Done()
	logger.Info(d.flushCtx, "Daemon shutting down")

	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	loopWg.Wait()
	cancelWorkers()

	grace := time.Duration(d.cfg.TaskTimeoutSec)*time.Second + shutdownGraceExtra
	if !waitTimeout(&d.workerWg, grace) {
		d.mu.Lock()
		stranded := d.runningIDsLocked()
		d.mu.Unlock()
		logger.Error(d.flushCtx, "Workers did not settle before deadline",
			"kind", "RESULT_DELIVERY_FAILURE", "taskIds", stranded)
	}

	if d.cloudActive() {
		offCtx, cancel := context.WithTimeout(d.flushCtx, offlineTimeout)
		if err := d.cloud.Offline(offCtx); err != nil {
			logger.Warn(d.flushCtx, "Failed to mark device offline", "err", err)
		}
		cancel()
	}

	_ = admin.Shutdown(d.flushCtx)
	<-adminDone
	if d.email != nil {
		_ = d.email.Close()
	}

	logger.Info(d.flushCtx, "Daemon stopped")
	return nil
}

// RequestStop triggers the same graceful shutdown as SIGTERM. Used by the
// admin socket's stop endpoint.
func (d *Daemon) RequestStop() {
	d.stopOnce.Do(func() {
		if d.stopFn != nil {
			d.stopFn()
		}
	})
}

// SocketAddr returns the admin socket path.
func (d *Daemon) SocketAddr() string { return d.sockAddr }

// pollLoop runs one source sweep per tick, or earlier when a heartbeat
// advisory wakes it.
func (d *Daemon) pollLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.CheckIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.pollWake:
		}
		// Bound the whole sweep so a stuck server cannot stall the loop
		// across ticks.
		sweepCtx, cancel := context.WithTimeout(ctx, 2*interval)
		d.pollOnce(sweepCtx)
		cancel()
	}
}

// pollOnce pulls cloud tasks first, then email: in hybrid mode the cloud
// explicitly asked us to run its tasks now, so they enter the queue first.
func (d *Daemon) pollOnce(ctx context.Context) {
	if d.cloudActive() {
		tasks, err := d.cloud.PullTasks(ctx)
		if err != nil {
			d.handleCloudError(ctx, "pull-tasks", err)
		} else {
			for _, t := range tasks {
				if err := d.Enqueue(ctx, t); err != nil {
					logger.Warn(ctx, "Failed to enqueue cloud task", "taskId", t.ID, "err", err)
				}
			}
		}
	}

	if d.emailActive() {
		if err := d.email.Poll(ctx, d.Enqueue); err != nil {
			if errors.Is(err, mailbox.ErrAuth) {
				d.disableEmail("imap authentication failed")
				logger.Error(ctx, "Disabling email polling", "err", err)
			} else {
				logger.Warn(ctx, "Email poll failed, retrying next tick", "err", err)
			}
		}
	}
}

// heartbeatLoop reports liveness every interval, carrying the running task
// IDs, and wakes the poll loop when the server advertises pending work.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.heartbeatOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.heartbeatOnce(ctx)
		}
	}
}

func (d *Daemon) heartbeatOnce(ctx context.Context) {
	if !d.cloudActive() {
		return
	}
	d.mu.Lock()
	ids := d.runningIDsLocked()
	d.mu.Unlock()

	status := cloud.StatusOnline
	if len(ids) > 0 {
		status = cloud.StatusBusy
	}

	data, err := d.cloud.Heartbeat(ctx, status, ids)
	if err != nil {
		d.mu.Lock()
		d.heartbeatFailures++
		d.mu.Unlock()
		d.handleCloudError(ctx, "heartbeat", err)
		return
	}
	if data != nil && len(data.PendingTasks) > 0 {
		logger.Debug(ctx, "Heartbeat advisory has pending tasks, waking poll",
			"pending", len(data.PendingTasks))
		d.nudgePoll()
	}
}

// Enqueue adds a task to the pending queue, keeping FIFO order by receivedAt
// with ties broken by id. It satisfies mailbox.EnqueueFunc.
func (d *Daemon) Enqueue(ctx context.Context, t *task.Task) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrStopping
	}
	if d.knownLocked(t.ID) {
		d.mu.Unlock()
		logger.Debug(ctx, "Ignoring duplicate task", "taskId", t.ID)
		return nil
	}

	pos := len(d.queue)
	for i, queued := range d.queue {
		if t.ReceivedAt.Before(queued.ReceivedAt) ||
			(t.ReceivedAt.Equal(queued.ReceivedAt) && t.ID < queued.ID) {
			pos = i
			break
		}
	}
	d.queue = append(d.queue, nil)
	copy(d.queue[pos+1:], d.queue[pos:])
	d.queue[pos] = t
	depth := len(d.queue)
	d.mu.Unlock()

	logger.Info(ctx, "Task enqueued",
		"taskId", t.ID, "source", t.Source.String(), "queueDepth", depth)
	d.nudgeDispatch()
	return nil
}

// knownLocked reports whether the task id is already queued, running, or in
// history. Caller holds d.mu.
func (d *Daemon) knownLocked(id string) bool {
	if _, ok := d.running[id]; ok {
		return true
	}
	if d.history.Contains(id) {
		return true
	}
	for _, queued := range d.queue {
		if queued.ID == id {
			return true
		}
	}
	return false
}

// dispatchLoop drains the queue whenever there is capacity.
func (d *Daemon) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.dispatchCh:
		}
		for d.dispatchOne(ctx) {
		}
	}
}

// dispatchOne pops the queue head, gates it through the policy, and either
// finishes it as rejected or hands it to a worker. Returns false when the
// queue is empty or all slots are taken.
func (d *Daemon) dispatchOne(ctx context.Context) bool {
	d.mu.Lock()
	if len(d.queue) == 0 || len(d.running) >= d.cfg.MaxConcurrentTasks {
		d.mu.Unlock()
		return false
	}
	t := d.queue[0]
	d.queue = d.queue[1:]

	var decision policy.Decision
	if t.Source == task.SourceEmail {
		decision = d.policy.Decide(t.Originator, t.Command)
	} else {
		decision = d.policy.DecideCommand(t.Command)
	}

	if !decision.Allowed {
		d.policyRejects[decision.Reason.String()]++
		result := &task.Result{
			ExitCode:     task.ExitRejected,
			ErrorMessage: decision.Message(),
		}
		_ = t.Finish(task.Rejected, result, time.Now())
		entry := d.recordTerminalLocked(t, false)
		d.mu.Unlock()

		logger.Warn(ctx, "Task rejected by policy",
			"kind", "POLICY_REJECT",
			"reason", decision.Reason.String(),
			"taskId", t.ID,
			"command", t.Command)

		d.workerWg.Add(1)
		go func() {
			defer d.workerWg.Done()
			d.routeResult(d.flushCtx, t, entry)
		}()
		return true
	}

	_ = t.Transition(task.Running)
	t.StartedAt = time.Now()
	d.running[t.ID] = t
	d.mu.Unlock()

	logger.Info(ctx, "Task dispatched", "taskId", t.ID, "command", t.Command)
	d.workerWg.Add(1)
	go d.runTask(d.workerCtx, t)
	return true
}

// runTask executes one task in its own worker, records the terminal state,
// and routes the result to the task's sink.
func (d *Daemon) runTask(ctx context.Context, t *task.Task) {
	defer d.workerWg.Done()

	result, state := d.safeExecute(ctx, t)

	d.mu.Lock()
	delete(d.running, t.ID)
	_ = t.Finish(state, result, time.Now())
	entry := d.recordTerminalLocked(t, false)
	d.mu.Unlock()
	d.nudgeDispatch()

	logger.Info(ctx, "Task finished",
		"taskId", t.ID,
		"state", state.String(),
		"exitCode", result.ExitCode,
		"durationMs", result.DurationMs)

	d.routeResult(d.flushCtx, t, entry)
}

// safeExecute converts a worker panic into a failed result so one bad task
// cannot take the daemon down.
func (d *Daemon) safeExecute(ctx context.Context, t *task.Task) (result *task.Result, state task.State) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Task worker panicked", "taskId", t.ID, "panic", fmt.Sprintf("%v", r))
			result = &task.Result{
				ExitCode:     task.ExitSpawnFailure,
				ErrorMessage: fmt.Sprintf("task worker panicked: %v", r),
			}
			state = task.Failed
		}
	}()
	return d.exec.Execute(ctx, t)
}

// routeResult sends a terminal result back on the channel the task arrived
// on. Delivery failures never re-execute the task; the result is preserved
// in a structured log record for reconciliation.
func (d *Daemon) routeResult(ctx context.Context, t *task.Task, entry *historyEntry) {
	switch t.Source {
	case task.SourceEmail:
		if d.sink == nil {
			return
		}
		if err := d.sink.SendResult(ctx, t); err != nil {
			logger.Error(ctx, "Failed to deliver result email",
				"kind", "RESULT_DELIVERY_FAILURE",
				"taskId", t.ID,
				"to", t.Originator,
				"state", t.State.String(),
				"exitCode", t.Result.ExitCode,
				"stdout", t.Result.Stdout,
				"stderr", t.Result.Stderr,
				"err", err)
			return
		}
	case task.SourceCloud:
		if d.cloud == nil {
			return
		}
		if err := d.cloud.ReportResult(ctx, t); err != nil {
			d.mu.Lock()
			d.resultsLost++
			d.mu.Unlock()
			logger.Error(ctx, "Cloud result delivery exhausted retries",
				"kind", "result-lost",
				"taskId", t.ID,
				"state", t.State.String(),
				"exitCode", t.Result.ExitCode,
				"stdout", t.Result.Stdout,
				"stderr", t.Result.Stderr,
				"err", err)
			return
		}
	}
	d.mu.Lock()
	entry.notified = true
	d.mu.Unlock()
}

// handleCloudError disables the cloud path on a persistent key rejection;
// anything else is transient and retried next tick.
func (d *Daemon) handleCloudError(ctx context.Context, op string, err error) {
	if errors.Is(err, cloud.ErrUnauthorized) {
		d.disableCloud("device key rejected")
		logger.Error(ctx, "Disabling cloud loops", "op", op, "err", err)
		return
	}
	logger.Warn(ctx, "Cloud call failed, retrying next tick", "op", op, "err", err)
}

func (d *Daemon) emailActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emailEnabled
}

func (d *Daemon) cloudActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cloudEnabled
}

func (d *Daemon) disableEmail(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emailEnabled = false
	d.health[ComponentEmail] = ComponentHealth{State: HealthDegraded, Reason: reason}
}

func (d *Daemon) disableCloud(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cloudEnabled = false
	d.health[ComponentCloud] = ComponentHealth{State: HealthDegraded, Reason: reason}
}

// nudgeDispatch wakes the dispatch loop; a single pending wakeup is enough.
func (d *Daemon) nudgeDispatch() {
	select {
	case d.dispatchCh <- struct{}{}:
	default:
	}
}

// nudgePoll wakes the poll loop ahead of its tick.
func (d *Daemon) nudgePoll() {
	select {
	case d.pollWake <- struct{}{}:
	default:
	}
}

// waitTimeout waits for the group up to d; reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
