package daemon

import (
	"os"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/ccjk-org/ccjk/internal/stringutil"
	"github.com/ccjk-org/ccjk/internal/task"
	"github.com/ccjk-org/ccjk/internal/telemetry"
)

// historySize bounds the in-memory record of terminal tasks. Older entries
// fall out FIFO; there is no persistent task store.
const historySize = 200

// Component names used in health reporting.
const (
	ComponentEmail    = "email"
	ComponentCloud    = "cloud"
	ComponentExecutor = "executor"
)

// Health states for one component.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDisabled = "disabled"
)

// ComponentHealth is one component's health line.
type ComponentHealth struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// historyEntry pairs a terminal task with its delivery outcome.
type historyEntry struct {
	task     *task.Task
	notified bool
}

// TaskInfo is the status-surface projection of a task.
type TaskInfo struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	State       string    `json:"state"`
	Command     string    `json:"command"`
	ReceivedAt  time.Time `json:"receivedAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	Notified    *bool     `json:"notified,omitempty"`
}

// Status is the daemon's externally visible state, served on the admin
// socket and rendered by the status command.
type Status struct {
	State           string                     `json:"state"`
	Mode            string                     `json:"mode"`
	PID             int                        `json:"pid"`
	StartedAt       time.Time                  `json:"startedAt"`
	UptimeSec       int64                      `json:"uptimeSec"`
	QueueDepth      int                        `json:"queueDepth"`
	Running         []TaskInfo                 `json:"running"`
	Recent          []TaskInfo                 `json:"recent"`
	Components      map[string]ComponentHealth `json:"components"`
	LastHeartbeatAt time.Time                  `json:"lastHeartbeatAt,omitzero"`
	CloudStatus     string                     `json:"cloudStatus,omitempty"`
}

// recentStatusTasks caps the history tail included in a Status.
const recentStatusTasks = 10

// taskInfo projects a task under the daemon mutex.
func taskInfo(t *task.Task, notified *bool) TaskInfo {
	info := TaskInfo{
		ID:          t.ID,
		Source:      t.Source.String(),
		State:       t.State.String(),
		Command:     stringutil.TruncString(t.Command, 80),
		ReceivedAt:  t.ReceivedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Notified:    notified,
	}
	if t.Result != nil {
		code := t.Result.ExitCode
		info.ExitCode = &code
		info.DurationMs = t.Result.DurationMs
	}
	return info
}

// Status builds a consistent snapshot of the daemon's state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	running := lo.Map(lo.Values(d.running), func(t *task.Task, _ int) TaskInfo {
		return taskInfo(t, nil)
	})
	sort.Slice(running, func(i, j int) bool { return running[i].StartedAt.Before(running[j].StartedAt) })

	var recent []TaskInfo
	keys := d.history.Keys()
	for i := len(keys) - 1; i >= 0 && len(recent) < recentStatusTasks; i-- {
		if entry, ok := d.history.Peek(keys[i]); ok {
			notified := entry.notified
			recent = append(recent, taskInfo(entry.task, &notified))
		}
	}

	components := make(map[string]ComponentHealth, len(d.health))
	for name, h := range d.health {
		components[name] = h
	}

	status := Status{
		State:      "running",
		Mode:       string(d.cfg.Mode),
		PID:        os.Getpid(),
		StartedAt:  d.startedAt,
		UptimeSec:  int64(time.Since(d.startedAt).Seconds()),
		QueueDepth: len(d.queue),
		Running:    running,
		Recent:     recent,
		Components: components,
	}
	if d.cloud != nil {
		if s, ok := d.cloud.(interface{ LastHeartbeat() (time.Time, string) }); ok {
			status.LastHeartbeatAt, status.CloudStatus = s.LastHeartbeat()
		}
	}
	return status
}

// TelemetrySnapshot implements telemetry.Source.
func (d *Daemon) TelemetrySnapshot() telemetry.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasksTotal := make(map[telemetry.TaskKey]int64, len(d.tasksTotal))
	for k, v := range d.tasksTotal {
		tasksTotal[k] = v
	}
	rejects := make(map[string]int64, len(d.policyRejects))
	for k, v := range d.policyRejects {
		rejects[k] = v
	}
	health := make(map[string]float64, len(d.health))
	for name, h := range d.health {
		switch h.State {
		case HealthOK:
			health[name] = 1
		case HealthDegraded:
			health[name] = 0.5
		default:
			health[name] = 0
		}
	}

	return telemetry.Snapshot{
		StartedAt:         d.startedAt,
		QueueDepth:        len(d.queue),
		Running:           len(d.running),
		TasksTotal:        tasksTotal,
		PolicyRejects:     rejects,
		HeartbeatFailures: d.heartbeatFailures,
		ResultsLost:       d.resultsLost,
		ComponentHealth:   health,
	}
}

// runningIDs returns the IDs of all running tasks. Caller holds d.mu.
func (d *Daemon) runningIDsLocked() []string {
	ids := lo.Keys(d.running)
	sort.Strings(ids)
	return ids
}

// recordTerminalLocked moves a finished task into history and bumps the
// counters. Caller holds d.mu.
func (d *Daemon) recordTerminalLocked(t *task.Task, notified bool) *historyEntry {
	entry := &historyEntry{task: t, notified: notified}
	d.history.Add(t.ID, entry)
	d.tasksTotal[telemetry.TaskKey{Source: t.Source.String(), State: t.State.String()}]++
	return entry
}

// newHistory builds the bounded terminal-task buffer. Entries are only ever
// added and peeked, so LRU eviction degenerates to FIFO.
func newHistory() *lru.Cache[string, *historyEntry] {
	cache, err := lru.New[string, *historyEntry](historySize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return cache
}
