// Package task defines the unit of work flowing through the daemon, from
// ingest through execution to a terminal result.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies the channel a task arrived on.
type Source int

const (
	SourceEmail Source = iota
	SourceCloud
)

// String returns the canonical lowercase token used across logs and metrics.
func (s Source) String() string {
	switch s {
	case SourceEmail:
		return "email"
	case SourceCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// State represents the lifecycle phases of a task. A task only ever moves
// forward; terminal states are sinks.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
	Timeout
	Rejected
	Cancelled
)

// String returns the canonical lowercase token used across APIs and logs.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Timeout:
		return "timeout"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal checks if the state is a sink.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Timeout, Rejected, Cancelled:
		return true
	default:
		return false
	}
}

// IsSuccess checks if the state indicates a successful execution.
func (s State) IsSuccess() bool {
	return s == Completed
}

// Exit code sentinels reserved for failures that never produced a real child
// exit status.
const (
	ExitSpawnFailure = -1
	ExitTimeout      = -2
	ExitRejected     = -3
)

// Result holds the terminal outcome of a task.
type Result struct {
	ExitCode     int    `json:"exitCode"`
	Stdout       string `json:"stdoutTail"`
	Stderr       string `json:"stderrTail"`
	DurationMs   int64  `json:"durationMs"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// MarshalJSON encodes the state as its string token.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state from its string token.
func (s *State) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	for candidate := Pending; candidate <= Cancelled; candidate++ {
		if candidate.String() == token {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", token)
}

// MarshalJSON encodes the source as its string token.
func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a source from its string token.
func (s *Source) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	switch token {
	case "email":
		*s = SourceEmail
	case "cloud":
		*s = SourceCloud
	default:
		return fmt.Errorf("unknown task source %q", token)
	}
	return nil
}

// Task is the unit of work. Field access is synchronized by the owner; the
// struct itself carries no lock.
type Task struct {
	ID         string            `json:"id"`
	Source     Source            `json:"source"`
	Command    string            `json:"command"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`

	// Originator is the reply address for email tasks and the cloud task id
	// echoed back for cloud tasks. The executor never interprets it.
	Originator string `json:"originator"`

	State       State     `json:"state"`
	ReceivedAt  time.Time `json:"receivedAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Result      *Result   `json:"result,omitempty"`
}

// NewID generates a time-ordered unique task ID using UUID version 7.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate task ID: %w", err)
	}
	return id.String(), nil
}

// Transition advances the task to the next state, rejecting any move
// backwards or out of a terminal state.
func (t *Task) Transition(to State) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("task %s is already %s", t.ID, t.State)
	}
	if to <= t.State {
		return fmt.Errorf("task %s cannot move from %s to %s", t.ID, t.State, to)
	}
	t.State = to
	return nil
}

// Finish records the terminal state, result, and completion time in one step.
func (t *Task) Finish(state State, result *Result, now time.Time) error {
	if !state.IsTerminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}
	if err := t.Transition(state); err != nil {
		return err
	}
	t.Result = result
	t.CompletedAt = now
	return nil
}
