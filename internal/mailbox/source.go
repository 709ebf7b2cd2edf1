package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/policy"
	"github.com/ccjk-org/ccjk/internal/task"
)

// ErrAuth marks an IMAP login rejection. The orchestrator disables email
// polling when it sees this; transient transport errors just skip the tick.
var ErrAuth = errors.New("imap authentication failed")

// Fetcher is the IMAP seam. The production implementation is IMAPClient;
// tests inject fakes.
type Fetcher interface {
	// FetchUnseen returns every unseen inbox message.
	FetchUnseen(ctx context.Context) ([]*Message, error)
	// MarkSeen flags one message as consumed.
	MarkSeen(ctx context.Context, uid uint32) error
	// Close tears down the cached connection.
	Close() error
}

// EnqueueFunc hands a new task to the orchestrator.
type EnqueueFunc func(ctx context.Context, t *task.Task) error

// Source turns unseen command emails into tasks.
type Source struct {
	fetcher Fetcher
	policy  *policy.Policy
}

// New creates a Source. The policy is used for the ingest-time sender gate;
// the full command decision happens later at dispatch.
func New(fetcher Fetcher, pol *policy.Policy) *Source {
	return &Source{fetcher: fetcher, policy: pol}
}

// Close releases the underlying IMAP connection.
func (s *Source) Close() error {
	return s.fetcher.Close()
}

// Poll fetches unseen messages and enqueues a task per valid command email.
// Messages from unknown senders, without the subject tag, or without a
// command body are flagged Seen and dropped. A message is flagged Seen only
// after its task was enqueued; an enqueue failure leaves it unseen so the
// next poll retries it.
func (s *Source) Poll(ctx context.Context, enqueue EnqueueFunc) error {
	messages, err := s.fetcher.FetchUnseen(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch unseen messages: %w", err)
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.ingest(ctx, msg, enqueue); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) ingest(ctx context.Context, msg *Message, enqueue EnqueueFunc) error {
	if !s.policy.SenderAllowed(msg.From) {
		logger.Warn(ctx, "Dropping email from unknown sender",
			"kind", "POLICY_REJECT", "reason", policy.ReasonUnknownSender.String(),
			"from", msg.From, "uid", msg.UID)
		return s.drop(ctx, msg)
	}

	if !HasSubjectTag(msg.Subject) {
		logger.Debug(ctx, "Dropping email without command tag",
			"from", msg.From, "uid", msg.UID, "subject", msg.Subject)
		return s.drop(ctx, msg)
	}

	directives, ok := ParseBody(msg.Body())
	if !ok {
		logger.Warn(ctx, "Dropping command email with empty body",
			"from", msg.From, "uid", msg.UID)
		return s.drop(ctx, msg)
	}

	id, err := task.NewID()
	if err != nil {
		return err
	}
	t := &task.Task{
		ID:         id,
		Source:     task.SourceEmail,
		Command:    directives.Command,
		Cwd:        directives.Cwd,
		TimeoutSec: directives.TimeoutSec,
		Originator: msg.From,
		State:      task.Pending,
		ReceivedAt: time.Now(),
	}

	if err := enqueue(ctx, t); err != nil {
		// Leave the message unseen so the next poll picks it up again.
		return fmt.Errorf("failed to enqueue task for message %d: %w", msg.UID, err)
	}

	if err := s.fetcher.MarkSeen(ctx, msg.UID); err != nil {
		// The task is already queued; a failed flag means the message may be
		// ingested twice, which the at-least-once contract allows.
		logger.Error(ctx, "Failed to flag message seen after enqueue",
			"uid", msg.UID, "taskId", t.ID, "err", err)
		return nil
	}

	logger.Info(ctx, "Email task enqueued",
		"taskId", t.ID, "from", msg.From, "command", t.Command)
	return nil
}

// drop flags a message Seen without producing a task.
func (s *Source) drop(ctx context.Context, msg *Message) error {
	if err := s.fetcher.MarkSeen(ctx, msg.UID); err != nil {
		return fmt.Errorf("failed to flag dropped message %d: %w", msg.UID, err)
	}
	return nil
}
