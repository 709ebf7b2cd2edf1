package mailer

import (
	"context"
	"testing"
	"time"

	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccjk-org/ccjk/internal/task"
)

func terminalTask(t *testing.T, state task.State, result *task.Result) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:         "task-1",
		Source:     task.SourceEmail,
		Command:    "echo hi",
		Originator: "alice@example.com",
		ReceivedAt: time.Now(),
	}
	require.NoError(t, tk.Transition(task.Running))
	require.NoError(t, tk.Finish(state, result, time.Now()))
	return tk
}

func TestSubject(t *testing.T) {
	ok := terminalTask(t, task.Completed, &task.Result{ExitCode: 0})
	assert.Equal(t, "[CCJK] ✅ echo hi", Subject(ok))

	failed := terminalTask(t, task.Failed, &task.Result{ExitCode: 1})
	assert.Equal(t, "[CCJK] ❌ echo hi", Subject(failed))
}

func TestSubjectTruncatesCommand(t *testing.T) {
	tk := terminalTask(t, task.Completed, &task.Result{})
	tk.Command = "echo " + string(make([]byte, 100))
	subject := Subject(tk)
	assert.LessOrEqual(t, len(subject), len("[CCJK] ")+len("✅ ")+subjectCommandLen)
}

func TestRenderText(t *testing.T) {
	tk := terminalTask(t, task.Completed, &task.Result{
		ExitCode:   0,
		Stdout:     "hi\n",
		DurationMs: 42,
	})

	text := renderText(tk)
	assert.Contains(t, text, "Status: COMPLETED")
	assert.Contains(t, text, "Exit Code: 0")
	assert.Contains(t, text, "Duration: 42ms")
	assert.Contains(t, text, "Command: echo hi")
	assert.Contains(t, text, "Stdout:\nhi")
	assert.Contains(t, text, "Stderr:\n(empty)")
}

func TestRenderTextIncludesError(t *testing.T) {
	tk := terminalTask(t, task.Rejected, &task.Result{
		ExitCode:     task.ExitRejected,
		ErrorMessage: "DENIED_SUBSTRING: rm -rf",
	})

	text := renderText(tk)
	assert.Contains(t, text, "Status: REJECTED")
	assert.Contains(t, text, "Exit Code: -3")
	assert.Contains(t, text, "Error: DENIED_SUBSTRING: rm -rf")
}

func TestRenderHTMLEscapes(t *testing.T) {
	tk := terminalTask(t, task.Failed, &task.Result{
		ExitCode: 1,
		Stderr:   "<script>alert(1)</script>",
	})

	out := renderHTML(tk)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestSendResult(t *testing.T) {
	server := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       false,
		LogServerActivity: false,
	})
	require.NoError(t, server.Start())
	defer func() {
		_ = server.Stop()
	}()

	m := New(Config{
		Host: "127.0.0.1",
		Port: server.PortNumber(),
		From: "daemon@example.com",
	})

	tk := terminalTask(t, task.Completed, &task.Result{
		ExitCode:   0,
		Stdout:     "hi\n",
		DurationMs: 12,
	})
	require.NoError(t, m.SendResult(context.Background(), tk))

	messages := server.Messages()
	require.Len(t, messages, 1)
	msg := messages[0].MsgRequest()
	assert.Contains(t, msg, "To: alice@example.com")
	assert.Contains(t, msg, "From: daemon@example.com")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "Exit Code: 0")
}

func TestSendResultConnectFailure(t *testing.T) {
	m := New(Config{
		Host:    "127.0.0.1",
		Port:    1, // nothing listens here
		From:    "daemon@example.com",
		Timeout: time.Second,
	})

	tk := terminalTask(t, task.Completed, &task.Result{ExitCode: 0})
	err := m.SendResult(context.Background(), tk)
	require.Error(t, err)
}

func TestSendResultRequiresResult(t *testing.T) {
	m := New(Config{Host: "127.0.0.1", Port: 25, From: "daemon@example.com"})
	err := m.SendResult(context.Background(), &task.Task{ID: "x"})
	require.Error(t, err)
}

func TestComposeMessageStripsCRLF(t *testing.T) {
	msg, err := composeMessage(
		"daemon@example.com",
		"alice@example.com\r\nBcc: mallory@example.com",
		"subject",
		"text", "<p>html</p>",
	)
	require.NoError(t, err)
	// The injected newline is stripped, so no Bcc header line exists.
	assert.NotContains(t, string(msg), "\r\nBcc:")
}
