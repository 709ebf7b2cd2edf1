package mailer

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/ccjk-org/ccjk/internal/stringutil"
	"github.com/ccjk-org/ccjk/internal/task"
)

// subjectPrefix tags every outgoing result so mailbox filters can match it.
const subjectPrefix = "[CCJK]"

// subjectCommandLen caps how much of the command appears in the subject.
const subjectCommandLen = 50

// Subject renders the result subject line: the tag, an outcome mark, and the
// first 50 characters of the command.
func Subject(t *task.Task) string {
	mark := "❌"
	if t.State.IsSuccess() {
		mark = "✅"
	}
	return fmt.Sprintf("%s %s %s", subjectPrefix, mark, stringutil.TruncString(t.Command, subjectCommandLen))
}

// renderText builds the text/plain part with the labeled result sections.
func renderText(t *task.Task) string {
	res := t.Result
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", strings.ToUpper(t.State.String()))
	fmt.Fprintf(&b, "Exit Code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "Duration: %s\n", stringutil.FormatDuration(time.Duration(res.DurationMs)*time.Millisecond))
	fmt.Fprintf(&b, "Command: %s\n", t.Command)
	if res.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", res.ErrorMessage)
	}
	fmt.Fprintf(&b, "\nStdout:\n%s\n", orPlaceholder(res.Stdout))
	fmt.Fprintf(&b, "\nStderr:\n%s\n", orPlaceholder(res.Stderr))
	return b.String()
}

// renderHTML builds the text/html part: a banner colored by outcome above the
// same sections as the text part.
func renderHTML(t *task.Task) string {
	res := t.Result
	color := "#d9534f"
	if t.State.IsSuccess() {
		color = "#5cb85c"
	}

	var b strings.Builder
	b.WriteString("<html><body style=\"font-family: sans-serif\">")
	fmt.Fprintf(&b,
		"<div style=\"background:%s;color:#fff;padding:8px 12px;font-weight:bold\">%s &mdash; %s</div>",
		color, strings.ToUpper(t.State.String()), html.EscapeString(stringutil.TruncString(t.Command, subjectCommandLen)))
	b.WriteString("<table cellpadding=\"4\">")
	writeRow(&b, "Exit Code", fmt.Sprintf("%d", res.ExitCode))
	writeRow(&b, "Duration", stringutil.FormatDuration(time.Duration(res.DurationMs)*time.Millisecond))
	writeRow(&b, "Command", t.Command)
	if res.ErrorMessage != "" {
		writeRow(&b, "Error", res.ErrorMessage)
	}
	b.WriteString("</table>")
	writePre(&b, "Stdout", res.Stdout)
	writePre(&b, "Stderr", res.Stderr)
	b.WriteString("</body></html>")
	return b.String()
}

func writeRow(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "<tr><td><b>%s</b></td><td>%s</td></tr>", label, html.EscapeString(value))
}

func writePre(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "<h4 style=\"margin-bottom:2px\">%s</h4>", label)
	fmt.Fprintf(b, "<pre style=\"background:#f5f5f5;padding:8px\">%s</pre>", html.EscapeString(orPlaceholder(value)))
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
