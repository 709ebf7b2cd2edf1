// Package mailer sends task results back to their originators as
// multipart/alternative emails over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/task"
)

// defaultTimeout bounds the whole SMTP conversation.
const defaultTimeout = 30 * time.Second

// headerReplacer strips newline sequences from header values to block
// CRLF injection through originator addresses or command text.
var headerReplacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

// Config holds the SMTP endpoint and the daemon's sending identity.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Mailer is the SMTP result sink. One send attempt per task; retrying a
// result email is an operator decision, not the daemon's.
type Mailer struct {
	cfg Config
}

// New creates a Mailer.
func New(cfg Config) *Mailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Mailer{cfg: cfg}
}

// SendResult delivers the task's terminal result to its originator. The task
// must be in a terminal state with a result attached.
func (m *Mailer) SendResult(ctx context.Context, t *task.Task) error {
	if t.Result == nil {
		return fmt.Errorf("task %s has no result to send", t.ID)
	}

	subject := Subject(t)
	text := renderText(t)
	html := renderHTML(t)

	logger.Info(ctx, "Sending result email",
		"taskId", t.ID, "to", t.Originator, "subject", subject)

	if err := m.send(ctx, t.Originator, subject, text, html); err != nil {
		return fmt.Errorf("failed to send result for task %s: %w", t.ID, err)
	}
	return nil
}

// send performs one SMTP conversation within the configured deadline.
func (m *Mailer) send(ctx context.Context, to, subject, text, html string) error {
	msg, err := composeMessage(m.cfg.From, to, subject, text, html)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	// One deadline for the whole conversation; SMTP has no per-step budget.
	_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}

	if m.cfg.Username != "" || m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(headerReplacer.Replace(m.cfg.From)); err != nil {
		return fmt.Errorf("mail from rejected: %w", err)
	}
	if err := client.Rcpt(headerReplacer.Replace(to)); err != nil {
		return fmt.Errorf("rcpt to rejected: %w", err)
	}
	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

// composeMessage builds the multipart/alternative wire format with text and
// HTML parts.
func composeMessage(from, to, subject, text, html string) ([]byte, error) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", headerReplacer.Replace(from))
	fmt.Fprintf(&buf, "To: %s\r\n", headerReplacer.Replace(to))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerReplacer.Replace(subject)))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "\r\n")

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", html},
	} {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", part.contentType)
		w, err := mw.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create MIME part: %w", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("failed to write MIME part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close MIME writer: %w", err)
	}
	return []byte(buf.String()), nil
}
