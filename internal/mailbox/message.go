// Package mailbox polls an IMAP inbox for command emails and turns them into
// tasks. A message is consumed (flagged Seen) only after its task has been
// handed to the orchestrator, which is the at-least-once boundary.
package mailbox

import (
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

// SubjectTag is the literal prefix that marks a message as a command. The
// match is case-sensitive and includes the trailing space.
const SubjectTag = "[CCJK] "

// Message is one inbox message reduced to the fields the source needs.
type Message struct {
	UID     uint32
	From    string
	Subject string
	Text    string
	HTML    string
}

// HasSubjectTag reports whether the subject carries the command tag.
func HasSubjectTag(subject string) bool {
	return strings.HasPrefix(subject, SubjectTag)
}

// Directives is the parsed command body: the command itself plus the optional
// cwd and timeout overrides.
type Directives struct {
	Command    string
	Cwd        string
	TimeoutSec int
}

// ParseBody extracts the command and directives from a message body. The
// first non-empty line is the command; subsequent lines starting with
// "cwd:" or "timeout:" (case-insensitive) override task defaults. Returns
// false when the body holds no command.
func ParseBody(body string) (Directives, bool) {
	var d Directives
	lines := strings.Split(body, "\n")

	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			d.Command = line
			i++
			break
		}
	}
	if d.Command == "" {
		return d, false
	}

	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "cwd:"):
			d.Cwd = strings.TrimSpace(line[len("cwd:"):])
		case strings.HasPrefix(lower, "timeout:"):
			if secs, err := strconv.Atoi(strings.TrimSpace(line[len("timeout:"):])); err == nil && secs > 0 {
				d.TimeoutSec = secs
			}
		}
	}
	return d, true
}

// Body returns the message body to parse commands from: text/plain when
// present, otherwise the HTML part stripped to text.
func (m *Message) Body() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	return StripHTML(m.HTML)
}

var (
	htmlBreakRe = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML reduces an HTML body to plain text: block-level closers become
// newlines, remaining tags are removed, and entities are decoded.
func StripHTML(s string) string {
	s = htmlBreakRe.ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// wordDecoder decodes RFC 2047 encoded-words in headers. Unknown charsets
// fall through undecoded rather than failing the whole message.
var wordDecoder = &mime.WordDecoder{}

// ParseRaw parses a raw RFC 5322 message into a Message, extracting the
// sender address, the decoded subject, and the text and HTML bodies.
func ParseRaw(raw []byte) (*Message, error) {
	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &Message{}
	if addrs, err := parsed.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = addrs[0].Address
	}
	if subject, err := wordDecoder.DecodeHeader(parsed.Header.Get("Subject")); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = parsed.Header.Get("Subject")
	}

	contentType := parsed.Header.Get("Content-Type")
	encoding := parsed.Header.Get("Content-Transfer-Encoding")
	if err := extractBodies(msg, parsed.Body, contentType, encoding); err != nil {
		return nil, err
	}
	return msg, nil
}

// extractBodies walks the MIME structure one level at a time, filling the
// first text/plain and text/html parts it finds.
func extractBodies(msg *Message, body io.Reader, contentType, encoding string) error {
	mediaType := "text/plain"
	var params map[string]string
	if contentType != "" {
		var err error
		mediaType, params, err = mime.ParseMediaType(contentType)
		if err != nil {
			// Treat an unparsable content type as plain text.
			mediaType, params = "text/plain", nil
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read MIME part: %w", err)
			}
			partType := part.Header.Get("Content-Type")
			partEncoding := part.Header.Get("Content-Transfer-Encoding")
			if err := extractBodies(msg, part, partType, partEncoding); err != nil {
				return err
			}
		}
	}

	data, err := decodeBody(body, encoding)
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(mediaType, "text/plain") && msg.Text == "":
		msg.Text = data
	case strings.HasPrefix(mediaType, "text/html") && msg.HTML == "":
		msg.HTML = data
	}
	return nil
}

// decodeBody applies the part's transfer encoding.
func decodeBody(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read message body: %w", err)
	}
	return string(data), nil
}
