// Package stdout implements a Listener that prints a summary of every
// captured email.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-capture-lite/internal/email"
)

const separator = "========================================\n"

// Listener prints captured emails in a human-readable format.
type Listener struct {
	// mu serializes output of concurrent sessions.
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Listener that writes to os.Stdout.
func New() *Listener {
	return &Listener{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Listener that writes to the given
// writer. This is useful for testing.
func NewWithWriter(w io.Writer) *Listener {
	return &Listener{writer: w}
}

// OnMessageReceived prints msg as one block.
func (l *Listener) OnMessageReceived(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "ID: %s\n", msg.ID)
	fmt.Fprintf(&b, "Received: %s\n", msg.ReceivedOn.Format(time.RFC3339))
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	if content, ok := body(msg); ok {
		fmt.Fprintf(&b, "Body (%s):\n", content.ContentType)
		b.WriteString(content.Data + "\n")
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Data))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	if len(msg.InlineImages) > 0 {
		ids := make([]string, 0, len(msg.InlineImages))
		for _, img := range msg.InlineImages {
			ids = append(ids, img.ContentID)
		}
		fmt.Fprintf(&b, "Inline images: %s\n", strings.Join(ids, ", "))
	}

	b.WriteString(separator)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write email summary: %w", err)
	}
	return nil
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return "stdout"
}

// body prefers the plain text content and falls back to HTML, then to
// whatever content comes first.
func body(msg *email.Email) (email.EmailContent, bool) {
	if c, ok := msg.PlainContent(); ok {
		return c, true
	}
	if c, ok := msg.HTMLContent(); ok {
		return c, true
	}
	if len(msg.Contents) > 0 {
		return msg.Contents[0], true
	}
	return email.EmailContent{}, false
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
