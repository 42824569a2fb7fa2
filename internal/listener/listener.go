// Package listener defines the interface for consumers of captured email
// and the composites the SMTP server delivers through.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shineum/smtp-capture-lite/internal/email"
	"github.com/shineum/smtp-capture-lite/internal/metrics"
)

// Listener is the interface that consumers of captured email must
// implement. Each listener receives every message that completed a DATA
// phase (store, stdout, webhook, live feed, etc.).
type Listener interface {
	// OnMessageReceived is invoked once per captured email. A returned
	// error is logged and never changes the reply sent to the SMTP client.
	OnMessageReceived(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this listener.
	Name() string
}

// Fanout delivers each email to a list of listeners, sequentially and in
// registration order. A failing or panicking listener does not prevent the
// following ones from running.
type Fanout struct {
	timeout   time.Duration
	listeners []Listener
}

// NewFanout creates a Fanout. A positive timeout bounds every single
// listener invocation.
func NewFanout(timeout time.Duration, listeners ...Listener) *Fanout {
	return &Fanout{
		timeout:   timeout,
		listeners: listeners,
	}
}

// OnMessageReceived invokes every listener and returns their joined errors.
func (f *Fanout) OnMessageReceived(ctx context.Context, msg *email.Email) error {
	var errs []error
	for _, l := range f.listeners {
		if err := f.invoke(ctx, l, msg); err != nil {
			slog.Error("listener failed",
				"listener", l.Name(),
				"email_id", msg.ID,
				"error", err,
			)
			metrics.ListenerFailures.WithLabelValues(l.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Name returns the listener name.
func (f *Fanout) Name() string {
	return "fanout"
}

// Len returns the number of registered listeners.
func (f *Fanout) Len() int {
	return len(f.listeners)
}

func (f *Fanout) invoke(ctx context.Context, l Listener, msg *email.Email) (err error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()

	return l.OnMessageReceived(ctx, msg)
}

// ErrFiltered is returned by Filter for an email it did not pass on.
var ErrFiltered = errors.New("email filtered")

// Filter suppresses delivery of emails whose sender or any recipient
// matches one of its patterns. Matching emails are still accepted on the
// wire.
type Filter struct {
	next     Listener
	patterns []*regexp.Regexp
}

// NewFilter wraps next with the given patterns.
func NewFilter(next Listener, patterns []*regexp.Regexp) *Filter {
	return &Filter{
		next:     next,
		patterns: patterns,
	}
}

// OnMessageReceived forwards msg unless it is filtered, in which case it
// returns ErrFiltered.
func (f *Filter) OnMessageReceived(ctx context.Context, msg *email.Email) error {
	if pattern, ok := f.Matches(msg); ok {
		slog.Info("email filtered, not passed to listeners",
			"email_id", msg.ID,
			"from", msg.From,
			"to", msg.To,
			"pattern", pattern,
		)
		return ErrFiltered
	}
	return f.next.OnMessageReceived(ctx, msg)
}

// Name returns the listener name.
func (f *Filter) Name() string {
	return "filter"
}

// Matches reports whether msg is filtered, and by which pattern.
func (f *Filter) Matches(msg *email.Email) (string, bool) {
	for _, p := range f.patterns {
		if p.MatchString(msg.From) {
			return p.String(), true
		}
		for _, to := range msg.To {
			if p.MatchString(to) {
				return p.String(), true
			}
		}
	}
	return "", false
}

// CompilePatterns compiles filter expressions, skipping blank entries.
func CompilePatterns(exprs []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		p, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", expr, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
