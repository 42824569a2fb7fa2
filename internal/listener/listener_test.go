package listener

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-capture-lite/internal/email"
)

// recorder is a Listener that records what it receives.
type recorder struct {
	name string
	err  error
	fn   func(ctx context.Context)

	mu       sync.Mutex
	received []*email.Email
}

func (r *recorder) OnMessageReceived(ctx context.Context, msg *email.Email) error {
	if r.fn != nil {
		r.fn(ctx)
	}
	r.mu.Lock()
	r.received = append(r.received, msg)
	r.mu.Unlock()
	return r.err
}

func (r *recorder) Name() string {
	return r.name
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

type panicking struct{}

func (panicking) OnMessageReceived(context.Context, *email.Email) error {
	panic("boom")
}

func (panicking) Name() string {
	return "panicking"
}

func testEmail() *email.Email {
	return &email.Email{
		ID:      "0d1a0a8e-6f5c-4b6e-9bb4-7b8f0a3d9a11",
		From:    "sender@example.com",
		To:      []string{"alice@example.com", "bob@example.org"},
		Subject: "hello",
	}
}

func TestFanout_DeliversInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	mark := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	first := &recorder{name: "first", fn: mark("first")}
	second := &recorder{name: "second", fn: mark("second")}
	f := NewFanout(time.Second, first, second)

	if err := f.OnMessageReceived(context.Background(), testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := strings.Join(order, ","); got != "first,second" {
		t.Errorf("order: got %q, want %q", got, "first,second")
	}
	if f.Len() != 2 {
		t.Errorf("Len: got %d, want 2", f.Len())
	}
}

func TestFanout_FailureDoesNotStopLaterListeners(t *testing.T) {
	t.Parallel()

	errDown := errors.New("backend down")
	failing := &recorder{name: "failing", err: errDown}
	after := &recorder{name: "after"}
	f := NewFanout(time.Second, failing, panicking{}, after)

	err := f.OnMessageReceived(context.Background(), testEmail())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !errors.Is(err, errDown) {
		t.Errorf("expected error to wrap %v, got %v", errDown, err)
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("expected panic to be reported, got %v", err)
	}
	if after.count() != 1 {
		t.Errorf("later listener received %d emails, want 1", after.count())
	}
}

func TestFanout_TimeoutBoundsEachListener(t *testing.T) {
	t.Parallel()

	var deadline time.Time
	var hasDeadline bool
	l := &recorder{name: "slow", fn: func(ctx context.Context) {
		deadline, hasDeadline = ctx.Deadline()
	}}

	start := time.Now()
	f := NewFanout(50*time.Millisecond, l)
	if err := f.OnMessageReceived(context.Background(), testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !hasDeadline {
		t.Fatal("expected listener context to carry a deadline")
	}
	if deadline.Sub(start) > time.Second {
		t.Errorf("deadline too far away: %v", deadline.Sub(start))
	}
}

func TestFanout_NoListeners(t *testing.T) {
	t.Parallel()

	f := NewFanout(0)
	if err := f.OnMessageReceived(context.Background(), testEmail()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		patterns  []string
		delivered bool
	}{
		{"no patterns", nil, true},
		{"sender matches", []string{`^sender@`}, false},
		{"second recipient matches", []string{`@example\.org$`}, false},
		{"nothing matches", []string{`@nowhere\.test$`}, true},
		{"blank patterns ignored", []string{"", "  "}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			patterns, err := CompilePatterns(tt.patterns)
			if err != nil {
				t.Fatalf("CompilePatterns: %v", err)
			}

			next := &recorder{name: "next"}
			f := NewFilter(next, patterns)
			err = f.OnMessageReceived(context.Background(), testEmail())
			if tt.delivered && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.delivered && !errors.Is(err, ErrFiltered) {
				t.Fatalf("got error %v, want ErrFiltered", err)
			}

			if got := next.count() == 1; got != tt.delivered {
				t.Errorf("delivered: got %v, want %v", got, tt.delivered)
			}
		})
	}
}

func TestFilter_MatchesReportsPattern(t *testing.T) {
	t.Parallel()

	f := NewFilter(&recorder{}, []*regexp.Regexp{regexp.MustCompile(`bob@`)})
	pattern, ok := f.Matches(testEmail())
	if !ok {
		t.Fatal("expected a match")
	}
	if pattern != "bob@" {
		t.Errorf("pattern: got %q, want %q", pattern, "bob@")
	}
}

func TestCompilePatterns_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := CompilePatterns([]string{"valid", "(unclosed"}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
