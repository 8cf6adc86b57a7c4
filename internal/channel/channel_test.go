package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetryAndReason(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	cases := []struct {
		name   string
		err    error
		retry  bool
		reason string
	}{
		{"rate limited", &Error{Code: 429, Reason: "rate_limited", Retryable: true}, true, "rate_limited"},
		{"blocked", &Error{Code: 403, Reason: "blocked"}, false, "blocked"},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), true, "timeout"},
		{"net timeout", timeoutErr{}, true, "timeout"},
		{"refused", refused, true, "network"},
		{"target gone", fmt.Errorf("edit: %w", ErrTargetGone), false, "target_gone"},
		{"bad identity", ErrInvalidIdentity, false, "invalid_identity"},
		{"plain", errors.New("weird"), false, "error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ShouldRetry(c.err); got != c.retry {
				t.Fatalf("ShouldRetry = %v", got)
			}
			if got := Reason(c.err); got != c.reason {
				t.Fatalf("Reason = %q", got)
			}
		})
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	if got := Backoff(0, &Error{RetryAfter: 7 * time.Second}); got != 7*time.Second {
		t.Fatalf("got %s", got)
	}
	if Backoff(0, nil) != 200*time.Millisecond || Backoff(9, nil) != 1400*time.Millisecond {
		t.Fatalf("schedule mismatch")
	}
}
