package typing

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"chatsync/internal/domain"
)

type fakeTimer struct {
	c       *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// AdvanceTo moves time forward and fires due timers in deadline order.
func (c *fakeClock) AdvanceTo(at time.Duration) {
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= at {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = at
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	state  map[string]bool
	writes int
}

func (w *fakeWriter) SetTyping(_ context.Context, patientID string, side domain.TypingSide, on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == nil {
		w.state = map[string]bool{}
	}
	w.state[patientID+"/"+string(side)] = on
	w.writes++
	return nil
}

func (w *fakeWriter) get(patientID string, side domain.TypingSide) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state[patientID+"/"+string(side)]
}

func TestPulsesKeepFlagUntilQuietPeriodAfterLast(t *testing.T) {
	clock := &fakeClock{}
	w := &fakeWriter{}
	l := New(w, clock, 3*time.Second, nil)
	ctx := context.Background()

	for _, at := range []time.Duration{0, time.Second, 2 * time.Second} {
		clock.AdvanceTo(at)
		if err := l.Pulse(ctx, "p1", domain.TypingDoctor); err != nil {
			t.Fatalf("pulse: %v", err)
		}
	}

	checks := []struct {
		at   time.Duration
		want bool
	}{
		{3 * time.Second, true},
		{4990 * time.Millisecond, true},
		{5100 * time.Millisecond, false},
	}
	for _, c := range checks {
		clock.AdvanceTo(c.at)
		if got := w.get("p1", domain.TypingDoctor); got != c.want {
			t.Fatalf("at %s: typing=%v want %v", c.at, got, c.want)
		}
	}
	if w.writes != 2 {
		t.Fatalf("expected one true and one false write, got %d", w.writes)
	}
}

func TestSidesAndPatientsAreIndependent(t *testing.T) {
	clock := &fakeClock{}
	w := &fakeWriter{}
	l := New(w, clock, 3*time.Second, nil)
	ctx := context.Background()

	_ = l.Pulse(ctx, "p1", domain.TypingDoctor)
	clock.AdvanceTo(2 * time.Second)
	_ = l.Pulse(ctx, "p2", domain.TypingDoctor)
	_ = l.Pulse(ctx, "p1", domain.TypingUser)

	clock.AdvanceTo(3500 * time.Millisecond)
	if w.get("p1", domain.TypingDoctor) {
		t.Fatalf("p1 doctor should have expired")
	}
	if !w.get("p2", domain.TypingDoctor) || !w.get("p1", domain.TypingUser) {
		t.Fatalf("other leases should still be active")
	}
}

func TestCloseClearsFlagsAndStopsTimers(t *testing.T) {
	clock := &fakeClock{}
	w := &fakeWriter{}
	l := New(w, clock, 3*time.Second, nil)
	ctx := context.Background()

	_ = l.Pulse(ctx, "p1", domain.TypingDoctor)
	l.Close()
	if w.get("p1", domain.TypingDoctor) {
		t.Fatalf("close must clear the flag synchronously")
	}
	writes := w.writes

	clock.AdvanceTo(10 * time.Second)
	if w.writes != writes {
		t.Fatalf("no write may happen after close, got %d extra", w.writes-writes)
	}
	if err := l.Pulse(ctx, "p1", domain.TypingDoctor); err != ErrClosed {
		t.Fatalf("pulse after close: %v", err)
	}
	l.Close()
}

// gatedWriter parks the first false write until release is closed.
type gatedWriter struct {
	fakeWriter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (w *gatedWriter) SetTyping(ctx context.Context, patientID string, side domain.TypingSide, on bool) error {
	if !on {
		first := false
		w.once.Do(func() { first = true })
		if first {
			close(w.entered)
			<-w.release
		}
	}
	return w.fakeWriter.SetTyping(ctx, patientID, side, on)
}

func TestPulseDuringExpiryWriteLeavesFlagSet(t *testing.T) {
	clock := &fakeClock{}
	w := &gatedWriter{entered: make(chan struct{}), release: make(chan struct{})}
	l := New(w, clock, 3*time.Second, nil)
	ctx := context.Background()

	if err := l.Pulse(ctx, "p1", domain.TypingDoctor); err != nil {
		t.Fatalf("pulse: %v", err)
	}

	expired := make(chan struct{})
	go func() {
		clock.AdvanceTo(3 * time.Second)
		close(expired)
	}()
	<-w.entered

	pulsed := make(chan error, 1)
	go func() { pulsed <- l.Pulse(ctx, "p1", domain.TypingDoctor) }()
	deadline := time.Now().Add(2 * time.Second)
	for !l.Active("p1", domain.TypingDoctor) {
		if time.Now().After(deadline) {
			t.Fatalf("second pulse never took the lease")
		}
		time.Sleep(time.Millisecond)
	}

	close(w.release)
	<-expired
	if err := <-pulsed; err != nil {
		t.Fatalf("pulse: %v", err)
	}
	if !l.Active("p1", domain.TypingDoctor) || !w.get("p1", domain.TypingDoctor) {
		t.Fatalf("lease active=%v stored flag=%v, want both true",
			l.Active("p1", domain.TypingDoctor), w.get("p1", domain.TypingDoctor))
	}
	l.Close()
}
