// Package typing implements the self-expiring typing indicator.
//
// A Lease writes flag=true on the first pulse and schedules flag=false after
// a quiet period. Every further pulse cancels the pending write and schedules
// a new one, so the flag stays true while pulses keep arriving.
package typing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"
)

const DefaultQuiet = 3 * time.Second

var ErrClosed = errors.New("typing lease closed")

// Writer persists the typing flag of one side of a conversation.
type Writer interface {
	SetTyping(ctx context.Context, patientID string, side domain.TypingSide, on bool) error
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock schedules on real time.
var SystemClock Clock = systemClock{}

type key struct {
	patientID string
	side      domain.TypingSide
}

type entry struct {
	timer Timer
	gen   uint64
}

// keyLock serializes flag writes for one key while any are pending.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lease owns the timers of one session. It is safe for concurrent use.
type Lease struct {
	w     Writer
	clock Clock
	quiet time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	active  map[key]*entry
	locks   map[key]*keyLock
	closed  bool
	pending sync.WaitGroup
}

func New(w Writer, clock Clock, quiet time.Duration, log *slog.Logger) *Lease {
	if clock == nil {
		clock = SystemClock
	}
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lease{w: w, clock: clock, quiet: quiet, log: log, active: map[key]*entry{}, locks: map[key]*keyLock{}}
}

// Pulse marks side as typing for patientID and pushes the expiry out by the
// quiet period.
func (l *Lease) Pulse(ctx context.Context, patientID string, side domain.TypingSide) error {
	k := key{patientID, side}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	e, ok := l.active[k]
	if ok {
		e.timer.Stop()
	} else {
		e = &entry{}
		l.active[k] = e
		l.pending.Add(1)
	}
	e.gen++
	gen := e.gen
	e.timer = l.clock.AfterFunc(l.quiet, func() { l.expire(k, gen) })
	l.mu.Unlock()

	if ok {
		return nil
	}
	defer l.pending.Done()
	return l.write(ctx, k)
}

// Active reports whether the lease currently holds the flag for side.
func (l *Lease) Active(patientID string, side domain.TypingSide) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[key{patientID, side}]
	return ok
}

func (l *Lease) expire(k key, gen uint64) {
	l.mu.Lock()
	e, ok := l.active[k]
	// a newer pulse or Close already owns this key
	if l.closed || !ok || e.gen != gen {
		l.mu.Unlock()
		return
	}
	delete(l.active, k)
	l.pending.Add(1)
	l.mu.Unlock()

	defer l.pending.Done()
	l.clear(k)
}

func (l *Lease) clear(k key) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.write(ctx, k); err != nil {
		l.log.Warn("typing clear failed", "patient_id", k.patientID, "side", k.side, "err", err)
	}
}

// write stores the current state of k. Writes for a key run one at a time
// and each reads the state after taking its turn, so the last write to
// land always matches the lease.
func (l *Lease) write(ctx context.Context, k key) error {
	l.mu.Lock()
	kl := l.locks[k]
	if kl == nil {
		kl = &keyLock{}
		l.locks[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	l.mu.Lock()
	_, on := l.active[k]
	on = on && !l.closed
	l.mu.Unlock()
	err := l.w.SetTyping(ctx, k.patientID, k.side, on)
	kl.mu.Unlock()

	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
	l.mu.Unlock()
	return err
}

// Close stops every timer and clears all flags this lease set. When it
// returns no write from this lease is in flight or scheduled.
func (l *Lease) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	keys := make([]key, 0, len(l.active))
	for k, e := range l.active {
		e.timer.Stop()
		keys = append(keys, k)
	}
	l.active = map[key]*entry{}
	l.mu.Unlock()

	l.pending.Wait()
	for _, k := range keys {
		l.clear(k)
	}
}
