// Package livefeed fans PostgreSQL change notifications out to in-process
// subscribers keyed by patient id.
package livefeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatsync/internal/store"
)

type Kind string

const (
	KindMessages Kind = "messages"
	KindPatient  Kind = "patient"
)

// Event says that something about a patient changed; subscribers refetch.
type Event struct {
	Kind      Kind
	PatientID string
}

type Hub struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[int]func(Event)
	next int
}

func NewHub(pool *pgxpool.Pool, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{pool: pool, log: log, subs: map[string]map[int]func(Event){}}
}

// Subscribe registers fn for events of one patient. fn runs on the hub's
// goroutine and must not block. The returned func removes the subscription.
func (h *Hub) Subscribe(patientID string, fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	if h.subs[patientID] == nil {
		h.subs[patientID] = map[int]func(Event){}
	}
	h.subs[patientID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[patientID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subs, patientID)
				}
			}
		})
	}
}

// Publish delivers ev to the subscribers of its patient.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs[ev.PatientID]))
	for _, fn := range h.subs[ev.PatientID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Run listens on the notification channels until ctx is done, reconnecting
// with backoff when the connection drops.
func (h *Hub) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	for {
		err := h.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		h.log.Warn("livefeed listen stopped, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

func (h *Hub) listen(ctx context.Context) error {
	pc, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// a LISTEN connection must not go back to the pool
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	for _, ch := range []string{store.ChannelMessages, store.ChannelPatients} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return err
		}
	}
	h.log.Info("livefeed listening")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev := Event{PatientID: n.Payload, Kind: KindMessages}
		if n.Channel == store.ChannelPatients {
			ev.Kind = KindPatient
		}
		h.Publish(ev)
	}
}
