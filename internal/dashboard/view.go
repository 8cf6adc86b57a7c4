package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"chatsync/internal/conversation"
	"chatsync/internal/domain"
	"chatsync/internal/livefeed"
	"chatsync/internal/typing"
)

var ErrViewClosed = errors.New("view closed")

// Feed delivers change notifications for one patient.
type Feed interface {
	Subscribe(patientID string, fn func(livefeed.Event)) func()
}

// Snapshot is what a view shows at one moment. Stale marks a frame served
// from the seed cache before the store answered.
type Snapshot struct {
	Messages []domain.Message       `json:"messages"`
	Patient  *domain.PatientSummary `json:"patient,omitempty"`
	Stale    bool                   `json:"stale"`
	HasOlder bool                   `json:"hasOlder"`
}

type ViewOptions struct {
	Window int
	Cache  *SeedCache
	Lease  *typing.Lease
	Log    *slog.Logger
}

// View is one open conversation on the dashboard. It seeds from the cache,
// follows the latest Window messages through the feed and merges in older
// pages on request.
//
// Only the live window is kept current. An edit or delete of a message
// older than the window, made after its page was loaded, shows up only
// when the view is reopened.
type View struct {
	store     Store
	patientID string
	opts      ViewOptions
	log       *slog.Logger

	updates chan Snapshot
	bell    chan struct{}
	done    chan struct{}
	unsub   func()
	wg      sync.WaitGroup

	mu       sync.Mutex
	history  []domain.Message
	live     []domain.Message
	patient  *domain.PatientSummary
	hasOlder bool
	expanded bool
	closed   bool

	// change kinds seen since the loop last woke
	dirtyMessages bool
	dirtyPatient  bool
}

// Open starts a view. The subscription is made before the first fetch so no
// change between the two is lost. Opening a view marks the conversation read.
func Open(ctx context.Context, st Store, feed Feed, patientID string, opts ViewOptions) (*View, error) {
	if opts.Window <= 0 {
		opts.Window = 30
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	v := &View{
		store:     st,
		patientID: patientID,
		opts:      opts,
		log:       opts.Log.With("patient_id", patientID),
		updates:   make(chan Snapshot, 1),
		bell:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if opts.Cache != nil {
		if seed, ok := opts.Cache.Get(patientID); ok {
			v.mu.Lock()
			v.live = seed
			v.emitLocked(true)
			v.mu.Unlock()
		}
	}

	v.unsub = feed.Subscribe(patientID, v.notify)

	if err := st.ResetUnread(ctx, patientID); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.refreshPatient(ctx); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.refresh(ctx); err != nil {
		v.Close()
		return nil, err
	}

	v.wg.Add(1)
	go v.loop()
	return v, nil
}

// Updates yields the latest snapshot. Slow readers skip intermediate frames.
func (v *View) Updates() <-chan Snapshot { return v.updates }

// LoadOlder fetches the page before the oldest message shown and reports
// how many messages it added.
func (v *View) LoadOlder(ctx context.Context, n int) (int, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, ErrViewClosed
	}
	cur, ok := conversation.OldestCursor(conversation.Merge(v.history, v.live, v.opts.Window))
	v.mu.Unlock()
	if !ok {
		return 0, nil
	}

	page, err := v.store.FetchOlderThan(ctx, cur, n)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrViewClosed
	}
	v.history = append(v.history, page...)
	v.hasOlder = len(page) == n
	v.expanded = true
	v.emitLocked(false)
	return len(page), nil
}

// Pulse reports that staff is typing in this conversation.
func (v *View) Pulse(ctx context.Context) error {
	if v.opts.Lease == nil {
		return nil
	}
	return v.opts.Lease.Pulse(ctx, v.patientID, domain.TypingDoctor)
}

// Close unsubscribes, clears typing flags set by this view and closes
// Updates. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.unsub()
	close(v.done)
	v.wg.Wait()
	if v.opts.Lease != nil {
		v.opts.Lease.Close()
	}

	v.mu.Lock()
	close(v.updates)
	v.mu.Unlock()
}

func (v *View) loop() {
	defer v.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-v.done
		cancel()
	}()

	for {
		select {
		case <-v.done:
			return
		case <-v.bell:
			v.mu.Lock()
			messages, patient := v.dirtyMessages, v.dirtyPatient
			v.dirtyMessages, v.dirtyPatient = false, false
			v.mu.Unlock()

			if err := v.apply(ctx, messages, patient); err != nil && ctx.Err() == nil {
				v.log.Warn("live view refresh failed", "err", err)
			}
		}
	}
}

// notify records the change kind and rings the loop. Kinds coalesce
// separately, so a burst of patient changes never hides a message change.
func (v *View) notify(ev livefeed.Event) {
	v.mu.Lock()
	if ev.Kind == livefeed.KindPatient {
		v.dirtyPatient = true
	} else {
		v.dirtyMessages = true
	}
	v.mu.Unlock()
	select {
	case v.bell <- struct{}{}:
	default:
	}
}

func (v *View) apply(ctx context.Context, messages, patient bool) error {
	if patient {
		if err := v.refreshPatient(ctx); err != nil {
			return err
		}
	}
	if messages {
		return v.refresh(ctx)
	}
	v.mu.Lock()
	v.emitLocked(false)
	v.mu.Unlock()
	return nil
}

func (v *View) refresh(ctx context.Context) error {
	latest, err := v.store.FetchLatest(ctx, v.patientID, v.opts.Window)
	if err != nil {
		return err
	}
	if v.opts.Cache != nil {
		v.opts.Cache.Put(v.patientID, latest)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	if v.expanded {
		v.history = keepSlidOut(v.history, v.live, latest, v.opts.Window)
	}
	v.live = latest
	if len(v.history) == 0 {
		v.hasOlder = len(latest) == v.opts.Window
	}
	v.emitLocked(false)
	return nil
}

func (v *View) refreshPatient(ctx context.Context) error {
	p, err := v.store.GetPatient(ctx, v.patientID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.patient = &p
	v.mu.Unlock()
	return nil
}

// keepSlidOut moves messages that fell out of the live window into history,
// so a view that has loaded older pages keeps showing them.
func keepSlidOut(history, prev, latest []domain.Message, window int) []domain.Message {
	if len(latest) < window {
		return history
	}
	lower, ok := conversation.OldestCursor(latest)
	if !ok {
		return history
	}
	have := make(map[string]struct{}, len(history))
	for _, m := range history {
		have[m.ID] = struct{}{}
	}
	for _, m := range prev {
		if _, dup := have[m.ID]; dup || !conversation.OlderThan(m, lower) {
			continue
		}
		have[m.ID] = struct{}{}
		history = append(history, m)
	}
	return history
}

// emitLocked replaces any unread snapshot with the current one.
func (v *View) emitLocked(stale bool) {
	if v.closed {
		return
	}
	s := Snapshot{
		Messages: conversation.Merge(v.history, v.live, v.opts.Window),
		Patient:  v.patient,
		Stale:    stale,
		HasOlder: v.hasOlder,
	}
	select {
	case <-v.updates:
	default:
	}
	v.updates <- s
}
