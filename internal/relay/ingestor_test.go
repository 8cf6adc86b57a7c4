package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/dedupe"
	"chatsync/internal/domain"
	"chatsync/internal/media"
	"chatsync/internal/safety"
	"chatsync/internal/store"
)

// fakeInbound increments unread with an atomic add, like the SQL statement.
type fakeInbound struct {
	patients map[string]domain.PatientSummary
	unread   atomic.Int64

	mu       sync.Mutex
	messages []domain.Message
	edits    int
	failNext int
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{patients: map[string]domain.PatientSummary{
		"555": {ID: "p1", Name: "Ana", ChannelIdentity: "555"},
	}}
}

func (f *fakeInbound) ResolvePatient(_ context.Context, identity string) (domain.PatientSummary, bool, error) {
	p, ok := f.patients[identity]
	return p, ok, nil
}

func (f *fakeInbound) AppendInbound(_ context.Context, m domain.Message) error {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	for _, have := range f.messages {
		if have.ExternalMessageID == m.ExternalMessageID {
			f.mu.Unlock()
			return store.ErrDuplicate
		}
	}
	f.messages = append(f.messages, m)
	f.mu.Unlock()
	f.unread.Add(1)
	return nil
}

func (f *fakeInbound) UpdateInboundText(_ context.Context, _, externalID, text string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ExternalMessageID == externalID {
			f.messages[i].Text = text
			f.edits++
			return true, nil
		}
	}
	return false, nil
}

type fakeFiles struct{}

func (fakeFiles) FileURL(_ context.Context, fileID string) (string, error) {
	return "https://api.telegram.org/file/botT/" + fileID, nil
}

type fakeMedia struct {
	err   error
	calls int
}

func (m *fakeMedia) Publish(_ context.Context, src media.Source) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "https://cdn.example.com/" + src.MessageID, nil
}

func newIngestor(t *testing.T, st *fakeInbound, md *fakeMedia) *Ingestor {
	t.Helper()
	gate, err := safety.New(nil, nil)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	return &Ingestor{
		Store:  st,
		Gate:   gate,
		Files:  fakeFiles{},
		Media:  md,
		Dedupe: dedupe.NewMemory(time.Hour),
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}
}

func textEvent(ext, text string) channel.Inbound {
	return channel.Inbound{Identity: "555", ExternalMessageID: ext, Text: text, At: time.Unix(1700000000, 0)}
}

func TestDangerousAttachmentRejectedBeforePersisting(t *testing.T) {
	st, md := newFakeInbound(), &fakeMedia{}
	in := textEvent("1", "see attached")
	in.Attachment = &channel.Attachment{Kind: channel.AttachmentDocument, FileID: "F1", FileName: "invoice.exe"}

	out, err := newIngestor(t, st, md).Ingest(context.Background(), in)
	if err != nil || out != OutcomeRejected {
		t.Fatalf("out=%s err=%v", out, err)
	}
	if len(st.messages) != 0 || st.unread.Load() != 0 || md.calls != 0 {
		t.Fatalf("rejected event left traces: msgs=%d unread=%d media=%d", len(st.messages), st.unread.Load(), md.calls)
	}
}

func TestUnsafeTextRejected(t *testing.T) {
	st := newFakeInbound()
	out, _ := newIngestor(t, st, &fakeMedia{}).Ingest(context.Background(), textEvent("1", "click javascript:alert(1)"))
	if out != OutcomeRejected || st.unread.Load() != 0 {
		t.Fatalf("out=%s unread=%d", out, st.unread.Load())
	}
}

func TestConcurrentInboundCountsEveryEvent(t *testing.T) {
	for _, n := range []int{2, 64} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			st := newFakeInbound()
			g := newIngestor(t, st, &fakeMedia{})
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					g.Handle(context.Background(), textEvent(fmt.Sprint(i), "hi"))
				}(i)
			}
			wg.Wait()
			if got := st.unread.Load(); got != int64(n) {
				t.Fatalf("unread=%d want %d", got, n)
			}
		})
	}
}

func TestUnresolvedSenderDropped(t *testing.T) {
	st := newFakeInbound()
	in := textEvent("1", "hello")
	in.Identity = "999"
	out, err := newIngestor(t, st, &fakeMedia{}).Ingest(context.Background(), in)
	if err != nil || out != OutcomeUnresolved || len(st.messages) != 0 {
		t.Fatalf("out=%s err=%v msgs=%d", out, err, len(st.messages))
	}
}

func TestRedeliveredEventStoredOnce(t *testing.T) {
	st := newFakeInbound()
	g := newIngestor(t, st, &fakeMedia{})
	ctx := context.Background()
	if out, _ := g.Ingest(ctx, textEvent("1", "hi")); out != OutcomeStored {
		t.Fatalf("first: %s", out)
	}
	if out, _ := g.Ingest(ctx, textEvent("1", "hi")); out != OutcomeDuplicate {
		t.Fatalf("second: %s", out)
	}
	// a fresh relay replica without the dedupe entry hits the unique index
	g.Dedupe = dedupe.NewMemory(time.Hour)
	if out, _ := g.Ingest(ctx, textEvent("1", "hi")); out != OutcomeDuplicate {
		t.Fatalf("third: %s", out)
	}
	if st.unread.Load() != 1 {
		t.Fatalf("unread=%d", st.unread.Load())
	}
}

func TestMediaFailureStoresNothingAndAllowsRetry(t *testing.T) {
	st, md := newFakeInbound(), &fakeMedia{err: errors.New("s3 down")}
	g := newIngestor(t, st, md)
	in := textEvent("1", "")
	in.Attachment = &channel.Attachment{Kind: channel.AttachmentImage, FileID: "P1", MimeType: "image/jpeg"}

	if _, err := g.Ingest(context.Background(), in); err == nil {
		t.Fatalf("expected publish failure")
	}
	if len(st.messages) != 0 || st.unread.Load() != 0 {
		t.Fatalf("failed event must not be persisted")
	}

	md.err = nil
	out, err := g.Ingest(context.Background(), in)
	if err != nil || out != OutcomeStored {
		t.Fatalf("retry: out=%s err=%v", out, err)
	}
	if st.messages[0].Image != "https://cdn.example.com/"+st.messages[0].ID {
		t.Fatalf("durable url not stored: %+v", st.messages[0])
	}
}

func TestHandleRetriesTransientStoreFailure(t *testing.T) {
	st := newFakeInbound()
	st.failNext = 2
	newIngestor(t, st, &fakeMedia{}).Handle(context.Background(), textEvent("1", "hi"))
	if len(st.messages) != 1 || st.unread.Load() != 1 {
		t.Fatalf("msgs=%d unread=%d", len(st.messages), st.unread.Load())
	}
}

func TestInboundEditKeepsUnread(t *testing.T) {
	st := newFakeInbound()
	g := newIngestor(t, st, &fakeMedia{})
	ctx := context.Background()
	_, _ = g.Ingest(ctx, textEvent("1", "helo"))

	edit := textEvent("1", "hello")
	edit.Edited, edit.At = true, edit.At.Add(time.Minute)
	out, err := g.Ingest(ctx, edit)
	if err != nil || out != OutcomeEdited {
		t.Fatalf("out=%s err=%v", out, err)
	}
	if st.messages[0].Text != "hello" || st.unread.Load() != 1 {
		t.Fatalf("text=%q unread=%d", st.messages[0].Text, st.unread.Load())
	}
}
