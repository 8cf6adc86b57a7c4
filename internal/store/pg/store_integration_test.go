//go:build integration

package pg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatsync/internal/conversation"
	"chatsync/internal/domain"
	"chatsync/internal/store"
	"chatsync/internal/util"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := pgxpool.New(ctx, dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})
	return s
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts += " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func addPatient(t *testing.T, s *Store, id, identity string) {
	t.Helper()
	if err := s.UpsertPatient(context.Background(), store.PatientUpsert{ID: id, Name: id, ChannelIdentity: identity}); err != nil {
		t.Fatalf("upsert patient: %v", err)
	}
}

func inbound(patientID, text, ext string, at time.Time) domain.Message {
	return domain.Message{
		ID: util.NewMessageID(), PatientID: patientID, Sender: domain.SenderPatient,
		CreatedAt: at, Time: util.DisplayTime(at, nil), Text: text, ExternalMessageID: ext,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestDB(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestConcurrentInboundCountsEveryEvent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")

	const n = 25
	now := util.NowUTC()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AppendInbound(ctx, inbound("p1", fmt.Sprintf("hi %d", i), fmt.Sprint(1000+i), now.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	p, err := s.GetPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if p.UnreadCount != n {
		t.Fatalf("unread = %d, want %d", p.UnreadCount, n)
	}
	if p.LastMessage != fmt.Sprintf("hi %d", n-1) {
		t.Fatalf("last message = %q", p.LastMessage)
	}

	if err := s.AppendInbound(ctx, inbound("p1", "again", "1000", now)); err != store.ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if p, _ := s.GetPatient(ctx, "p1"); p.UnreadCount != n {
		t.Fatalf("duplicate must not count, unread = %d", p.UnreadCount)
	}
}

func TestPaginationRoundTripWithTies(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")

	base := util.NowUTC()
	for i := 0; i < 17; i++ {
		at := base.Add(time.Duration(i/3) * time.Second)
		if err := s.AppendOutbound(ctx, domain.Message{
			ID: fmt.Sprintf("msg_%02d", i), PatientID: "p1", Sender: domain.SenderStaff,
			CreatedAt: at, Text: fmt.Sprint(i), Status: domain.StatusSent,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.FetchLatest(ctx, "p1", 100)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(all) != 17 {
		t.Fatalf("got %d messages", len(all))
	}

	page, err := s.FetchLatest(ctx, "p1", 4)
	if err != nil {
		t.Fatalf("fetch latest: %v", err)
	}
	collected := append([]domain.Message(nil), page...)
	for {
		c, ok := conversation.OldestCursor(page)
		if !ok {
			break
		}
		page, err = s.FetchOlderThan(ctx, c, 4)
		if err != nil {
			t.Fatalf("fetch older: %v", err)
		}
		collected = append(page, collected...)
	}

	if len(collected) != len(all) {
		t.Fatalf("collected %d, want %d", len(collected), len(all))
	}
	for i := range all {
		if collected[i].ID != all[i].ID {
			t.Fatalf("position %d: got %s want %s", i, collected[i].ID, all[i].ID)
		}
	}
}

func TestResolvePatientNumericCoercion(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "00123")
	addPatient(t, s, "p2", "alice")

	for _, id := range []string{"00123", "123", "+123", " 123 "} {
		p, ok, err := s.ResolvePatient(ctx, id)
		if err != nil || !ok || p.ID != "p1" {
			t.Fatalf("resolve %q: ok=%v id=%s err=%v", id, ok, p.ID, err)
		}
	}
	if _, ok, err := s.ResolvePatient(ctx, "124"); ok || err != nil {
		t.Fatalf("124 should not resolve: ok=%v err=%v", ok, err)
	}
	if p, ok, _ := s.ResolvePatient(ctx, "alice"); !ok || p.ID != "p2" {
		t.Fatalf("exact text identity should resolve")
	}
}

func TestDeleteIsIdempotentAndKeepsUnread(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")

	now := util.NowUTC()
	m := inbound("p1", "first", "1", now)
	_ = s.AppendInbound(ctx, m)
	_ = s.AppendInbound(ctx, inbound("p1", "second", "2", now.Add(time.Second)))

	for i, want := range []bool{true, false} {
		deleted, err := s.DeleteMessage(ctx, "p1", m.ID)
		if err != nil || deleted != want {
			t.Fatalf("delete #%d: deleted=%v err=%v", i, deleted, err)
		}
	}
	p, _ := s.GetPatient(ctx, "p1")
	if p.UnreadCount != 2 || p.LastMessage != "second" {
		t.Fatalf("summary after delete: %+v", p)
	}
	if _, err := s.GetMessage(ctx, "p1", m.ID); err != domain.ErrMessageNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")
	m := domain.Message{ID: util.NewMessageID(), PatientID: "p1", Sender: domain.SenderStaff,
		CreatedAt: util.NowUTC(), Text: "hello", ExternalMessageID: "77", Status: domain.StatusSent}
	if err := s.AppendOutbound(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}

	steps := []struct {
		to      domain.MessageStatus
		changed bool
	}{
		{domain.StatusSeen, true},
		{domain.StatusDelivered, false},
		{domain.StatusSeen, false},
	}
	for _, st := range steps {
		changed, err := s.AdvanceStatus(ctx, store.Receipt{ChannelIdentity: "555", ExternalMessageID: "77", Status: st.to})
		if err != nil || changed != st.changed {
			t.Fatalf("advance to %s: changed=%v err=%v", st.to, changed, err)
		}
	}
	got, _ := s.GetMessage(ctx, "p1", m.ID)
	if got.Status != domain.StatusSeen {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTaskClaimAndCompletion(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")
	now := util.NowUTC()

	m := domain.Message{ID: util.NewMessageID(), PatientID: "p1", Sender: domain.SenderStaff, CreatedAt: now, Text: "hi", Status: domain.StatusSent}
	_ = s.AppendOutbound(ctx, m)
	task := domain.OutboundTask{ID: util.NewTaskID(), PatientID: "p1", TargetChannelIdentity: "555",
		Action: domain.ActionSend, Text: "hi", OriginatingMessageID: m.ID, CreatedAt: now}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	claimed, ok, err := s.ClaimTask(ctx, task.ID, now, time.Minute, 3)
	if err != nil || !ok || claimed.Attempts != 1 {
		t.Fatalf("first claim: ok=%v attempts=%d err=%v", ok, claimed.Attempts, err)
	}
	if _, ok, _ := s.ClaimTask(ctx, task.ID, now, time.Minute, 3); ok {
		t.Fatalf("fresh claim must block a second consumer")
	}

	res, err := s.CompleteTask(ctx, store.TaskCompletion{Task: claimed, Status: domain.TaskDelivered, ResultExternalMessageID: "901", Now: now})
	if err != nil || !res.Applied || res.Orphaned {
		t.Fatalf("complete: %+v err=%v", res, err)
	}
	res, _ = s.CompleteTask(ctx, store.TaskCompletion{Task: claimed, Status: domain.TaskFailed, Reason: "late", Now: now})
	if res.Applied {
		t.Fatalf("terminal task must not transition again")
	}

	got, _ := s.GetMessage(ctx, "p1", m.ID)
	if got.ExternalMessageID != "901" {
		t.Fatalf("external id = %q", got.ExternalMessageID)
	}
	latest, found, _ := s.LatestTaskForMessage(ctx, m.ID)
	if !found || latest.Status != domain.TaskDelivered {
		t.Fatalf("latest task: %+v", latest)
	}
}

func TestExpirePendingFlagsMessage(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")
	old := util.NowUTC().Add(-48 * time.Hour)

	m := domain.Message{ID: util.NewMessageID(), PatientID: "p1", Sender: domain.SenderStaff, CreatedAt: old, Text: "hi", Status: domain.StatusSent}
	_ = s.AppendOutbound(ctx, m)
	task := domain.OutboundTask{ID: util.NewTaskID(), PatientID: "p1", TargetChannelIdentity: "555",
		Action: domain.ActionSend, Text: "hi", OriginatingMessageID: m.ID, CreatedAt: old}
	_ = s.InsertTask(ctx, task)

	stale, err := s.ListStalePending(ctx, util.NowUTC().Add(-time.Minute), 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("stale: %d err=%v", len(stale), err)
	}

	expired, err := s.ExpirePending(ctx, util.NowUTC().Add(-24*time.Hour), util.NowUTC(), 10)
	if err != nil || len(expired) != 1 || expired[0].Status != domain.TaskFailed {
		t.Fatalf("expire: %+v err=%v", expired, err)
	}
	got, _ := s.GetMessage(ctx, "p1", m.ID)
	if got.DeliveryError != "pending_expired" {
		t.Fatalf("delivery error = %q", got.DeliveryError)
	}
}

func TestEditOfNewestMessageUpdatesPreview(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	addPatient(t, s, "p1", "555")

	now := util.NowUTC()
	older := inbound("p1", "first", "1", now)
	newest := inbound("p1", "secnod", "2", now.Add(time.Second))
	_ = s.AppendInbound(ctx, older)
	_ = s.AppendInbound(ctx, newest)

	if err := s.UpdateMessageText(ctx, "p1", older.ID, "first, edited", now); err != nil {
		t.Fatalf("edit older: %v", err)
	}
	if p, _ := s.GetPatient(ctx, "p1"); p.LastMessage != "secnod" {
		t.Fatalf("editing an older message changed the preview: %q", p.LastMessage)
	}

	ok, err := s.UpdateInboundText(ctx, "p1", "2", "second", now)
	if err != nil || !ok {
		t.Fatalf("inbound edit: ok=%v err=%v", ok, err)
	}
	if p, _ := s.GetPatient(ctx, "p1"); p.LastMessage != "second" {
		t.Fatalf("preview after edit: %q", p.LastMessage)
	}

	if err := s.UpdateMessageText(ctx, "p1", "missing", "x", now); err != domain.ErrMessageNotFound {
		t.Fatalf("edit missing: %v", err)
	}
}
