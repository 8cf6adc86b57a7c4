package conversation

import (
	"fmt"
	"testing"
	"time"

	"chatsync/internal/domain"
)

var t0 = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) domain.Message {
	return domain.Message{ID: id, PatientID: "p1", CreatedAt: t0.Add(offset), Text: id}
}

func ids(msgs []domain.Message) string {
	s := ""
	for i, m := range msgs {
		if i > 0 {
			s += ","
		}
		s += m.ID
	}
	return s
}

func TestSortAscendingTieBreaksOnID(t *testing.T) {
	msgs := []domain.Message{msg("b", 0), msg("c", time.Second), msg("a", 0), msg("z", -time.Second)}
	SortAscending(msgs)
	if got := ids(msgs); got != "z,a,b,c" {
		t.Fatalf("got %s", got)
	}
	SortNewestFirst(msgs)
	if got := ids(msgs); got != "c,b,a,z" {
		t.Fatalf("got %s", got)
	}
}

func TestOlderThanIsStrict(t *testing.T) {
	c := CursorAt(msg("m5", 5*time.Second))
	if OlderThan(msg("m5", 5*time.Second), c) {
		t.Fatalf("cursor message itself must not be older than the cursor")
	}
	if !OlderThan(msg("m4", 5*time.Second), c) {
		t.Fatalf("same timestamp with smaller id must be older")
	}
	if OlderThan(msg("m6", 5*time.Second), c) {
		t.Fatalf("same timestamp with larger id must be newer")
	}
	if !OlderThan(msg("zz", 4*time.Second), c) {
		t.Fatalf("earlier timestamp must be older regardless of id")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := CursorAt(msg("msg_01", 1500*time.Microsecond))
	got, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != c.ID || !got.CreatedAt.Equal(c.CreatedAt) || got.PatientID != "p1" {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}
	if _, err := DecodeCursor("not base64!"); err != ErrBadCursor {
		t.Fatalf("expected ErrBadCursor, got %v", err)
	}
	if _, err := DecodeCursor(Cursor{}.Encode()); err != ErrBadCursor {
		t.Fatalf("expected ErrBadCursor for empty cursor, got %v", err)
	}
}

// pageOlder mimics a store page: newest first, strictly older than c, at most n.
func pageOlder(all []domain.Message, c Cursor, n int) []domain.Message {
	var out []domain.Message
	for _, m := range all {
		if OlderThan(m, c) {
			out = append(out, m)
		}
	}
	SortNewestFirst(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func TestPaginationRoundTrip(t *testing.T) {
	var all []domain.Message
	for i := 0; i < 23; i++ {
		// pairs share a timestamp to exercise the id tie-break
		all = append(all, msg(fmt.Sprintf("m%02d", i), time.Duration(i/2)*time.Second))
	}

	latest := append([]domain.Message(nil), all...)
	SortNewestFirst(latest)
	expected := append([]domain.Message(nil), latest...)
	Reverse(expected)

	var collected []domain.Message
	first := latest[:5]
	collected = append(collected, first...)
	c := CursorAt(first[len(first)-1])
	for {
		page := pageOlder(all, c, 5)
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		c = CursorAt(page[len(page)-1])
	}
	Reverse(collected)
	if ids(collected) != ids(expected) {
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", ids(collected), ids(expected))
	}
}

func TestMergeDeduplicatesAndDropsDeletedInsideWindow(t *testing.T) {
	history := []domain.Message{msg("h1", 1*time.Second), msg("h2", 2*time.Second), msg("w3", 3*time.Second), msg("w4", 4*time.Second)}
	edited := msg("w3", 3*time.Second)
	edited.Text = "edited"
	// w4 was deleted; window is 2 and the live snapshot holds w3 and w5
	live := []domain.Message{msg("w5", 5*time.Second), edited}

	got := Merge(history, live, 2)
	if ids(got) != "h1,h2,w3,w5" {
		t.Fatalf("got %s", ids(got))
	}
	if got[2].Text != "edited" {
		t.Fatalf("live copy should win, got %q", got[2].Text)
	}
}

func TestMergeShortLiveCoversEverything(t *testing.T) {
	history := []domain.Message{msg("gone", time.Second)}
	live := []domain.Message{msg("a", 2*time.Second)}
	if got := Merge(history, live, 30); ids(got) != "a" {
		t.Fatalf("short live window should be authoritative, got %s", ids(got))
	}
}

func TestMergeKeepsOutOfWindowStaleEntries(t *testing.T) {
	// documented gap: an edit to h1 outside the window is not visible here
	history := []domain.Message{msg("h1", time.Second)}
	live := []domain.Message{msg("a", 2*time.Second), msg("b", 3*time.Second)}
	got := Merge(history, live, 2)
	if ids(got) != "h1,a,b" {
		t.Fatalf("got %s", ids(got))
	}
}
