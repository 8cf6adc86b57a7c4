package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	sqsqueue "chatsync/internal/queue/sqs"
	"chatsync/internal/receipts"
)

type fakeReceiptQueue struct{ events []sqsqueue.ReceiptEvent }

func (q *fakeReceiptQueue) Enqueue(_ context.Context, ev sqsqueue.ReceiptEvent) error {
	q.events = append(q.events, ev)
	return nil
}

const publicURL = "https://hooks.example.com/v1/webhooks/channel/receipts"

func postReceipt(h http.Handler, form url.Values, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/channel/receipts", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(receipts.SignatureHeader, sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReceiptWebhook(t *testing.T) {
	q := &fakeReceiptQueue{}
	s := New()
	(&Webhook{Queue: q, VerifySignature: receipts.VerifySignature, Secret: "k", PublicURL: publicURL}).Register(s.Mux)

	form := url.Values{"channel_identity": {" 555 "}, "external_message_id": {"77"}, "status": {"seen"}}
	if rec := postReceipt(s.Mux, form, "bogus"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned receipt accepted: %d", rec.Code)
	}

	rec := postReceipt(s.Mux, form, receipts.Sign("k", publicURL, form))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if len(q.events) != 1 || q.events[0].ChannelIdentity != "555" || q.events[0].Status != "seen" {
		t.Fatalf("events %+v", q.events)
	}

	partial := url.Values{"status": {"seen"}}
	if rec := postReceipt(s.Mux, partial, receipts.Sign("k", publicURL, partial)); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete receipt: %d", rec.Code)
	}
}
