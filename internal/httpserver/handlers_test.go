package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/internal/conversation"
	"chatsync/internal/dashboard"
	"chatsync/internal/domain"
)

type fakeDashboard struct {
	composeRes dashboard.Result
	err        error
	limit      int
	before     string
	pulses     int
}

func (f *fakeDashboard) Compose(context.Context, string, domain.Payload) (dashboard.Result, error) {
	return f.composeRes, f.err
}

func (f *fakeDashboard) Edit(context.Context, string, string, string) (dashboard.Result, error) {
	return f.composeRes, f.err
}

func (f *fakeDashboard) Delete(context.Context, string, string) (dashboard.Result, error) {
	return dashboard.Result{Saved: true}, f.err
}

func (f *fakeDashboard) MarkRead(context.Context, string) error { return f.err }

func (f *fakeDashboard) History(_ context.Context, _, before string, limit int) ([]domain.Message, string, error) {
	f.limit, f.before = limit, before
	return nil, "", f.err
}

func (f *fakeDashboard) DeliveryStatus(context.Context, string, string) (dashboard.Delivery, error) {
	return dashboard.Delivery{State: dashboard.DeliveryFailed, Reason: "blocked"}, f.err
}

func (f *fakeDashboard) Pulse(context.Context, string, domain.TypingSide) error {
	f.pulses++
	return f.err
}

func newTestAPI(f *fakeDashboard) http.Handler {
	s := New()
	(&API{Dashboard: f, Typing: f, PageSize: 30, MaxPage: 100}).Register(s.Mux)
	return s.Mux
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestComposeWithoutConnectionIsCreatedWithFailedDelivery(t *testing.T) {
	f := &fakeDashboard{composeRes: dashboard.Result{
		Message:     domain.Message{ID: "msg_1", Text: "hi"},
		Saved:       true,
		DeliveryErr: domain.ErrMissingChannelIdentity,
	}}
	rec := do(newTestAPI(f), http.MethodPost, "/v1/patients/p1/messages", `{"text":"hi"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var out messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message == nil || out.Message.ID != "msg_1" {
		t.Fatalf("message missing: %s", rec.Body)
	}
	if out.Delivery.State != "failed" || out.Delivery.Reason != "missing_connection" {
		t.Fatalf("delivery %+v", out.Delivery)
	}
}

func TestComposeQueuedDelivery(t *testing.T) {
	f := &fakeDashboard{composeRes: dashboard.Result{
		Message: domain.Message{ID: "msg_1"},
		Saved:   true,
		Task:    &domain.OutboundTask{ID: "task_1"},
	}}
	rec := do(newTestAPI(f), http.MethodPost, "/v1/patients/p1/messages", `{"text":"hi"}`)
	if !strings.Contains(rec.Body.String(), `"delivery":{"state":"pending","taskId":"task_1"}`) {
		t.Fatalf("body %s", rec.Body)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", nil, http.MethodPost, "/v1/patients/p1/messages", `{`, http.StatusBadRequest},
		{"empty payload", domain.ErrEmptyPayload, http.MethodPost, "/v1/patients/p1/messages", `{}`, http.StatusBadRequest},
		{"unknown patient", domain.ErrPatientNotFound, http.MethodPost, "/v1/patients/px/messages", `{"text":"a"}`, http.StatusNotFound},
		{"not editable", domain.ErrNotEditable, http.MethodPatch, "/v1/patients/p1/messages/m1", `{"text":"a"}`, http.StatusConflict},
		{"bad cursor", conversation.ErrBadCursor, http.MethodGet, "/v1/patients/p1/messages?before=zz", ``, http.StatusBadRequest},
		{"bad limit", nil, http.MethodGet, "/v1/patients/p1/messages?limit=-1", ``, http.StatusBadRequest},
		{"store down", context.DeadlineExceeded, http.MethodPost, "/v1/patients/p1/read", ``, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(newTestAPI(&fakeDashboard{err: tc.err}), tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status %d want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestDeleteAndMarkReadReturnNoContent(t *testing.T) {
	h := newTestAPI(&fakeDashboard{})
	if rec := do(h, http.MethodDelete, "/v1/patients/p1/messages/m1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/v1/patients/p1/read", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("read %d", rec.Code)
	}
}

func TestHistoryLimitIsCapped(t *testing.T) {
	f := &fakeDashboard{}
	rec := do(newTestAPI(f), http.MethodGet, "/v1/patients/p1/messages?limit=1000&before=abc", "")
	if rec.Code != http.StatusOK || f.limit != 100 || f.before != "abc" {
		t.Fatalf("status=%d limit=%d before=%q", rec.Code, f.limit, f.before)
	}
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("empty page should be an empty list: %s", rec.Body)
	}
}

func TestTypingPulse(t *testing.T) {
	f := &fakeDashboard{}
	if rec := do(newTestAPI(f), http.MethodPost, "/v1/patients/p1/typing", ""); rec.Code != http.StatusNoContent || f.pulses != 1 {
		t.Fatalf("status=%d pulses=%d", rec.Code, f.pulses)
	}
}

func TestDeliveryEndpoint(t *testing.T) {
	rec := do(newTestAPI(&fakeDashboard{}), http.MethodGet, "/v1/patients/p1/messages/m1/delivery", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"failed"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
}
