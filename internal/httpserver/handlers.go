package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chatsync/internal/conversation"
	"chatsync/internal/dashboard"
	"chatsync/internal/domain"
)

// Dashboard is the staff-side use case surface served over HTTP.
type Dashboard interface {
	Compose(ctx context.Context, patientID string, p domain.Payload) (dashboard.Result, error)
	Edit(ctx context.Context, patientID, messageID, text string) (dashboard.Result, error)
	Delete(ctx context.Context, patientID, messageID string) (dashboard.Result, error)
	MarkRead(ctx context.Context, patientID string) error
	History(ctx context.Context, patientID, before string, limit int) ([]domain.Message, string, error)
	DeliveryStatus(ctx context.Context, patientID, messageID string) (dashboard.Delivery, error)
}

// Typist records typing pulses that outlive the request.
type Typist interface {
	Pulse(ctx context.Context, patientID string, side domain.TypingSide) error
}

type API struct {
	Dashboard Dashboard
	Typing    Typist
	PageSize  int
	MaxPage   int
}

func (a *API) Register(mux *mux.Router) {
	r := mux.PathPrefix("/v1/patients/{pid}").Subrouter()
	r.HandleFunc("/messages", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/messages", a.handleCompose).Methods(http.MethodPost)
	r.HandleFunc("/messages/{mid}", a.handleEdit).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{mid}", a.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{mid}/delivery", a.handleDelivery).Methods(http.MethodGet)
	r.HandleFunc("/read", a.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/typing", a.handleTyping).Methods(http.MethodPost)
}

type deliveryJSON struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

type messageResponse struct {
	Message  *domain.Message `json:"message,omitempty"`
	Delivery deliveryJSON    `json:"delivery"`
}

type historyResponse struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	limit := a.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, ErrBadLimit, http.StatusBadRequest)
			return
		}
		limit = n
	}
	if a.MaxPage > 0 && limit > a.MaxPage {
		limit = a.MaxPage
	}

	msgs, next, err := a.Dashboard.History(r.Context(), pid, r.URL.Query().Get("before"), limit)
	if err != nil {
		writeError(w, "fetch history failed", err, "patient_id", pid)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs, NextCursor: next})
}

func (a *API) handleCompose(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	var p domain.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	res, err := a.Dashboard.Compose(r.Context(), pid, p)
	if err != nil {
		writeError(w, "compose failed", err, "patient_id", pid)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

func (a *API) handleEdit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	res, err := a.Dashboard.Edit(r.Context(), vars["pid"], vars["mid"], body.Text)
	if err != nil {
		writeError(w, "edit failed", err, "patient_id", vars["pid"], "message_id", vars["mid"])
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := a.Dashboard.Delete(r.Context(), vars["pid"], vars["mid"]); err != nil {
		writeError(w, "delete failed", err, "patient_id", vars["pid"], "message_id", vars["mid"])
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDelivery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := a.Dashboard.DeliveryStatus(r.Context(), vars["pid"], vars["mid"])
	if err != nil {
		writeError(w, "delivery status failed", err, "patient_id", vars["pid"], "message_id", vars["mid"])
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	if err := a.Dashboard.MarkRead(r.Context(), pid); err != nil {
		writeError(w, "mark read failed", err, "patient_id", pid)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTyping(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	if err := a.Typing.Pulse(r.Context(), pid, domain.TypingDoctor); err != nil {
		writeError(w, "typing pulse failed", err, "patient_id", pid)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResult reports the local write with its status code and explains an
// undeliverable change in the delivery object rather than as an error.
func writeResult(w http.ResponseWriter, status int, res dashboard.Result) {
	out := messageResponse{Delivery: delivery(res)}
	if res.Message.ID != "" {
		out.Message = &res.Message
	}
	writeJSON(w, status, out)
}

func delivery(res dashboard.Result) deliveryJSON {
	switch {
	case errors.Is(res.DeliveryErr, domain.ErrMissingChannelIdentity):
		return deliveryJSON{State: "failed", Reason: "missing_connection"}
	case errors.Is(res.DeliveryErr, domain.ErrNoExternalHandle):
		return deliveryJSON{State: "local_only", Reason: "no_external_id"}
	case res.DeliveryErr != nil:
		return deliveryJSON{State: "failed", Reason: "enqueue_failed"}
	case res.Task != nil:
		return deliveryJSON{State: "pending", TaskID: res.Task.ID}
	}
	return deliveryJSON{State: "local_only"}
}

func writeError(w http.ResponseWriter, msg string, err error, args ...any) {
	switch {
	case errors.Is(err, domain.ErrEmptyPayload), errors.Is(err, domain.ErrAmbiguousPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, conversation.ErrBadCursor):
		http.Error(w, ErrBadCursor, http.StatusBadRequest)
	case errors.Is(err, domain.ErrPatientNotFound), errors.Is(err, domain.ErrMessageNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrNotEditable):
		http.Error(w, ErrNotEditable, http.StatusConflict)
	default:
		slog.Error(msg, append(args, "err", err)...)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
