package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"chatsync/internal/observability"
	sqsqueue "chatsync/internal/queue/sqs"
	"chatsync/internal/receipts"
	"chatsync/internal/util"
)

type ReceiptQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.ReceiptEvent) error
}

// Webhook accepts signed delivery receipts and queues them; the receipt
// processor applies them to messages.
type Webhook struct {
	Queue           ReceiptQueue
	VerifySignature func(secret, fullURL, provided string, form url.Values) bool
	Secret          string
	PublicURL       string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/channel/receipts", w.handleReceipt).Methods(http.MethodPost)
}

func (w *Webhook) handleReceipt(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	if w.VerifySignature == nil || !w.VerifySignature(w.Secret, w.PublicURL, r.Header.Get(receipts.SignatureHeader), r.PostForm) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	identity := r.PostForm.Get("channel_identity")
	extID := r.PostForm.Get("external_message_id")
	status := r.PostForm.Get("status")
	if identity == "" || extID == "" || status == "" {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}

	if err := w.Queue.Enqueue(r.Context(), sqsqueue.ReceiptEvent{
		ChannelIdentity:   util.NormalizeIdentity(identity),
		ExternalMessageID: extID,
		Status:            status,
		ErrorCode:         r.PostForm.Get("error_code"),
		Payload:           r.PostForm,
		ReceivedAt:        util.NowUTC(),
	}); err != nil {
		slog.Error("webhook enqueue receipt failed", "err", err, "external_message_id", extID, "status", status)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.ReceiptEvents.WithLabelValues("accepted").Inc()
	rw.WriteHeader(http.StatusOK)
}
