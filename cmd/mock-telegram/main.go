// Command mock-telegram is a stand-in Bot API for local runs and load tests.
// It answers the methods the relay calls with configurable outcomes and can
// post signed delivery receipts back to the webhook.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"chatsync/internal/httpserver"
	"chatsync/internal/logging"
	"chatsync/internal/receipts"
)

type config struct {
	Port           string        `envconfig:"PORT" default:"8081"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json"`
	OutcomeMode    string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	Outcomes       []string      `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate    float64       `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	Delay          time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay   time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`
	ReceiptURL     string        `envconfig:"MOCK_RECEIPT_URL"`
	ReceiptSecret  string        `envconfig:"RECEIPT_SIGNING_SECRET" default:"mock_secret"`
	ReceiptDelay   time.Duration `envconfig:"MOCK_RECEIPT_DELAY" default:"500ms"`
	ReceiptRetries int           `envconfig:"MOCK_RECEIPT_MAX_RETRIES" default:"5"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      any             `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *responseParams `json:"parameters,omitempty"`
}

type responseParams struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type message struct {
	MessageID int    `json:"message_id"`
	Date      int64  `json:"date"`
	Chat      chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

// outcome is what one call answers with. A zero status means success.
type outcome struct {
	status      int
	description string
	retryAfter  int
	hang        bool
	receipt     string
}

type server struct {
	cfg    config
	nextID int64
	pick   uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "mock-telegram config:", err)
		os.Exit(1)
	}
	log := logging.Init("mock-telegram", cfg.LogFormat, "info")
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}

	s := &server{
		cfg:    cfg,
		nextID: 1000,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.Use(httpserver.Logging)
	router.HandleFunc("/bot{token}/{method}", s.handle).Methods(http.MethodPost, http.MethodGet)

	log.Info("mock-telegram listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.Outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Error("mock-telegram server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeAPIError(w, http.StatusBadRequest, "Bad Request: invalid form", 0)
		return
	}
	method := mux.Vars(r)["method"]

	switch method {
	case "getMe":
		writeResult(w, map[string]any{"id": 1, "is_bot": true, "first_name": "Clinic", "username": "clinic_mock_bot"})
		return
	case "getUpdates":
		// nothing inbound; hold the long poll briefly
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeResult(w, []any{})
		return
	case "getFile":
		id := r.Form.Get("file_id")
		writeResult(w, map[string]any{"file_id": id, "file_unique_id": id, "file_path": "files/" + id})
		return
	case "sendMessage", "sendPhoto", "sendVoice", "editMessageText", "deleteMessage":
	default:
		writeAPIError(w, http.StatusNotFound, "Not Found: method not found", 0)
		return
	}

	chatID, err := strconv.ParseInt(r.Form.Get("chat_id"), 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "Bad Request: chat_id is empty", 0)
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	oc := classify(s.nextOutcome())
	if oc.hang {
		select {
		case <-r.Context().Done():
		case <-time.After(s.cfg.TimeoutDelay):
		}
		writeAPIError(w, http.StatusGatewayTimeout, "Gateway Timeout", 0)
		return
	}
	if oc.status != 0 {
		writeAPIError(w, oc.status, oc.description, oc.retryAfter)
		return
	}

	switch method {
	case "deleteMessage":
		writeResult(w, true)
		return
	case "editMessageText":
		id, _ := strconv.Atoi(r.Form.Get("message_id"))
		writeResult(w, message{MessageID: id, Date: time.Now().Unix(), Chat: chat{ID: chatID, Type: "private"}, Text: r.Form.Get("text")})
		return
	}

	id := int(atomic.AddInt64(&s.nextID, 1))
	writeResult(w, message{MessageID: id, Date: time.Now().Unix(), Chat: chat{ID: chatID, Type: "private"}, Text: r.Form.Get("text")})
	s.receiptSequence(strconv.FormatInt(chatID, 10), strconv.Itoa(id), oc.receipt)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		i := atomic.AddUint64(&s.pick, 1) - 1
		return s.cfg.Outcomes[int(i)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	}
	return s.cfg.Outcomes[0]
}

// classify parses an outcome token such as "ok", "undelivered",
// "rate_limit:5", "blocked", "chat_not_found", "server_error" or "timeout".
func classify(raw string) outcome {
	kind, arg, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch kind {
	case "", "ok", "success":
		return outcome{receipt: "delivered"}
	case "seen":
		return outcome{receipt: "seen"}
	case "undelivered":
		return outcome{receipt: "undelivered"}
	case "rate_limit", "429":
		secs, err := strconv.Atoi(arg)
		if err != nil || secs <= 0 {
			secs = 1
		}
		return outcome{status: http.StatusTooManyRequests, description: fmt.Sprintf("Too Many Requests: retry after %d", secs), retryAfter: secs}
	case "blocked", "403":
		return outcome{status: http.StatusForbidden, description: "Forbidden: bot was blocked by the user"}
	case "chat_not_found", "400":
		return outcome{status: http.StatusBadRequest, description: "Bad Request: chat not found"}
	case "timeout":
		return outcome{hang: true}
	case "server_error", "500":
		return outcome{status: http.StatusInternalServerError, description: "Internal Server Error"}
	}
	return outcome{status: http.StatusBadGateway, description: "Bad Gateway: mock " + kind}
}

// receiptSequence posts "sent" and then the final status for one message.
func (s *server) receiptSequence(identity, externalID, final string) {
	if s.cfg.ReceiptURL == "" || final == "" {
		return
	}
	go func() {
		for _, status := range []string{"sent", final} {
			time.Sleep(s.cfg.ReceiptDelay)
			form := url.Values{}
			form.Set("channel_identity", identity)
			form.Set("external_message_id", externalID)
			form.Set("status", status)
			if status == "undelivered" {
				form.Set("error_code", "user_unreachable")
			}
			if err := s.postReceipt(context.Background(), form); err != nil {
				return
			}
		}
	}()
}

func (s *server) postReceipt(ctx context.Context, form url.Values) error {
	sig := receipts.Sign(s.cfg.ReceiptSecret, s.cfg.ReceiptURL, form)
	wait := 250 * time.Millisecond
	for attempt := 0; ; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ReceiptURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(receipts.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if attempt >= s.cfg.ReceiptRetries || (err == nil && status < 500 && status != http.StatusTooManyRequests) {
			if err == nil {
				err = fmt.Errorf("receipt post: status=%d", status)
			}
			slog.Error("mock receipt post failed", "url", s.cfg.ReceiptURL, "attempt", attempt+1, "err", err)
			return err
		}
		time.Sleep(wait)
		if wait < 10*time.Second {
			wait *= 2
		}
	}
}

func writeResult(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Result: v})
}

func writeAPIError(w http.ResponseWriter, status int, description string, retryAfter int) {
	resp := apiResponse{ErrorCode: status, Description: description}
	if retryAfter > 0 {
		resp.Parameters = &responseParams{RetryAfter: retryAfter}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
