package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chatsync/internal/dashboard"
	"chatsync/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// LiveView is one open dashboard conversation.
type LiveView interface {
	Updates() <-chan dashboard.Snapshot
	LoadOlder(ctx context.Context, n int) (int, error)
	Pulse(ctx context.Context) error
	Close()
}

// ViewOpener opens a view for a patient; the view must outlive ctx.
type ViewOpener func(ctx context.Context, patientID string) (LiveView, error)

type Live struct {
	Open     ViewOpener
	PageSize int
	Upgrader websocket.Upgrader
}

func (l *Live) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/patients/{pid}/live", l.serveWs).Methods(http.MethodGet)
}

// frame is sent to the browser.
type frame struct {
	Type     string              `json:"type"`
	Snapshot *dashboard.Snapshot `json:"snapshot,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// command is received from the browser.
type command struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

func (l *Live) serveWs(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	view, err := l.Open(r.Context(), pid)
	if err != nil {
		writeError(w, "open live view failed", err, "patient_id", pid)
		return
	}

	conn, err := l.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		view.Close()
		slog.Warn("websocket upgrade failed", "patient_id", pid, "err", err)
		return
	}
	observability.LiveSessions.Inc()
	log := slog.With("patient_id", pid)
	log.Info("live view opened")

	out := make(chan frame, 4)
	go l.writePump(conn, view, out)
	l.readPump(conn, view, out, log)

	view.Close()
	observability.LiveSessions.Dec()
	log.Info("live view closed")
}

// readPump handles commands until the peer goes away.
func (l *Live) readPump(conn *websocket.Conn, view LiveView, out chan<- frame, log *slog.Logger) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("live view read failed", "err", err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			l.reply(out, frame{Type: "error", Error: ErrInvalidJSON})
			continue
		}
		switch cmd.Type {
		case "typing":
			err = view.Pulse(ctx)
		case "loadOlder":
			n := cmd.Limit
			if n <= 0 {
				n = l.PageSize
			}
			_, err = view.LoadOlder(ctx, n)
		default:
			l.reply(out, frame{Type: "error", Error: "unknown command"})
			continue
		}
		if err != nil {
			log.Warn("live view command failed", "command", cmd.Type, "err", err)
			l.reply(out, frame{Type: "error", Error: ErrDependency})
		}
	}
}

func (l *Live) reply(out chan<- frame, f frame) {
	select {
	case out <- f:
	default:
	}
}

// writePump forwards snapshots and replies and keeps the connection alive.
// It ends when the view closes its updates.
func (l *Live) writePump(conn *websocket.Conn, view LiveView, out <-chan frame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	updates := view.Updates()
	for {
		var f frame
		select {
		case s, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			f = frame{Type: "snapshot", Snapshot: &s}
		case f = <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
}
