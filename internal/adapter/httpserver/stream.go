package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin; auth happens via the API key.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamJobHandler bridges the job's pub/sub channel onto a WebSocket.
// The connection gets a snapshot frame first, then live events until a done
// frame closes it. Delivery is best-effort; GET /api/v1/jobs/{id} is the
// source of truth.
func (s *Server) StreamJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		j, err := s.Query.Get(r.Context(), chi.URLParam(r, "id"), p.Token, p.Role)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		// Subscribe before the snapshot read so no transition can fall in
		// the gap between them.
		events, cancelSub, err := s.Broker.Subscribe(r.Context(), j.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancelSub()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}
		defer func() { _ = conn.Close() }()
		observability.WebSocketConnections.Inc()
		defer observability.WebSocketConnections.Dec()
		lg := LoggerFrom(r).With(slog.String("job_id", j.ID))

		if cur, err := s.Query.Get(r.Context(), j.ID, p.Token, p.Role); err == nil {
			j = cur
		}
		snapshot := snapshotEvent(j)
		if err := writeEvent(conn, snapshot); err != nil {
			return
		}
		if snapshot.Type == "done" {
			closeNormal(conn)
			return
		}

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		readerGone := make(chan struct{})
		go func() {
			defer close(readerGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-readerGone:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(conn, ev); err != nil {
					lg.Debug("stream write failed", slog.Any("error", err))
					return
				}
				if ev.Type == "done" {
					closeNormal(conn)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// snapshotEvent renders the current record as the initial frame. A job that
// is already terminal gets a done frame so the client can stop immediately.
func snapshotEvent(j domain.Job) domain.ProgressEvent {
	progress := j.Progress
	ev := domain.ProgressEvent{Type: "status", Status: j.Status, Progress: &progress}
	if !j.Status.Terminal() {
		return ev
	}
	ev.Type = "done"
	if j.ResultJSON != "" {
		var res domain.JobResult
		if err := json.Unmarshal([]byte(j.ResultJSON), &res); err == nil {
			ev.Result = &res
		}
	}
	if j.ErrorJSON != "" {
		var jerr domain.JobError
		if err := json.Unmarshal([]byte(j.ErrorJSON), &jerr); err == nil {
			ev.Error = &jerr
		}
	}
	return ev
}

func writeEvent(conn *websocket.Conn, ev domain.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
