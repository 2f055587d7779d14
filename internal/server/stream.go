package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/navillasa/assistant-orchestrator/internal/monitor"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func deltaMessage(d monitor.Delta) streamMessage {
	if d.Type == monitor.DeltaResources {
		return streamMessage{Type: d.Type, Data: d.Resources}
	}
	return streamMessage{Type: d.Type, Data: d}
}

// streamHandler pushes live deltas. WebSocket clients get one JSON message per
// delta; anything else gets Server-Sent Events.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}
	s.serveEvents(w, r)
}

func (s *Server) snapshot() streamMessage {
	return streamMessage{Type: "snapshot", Data: s.monitor.Statistics(monitor.Filter{
		Since: s.now().Add(-s.monitor.Config().HealthWindow),
	})}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	deltas, cancel := s.monitor.Subscribe(streamBuffer)
	defer cancel()

	// Reader loop only services control frames and notices the client leaving.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}
	if err := write(s.snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if err := write(deltaMessage(d)); err != nil {
				s.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errorBody{Error: CodeUnavailable, Message: "streaming unsupported"})
		return
	}

	deltas, cancel := s.monitor.Subscribe(streamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(msg streamMessage) error {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := send(s.snapshot()); err != nil {
		return
	}

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if err := send(deltaMessage(d)); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
