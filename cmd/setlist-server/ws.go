package main

import (
	"net/http"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// wsHandler attaches a WebSocket client to the channel named by the mbid
// (or subjectId) query parameter. Unknown or closing channels are refused
// with 401 before the upgrade.
func (s *server) wsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("mbid")
	if id == "" {
		id = q.Get("subjectId")
	}
	if id == "" {
		http.Error(w, "Missing mbid", http.StatusUnauthorized)
		return
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		http.Error(w, "Invalid mbid", http.StatusUnauthorized)
		return
	}
	// Channels are keyed by the lower-case form setlistsHandler starts.
	id = parsed.String()

	// Join first so the hello and snapshot are queued and a channel that
	// closes meanwhile still yields a plain 401.
	sub := s.registry.NewSubscriber()
	if err := s.registry.Join(id, sub); err != nil {
		http.Error(w, "Invalid mbid", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Leave(id, sub)
		sub.Close()
		s.logger.Debug().Err(err).Str("mbid", id).Msg("WebSocket upgrade failed")
		return
	}

	logger := s.logger.With().Str("mbid", id).Str("subscriber", sub.ID()).Logger()
	logger.Debug().Msg("WebSocket connected")

	go s.writePump(conn, sub)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Clients never send anything meaningful; reading drives pongs and
		// close detection.
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			break
		}
	}

	s.registry.Leave(id, sub)
	sub.Close()
	logger.Debug().Msg("WebSocket disconnected")
}

// writePump is the only writer on conn. It forwards queued messages until
// the subscriber is closed, then flushes the queue (the goodbye included)
// and closes the connection.
func (s *server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-sub.Outbound():
			if err := writeText(conn, msg); err != nil {
				sub.Close()
				return
			}

		case <-sub.Done():
			for {
				select {
				case msg := <-sub.Outbound():
					if err := writeText(conn, msg); err != nil {
						return
					}
				default:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}

func writeText(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
