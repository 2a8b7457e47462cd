package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zxc88645/AudioAssuranceSystem/internal/ingest"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 4 * 1024,
	// Capture clients sit on phones and operator desktops across the LAN,
	// not on this service's origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleIngestWS returns the WebSocket handler for one capture channel. Each
// connection carries one participant's audio: binary frames are buffered
// chunks, and closing the socket deactivates the stream.
func (s *HTTPServer) handleIngestWS(svc *ingest.Service, channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("room")
		participantID := r.PathValue("participant")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("WebSocket upgrade failed",
				slog.String("channel", channel),
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
			return
		}
		defer conn.Close()

		if err := svc.Connect(roomID, participantID); err != nil {
			s.logger.Warn("Ingest connection rejected",
				slog.String("channel", channel),
				slog.String("room_id", roomID),
				slog.String("participant_id", participantID),
				slog.String("error", err.Error()),
			)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			return
		}

		// Disconnect may run the room drain synchronously, so the socket's
		// read loop exits before the merged artifact exists. That is fine:
		// the capture client only ever uploads.
		defer func() {
			if err := svc.Disconnect(roomID, participantID); err != nil {
				s.logger.Warn("Ingest drain reported error",
					slog.String("channel", channel),
					slog.String("room_id", roomID),
					slog.String("participant_id", participantID),
					slog.String("error", err.Error()),
				)
			}
		}()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("Ingest connection dropped",
						slog.String("channel", channel),
						slog.String("room_id", roomID),
						slog.String("participant_id", participantID),
						slog.String("error", err.Error()),
					)
				}
				return
			}

			if msgType != websocket.BinaryMessage {
				continue
			}

			if err := svc.Push(roomID, participantID, data); err != nil {
				s.logger.Warn("Chunk push failed",
					slog.String("channel", channel),
					slog.String("room_id", roomID),
					slog.String("participant_id", participantID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// handleProgressWS streams analysis progress events to an observer. The
// first frame is always the current state snapshot.
func (s *HTTPServer) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Progress WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer sub.Close()
	s.metrics.SetProgressSubscribers(s.hub.SubscriberCount())
	defer func() {
		s.metrics.SetProgressSubscribers(s.hub.SubscriberCount())
	}()

	// Observers never send meaningful frames, but the read pump must run to
	// notice the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				// Pruned by the hub for lagging.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription dropped"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
