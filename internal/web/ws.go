package web

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleStats upgrades to a websocket and streams telemetry frames until
// the client goes away. Each observer gets its own subscription; the
// poller speeds up while at least one exists.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	frames, cancel := s.bcast.Subscribe()
	defer cancel()

	ctx := r.Context()
	s.log.Debug("stats observer connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case frame, ok := <-frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "broadcast closed")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			done()
			if err != nil {
				s.log.Debug("stats observer dropped", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
