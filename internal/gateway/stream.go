package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultFeedPrefixes are streamed when the client names no topics.
var DefaultFeedPrefixes = []string{"pipeline.", "lock.", "gate.", "governance.", "loop.", "retention.", "config."}

const feedWriteTimeout = 5 * time.Second

// FeedFrame is one bus event as sent to /ws clients.
type FeedFrame struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
	// Dropped counts events discarded for this client since it connected.
	Dropped int64 `json:"dropped,omitempty"`
}

// handleWS streams bus events to the client until either side closes.
// ?topics=lock.,gate. narrows the feed to those prefixes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "live feed not configured")
		return
	}
	prefixes := DefaultFeedPrefixes
	if raw := strings.TrimSpace(r.URL.Query().Get("topics")); raw != "" {
		prefixes = nil
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		s.cfg.Logger.Debug("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.cfg.Bus.Subscribe(prefixes...)
	defer s.cfg.Bus.Unsubscribe(sub)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	s.cfg.Logger.Info("ws: client connected", "remote", r.RemoteAddr, "topics", strings.Join(prefixes, ","))

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := FeedFrame{Topic: ev.Topic, At: ev.At, Payload: ev.Payload, Dropped: sub.Dropped()}
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(wctx, conn, frame)
			cancel()
			if err != nil {
				s.cfg.Logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
