package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"speech-turn-service/internal/observability/metrics"
	"speech-turn-service/internal/service/conversation"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// StreamHandler serves conversations over websocket. Each text message is a
// JSON frame; events are written back as JSON.
type StreamHandler struct {
	manager  *conversation.Manager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewStreamHandler(manager *conversation.Manager, m *metrics.Metrics, allowedOrigins []string) *StreamHandler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &StreamHandler{
		manager: manager,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsReadLimit)

	start := time.Now()
	h.metrics.RecordStreamStart("websocket")
	err = h.manager.Serve(req.Context(), &wsConn{ws: ws}, "websocket")
	h.metrics.RecordStreamEnd("websocket", err == nil, time.Since(start))

	closeCode, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		var unknown *conversation.UnknownFrameError
		if errors.As(err, &unknown) {
			closeCode, reason = websocket.CloseUnsupportedData, unknown.Error()
		} else {
			closeCode, reason = websocket.CloseInternalServerErr, "stream failed"
			captureError(req, err, "websocket stream failed")
		}
		log.Warn().Err(err).Msg("WebSocket stream ended with error")
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason),
		time.Now().Add(time.Second))
}

// wsConn adapts a websocket connection to conversation.Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Recv() (conversation.Frame, error) {
	var f conversation.Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return f, io.EOF
		}
		return f, err
	}
	return f, nil
}

func (c *wsConn) Send(ev conversation.Event) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteJSON(ev)
}
