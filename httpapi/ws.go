package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nickman/tsdblite/sub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Subscribers connect from anywhere; there are no cookies to protect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection, announces the session id and pumps
// inbound request frames into the subscription manager until the peer goes
// away. The channel is detached from every subscription on exit.
func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	writeTimeout := h.deps.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ch := sub.NewChannel(conn, writeTimeout)

	if h.core != nil {
		h.core.ConnectionsOpen.WithLabelValues("websocket").Inc()
		h.core.ConnectionsTotal.WithLabelValues("websocket").Inc()
	}
	h.deps.Logger.Info("websocket session opened", "session", ch.Session(), "remote", r.RemoteAddr)

	defer func() {
		h.deps.Manager.DetachChannel(ch)
		_ = ch.Close()
		if h.core != nil {
			h.core.ConnectionsOpen.WithLabelValues("websocket").Dec()
		}
		h.deps.Logger.Info("websocket session closed", "session", ch.Session())
	}()

	// First frame announces the session id.
	if err := ch.Send(map[string]string{"session": ch.Session()}); err != nil {
		return
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.deps.Logger.Debug("websocket read ended", "session", ch.Session(), "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.deps.Manager.HandleMessage(ch, data)
	}
}
