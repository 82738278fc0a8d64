package api

import (
	"net/http"

	"convroute/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHandler upgrades an authenticated agent to the live event feed. The
// token may come as a bearer header or, for browsers, as ?token=.
func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "WebSocket hub not initialized", d.Log)
		return
	}

	principal, ok, err := d.JWT.FromRequest(r)
	if err != nil || !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", d.Log)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	d.Log.Info("WebSocket connected", zap.String("agent_id", principal.AgentID), zap.String("role", string(principal.Role)))

	wsConn := ws.NewConn(conn, d.Hub, principal)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
