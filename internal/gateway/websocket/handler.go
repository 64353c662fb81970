package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway binds to loopback by default; operator UIs connect from
	// file:// or dev-server origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleConnection upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h, h.logger)
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
