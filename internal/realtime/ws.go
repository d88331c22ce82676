package realtime

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dercio258/ratixpay.com-sub007/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the checkout page is served from arbitrary seller domains
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient wraps a websocket connection. gorilla allows one concurrent
// writer, so WriteEvent serializes under a mutex.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

type eventFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func (c *wsClient) WriteEvent(event string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(eventFrame{Event: event, Data: data})
}

// controlFrame is what clients send: join_room / leave_room plus the
// transaction room name.
type controlFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// ServeWS upgrades the request and pumps room control frames until the
// client goes away. Disconnects, clean or not, remove the client from
// every room.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.DefaultLogger.Warn("realtime: upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn}
	defer func() {
		h.Disconnect(client)
		conn.Close()
	}()

	for {
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Room == "" {
			continue
		}
		switch frame.Action {
		case "join_room":
			h.Join(frame.Room, client)
		case "leave_room":
			h.Leave(frame.Room, client)
		}
	}
}
