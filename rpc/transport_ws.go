package rpc

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The runtime is single-process and unauthenticated beyond visibility
	// tags; origin checking is the embedding deployment's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to Conn. gorilla/websocket allows
// only one concurrent writer, so writes are serialized here; streaming
// chat events and regular responses share the same connection.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

// WebsocketHandler returns an http.Handler that upgrades each request to a
// websocket and serves the JSON-RPC session on it.
func (s *Server) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.Serve(r.Context(), &wsConn{conn: conn})
	})
}
