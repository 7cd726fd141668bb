package channel

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"reelforge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the Conn contract.
// gorilla permits one concurrent writer; the write mutex serializes the
// publish path and the heartbeat loop.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// Upgrade promotes an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) WriteEvent(evt session.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(evt)
}

func (c *wsConn) ReadInbound() (session.Inbound, error) {
	var inbound session.Inbound
	err := c.conn.ReadJSON(&inbound)
	return inbound, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
