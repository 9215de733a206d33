package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/courier/pkg/log"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// conn is one live websocket connection. The read pump is the only
// reader of the socket and the write pump the only writer; everything
// else talks to the connection through the outbound channel.
type conn struct {
	id        string
	userID    string
	ws        *websocket.Conn
	outbound  chan []byte
	createdAt time.Time

	gw     *Gateway
	logger log.Logger
	once   sync.Once
	done   chan struct{}
}

// enqueue hands a pre-encoded frame to the write pump. A connection
// whose buffer is full is considered stuck and closed; the client can
// reconnect and recover history from storage.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.outbound <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("outbound buffer full, closing connection",
			log.Str("conn", c.id), log.Str("user", c.userID))
		c.close()
		return false
	}
}

// close tears the connection down exactly once. Safe from any
// goroutine; the actual presence cleanup happens in the gateway's
// disconnect path driven by the read pump's exit.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readPump consumes inbound frames until the socket dies. The read
// deadline doubles as the heartbeat timeout: pongs extend it, silence
// past the timeout fails the read and force-closes the connection.
func (c *conn) readPump() {
	defer c.gw.onDisconnect(c)

	timeout := c.gw.heartbeatTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", log.Str("conn", c.id), log.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping undecodable frame", log.Str("conn", c.id), log.Err(err))
			continue
		}
		switch f.Type {
		case FrameSendMessage:
			c.gw.onSend(c, f)
		default:
			c.logger.Debug("ignoring unknown frame type",
				log.Str("conn", c.id), log.Str("type", f.Type))
		}
	}
}

// writePump drains the outbound channel and keeps the heartbeat going.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
