package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser origin checks are handled by the reverse proxy.
		return true
	},
}

// Conn is one registered websocket connection. The hub run loop is the only
// writer to send, and the write pump is the only reader, so outbound frames
// keep their enqueue order.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	log  *zap.SugaredLogger
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// enqueue appends b to the outbound queue. When the queue is full the oldest
// frame is discarded so a stalled reader cannot block the hub; it reports
// whether anything was dropped.
func (c *Conn) enqueue(b []byte) (dropped bool) {
	select {
	case c.send <- b:
		return false
	default:
	}
	select {
	case <-c.send:
		dropped = true
	default:
	}
	select {
	case c.send <- b:
	default:
		dropped = true
	}
	return dropped
}

func (c *Conn) closeSocket() {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
	c.ws.Close()
}

// readPump consumes client frames: subscribe requests, protocol pings, and
// nothing else. Unknown frame types are ignored per the wire contract.
func (c *Conn) readPump() {
	defer c.hub.Unregister(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnw("websocket read failed", "remote", c.RemoteAddr(), "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env realtime.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warnw("discarding malformed frame", "remote", c.RemoteAddr(), "error", err)
			continue
		}

		if channel, ok := realtime.ParseSubscribe(env.Type); ok {
			c.hub.Subscribe(c, channel)
			continue
		}
		if env.Type == realtime.MsgPing {
			if pong, err := realtime.NewEnvelope(realtime.MsgPong, nil); err == nil {
				c.hub.sendDirect(c, pong)
			}
		}
	}
}

// writePump drains the outbound queue and keeps the transport-level
// heartbeat going. A write failure ends the pump; the read pump then
// unregisters the connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Warnw("websocket write failed", "remote", c.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &Conn{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.queueSize),
		log:  h.log,
	}
	h.Register(c)
	go c.writePump()
	go c.readPump()
}
