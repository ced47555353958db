package hub

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

// Stats counts hub activity since startup.
type Stats struct {
	Connects    int64
	Disconnects int64
	Broadcasts  int64
	Dropped     int64
}

type subscribeReq struct {
	conn    *Conn
	channel string
}

type directMsg struct {
	conn *Conn
	env  realtime.Envelope
}

type broadcastMsg struct {
	channel string
	env     realtime.Envelope
}

// Hub fans change events out to subscribed websocket connections. A single
// run loop owns the connection set and every subscription map, so register,
// unregister, subscribe and broadcast never race each other.
type Hub struct {
	log *zap.SugaredLogger

	register   chan *Conn
	unregister chan *Conn
	subscribe  chan subscribeReq
	direct     chan directMsg
	broadcast  chan broadcastMsg

	conns     map[*Conn]map[string]bool
	done      chan struct{}
	queueSize int

	mu    sync.Mutex
	stats Stats
}

func New(log *zap.SugaredLogger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		queueSize:  queueSize,
		log:        log,
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		subscribe:  make(chan subscribeReq),
		direct:     make(chan directMsg, 64),
		broadcast:  make(chan broadcastMsg, 64),
		conns:      make(map[*Conn]map[string]bool),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until ctx is cancelled. On shutdown every
// remaining connection is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.conns {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.conns[c] = make(map[string]bool)
			h.addStat(func(s *Stats) { s.Connects++ })
			if env, err := realtime.NewEnvelope(realtime.MsgConnectionEstablished, map[string]string{"remote": c.RemoteAddr()}); err == nil {
				h.send(c, env)
			}

		case c := <-h.unregister:
			// Idempotent: the read pump and an explicit close may both ask.
			if _, ok := h.conns[c]; ok {
				h.drop(c)
			}

		case req := <-h.subscribe:
			if channels, ok := h.conns[req.conn]; ok {
				channels[req.channel] = true
				if env, err := realtime.NewEnvelope(realtime.MsgSubscriptionConfirmed, map[string]string{"channel": req.channel}); err == nil {
					h.send(req.conn, env)
				}
			}

		case msg := <-h.direct:
			if _, ok := h.conns[msg.conn]; ok {
				h.send(msg.conn, msg.env)
			}

		case msg := <-h.broadcast:
			h.addStat(func(s *Stats) { s.Broadcasts++ })
			for c, channels := range h.conns {
				if channels[msg.channel] {
					h.send(c, msg.env)
				}
			}
		}
	}
}

// Ingest implements listener.Sink: one parsed change record becomes one
// broadcast on the opportunities channel.
func (h *Hub) Ingest(rec realtime.ChangeRecord) {
	env, err := realtime.NewEnvelope(realtime.MsgOpportunityChange, rec)
	if err != nil {
		h.log.Errorw("encode change event", "error", err)
		return
	}
	select {
	case h.broadcast <- broadcastMsg{channel: realtime.ChannelOpportunities, env: env}:
	case <-h.done:
	}
}

// Broadcast delivers env to every open connection subscribed to channel.
func (h *Hub) Broadcast(channel string, env realtime.Envelope) {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, env: env}:
	case <-h.done:
	}
}

// Register adds a freshly upgraded connection, initially unsubscribed.
func (h *Hub) Register(c *Conn) {
	select {
	case h.register <- c:
	case <-h.done:
		c.closeSocket()
	}
}

// Unregister removes c. Safe to call more than once and after shutdown.
func (h *Hub) Unregister(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Subscribe records c's interest in channel and acknowledges it.
func (h *Hub) Subscribe(c *Conn, channel string) {
	select {
	case h.subscribe <- subscribeReq{conn: c, channel: channel}:
	case <-h.done:
	}
}

func (h *Hub) sendDirect(c *Conn, env realtime.Envelope) {
	select {
	case h.direct <- directMsg{conn: c, env: env}:
	case <-h.done:
	}
}

// send serializes env onto c's outbound queue. Only the run loop calls it,
// which keeps queue writes ordered per connection.
func (h *Hub) send(c *Conn, env realtime.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		h.log.Errorw("encode frame", "error", err)
		return
	}
	if dropped := c.enqueue(b); dropped {
		h.addStat(func(s *Stats) { s.Dropped++ })
		h.log.Warnw("slow connection, dropped oldest frame", "remote", c.RemoteAddr())
	}
}

func (h *Hub) drop(c *Conn) {
	delete(h.conns, c)
	close(c.send)
	c.closeSocket()
	h.addStat(func(s *Stats) { s.Disconnects++ })
}

func (h *Hub) addStat(f func(*Stats)) {
	h.mu.Lock()
	f(&h.stats)
	h.mu.Unlock()
}

// Stats returns a copy of the counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
