package syncstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosedClean
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedClean:
		return "closed"
	case StateClosedError:
		return "error"
	}
	return "unknown"
}

// ErrReconnectExhausted is surfaced once automatic reconnection gives up.
// Only an explicit Connect call leaves this state.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ConnectionState is the connection health snapshot exposed to the UI.
type ConnectionState struct {
	Connected         bool
	State             State
	LastSync          time.Time
	Err               error
	ReconnectAttempts int
}

// Stats counts store activity since construction.
type Stats struct {
	MessagesReceived int64
	ChangesApplied   int64
	Reconnections    int64
}

type Config struct {
	URL            string
	Channel        string
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxReconnects  int
	BackoffBase    time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = realtime.ChannelOpportunities
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Store is the client-side source of truth for the opportunity collection.
// It owns the websocket connection, folds inbound change events into the
// collection, and reconnects with exponential backoff when the connection
// drops unexpectedly. Construct one per consumer; there is no shared global.
type Store struct {
	cfg Config
	log *zap.SugaredLogger

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	gen        int
	attempts   int
	lastSync   time.Time
	lastErr    error
	retryTimer *time.Timer
	collection *realtime.Collection
	stats      Stats
}

func New(cfg Config, log *zap.SugaredLogger) *Store {
	cfg.applyDefaults()
	return &Store{
		cfg:        cfg,
		log:        log,
		state:      StateIdle,
		collection: realtime.NewCollection(),
	}
}

// Connect opens the websocket if it is not already open or connecting.
// Calling it on an open store is a no-op.
func (s *Store) Connect() error {
	s.mu.Lock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	gen := s.gen
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	ws, _, err := dialer.Dial(s.cfg.URL, nil)
	if err != nil {
		s.connectionLost(gen, fmt.Errorf("dial %s: %w", s.cfg.URL, err))
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		// Disconnect raced the dial; discard the late connection.
		s.mu.Unlock()
		ws.Close()
		return nil
	}
	s.ws = ws
	s.state = StateOpen
	s.attempts = 0
	s.lastErr = nil
	s.lastSync = time.Now()
	curGen := s.gen
	s.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

	go s.readLoop(ws, curGen)
	go s.heartbeat(ws, curGen)

	if err := s.writeFrame(ws, realtime.SubscribeType(s.cfg.Channel), nil); err != nil {
		s.log.Warnw("subscribe send failed", "error", err)
	}
	s.log.Infow("sync store connected", "url", s.cfg.URL, "channel", s.cfg.Channel)
	return nil
}

// Disconnect closes the connection with a normal closure code and cancels
// any pending reconnect. The collection keeps its last-known rows.
func (s *Store) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	ws := s.ws
	s.ws = nil
	s.state = StateClosedClean
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()

	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
}

// ApplyChange folds one change record into the collection and advances
// lastSync. Exposed for direct use; the read loop calls it for every
// opportunity:change frame.
func (s *Store) ApplyChange(rec realtime.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.Apply(rec); err != nil {
		return err
	}
	s.stats.ChangesApplied++
	s.lastSync = time.Now()
	return nil
}

// Snapshot returns a copy of the collection for UI readers.
func (s *Store) Snapshot() []realtime.RowData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection.Snapshot()
}

// Get returns one row by id.
func (s *Store) Get(id string) (realtime.RowData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection.Get(id)
}

// State reports current connection health.
func (s *Store) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionState{
		Connected:         s.state == StateOpen,
		State:             s.state,
		LastSync:          s.lastSync,
		Err:               s.lastErr,
		ReconnectAttempts: s.attempts,
	}
}

// Stats returns a copy of the activity counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) readLoop(ws *websocket.Conn, gen int) {
	ws.SetPongHandler(func(string) error {
		s.touch()
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.connectionLost(gen, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		s.mu.Lock()
		s.stats.MessagesReceived++
		s.mu.Unlock()

		var env realtime.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warnw("discarding malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case realtime.MsgOpportunityChange:
			var rec realtime.ChangeRecord
			if err := json.Unmarshal(env.Data, &rec); err != nil {
				s.log.Warnw("discarding malformed change record", "error", err)
				continue
			}
			if err := s.ApplyChange(rec); err != nil {
				s.log.Warnw("change not applied", "error", err)
			}
		case realtime.MsgPong:
			s.touch()
		case realtime.MsgConnectionEstablished, realtime.MsgSubscriptionConfirmed:
			s.log.Debugw("server frame", "type", env.Type)
		default:
			// Unknown types are ignored by contract.
		}
	}
}

// heartbeat sends a protocol-level ping every interval. The pong refreshes
// lastSync and the read deadline, so a half-open connection eventually times
// the read loop out instead of lingering forever.
func (s *Store) heartbeat(ws *websocket.Conn, gen int) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		stale := s.gen != gen || s.state != StateOpen
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.writeFrame(ws, realtime.MsgPing, nil); err != nil {
			s.log.Warnw("heartbeat send failed", "error", err)
			return
		}
	}
}

func (s *Store) writeFrame(ws *websocket.Conn, msgType string, data any) error {
	env, err := realtime.NewEnvelope(msgType, data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != ws {
		return errors.New("connection superseded")
	}
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (s *Store) touch() {
	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
}

// connectionLost handles a dial failure or an unexpected read error for
// generation gen. A stale generation (explicit Disconnect already happened)
// is ignored, which is what makes pending reconnects cancellable.
func (s *Store) connectionLost(gen int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state == StateClosedClean || s.state == StateClosedError {
		return
	}
	if s.ws != nil {
		s.ws.Close()
		s.ws = nil
	}

	if s.attempts >= s.cfg.MaxReconnects {
		s.state = StateClosedError
		s.lastErr = fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, cause)
		s.log.Errorw("sync store gave up reconnecting",
			"attempts", s.attempts, "error", cause)
		return
	}

	delay := s.cfg.BackoffBase << uint(s.attempts)
	s.attempts++
	s.state = StateIdle
	s.lastErr = cause
	s.stats.Reconnections++
	s.log.Warnw("sync store reconnecting",
		"attempt", s.attempts, "max", s.cfg.MaxReconnects, "in", delay, "error", cause)

	s.retryTimer = time.AfterFunc(delay, func() {
		if err := s.Connect(); err != nil {
			s.log.Warnw("reconnect attempt failed", "error", err)
		}
	})
}
