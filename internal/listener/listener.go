package listener

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

// Sink receives parsed change records. The fan-out hub implements it.
type Sink interface {
	Ingest(rec realtime.ChangeRecord)
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
)

// Listener holds the process's single LISTEN subscription on the change
// channel and bridges raw notifications into the hub. A malformed payload is
// logged and dropped; only connection errors restart the loop.
type Listener struct {
	dsn     string
	channel string
	sink    Sink
	log     *zap.SugaredLogger

	connectTimeout time.Duration
	backoffBase    time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	state    State
	received int64
	dropped  int64
}

type Config struct {
	DSN            string
	Channel        string
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
}

func New(cfg Config, sink Sink, log *zap.SugaredLogger) *Listener {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	return &Listener{
		dsn:            cfg.DSN,
		channel:        cfg.Channel,
		sink:           sink,
		log:            log,
		connectTimeout: cfg.ConnectTimeout,
		backoffBase:    cfg.BackoffBase,
		maxBackoff:     time.Minute,
	}
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// whenever the database connection drops.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.backoffBase
	for {
		err := l.listenOnce(ctx)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		l.log.Warnw("change listener disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	l.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	conn, err := pgx.Connect(dialCtx, l.dsn)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.setState(StateListening)
	l.log.Infow("change listener attached", "channel", l.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handlePayload([]byte(n.Payload))
	}
}

// handlePayload parses and forwards one raw notification.
func (l *Listener) handlePayload(payload []byte) {
	rec, err := realtime.ParseChangeRecord(payload)
	if err != nil {
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.log.Warnw("dropping malformed change notification", "error", err)
		return
	}
	l.mu.Lock()
	l.received++
	l.mu.Unlock()
	l.sink.Ingest(rec)
}

// Stats reports messages parsed and dropped since startup.
func (l *Listener) Stats() (received, dropped int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received, l.dropped
}
