package syncstore

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/hub"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(zap.NewNop().Sugar(), 64)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// deadAddr reserves a port and releases it, so dialing it fails fast.
func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return "ws://" + addr
}

func newStore(url string, opts ...func(*Config)) *Store {
	cfg := Config{
		URL:            url,
		BackoffBase:    5 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
		PingInterval:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg, zap.NewNop().Sugar())
}

func update(id, phase string, phaseChanged bool) realtime.ChangeRecord {
	return realtime.ChangeRecord{
		Operation:    realtime.OpUpdate,
		Table:        "opportunities",
		Data:         realtime.RowData{ID: id, Phase: phase, Company: "ACME", Value: decimal.NewFromInt(1000), OwnerID: 2, UpdatedAt: time.Now()},
		PhaseChanged: phaseChanged,
		Timestamp:    time.Now(),
	}
}

func TestStore_EndToEndPhaseChange(t *testing.T) {
	h, url := startHub(t)
	s := newStore(url)
	defer s.Disconnect()

	assert.NoError(t, s.Connect())
	before := s.State().LastSync

	insert := update("X", "prospeccao", false)
	insert.Operation = realtime.OpInsert

	// Broadcasts repeat until the subscription is live; idempotent apply
	// makes the repetition harmless.
	assert.Eventually(t, func() bool {
		h.Ingest(insert)
		_, ok := s.Get("X")
		return ok
	}, 2*time.Second, 25*time.Millisecond)

	assert.Eventually(t, func() bool {
		h.Ingest(update("X", "proposta", true))
		row, ok := s.Get("X")
		return ok && row.Phase == "proposta"
	}, 2*time.Second, 25*time.Millisecond)

	st := s.State()
	assert.True(t, st.Connected)
	assert.False(t, st.LastSync.Before(before))
	assert.Greater(t, s.Stats().ChangesApplied, int64(0))
}

func TestStore_ConnectIsIdempotent(t *testing.T) {
	h, url := startHub(t)
	s := newStore(url)
	defer s.Disconnect()

	assert.NoError(t, s.Connect())
	assert.NoError(t, s.Connect())
	assert.NoError(t, s.Connect())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, h.Stats().Connects)
}

func TestStore_ApplyChangeIsIdempotent(t *testing.T) {
	s := newStore("ws://unused")

	ins := update("a1", "prospeccao", false)
	ins.Operation = realtime.OpInsert
	assert.NoError(t, s.ApplyChange(ins))
	assert.NoError(t, s.ApplyChange(ins))
	assert.Len(t, s.Snapshot(), 1)

	del := update("a1", "prospeccao", false)
	del.Operation = realtime.OpDelete
	assert.NoError(t, s.ApplyChange(del))
	assert.NoError(t, s.ApplyChange(del))
	assert.Empty(t, s.Snapshot())
}

func TestStore_DisconnectIsCleanAndStaysDown(t *testing.T) {
	_, url := startHub(t)
	s := newStore(url)

	assert.NoError(t, s.Connect())
	s.Disconnect()

	st := s.State()
	assert.False(t, st.Connected)
	assert.Equal(t, StateClosedClean, st.State)
	assert.Nil(t, st.Err)
	assert.Zero(t, st.ReconnectAttempts)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateClosedClean, s.State().State)
	assert.EqualValues(t, 0, s.Stats().Reconnections)
}

func TestStore_BackoffStopsAtTerminalError(t *testing.T) {
	s := newStore(deadAddr(t))

	start := time.Now()
	assert.Error(t, s.Connect())

	assert.Eventually(t, func() bool {
		return s.State().State == StateClosedError
	}, 5*time.Second, 10*time.Millisecond)

	st := s.State()
	assert.True(t, errors.Is(st.Err, ErrReconnectExhausted))
	assert.Equal(t, 5, st.ReconnectAttempts)
	assert.EqualValues(t, 5, s.Stats().Reconnections)

	// Delays double per attempt: 5+10+20+40+80ms before giving up.
	assert.GreaterOrEqual(t, time.Since(start), 155*time.Millisecond)

	// Terminal means terminal: no further attempts fire on their own.
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 5, s.Stats().Reconnections)

	// The collection survives for stale-but-present rendering.
	assert.NotNil(t, s.Snapshot())
}

func TestStore_DisconnectCancelsPendingReconnect(t *testing.T) {
	s := newStore(deadAddr(t), func(c *Config) {
		c.BackoffBase = 10 * time.Second
	})

	assert.Error(t, s.Connect())
	assert.Equal(t, 1, s.State().ReconnectAttempts)

	s.Disconnect()
	assert.Equal(t, StateClosedClean, s.State().State)
	assert.Zero(t, s.State().ReconnectAttempts)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosedClean, s.State().State)
}

func TestStore_ReconnectsAfterServerDrop(t *testing.T) {
	h := hub.New(zap.NewNop().Sugar(), 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	s := newStore("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer s.Disconnect()
	assert.NoError(t, s.Connect())

	srv.CloseClientConnections()

	assert.Eventually(t, func() bool {
		return s.State().Connected
	}, 5*time.Second, 20*time.Millisecond)

	st := s.State()
	assert.Zero(t, st.ReconnectAttempts)
	assert.GreaterOrEqual(t, s.Stats().Reconnections, int64(1))
}
