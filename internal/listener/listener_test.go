package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

type captureSink struct {
	records []realtime.ChangeRecord
}

func (c *captureSink) Ingest(rec realtime.ChangeRecord) {
	c.records = append(c.records, rec)
}

func newTestListener(sink Sink) *Listener {
	return New(Config{DSN: "postgres://unused", Channel: "opportunity_changes"}, sink, zap.NewNop().Sugar())
}

func TestHandlePayload_ForwardsParsedRecords(t *testing.T) {
	sink := &captureSink{}
	l := newTestListener(sink)

	l.handlePayload([]byte(`{"operation":"INSERT","table":"opportunities","phase_changed":false,` +
		`"data":{"id":"n1","phase":"prospeccao","company":"ACME","value":10,"owner_id":1,` +
		`"updated_at":"2026-08-28T09:00:00Z"}}`))

	assert.Len(t, sink.records, 1)
	assert.Equal(t, realtime.OpInsert, sink.records[0].Operation)
	assert.Equal(t, "n1", sink.records[0].Data.ID)

	received, dropped := l.Stats()
	assert.EqualValues(t, 1, received)
	assert.EqualValues(t, 0, dropped)
}

func TestHandlePayload_MalformedIsDroppedNotFatal(t *testing.T) {
	sink := &captureSink{}
	l := newTestListener(sink)

	payloads := [][]byte{
		[]byte(`{broken`),
		[]byte(``),
		[]byte(`{"operation":"EXPLODE","data":{"id":"x"}}`),
		[]byte(`{"operation":"INSERT","data":{}}`),
	}
	for _, p := range payloads {
		assert.NotPanics(t, func() { l.handlePayload(p) })
	}

	assert.Empty(t, sink.records)
	received, dropped := l.Stats()
	assert.EqualValues(t, 0, received)
	assert.EqualValues(t, 4, dropped)
}

func TestListenerStartsDisconnected(t *testing.T) {
	l := newTestListener(&captureSink{})
	assert.Equal(t, StateDisconnected, l.State())
}
