package realtime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func record(op Operation, id, phase string) ChangeRecord {
	return ChangeRecord{
		Operation: op,
		Table:     "opportunities",
		Data: RowData{
			ID:        id,
			Phase:     phase,
			Company:   "ACME Ltda",
			Value:     decimal.NewFromInt(1500),
			OwnerID:   7,
			UpdatedAt: time.Now(),
		},
		Timestamp: time.Now(),
	}
}

func TestCollection_ApplyIsIdempotent(t *testing.T) {
	c := NewCollection()

	ins := record(OpInsert, "a1", "prospeccao")
	assert.NoError(t, c.Apply(ins))
	assert.NoError(t, c.Apply(ins))
	assert.Equal(t, 1, c.Len())

	upd := record(OpUpdate, "a1", "proposta")
	assert.NoError(t, c.Apply(upd))
	assert.NoError(t, c.Apply(upd))
	assert.Equal(t, 1, c.Len())
	row, ok := c.Get("a1")
	assert.True(t, ok)
	assert.Equal(t, "proposta", row.Phase)

	del := record(OpDelete, "a1", "proposta")
	assert.NoError(t, c.Apply(del))
	assert.NoError(t, c.Apply(del))
	assert.Equal(t, 0, c.Len())
}

func TestCollection_UpdateForUnknownIDInserts(t *testing.T) {
	c := NewCollection()

	// The INSERT for this id was never delivered; the UPDATE must still
	// make the row visible.
	assert.NoError(t, c.Apply(record(OpUpdate, "ghost", "negociacao")))
	row, ok := c.Get("ghost")
	assert.True(t, ok)
	assert.Equal(t, "negociacao", row.Phase)
}

func TestCollection_DeleteUnknownIDIsNoop(t *testing.T) {
	c := NewCollection()
	assert.NoError(t, c.Apply(record(OpInsert, "a1", "prospeccao")))
	assert.NoError(t, c.Apply(record(OpDelete, "nope", "prospeccao")))
	assert.Equal(t, 1, c.Len())
}

func TestCollection_UnknownOperationRejected(t *testing.T) {
	c := NewCollection()
	rec := record(OpInsert, "a1", "prospeccao")
	rec.Operation = Operation("TRUNCATE")
	assert.Error(t, c.Apply(rec))
	assert.Equal(t, 0, c.Len())
}

func TestCollection_FoldPreservesSequenceSemantics(t *testing.T) {
	// Folding the same ordered sequence into two collections must converge
	// on identical state.
	seq := []ChangeRecord{
		record(OpInsert, "a1", "prospeccao"),
		record(OpInsert, "b2", "prospeccao"),
		record(OpUpdate, "a1", "proposta"),
		record(OpUpdate, "a1", "negociacao"),
		record(OpDelete, "b2", "prospeccao"),
		record(OpInsert, "c3", "proposta"),
	}

	first := NewCollection()
	second := NewCollection()
	for _, rec := range seq {
		assert.NoError(t, first.Apply(rec))
		assert.NoError(t, second.Apply(rec))
	}

	assert.Equal(t, 2, first.Len())
	a, _ := first.Get("a1")
	assert.Equal(t, "negociacao", a.Phase)
	_, gone := first.Get("b2")
	assert.False(t, gone)
	assert.ElementsMatch(t, first.Snapshot(), second.Snapshot())
}

func TestCollection_SnapshotIsACopy(t *testing.T) {
	c := NewCollection()
	assert.NoError(t, c.Apply(record(OpInsert, "a1", "prospeccao")))

	snap := c.Snapshot()
	snap[0].Phase = "perdido"

	row, _ := c.Get("a1")
	assert.Equal(t, "prospeccao", row.Phase)
}

func TestParseChangeRecord(t *testing.T) {
	good := []byte(`{"operation":"UPDATE","table":"opportunities","phase_changed":true,` +
		`"data":{"id":"x1","phase":"proposta","company":"ACME","value":100,"owner_id":3,` +
		`"updated_at":"2026-08-28T10:00:00Z"},"timestamp":"2026-08-28T10:00:01Z"}`)
	rec, err := ParseChangeRecord(good)
	assert.NoError(t, err)
	assert.Equal(t, OpUpdate, rec.Operation)
	assert.True(t, rec.PhaseChanged)
	assert.Equal(t, "x1", rec.Data.ID)

	_, err = ParseChangeRecord([]byte(`{"operation":"DROP","data":{"id":"x"}}`))
	assert.Error(t, err)

	_, err = ParseChangeRecord([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseChangeRecord([]byte(`{"operation":"INSERT","data":{}}`))
	assert.Error(t, err)
}
