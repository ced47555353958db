package realtime

import "fmt"

// Collection is the client-side set of opportunity rows keyed by id. It is
// not safe for concurrent use; the sync store is its single writer.
type Collection struct {
	rows map[string]RowData
}

func NewCollection() *Collection {
	return &Collection{rows: make(map[string]RowData)}
}

// Apply folds one change into the collection. All three operations are
// idempotent: replaying a record leaves the collection unchanged.
//
// An UPDATE for an id the collection has never seen is inserted rather than
// dropped. With at-most-once delivery the original INSERT may simply have
// been missed, and a present-but-late row beats an invisible one.
func (c *Collection) Apply(rec ChangeRecord) error {
	switch rec.Operation {
	case OpInsert:
		c.rows[rec.Data.ID] = rec.Data
	case OpUpdate:
		c.rows[rec.Data.ID] = rec.Data
	case OpDelete:
		delete(c.rows, rec.Data.ID)
	default:
		return fmt.Errorf("apply: unknown operation %q", rec.Operation)
	}
	return nil
}

// Get returns the row for id, if present.
func (c *Collection) Get(id string) (RowData, bool) {
	row, ok := c.rows[id]
	return row, ok
}

func (c *Collection) Len() int { return len(c.rows) }

// Snapshot returns a copy of the rows. UI readers work on the copy, so they
// can never mutate the collection behind the store's back.
func (c *Collection) Snapshot() []RowData {
	out := make([]RowData, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	return out
}
