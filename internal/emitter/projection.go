package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/model"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
	"gorm.io/gorm"
)

// Projection limits. These mirror the left() calls in the trigger function;
// the Go-side builder exists for the batch-import path, which publishes its
// notifications from the application instead of from the trigger.
const (
	CompanyMaxLen = 120
	ContactMaxLen = 80

	// MaxPayloadBytes is the hard cap for an encoded ChangeRecord. The
	// underlying NOTIFY transport rejects payloads around 8000 bytes; staying
	// far below leaves room for JSON escaping of multibyte text.
	MaxPayloadBytes = 2048
)

// ProjectRow reduces a full opportunity row to the wire projection.
func ProjectRow(op model.Opportunity) realtime.RowData {
	return realtime.RowData{
		ID:        op.ID,
		Phase:     op.Phase,
		Company:   truncate(op.Company, CompanyMaxLen),
		Contact:   truncate(op.Contact, ContactMaxLen),
		Value:     op.Value,
		OwnerID:   op.OwnerID,
		UpdatedAt: op.UpdatedAt,
	}
}

// NewRecord builds a ChangeRecord for one row mutation.
func NewRecord(operation realtime.Operation, row model.Opportunity, phaseChanged bool) realtime.ChangeRecord {
	return realtime.ChangeRecord{
		Operation:    operation,
		Table:        model.Opportunity{}.TableName(),
		Data:         ProjectRow(row),
		PhaseChanged: phaseChanged,
		Timestamp:    time.Now().UTC(),
	}
}

// EncodeBounded serializes rec, shedding optional fields until the result
// fits MaxPayloadBytes. An unencodable record past the last fallback is a
// projection bug, not a runtime condition to recover from.
func EncodeBounded(rec realtime.ChangeRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(b) <= MaxPayloadBytes {
		return b, nil
	}

	rec.Data.Contact = ""
	if b, err = json.Marshal(rec); err != nil {
		return nil, err
	}
	if len(b) <= MaxPayloadBytes {
		return b, nil
	}

	rec.Data.Company = ""
	if b, err = json.Marshal(rec); err != nil {
		return nil, err
	}
	if len(b) <= MaxPayloadBytes {
		return b, nil
	}
	return nil, fmt.Errorf("change record for %s exceeds %d bytes after truncation", rec.Data.ID, MaxPayloadBytes)
}

// truncate cuts s to max runes, matching the trigger's left() semantics.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Notifier publishes an encoded record to a named channel. The repository
// uses it for batch notifications; tests swap in a counting fake.
type Notifier interface {
	Notify(ctx context.Context, channel string, payload []byte) error
}

// PgNotifier publishes through the ORM connection with pg_notify.
type PgNotifier struct {
	db *gorm.DB
}

func NewPgNotifier(db *gorm.DB) *PgNotifier { return &PgNotifier{db: db} }

func (n *PgNotifier) Notify(ctx context.Context, channel string, payload []byte) error {
	return n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, string(payload)).Error
}
