package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Operation is the mutation kind carried by a ChangeRecord. It is a closed
// set: decoding any other value fails instead of falling through to a
// log-and-ignore branch.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

func (op *Operation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !Operation(s).Valid() {
		return fmt.Errorf("unknown operation %q", s)
	}
	*op = Operation(s)
	return nil
}

// RowData is the reduced projection of an opportunity row that travels over
// the notification channel. The trigger truncates free-text fields before
// serializing, so the encoded record stays under the NOTIFY payload limit.
// For DELETE these are the pre-delete values; otherwise the post-mutation ones.
type RowData struct {
	ID        string          `json:"id"`
	Phase     string          `json:"phase"`
	Company   string          `json:"company"`
	Contact   string          `json:"contact,omitempty"`
	Value     decimal.Decimal `json:"value"`
	OwnerID   uint64          `json:"owner_id"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChangeRecord describes exactly one committed row mutation.
type ChangeRecord struct {
	Operation    Operation `json:"operation"`
	Table        string    `json:"table"`
	Data         RowData   `json:"data"`
	PhaseChanged bool      `json:"phase_changed"`
	Timestamp    time.Time `json:"timestamp"`
}

// ParseChangeRecord decodes a raw channel message. Malformed input is the
// caller's cue to log and drop, never to abort the listen loop.
func ParseChangeRecord(payload []byte) (ChangeRecord, error) {
	var rec ChangeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ChangeRecord{}, fmt.Errorf("parse change record: %w", err)
	}
	if rec.Data.ID == "" {
		return ChangeRecord{}, fmt.Errorf("change record without row id")
	}
	return rec, nil
}
