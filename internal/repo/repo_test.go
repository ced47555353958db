package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/emitter"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/logger"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/model"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

type countingNotifier struct {
	payloads [][]byte
}

func (n *countingNotifier) Notify(_ context.Context, _ string, payload []byte) error {
	n.payloads = append(n.payloads, payload)
	return nil
}

func newTestRepo(t *testing.T, notifier emitter.Notifier) *Repository {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Opportunity{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log := must(logger.NewLogger())
	return NewRepository(db, rdb, &kafka.Writer{}, notifier, "opportunity_changes", log)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func TestRepository_CRUD(t *testing.T) {
	r := newTestRepo(t, nil)
	ctx := context.Background()

	o := &model.Opportunity{
		ID: "op-1", Company: "ACME Ltda", Contact: "João",
		Phase: model.PhaseProspeccao, Value: decimal.NewFromInt(5000), OwnerID: 3,
	}
	assert.NoError(t, r.CreateOpportunity(ctx, r.DB(ctx), o))

	got, err := r.GetOpportunity(ctx, r.DB(ctx), "op-1")
	assert.NoError(t, err)
	assert.Equal(t, "ACME Ltda", got.Company)

	got.Phase = model.PhaseProposta
	assert.NoError(t, r.UpdateOpportunity(ctx, r.DB(ctx), got))
	got, err = r.GetOpportunity(ctx, r.DB(ctx), "op-1")
	assert.NoError(t, err)
	assert.Equal(t, model.PhaseProposta, got.Phase)

	assert.ErrorIs(t, r.UpdateOpportunity(ctx, r.DB(ctx), &model.Opportunity{ID: "missing"}), ErrNotFound)
	_, err = r.GetOpportunity(ctx, r.DB(ctx), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, r.DeleteOpportunity(ctx, r.DB(ctx), "op-1"))
	assert.ErrorIs(t, r.DeleteOpportunity(ctx, r.DB(ctx), "op-1"), ErrNotFound)
}

func TestRepository_BulkImportSuppressesPerRowNotifications(t *testing.T) {
	notifier := &countingNotifier{}
	r := newTestRepo(t, notifier)
	ctx := context.Background()

	rows := make([]model.Opportunity, 500)
	for i := range rows {
		rows[i] = model.Opportunity{
			ID:      fmt.Sprintf("imp-%03d", i),
			Company: fmt.Sprintf("Empresa %d", i),
			Phase:   model.PhaseProspeccao,
			Value:   decimal.NewFromInt(int64(i)),
			OwnerID: 1,
		}
	}

	batches, err := r.BulkImport(ctx, rows, 100)
	assert.NoError(t, err)
	assert.Equal(t, 5, batches)

	// One marker per batch, nowhere near one per row.
	assert.Len(t, notifier.payloads, 5)
	for _, p := range notifier.payloads {
		assert.LessOrEqual(t, len(p), emitter.MaxPayloadBytes)
		rec, err := realtime.ParseChangeRecord(p)
		assert.NoError(t, err)
		assert.Equal(t, realtime.OpInsert, rec.Operation)
	}

	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Opportunity{}).Count(&count).Error)
	assert.EqualValues(t, 500, count)
}

func TestRepository_BulkImportEmptyIsNoop(t *testing.T) {
	notifier := &countingNotifier{}
	r := newTestRepo(t, notifier)

	batches, err := r.BulkImport(context.Background(), nil, 100)
	assert.NoError(t, err)
	assert.Zero(t, batches)
	assert.Empty(t, notifier.payloads)
}

func TestRepository_OutboxFlow(t *testing.T) {
	r := newTestRepo(t, nil)
	ctx := context.Background()

	evt := &model.OutboxEvent{
		Aggregate: "opportunities", AggregateID: "op-1",
		EventType: "OpportunityCreated", Payload: `{"id":"op-1"}`,
	}
	assert.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), evt))

	pending, err := r.PollOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.NoError(t, r.MarkOutboxProcessed(ctx, pending[0].ID))
	pending, err = r.PollOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepository_SnapshotCache(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Opportunity{}))

	rdb, mock := redismock.NewClientMock()
	r := NewRepository(db, rdb, &kafka.Writer{}, nil, "opportunity_changes", must(logger.NewLogger()))
	ctx := context.Background()

	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	rows := []model.Opportunity{{
		ID: "op-1", Company: "ACME", Phase: model.PhaseProposta,
		Value: decimal.NewFromInt(100), OwnerID: 1, CreatedAt: ts, UpdatedAt: ts,
	}}
	encoded, err := json.Marshal(rows)
	assert.NoError(t, err)

	mock.ExpectSet(snapshotKey, encoded, 5*time.Minute).SetVal("OK")
	mock.ExpectGet(snapshotKey).SetVal(string(encoded))
	mock.ExpectDel(snapshotKey).SetVal(1)

	assert.NoError(t, r.CacheSnapshot(ctx, rows))
	cached, err := r.GetCachedSnapshot(ctx)
	assert.NoError(t, err)
	assert.Len(t, cached, 1)
	assert.Equal(t, "op-1", cached[0].ID)
	assert.NoError(t, r.InvalidateSnapshot(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}
