package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/emitter"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/model"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
)

// ErrNotFound is returned when an opportunity id does not exist.
var ErrNotFound = errors.New("opportunity not found")

const snapshotKey = "opportunities:snapshot"

// RepositoryInterface restricts Repo methods for unit-test mocks.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetOpportunity(ctx context.Context, tx *gorm.DB, id string) (*model.Opportunity, error)
	ListOpportunities(ctx context.Context) ([]model.Opportunity, error)
	CreateOpportunity(ctx context.Context, tx *gorm.DB, o *model.Opportunity) error
	UpdateOpportunity(ctx context.Context, tx *gorm.DB, o *model.Opportunity) error
	DeleteOpportunity(ctx context.Context, tx *gorm.DB, id string) error
	BulkImport(ctx context.Context, rows []model.Opportunity, batchSize int) (int, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheSnapshot(ctx context.Context, rows []model.Opportunity) error
	GetCachedSnapshot(ctx context.Context) ([]model.Opportunity, error)
	InvalidateSnapshot(ctx context.Context) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	writer   *kafka.Writer
	notifier emitter.Notifier
	channel  string
	log      *zap.SugaredLogger
}

// NewRepository constructs repo. notifier carries the batch-import
// notifications; nil disables them (tests, poller).
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, notifier emitter.Notifier, channel string, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, notifier: notifier, channel: channel, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func (r *Repository) GetOpportunity(ctx context.Context, tx *gorm.DB, id string) (*model.Opportunity, error) {
	var o model.Opportunity
	err := tx.WithContext(ctx).Where("id = ?", id).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) ListOpportunities(ctx context.Context) ([]model.Opportunity, error) {
	var rows []model.Opportunity
	err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error
	return rows, err
}

func (r *Repository) CreateOpportunity(ctx context.Context, tx *gorm.DB, o *model.Opportunity) error {
	return tx.WithContext(ctx).Create(o).Error
}

func (r *Repository) UpdateOpportunity(ctx context.Context, tx *gorm.DB, o *model.Opportunity) error {
	res := tx.WithContext(ctx).Model(&model.Opportunity{}).Where("id = ?", o.ID).
		Updates(map[string]interface{}{
			"company":     o.Company,
			"contact":     o.Contact,
			"phase":       o.Phase,
			"value":       o.Value,
			"owner_id":    o.OwnerID,
			"description": o.Description,
			"notes":       o.Notes,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteOpportunity(ctx context.Context, tx *gorm.DB, id string) error {
	res := tx.WithContext(ctx).Where("id = ?", id).Delete(&model.Opportunity{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkImport inserts rows in batches with the change trigger suppressed,
// then publishes one summary notification per batch. 500 imported rows must
// not turn into 500 notifications; connected clients get a handful of batch
// markers and reconcile the rest through a full refetch.
func (r *Repository) BulkImport(ctx context.Context, rows []model.Opportunity, batchSize int) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := emitter.Suppress(tx); err != nil {
				return fmt.Errorf("suppress change trigger: %w", err)
			}
		}
		return tx.CreateInBatches(rows, batchSize).Error
	})
	if err != nil {
		return 0, err
	}

	batches := (len(rows) + batchSize - 1) / batchSize
	if r.notifier == nil {
		return batches, nil
	}
	for i := 0; i < batches; i++ {
		end := (i + 1) * batchSize
		if end > len(rows) {
			end = len(rows)
		}
		rec := emitter.NewRecord(realtime.OpInsert, rows[end-1], false)
		payload, err := emitter.EncodeBounded(rec)
		if err != nil {
			r.log.Errorw("batch notification not encodable", "error", err)
			continue
		}
		// Best effort: import already committed, a lost marker only delays
		// clients until their next refetch.
		if err := r.notifier.Notify(ctx, r.channel, payload); err != nil {
			r.log.Warnw("batch notification failed", "batch", i+1, "error", err)
		}
	}
	return batches, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheSnapshot stores the opportunity list for fast initial loads.
func (r *Repository) CacheSnapshot(ctx context.Context, rows []model.Opportunity) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, snapshotKey, b, 5*time.Minute).Err()
}

// GetCachedSnapshot reads the cached list; redis.Nil maps to a miss.
func (r *Repository) GetCachedSnapshot(ctx context.Context) ([]model.Opportunity, error) {
	b, err := r.rdb.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		return nil, err
	}
	var rows []model.Opportunity
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// InvalidateSnapshot drops the cached list after any mutation.
func (r *Repository) InvalidateSnapshot(ctx context.Context) error {
	return r.rdb.Del(ctx, snapshotKey).Err()
}
