package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/emitter"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/model"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/realtime"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/repo"
)

// OpportunityService glues business logic and repository. The realtime
// pipeline hangs off the database trigger, so these methods never talk to
// the hub; committing the row is what publishes the change.
type OpportunityService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewOpportunityService returns OpportunityService.
func NewOpportunityService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *OpportunityService {
	return &OpportunityService{repo: r, log: logger}
}

// ErrInvalidPhase means the phase is not one of the pipeline values.
var ErrInvalidPhase = errors.New("invalid pipeline phase")

// ErrInvalidValue means a negative deal value was passed.
var ErrInvalidValue = errors.New("deal value must not be negative")

func validPhase(phase string) bool {
	switch phase {
	case model.PhaseProspeccao, model.PhaseProposta, model.PhaseNegociacao, model.PhaseGanho, model.PhasePerdido:
		return true
	}
	return false
}

// Create inserts a new opportunity.
func (s *OpportunityService) Create(ctx context.Context, o *model.Opportunity) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Phase == "" {
		o.Phase = model.PhaseProspeccao
	}
	if !validPhase(o.Phase) {
		return ErrInvalidPhase
	}
	if o.Value.LessThan(decimal.Zero) {
		return ErrInvalidValue
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateOpportunity(ctx, tx, o); err != nil {
			return err
		}
		return s.writeOutbox(ctx, tx, "OpportunityCreated", o)
	})
	if err != nil {
		return err
	}
	if err := s.repo.InvalidateSnapshot(ctx); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// Update replaces the mutable fields of an existing opportunity.
func (s *OpportunityService) Update(ctx context.Context, o *model.Opportunity) error {
	if !validPhase(o.Phase) {
		return ErrInvalidPhase
	}
	if o.Value.LessThan(decimal.Zero) {
		return ErrInvalidValue
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateOpportunity(ctx, tx, o); err != nil {
			return err
		}
		return s.writeOutbox(ctx, tx, "OpportunityUpdated", o)
	})
	if err != nil {
		return err
	}
	if err := s.repo.InvalidateSnapshot(ctx); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// MovePhase advances or regresses the opportunity in the funnel. This is the
// mutation the kanban board drives; the trigger marks it phase_changed.
func (s *OpportunityService) MovePhase(ctx context.Context, id, phase string) (*model.Opportunity, error) {
	if !validPhase(phase) {
		return nil, ErrInvalidPhase
	}
	var moved *model.Opportunity
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := s.repo.GetOpportunity(ctx, tx, id)
		if err != nil {
			return err
		}
		o.Phase = phase
		if err := s.repo.UpdateOpportunity(ctx, tx, o); err != nil {
			return err
		}
		moved = o
		return s.writeOutbox(ctx, tx, "OpportunityPhaseMoved", o)
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateSnapshot(ctx); err != nil {
		s.log.Warn(err)
	}
	return moved, nil
}

// Delete removes an opportunity.
func (s *OpportunityService) Delete(ctx context.Context, id string) error {
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := s.repo.GetOpportunity(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteOpportunity(ctx, tx, id); err != nil {
			return err
		}
		return s.writeOutbox(ctx, tx, "OpportunityDeleted", o)
	})
	if err != nil {
		return err
	}
	if err := s.repo.InvalidateSnapshot(ctx); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// BulkImport loads rows in suppressed batches and returns the batch count.
func (s *OpportunityService) BulkImport(ctx context.Context, rows []model.Opportunity, batchSize int) (int, error) {
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.NewString()
		}
		if rows[i].Phase == "" {
			rows[i].Phase = model.PhaseProspeccao
		}
		if !validPhase(rows[i].Phase) {
			return 0, ErrInvalidPhase
		}
	}
	batches, err := s.repo.BulkImport(ctx, rows, batchSize)
	if err != nil {
		return 0, err
	}
	if err := s.repo.InvalidateSnapshot(ctx); err != nil {
		s.log.Warn(err)
	}
	return batches, nil
}

// List returns all opportunities, served from the redis snapshot when warm.
// This is the refetch backstop clients use after a long disconnect.
func (s *OpportunityService) List(ctx context.Context) ([]model.Opportunity, error) {
	if rows, err := s.repo.GetCachedSnapshot(ctx); err == nil {
		return rows, nil
	}
	rows, err := s.repo.ListOpportunities(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheSnapshot(ctx, rows); err != nil {
		s.log.Warn(err)
	}
	return rows, nil
}

// Get returns one opportunity.
func (s *OpportunityService) Get(ctx context.Context, id string) (*model.Opportunity, error) {
	return s.repo.GetOpportunity(ctx, s.repo.DB(ctx), id)
}

func (s *OpportunityService) writeOutbox(ctx context.Context, tx *gorm.DB, eventType string, o *model.Opportunity) error {
	payload, _ := json.Marshal(emitter.ProjectRow(*o))
	evt := &model.OutboxEvent{
		Aggregate:   realtime.ChannelOpportunities,
		AggregateID: o.ID,
		EventType:   eventType,
		Payload:     string(payload),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

// Repo exposes underlying repository (unit tests helper).
func (s *OpportunityService) Repo() repo.RepositoryInterface {
	return s.repo
}
