package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pipeline phases, in funnel order. The client kanban keys its columns on
// these values, which is why phase transitions are flagged on the wire.
const (
	PhaseProspeccao = "prospeccao"
	PhaseProposta   = "proposta"
	PhaseNegociacao = "negociacao"
	PhaseGanho      = "ganho"
	PhasePerdido    = "perdido"
)

type Opportunity struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	Company     string          `gorm:"size:255;not null" json:"company"`
	Contact     string          `gorm:"size:255" json:"contact"`
	Phase       string          `gorm:"size:32;not null;default:'prospeccao';index" json:"phase"`
	Value       decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'" json:"value"`
	OwnerID     uint64          `gorm:"not null;index" json:"owner_id"`
	Description string          `gorm:"type:text" json:"description,omitempty"`
	Notes       string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Opportunity) TableName() string { return "opportunities" }
