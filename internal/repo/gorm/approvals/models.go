package approvalsgorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntityType discriminates what an approval row decides on.
const (
	EntityKPI    = "KPI"
	EntityActual = "ACTUAL"
)

// Approval statuses. A row is decided exactly once; advancing a level
// creates a new row rather than mutating the old one.
const (
	StatusPending   = "PENDING"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
)

// Approval is one decision point for one level of one entity's chain.
// At most one PENDING row exists per (EntityID, EntityType).
type Approval struct {
	ID             string `gorm:"primaryKey;size:36"`
	EntityID       string `gorm:"index:idx_approval_entity;size:36;not null"`
	EntityType     string `gorm:"index:idx_approval_entity;size:8;not null"`
	Level          int    `gorm:"not null"` // 1..3
	ApproverID     string `gorm:"index;size:36;not null"`
	Status         string `gorm:"size:12;not null;default:PENDING;index"`
	Comment        string `gorm:"type:text"`
	DecidedAt      *time.Time
	DecidedBy      string `gorm:"size:36"`
	ReassignedBy   string `gorm:"size:36"` // provenance of admin overrides
	ReassignedAt   *time.Time
	ReassignReason string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (a *Approval) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Approval{})
}
