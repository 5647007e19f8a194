package perfgorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state shared by KPI definitions and actuals.
// Transitions happen only through the workflow engine.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingLM       Status = "PENDING_LM"
	StatusPendingHOD      Status = "PENDING_HOD"
	StatusPendingBOD      Status = "PENDING_BOD"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusChangeRequested Status = "CHANGE_REQUESTED"
	StatusArchived        Status = "ARCHIVED"
)

// Editable reports whether the owner may still mutate the entity.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusRejected || s == StatusChangeRequested
}

// Pending reports whether the entity sits in an approval queue.
func (s Status) Pending() bool {
	return s == StatusPendingLM || s == StatusPendingHOD || s == StatusPendingBOD
}

// PendingStatusForLevel maps an approval level to the entity status that
// represents it.
func PendingStatusForLevel(level int) Status {
	switch level {
	case 1:
		return StatusPendingLM
	case 2:
		return StatusPendingHOD
	case 3:
		return StatusPendingBOD
	}
	return StatusApproved
}

// KpiDefinition is a performance goal owned by one user for one cycle.
type KpiDefinition struct {
	ID                  string `gorm:"primaryKey;size:36"`
	OwnerID             string `gorm:"index;size:36;not null"`
	CycleID             string `gorm:"index;size:36;not null"`
	Title               string `gorm:"size:200;not null"`
	Description         string `gorm:"type:text"`
	Weight              int    `gorm:"not null"` // percent, 5..40
	Target              string `gorm:"size:200"`
	Unit                string `gorm:"size:32"`
	Status              Status `gorm:"size:24;not null;default:DRAFT;index"`
	SubmittedAt         *time.Time
	ApprovedAt          *time.Time
	ApprovedBy          string `gorm:"size:36"`
	RejectedAt          *time.Time
	RejectedBy          string `gorm:"size:36"`
	RejectionReason     string `gorm:"type:text"`
	ChangeRequestReason string `gorm:"type:text"`
	LockedAt            *time.Time
	Deleted             bool `gorm:"default:false;index"` // soft delete, DRAFT only
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (k *KpiDefinition) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// KpiActual is a reported result against one definition for one period.
// One open actual per (definition, period); a rejected actual may be
// replaced by a new row.
type KpiActual struct {
	ID              string  `gorm:"primaryKey;size:36"`
	KpiDefinitionID string  `gorm:"index;size:36;not null"`
	Period          string  `gorm:"index;size:32;not null"` // e.g. 2026-Q1
	ActualValue     string  `gorm:"size:200"`
	Percentage      float64 // achievement vs target
	Score           float64 // weighted score
	Evidence        string  `gorm:"type:text"` // free-form reference; file storage is external
	Status          Status  `gorm:"size:24;not null;default:DRAFT;index"`
	SubmittedAt     *time.Time
	ApprovedAt      *time.Time
	ApprovedBy      string `gorm:"size:36"`
	RejectedAt      *time.Time
	RejectedBy      string `gorm:"size:36"`
	RejectionReason string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *KpiActual) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&KpiDefinition{}, &KpiActual{})
}
