package changereqgorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

// ChangeRequest asks the owner to amend an already-approved KPI. It is
// independent of the approval chain and never reuses approval rows.
type ChangeRequest struct {
	ID                string `gorm:"primaryKey;size:36"`
	KpiDefinitionID   string `gorm:"index;size:36;not null"`
	RequesterID       string `gorm:"size:36;not null"`
	ChangeType        string `gorm:"size:64"`
	Reason            string `gorm:"type:text;not null"`
	Status            string `gorm:"size:12;not null;default:PENDING;index"`
	ResolvedAt        *time.Time
	ResolvedBy        string `gorm:"size:36"`
	ResolutionComment string `gorm:"type:text"`
	CreatedAt         time.Time
}

func (c *ChangeRequest) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ChangeRequest{})
}
