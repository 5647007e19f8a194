package notifgorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Priorities for workflow notifications. Rejection fan-out to admins is
// LOW: audit visibility, not a call to action.
const (
	PriorityLow    = "LOW"
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// NotificationRecord describes one workflow event for one recipient.
// Write-only from the engine's perspective; the inbox API reads it.
type NotificationRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	RecipientID string `gorm:"index;size:36;not null"`
	ActorID     string `gorm:"size:36"`
	EntityType  string `gorm:"size:8"`
	EntityID    string `gorm:"index;size:36"`
	Event       string `gorm:"size:48;not null"` // kpi.submitted, actual.rejected, ...
	Title       string `gorm:"size:200"`
	Body        string `gorm:"type:text"`
	Priority    string `gorm:"size:8;not null;default:NORMAL"`
	ReadAt      *time.Time
	CreatedAt   time.Time
}

func (n *NotificationRecord) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&NotificationRecord{})
}
