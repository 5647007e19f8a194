package hierarchygorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalHierarchy names the approval chain configured for one
// submitter. Level 1 is mandatory for submission; levels 2 and 3 are
// optional — approving at the last configured level finalizes the
// entity.
type ApprovalHierarchy struct {
	ID                string `gorm:"primaryKey;size:36"`
	UserID            string `gorm:"index;size:36;not null"`
	Level1ApproverID  string `gorm:"size:36"`
	Level2ApproverID  string `gorm:"size:36"`
	Level3ApproverID  string `gorm:"size:36"`
	Active            bool   `gorm:"default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (h *ApprovalHierarchy) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return nil
}

// ApproverAt returns the approver configured for a level (1..3), empty
// when that level is not configured.
func (h *ApprovalHierarchy) ApproverAt(level int) string {
	switch level {
	case 1:
		return h.Level1ApproverID
	case 2:
		return h.Level2ApproverID
	case 3:
		return h.Level3ApproverID
	}
	return ""
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ApprovalHierarchy{})
}
