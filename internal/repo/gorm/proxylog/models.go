package proxyloggorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Proxy action types. One row per administrative override; rows are
// append-only and never updated.
const (
	ActionApproveAsManager   = "APPROVE_AS_MANAGER"
	ActionRejectAsManager    = "REJECT_AS_MANAGER"
	ActionReassignApprover   = "REASSIGN_APPROVER"
	ActionReturnToStaff      = "RETURN_TO_STAFF"
	ActionIssueChangeRequest = "ISSUE_CHANGE_REQUEST"
)

// ProxyAction records an administrator acting on behalf of another
// party. Detail carries action-specific provenance (previous/new
// approver ids and the like).
type ProxyAction struct {
	ID           string `gorm:"primaryKey;size:36"`
	ActionType   string `gorm:"size:32;not null;index"`
	PerformedBy  string `gorm:"size:36;not null;index"` // the admin
	TargetUserID string `gorm:"size:36"`                // the party proxied for
	EntityType   string `gorm:"size:8"`
	EntityID     string `gorm:"index;size:36"`
	Level        int
	Reason       string         `gorm:"type:text;not null"`
	Comment      string         `gorm:"type:text"`
	Detail       datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time
}

func (p *ProxyAction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProxyAction{})
}
