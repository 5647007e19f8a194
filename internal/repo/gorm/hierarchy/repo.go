package hierarchygorm

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// ResolveForUser returns the active hierarchy for a submitter, latest
// row winning if several are active. gorm.ErrRecordNotFound when none.
func (r *Repo) ResolveForUser(ctx context.Context, userID string) (*ApprovalHierarchy, error) {
	var h ApprovalHierarchy
	err := r.db.WithContext(ctx).Where("user_id = ? AND active = ?", userID, true).Order("updated_at DESC").First(&h).Error
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Upsert replaces the active hierarchy for a user: previous active rows
// are deactivated, the new row inserted, in one transaction.
func (r *Repo) Upsert(ctx context.Context, h *ApprovalHierarchy) error {
	if h.UserID == "" {
		return errors.New("user id required")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ApprovalHierarchy{}).Where("user_id = ? AND active = ?", h.UserID, true).Update("active", false).Error; err != nil {
			return err
		}
		h.Active = true
		return tx.Create(h).Error
	})
}

func (r *Repo) List(ctx context.Context) ([]*ApprovalHierarchy, error) {
	var arr []*ApprovalHierarchy
	if err := r.db.WithContext(ctx).Where("active = ?", true).Order("user_id ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}
