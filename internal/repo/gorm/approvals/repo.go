package approvalsgorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNotPending reports a decision attempted on a row no longer PENDING:
// the compare-and-swap found stale state (concurrent decision, cancel, or
// override landed first).
var ErrNotPending = errors.New("approval is no longer pending")

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// WithTx returns a view of the repo bound to a transaction handle.
func (r *Repo) WithTx(tx *gorm.DB) *Repo { return &Repo{db: tx} }

func (r *Repo) Create(ctx context.Context, a *Approval) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Approval, error) {
	var a Approval
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// PendingFor returns the PENDING row for an entity held by a specific
// approver, if any. The caller's level derives from this row, never from
// the entity status string.
func (r *Repo) PendingFor(ctx context.Context, entityType, entityID, approverID string) (*Approval, error) {
	var a Approval
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND approver_id = ? AND status = ?", entityType, entityID, approverID, StatusPending).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PendingAtLevel finds the PENDING row for an entity at a level
// regardless of approver (admin proxy lookups).
func (r *Repo) PendingAtLevel(ctx context.Context, entityType, entityID string, level int) (*Approval, error) {
	var a Approval
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND level = ? AND status = ?", entityType, entityID, level, StatusPending).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListPendingByApprover is an approver's work queue.
func (r *Repo) ListPendingByApprover(ctx context.Context, approverID string) ([]*Approval, error) {
	var arr []*Approval
	if err := r.db.WithContext(ctx).
		Where("approver_id = ? AND status = ?", approverID, StatusPending).
		Order("created_at ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// ListForEntity returns an entity's full approval history, oldest first.
func (r *Repo) ListForEntity(ctx context.Context, entityType, entityID string) ([]*Approval, error) {
	var arr []*Approval
	if err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// Decision is the fixed field set a decide writes. Override is set on
// admin proxy decisions and lands in the same update as the decision,
// so the provenance can never be lost between two writes.
type Decision struct {
	Status    string // APPROVED or REJECTED
	Comment   string
	DecidedBy string
	DecidedAt time.Time
	Override  *Override
}

// Decide records a decision with a compare-and-swap: the update is
// conditional on the row still being PENDING, and zero rows affected
// surfaces as ErrNotPending instead of silently succeeding on stale
// data.
func (r *Repo) Decide(ctx context.Context, id string, d Decision) error {
	updates := map[string]any{"status": d.Status, "comment": d.Comment, "decided_by": d.DecidedBy, "decided_at": d.DecidedAt}
	if d.Override != nil {
		updates["reassigned_by"] = d.Override.ReassignedBy
		updates["reassigned_at"] = d.Override.ReassignedAt
		updates["reassign_reason"] = d.Override.ReassignReason
	}
	res := r.db.WithContext(ctx).Model(&Approval{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// Override is admin-override provenance on a row.
type Override struct {
	ReassignedBy   string
	ReassignedAt   time.Time
	ReassignReason string
}

// Reassign swaps the approver on a PENDING row; level and status stay
// untouched. Conditional on PENDING like any other decision write.
func (r *Repo) Reassign(ctx context.Context, id, newApproverID string, o Override) error {
	res := r.db.WithContext(ctx).Model(&Approval{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"approver_id": newApproverID, "reassigned_by": o.ReassignedBy, "reassigned_at": o.ReassignedAt, "reassign_reason": o.ReassignReason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// CancelAllPending cancels every PENDING row for an entity in one
// transaction, attaching the cancellation comment. All-or-nothing: a
// mid-loop failure rolls the batch back rather than leaving mixed state.
func (r *Repo) CancelAllPending(ctx context.Context, entityType, entityID, comment string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&Approval{}).
			Where("entity_type = ? AND entity_id = ? AND status = ?", entityType, entityID, StatusPending).
			Updates(map[string]any{"status": StatusCancelled, "comment": comment, "decided_at": now})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

// CountPending supports the single-PENDING invariant checks.
func (r *Repo) CountPending(ctx context.Context, entityType, entityID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Approval{}).
		Where("entity_type = ? AND entity_id = ? AND status = ?", entityType, entityID, StatusPending).
		Count(&n).Error
	return n, err
}
