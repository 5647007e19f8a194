package perfgorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrOpenActualExists guards the one-open-actual-per-(kpi, period) rule.
var ErrOpenActualExists = errors.New("an open actual already exists for this KPI and period")

const (
	minSetSize = 3
	maxSetSize = 5
	minWeight  = 5
	maxWeight  = 40
)

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// WithTx returns a view of the repo bound to a transaction handle.
func (r *Repo) WithTx(tx *gorm.DB) *Repo { return &Repo{db: tx} }

// ValidateSet checks the creation invariant for one submission set:
// 3 to 5 definitions, each weight within 5..40, weights summing to 100.
// Enforced at creation only, never re-checked on transitions.
func ValidateSet(defs []*KpiDefinition) error {
	if len(defs) < minSetSize || len(defs) > maxSetSize {
		return fmt.Errorf("a KPI set needs %d to %d definitions, got %d", minSetSize, maxSetSize, len(defs))
	}
	total := 0
	for _, d := range defs {
		if d.Weight < minWeight || d.Weight > maxWeight {
			return fmt.Errorf("weight %d%% for %q outside %d..%d", d.Weight, d.Title, minWeight, maxWeight)
		}
		total += d.Weight
	}
	if total != 100 {
		return fmt.Errorf("KPI weights must sum to 100%%, got %d%%", total)
	}
	return nil
}

// CreateSet validates and inserts a whole KPI set for one owner/cycle.
func (r *Repo) CreateSet(ctx context.Context, ownerID, cycleID string, defs []*KpiDefinition) error {
	if err := ValidateSet(defs); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range defs {
			d.OwnerID = ownerID
			d.CycleID = cycleID
			d.Status = StatusDraft
			if err := tx.Create(d).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) GetKpi(ctx context.Context, id string) (*KpiDefinition, error) {
	var k KpiDefinition
	if err := r.db.WithContext(ctx).Where("id = ? AND deleted = ?", id, false).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *Repo) ListKpisByOwner(ctx context.Context, ownerID, cycleID string) ([]*KpiDefinition, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ? AND deleted = ?", ownerID, false)
	if cycleID != "" {
		q = q.Where("cycle_id = ?", cycleID)
	}
	var arr []*KpiDefinition
	if err := q.Order("created_at ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// UpdateKpiDraft saves owner-editable fields. Callers gate on
// Status.Editable(); the engine owns every other field.
func (r *Repo) UpdateKpiDraft(ctx context.Context, k *KpiDefinition) error {
	return r.db.WithContext(ctx).Model(&KpiDefinition{}).Where("id = ?", k.ID).
		Updates(map[string]any{"title": k.Title, "description": k.Description, "weight": k.Weight, "target": k.Target, "unit": k.Unit}).Error
}

// SoftDeleteDraft flags a DRAFT definition deleted. Conditional on the
// status so a concurrent submit cannot race the delete.
func (r *Repo) SoftDeleteDraft(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&KpiDefinition{}).Where("id = ? AND status = ?", id, StatusDraft).Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) GetActual(ctx context.Context, id string) (*KpiActual, error) {
	var a KpiActual
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateActual enforces one open actual per (definition, period): a new
// row is allowed only when no non-REJECTED row exists for the pair.
func (r *Repo) CreateActual(ctx context.Context, a *KpiActual) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&KpiActual{}).
			Where("kpi_definition_id = ? AND period = ? AND status <> ?", a.KpiDefinitionID, a.Period, StatusRejected).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrOpenActualExists
		}
		a.Status = StatusDraft
		return tx.Create(a).Error
	})
}

func (r *Repo) ListActualsForKpi(ctx context.Context, kpiID string) ([]*KpiActual, error) {
	var arr []*KpiActual
	if err := r.db.WithContext(ctx).Where("kpi_definition_id = ?", kpiID).Order("created_at ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// UpdateActualDraft saves owner-editable fields of an actual.
func (r *Repo) UpdateActualDraft(ctx context.Context, a *KpiActual) error {
	return r.db.WithContext(ctx).Model(&KpiActual{}).Where("id = ?", a.ID).
		Updates(map[string]any{"actual_value": a.ActualValue, "percentage": a.Percentage, "score": a.Score, "evidence": a.Evidence}).Error
}

// ---- per-transition updates ----
//
// Each transition touches a fixed field set; the structs below are the
// only write paths the engine uses after creation.

type SubmissionOutcome struct {
	SubmittedAt time.Time
	Level       int
}

type ApprovalOutcome struct {
	ApprovedAt time.Time
	ApprovedBy string
}

type RejectionOutcome struct {
	Reason     string
	RejectedBy string
	RejectedAt time.Time
}

func (r *Repo) model(kind string) any {
	if kind == "ACTUAL" {
		return &KpiActual{}
	}
	return &KpiDefinition{}
}

// MarkSubmitted is conditional on an editable status so two concurrent
// submits cannot both open a chain. CHANGE_REQUESTED is submittable so
// a returned entity restarts its chain from level 1.
func (r *Repo) MarkSubmitted(ctx context.Context, kind, id string, o SubmissionOutcome) error {
	res := r.db.WithContext(ctx).Model(r.model(kind)).
		Where("id = ? AND status IN ?", id, []Status{StatusDraft, StatusRejected, StatusChangeRequested}).
		Updates(map[string]any{"status": PendingStatusForLevel(o.Level), "submitted_at": o.SubmittedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MoveToPending advances the entity status to the next pending level.
func (r *Repo) MoveToPending(ctx context.Context, kind, id string, level int) error {
	return r.db.WithContext(ctx).Model(r.model(kind)).Where("id = ?", id).
		Update("status", PendingStatusForLevel(level)).Error
}

func (r *Repo) MarkApproved(ctx context.Context, kind, id string, o ApprovalOutcome) error {
	return r.db.WithContext(ctx).Model(r.model(kind)).Where("id = ?", id).
		Updates(map[string]any{"status": StatusApproved, "approved_at": o.ApprovedAt, "approved_by": o.ApprovedBy}).Error
}

func (r *Repo) MarkRejected(ctx context.Context, kind, id string, o RejectionOutcome) error {
	return r.db.WithContext(ctx).Model(r.model(kind)).Where("id = ?", id).
		Updates(map[string]any{"status": StatusRejected, "rejection_reason": o.Reason, "rejected_by": o.RejectedBy, "rejected_at": o.RejectedAt}).Error
}

// MarkArchived locks an APPROVED definition; conditional so pending or
// draft entities can never be archived.
func (r *Repo) MarkArchived(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&KpiDefinition{}).
		Where("id = ? AND status = ?", id, StatusApproved).
		Updates(map[string]any{"status": StatusArchived, "locked_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) MarkUnarchived(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&KpiDefinition{}).
		Where("id = ? AND status = ?", id, StatusArchived).
		Updates(map[string]any{"status": StatusApproved, "locked_at": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkChangeRequested moves an APPROVED definition into the amendment
// side state, stamping the admin's reason.
func (r *Repo) MarkChangeRequested(ctx context.Context, id, reason string) error {
	res := r.db.WithContext(ctx).Model(&KpiDefinition{}).
		Where("id = ? AND status = ?", id, StatusApproved).
		Updates(map[string]any{"status": StatusChangeRequested, "change_request_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RestoreApproved returns a CHANGE_REQUESTED definition to APPROVED
// (change-request resolution).
func (r *Repo) RestoreApproved(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&KpiDefinition{}).
		Where("id = ? AND status = ?", id, StatusChangeRequested).
		Updates(map[string]any{"status": StatusApproved, "change_request_reason": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkReturned puts an in-flight entity back into an editable state
// (return-to-staff): CHANGE_REQUESTED for definitions, DRAFT for
// actuals.
func (r *Repo) MarkReturned(ctx context.Context, kind, id, reason string) error {
	to := StatusChangeRequested
	updates := map[string]any{"change_request_reason": reason}
	if kind == "ACTUAL" {
		to = StatusDraft
		updates = map[string]any{}
	}
	updates["status"] = to
	res := r.db.WithContext(ctx).Model(r.model(kind)).
		Where("id = ? AND status IN ?", id, []Status{StatusPendingLM, StatusPendingHOD, StatusPendingBOD}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
