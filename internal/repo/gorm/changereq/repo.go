package changereqgorm

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// WithTx returns a view of the repo bound to a transaction handle.
func (r *Repo) WithTx(tx *gorm.DB) *Repo { return &Repo{db: tx} }

func (r *Repo) Create(ctx context.Context, c *ChangeRequest) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*ChangeRequest, error) {
	var c ChangeRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// PendingForKpi returns the open request against a definition, if any.
func (r *Repo) PendingForKpi(ctx context.Context, kpiID string) (*ChangeRequest, error) {
	var c ChangeRequest
	err := r.db.WithContext(ctx).Where("kpi_definition_id = ? AND status = ?", kpiID, StatusPending).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolution is the fixed field set completing a request writes.
type Resolution struct {
	ResolvedBy string
	ResolvedAt time.Time
	Comment    string
}

// Complete is conditional on PENDING; zero rows affected means the
// request was already resolved.
func (r *Repo) Complete(ctx context.Context, id string, res Resolution) error {
	q := r.db.WithContext(ctx).Model(&ChangeRequest{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusCompleted, "resolved_by": res.ResolvedBy, "resolved_at": res.ResolvedAt, "resolution_comment": res.Comment})
	if q.Error != nil {
		return q.Error
	}
	if q.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
