package proxyloggorm

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// Append writes one audit row. detail may be nil; any marshalable value
// is stored as JSON.
func (r *Repo) Append(ctx context.Context, p *ProxyAction, detail any) error {
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		p.Detail = b
	}
	return r.db.WithContext(ctx).Create(p).Error
}

// ListForEntity returns the override history of an entity, oldest first.
func (r *Repo) ListForEntity(ctx context.Context, entityType, entityID string) ([]*ProxyAction, error) {
	var arr []*ProxyAction
	if err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}
