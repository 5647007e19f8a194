package notifgorm

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Create(ctx context.Context, n *NotificationRecord) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// List returns a recipient's notifications; if unreadOnly, only unread.
func (r *Repo) List(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*NotificationRecord, int64, error) {
	q := r.db.WithContext(ctx).Model(&NotificationRecord{}).Where("recipient_id = ?", recipientID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*NotificationRecord
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var c int64
	err := r.db.WithContext(ctx).Model(&NotificationRecord{}).Where("recipient_id = ? AND read_at IS NULL", recipientID).Count(&c).Error
	return c, err
}

func (r *Repo) MarkRead(ctx context.Context, recipientID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("recipient_id = ? AND id IN ? AND read_at IS NULL", recipientID, ids).
		Update("read_at", now).Error
}
