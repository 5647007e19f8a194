package usersgorm

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Create(ctx context.Context, u *UserAccount) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*UserAccount, error) {
	var u UserAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetByUsername(ctx context.Context, username string) (*UserAccount, error) {
	var u UserAccount
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetByEmail(ctx context.Context, email string) (*UserAccount, error) {
	var u UserAccount
	if err := r.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListByRole returns active users holding the given role (e.g. all admins
// for rejection fan-out).
func (r *Repo) ListByRole(ctx context.Context, role string) ([]*UserAccount, error) {
	var arr []*UserAccount
	if err := r.db.WithContext(ctx).Where("role = ? AND active = ?", role, true).Order("username ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

func (r *Repo) SetPassword(ctx context.Context, userID, plain string) error {
	if strings.TrimSpace(plain) == "" {
		return errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&UserAccount{}).Where("id = ?", userID).Update("password_hash", string(h)).Error
}

func (r *Repo) Verify(ctx context.Context, username, plain string) (*UserAccount, error) {
	u, err := r.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.PasswordHash == "" {
		return nil, errors.New("password not set")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(plain)); err != nil {
		return nil, errors.New("invalid credentials")
	}
	if !u.Active {
		return nil, errors.New("user disabled")
	}
	return u, nil
}
