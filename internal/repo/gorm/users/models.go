package usersgorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Roles known to the workflow. A user carries exactly one.
const (
	RoleAdmin   = "ADMIN"
	RoleStaff   = "STAFF"
	RoleManager = "MANAGER" // line manager, level-1 approver
	RoleHOD     = "HOD"     // head of department, level-2 approver
	RoleBOD     = "BOD"     // board, level-3 approver
)

type UserAccount struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string `gorm:"size:128"`
	Email        string `gorm:"uniqueIndex;size:256"`
	PasswordHash string `gorm:"size:255"` // bcrypt hash
	Role         string `gorm:"size:16;not null;default:STAFF"`
	Active       bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *UserAccount) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserAccount{})
}
