package users

import (
	"strings"
	"time"
)

// Identity captures a known fieldsync user and their last observed activity.
type Identity struct {
	UserID            string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role              string    `gorm:"column:role;size:64;not null;default:'';index"`
	Email             string    `gorm:"column:user_email;size:320"`
	DisplayName       string    `gorm:"column:user_display_name;size:320"`
	LastSeenAtSeconds int64     `gorm:"column:last_seen_s;not null;default:0;index"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Membership assigns a user to a project.
type Membership struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null;index"`
	Active    bool      `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing project assignments.
func (Membership) TableName() string {
	return "project_memberships"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
