package users

import (
	"strings"
	"time"
)

// Profile is the narrow read model of a player account. The users table is
// owned by the external identity system; the battle backend only reads it.
type Profile struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Username     string    `gorm:"column:username;size:190;not null" json:"username"`
	FullName     string    `gorm:"column:full_name;size:320" json:"full_name"`
	Avatar       string    `gorm:"column:avatar;size:512" json:"avatar"`
	CurrentLevel int       `gorm:"column:current_level;not null;default:1" json:"current_level"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the externally owned table backing player profiles.
func (Profile) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
