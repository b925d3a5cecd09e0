package models

import (
	"time"

	"gorm.io/gorm"
)

// AchievementType selects which evaluation algorithm the trigger engine runs.
type AchievementType string

const (
	AchievementTypeCounter     AchievementType = "counter"
	AchievementTypeMilestone   AchievementType = "milestone"
	AchievementTypeTimeBased   AchievementType = "time_based"
	AchievementTypeConditional AchievementType = "conditional"
)

// Achievement is the rule definition. Immutable at evaluation time; only the
// admin surface mutates it.
type Achievement struct {
	ID          string          `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Code        string          `gorm:"uniqueIndex;not null" json:"code"` // e.g., "chatterbox", "week-streak"
	Name        string          `gorm:"not null" json:"name"`
	Description string          `gorm:"type:text" json:"description"`
	Type        AchievementType `gorm:"type:varchar(16);not null;index" json:"type"`
	Criteria    Criteria        `gorm:"type:jsonb;serializer:json" json:"criteria"`
	Points      int             `gorm:"default:0" json:"points"`
	IsActive    bool            `gorm:"default:true;index" json:"is_active"`
	IsHidden    bool            `gorm:"default:false" json:"is_hidden"`

	// Optional rewards attached on award
	RoleReward   string `json:"role_reward,omitempty"` // chat-platform role id
	BadgeIconURL string `gorm:"type:text" json:"badge_icon_url,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
