package models

import (
	"time"
)

// Award is the permanent record that a user earned an achievement. At most
// one exists per (user, achievement) pair, enforced by the unique index and
// the awarder's in-flight locking.
type Award struct {
	ID            string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID        string `gorm:"not null;uniqueIndex:ux_award_pair,priority:1" json:"user_id"`
	AchievementID string `gorm:"not null;uniqueIndex:ux_award_pair,priority:2" json:"achievement_id"`

	EarnedAt time.Time              `gorm:"not null" json:"earned_at"`
	Notified bool                   `gorm:"default:false;index" json:"notified"`
	Context  map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// AwardEvent is the audit trail entry written after each terminal awarder
// pipeline outcome.
type AwardEvent struct {
	ID            string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID        string    `gorm:"index" json:"user_id"`
	AchievementID string    `gorm:"index" json:"achievement_id"`
	Status        string    `gorm:"type:varchar(16);not null" json:"status"`
	Reason        string    `gorm:"type:text" json:"reason"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}
