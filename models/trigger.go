package models

import (
	"time"
)

// TriggerContext is the ephemeral per-event value fed to the trigger engine
// and progress tracker. Never persisted.
type TriggerContext struct {
	UserID    string                 `json:"user_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Priority  int                    `json:"priority"`
	GuildID   string                 `json:"guild_id,omitempty"`
	ChannelID string                 `json:"channel_id,omitempty"`
	BatchKey  string                 `json:"batch_key,omitempty"`
}

// Metric resolves a numeric field from the payload, tolerating the number
// types JSON decoding produces.
func (c *TriggerContext) Metric(field string) (float64, bool) {
	if c == nil || c.Payload == nil {
		return 0, false
	}
	switch v := c.Payload[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// TriggerResult is the engine's decision for one (user, achievement) pair.
type TriggerResult struct {
	UserID        string          `json:"user_id"`
	AchievementID string          `json:"achievement_id"`
	Achievement   *Achievement    `json:"achievement,omitempty"`
	Triggered     bool            `json:"triggered"`
	Reason        string          `json:"reason"`
	Error         string          `json:"error,omitempty"`
	Context       *TriggerContext `json:"-"`
}

// AwardStatus is the terminal state of an award request.
type AwardStatus string

const (
	AwardStatusPending   AwardStatus = "pending"
	AwardStatusSuccess   AwardStatus = "success"
	AwardStatusFailed    AwardStatus = "failed"
	AwardStatusDuplicate AwardStatus = "duplicate"
	AwardStatusInvalid   AwardStatus = "invalid"
)

// AwardRequest asks the awarder to grant one achievement to one user.
type AwardRequest struct {
	UserID        string          `json:"user_id"`
	AchievementID string          `json:"achievement_id"`
	Reason        string          `json:"reason"`
	Priority      int             `json:"priority"`
	Timestamp     time.Time       `json:"timestamp"`
	Context       *TriggerContext `json:"-"`
}

// AwardResult reports the outcome of one award request.
type AwardResult struct {
	UserID        string        `json:"user_id"`
	AchievementID string        `json:"achievement_id"`
	Status        AwardStatus   `json:"status"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	Notified      bool          `json:"notified"`
	Award         *Award        `json:"award,omitempty"`
}
