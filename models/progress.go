package models

import (
	"time"
)

// Keys used inside Progress.ProgressData. The shape depends on the
// achievement type: time-based rules keep a date list, counters keep per-day
// buckets and per-field totals, milestones keep a stage index and recent
// event history.
const (
	DataKeyDates        = "dates"         // []string "2006-01-02", capped
	DataKeyDaily        = "daily"         // map[date]float64
	DataKeyCounters     = "counters"      // map[field]float64
	DataKeyStageIndex   = "stage_index"   // float64
	DataKeyRecentEvents = "recent_events" // []map{"type","at","value"}
	DataKeyWindowEvents = "window_events" // []map{"at","value"} for windowed counters
)

// RecentEventCap bounds the recent-event history kept per progress row.
const RecentEventCap = 50

// Progress tracks per-user, per-achievement partial progress before an award
// exists. Once Completed is set the row is immutable.
type Progress struct {
	ID            string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID        string `gorm:"not null;uniqueIndex:ux_progress_pair,priority:1" json:"user_id"`
	AchievementID string `gorm:"not null;uniqueIndex:ux_progress_pair,priority:2" json:"achievement_id"`

	CurrentValue float64                `gorm:"default:0" json:"current_value"` // invariant: never negative
	TargetValue  float64                `gorm:"default:0" json:"target_value"`
	ProgressData map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"progress_data,omitempty"`
	Completed    bool                   `gorm:"default:false;index" json:"completed"`
	LastUpdated  time.Time              `json:"last_updated"`

	Timestamps
}

// Percent reports completion as 0–100, clamped.
func (p *Progress) Percent() float64 {
	if p.Completed {
		return 100
	}
	if p.TargetValue <= 0 {
		return 0
	}
	pct := p.CurrentValue / p.TargetValue * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Dates returns the stored activity date list, tolerating the loosely typed
// values jsonb round-trips produce.
func (p *Progress) Dates() []string {
	if p.ProgressData == nil {
		return nil
	}
	raw, ok := p.ProgressData[DataKeyDates]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, d := range v {
			if s, ok := d.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StageIndex returns the stored multi-stage index, defaulting to 0.
func (p *Progress) StageIndex() int {
	if p.ProgressData == nil {
		return 0
	}
	switch v := p.ProgressData[DataKeyStageIndex].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// RecentEvents returns the stored event history as (type, at) pairs.
func (p *Progress) RecentEvents() []RecentEvent {
	if p.ProgressData == nil {
		return nil
	}
	raw, ok := p.ProgressData[DataKeyRecentEvents].([]interface{})
	if !ok {
		return nil
	}
	out := make([]RecentEvent, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		ev := RecentEvent{}
		if t, ok := m["type"].(string); ok {
			ev.Type = t
		}
		if at, ok := m["at"].(string); ok {
			ev.At, _ = time.Parse(time.RFC3339, at)
		}
		out = append(out, ev)
	}
	return out
}

// RecentEvent is one entry of the per-progress event history.
type RecentEvent struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}
