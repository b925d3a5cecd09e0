package models

import (
	"fmt"
)

// LogicOp combines sub-conditions of a compound rule.
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// CompareOp is the numeric comparison used by milestone-style rules.
type CompareOp string

const (
	OpGTE CompareOp = ">="
	OpGT  CompareOp = ">"
	OpLTE CompareOp = "<="
	OpLT  CompareOp = "<"
	OpEQ  CompareOp = "=="
)

// Compare applies the operator; an empty operator defaults to >=.
func (op CompareOp) Compare(value, target float64) bool {
	switch op {
	case OpGT:
		return value > target
	case OpLTE:
		return value <= target
	case OpLT:
		return value < target
	case OpEQ:
		return value == target
	case OpGTE, "":
		return value >= target
	}
	return false
}

func (op CompareOp) valid() bool {
	switch op {
	case "", OpGTE, OpGT, OpLTE, OpLT, OpEQ:
		return true
	}
	return false
}

// Criteria is a tagged union: exactly one variant is set, matching the
// achievement's Type. Stored as a single jsonb column.
type Criteria struct {
	Counter     *CounterCriteria     `json:"counter,omitempty"`
	Milestone   *MilestoneCriteria   `json:"milestone,omitempty"`
	TimeBased   *TimeBasedCriteria   `json:"time_based,omitempty"`
	Conditional *ConditionalCriteria `json:"conditional,omitempty"`
}

// CounterCriteria counts contributions toward a target, optionally inside a
// sliding window of days, optionally as an AND/OR compound over several fields.
type CounterCriteria struct {
	Field      string  `json:"field"`
	Target     float64 `json:"target"`
	WindowDays int     `json:"window_days,omitempty"` // 0 = unbounded

	// Compound mode: when Fields is non-empty, each entry is checked against
	// the tracked per-field counters and combined with Logic.
	Fields []CounterField `json:"fields,omitempty"`
	Logic  LogicOp        `json:"logic,omitempty"`

	// Events restricts which event types feed this counter. Empty = any.
	Events []string `json:"events,omitempty"`
}

type CounterField struct {
	Field  string  `json:"field"`
	Target float64 `json:"target"`
}

// MilestoneCriteria is a direct numeric comparison, or one of the richer
// milestone shapes: ordered stages, an event sequence/combination, or a
// bundle of named sub-conditions.
type MilestoneCriteria struct {
	Field    string    `json:"field,omitempty"`
	Target   float64   `json:"target,omitempty"`
	Operator CompareOp `json:"operator,omitempty"`

	Stages      []MilestoneStage  `json:"stages,omitempty"`
	Sequence    []string          `json:"sequence,omitempty"`    // event types, in order
	Combination []string          `json:"combination,omitempty"` // event types, any order
	Bundle      []BundleCondition `json:"bundle,omitempty"`
	Logic       LogicOp           `json:"logic,omitempty"` // bundle combinator

	Events []string `json:"events,omitempty"`
}

type MilestoneStage struct {
	Name     string    `json:"name"`
	Field    string    `json:"field"`
	Target   float64   `json:"target"`
	Operator CompareOp `json:"operator,omitempty"`
}

// BundleCondition is one named check inside a milestone bundle.
type BundleCondition struct {
	Kind string `json:"kind"` // "metric", "role", "time_window"
	Name string `json:"name,omitempty"`

	// metric
	Field    string    `json:"field,omitempty"`
	Target   float64   `json:"target,omitempty"`
	Operator CompareOp `json:"operator,omitempty"`

	// role: the event payload's "roles" list must contain Role
	Role string `json:"role,omitempty"`

	// time_window: event timestamp's hour must fall in [StartHour, EndHour)
	StartHour int `json:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty"`
}

// TimeBasedCriteria fires once the consecutive-day activity streak reaches
// TargetStreak. The tracker keeps at most MaxDates distinct activity dates.
type TimeBasedCriteria struct {
	TargetStreak int      `json:"target_streak"`
	MaxDates     int      `json:"max_dates,omitempty"` // default 30
	Events       []string `json:"events,omitempty"`
}

// DateCap returns the configured date-list cap, defaulting to 30.
func (c *TimeBasedCriteria) DateCap() int {
	if c.MaxDates > 0 {
		return c.MaxDates
	}
	return 30
}

// ConditionalCriteria gates the achievement on an ordered list of
// heterogeneous sub-conditions. RequireAll combines with AND; otherwise the
// first satisfied condition wins (OR).
type ConditionalCriteria struct {
	RequireAll bool           `json:"require_all"`
	Conditions []SubCondition `json:"conditions"`
}

type SubCondition struct {
	Kind string `json:"kind"` // "metric", "achievement", "time_range"
	Name string `json:"name,omitempty"`

	// metric
	Field    string    `json:"field,omitempty"`
	Operator CompareOp `json:"operator,omitempty"`
	Target   float64   `json:"target,omitempty"`

	// achievement dependency
	AchievementID string `json:"achievement_id,omitempty"`

	// time_range (hour of day, end exclusive; Start == End means all day)
	StartHour int `json:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty"`
}

// Validate checks the union against the achievement type at construction
// time, so malformed rules are rejected before they ever reach evaluation.
func (c Criteria) Validate(t AchievementType) error {
	set := 0
	if c.Counter != nil {
		set++
	}
	if c.Milestone != nil {
		set++
	}
	if c.TimeBased != nil {
		set++
	}
	if c.Conditional != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("criteria must set exactly one variant, got %d", set)
	}

	switch t {
	case AchievementTypeCounter:
		if c.Counter == nil {
			return fmt.Errorf("counter achievement requires counter criteria")
		}
		return c.Counter.validate()
	case AchievementTypeMilestone:
		if c.Milestone == nil {
			return fmt.Errorf("milestone achievement requires milestone criteria")
		}
		return c.Milestone.validate()
	case AchievementTypeTimeBased:
		if c.TimeBased == nil {
			return fmt.Errorf("time_based achievement requires time_based criteria")
		}
		return c.TimeBased.validate()
	case AchievementTypeConditional:
		if c.Conditional == nil {
			return fmt.Errorf("conditional achievement requires conditional criteria")
		}
		return c.Conditional.validate()
	}
	return fmt.Errorf("unknown achievement type %q", t)
}

func (c *CounterCriteria) validate() error {
	if len(c.Fields) > 0 {
		if c.Logic != LogicAnd && c.Logic != LogicOr {
			return fmt.Errorf("compound counter requires logic \"and\" or \"or\"")
		}
		for i, f := range c.Fields {
			if f.Field == "" {
				return fmt.Errorf("compound counter field %d missing name", i)
			}
			if f.Target <= 0 {
				return fmt.Errorf("compound counter field %q target must be positive", f.Field)
			}
		}
		return nil
	}
	if c.Field == "" {
		return fmt.Errorf("counter criteria missing field")
	}
	if c.Target <= 0 {
		return fmt.Errorf("counter target must be positive")
	}
	if c.WindowDays < 0 {
		return fmt.Errorf("counter window_days cannot be negative")
	}
	return nil
}

func (c *MilestoneCriteria) validate() error {
	if !c.Operator.valid() {
		return fmt.Errorf("invalid milestone operator %q", c.Operator)
	}
	switch {
	case len(c.Stages) > 0:
		for i, s := range c.Stages {
			if s.Field == "" {
				return fmt.Errorf("milestone stage %d missing field", i)
			}
			if !s.Operator.valid() {
				return fmt.Errorf("milestone stage %d has invalid operator %q", i, s.Operator)
			}
		}
	case len(c.Sequence) > 0, len(c.Combination) > 0:
		// event-shape milestones carry their events inline
	case len(c.Bundle) > 0:
		if c.Logic != LogicAnd && c.Logic != LogicOr {
			return fmt.Errorf("milestone bundle requires logic \"and\" or \"or\"")
		}
		for i, b := range c.Bundle {
			switch b.Kind {
			case "metric":
				if b.Field == "" {
					return fmt.Errorf("bundle condition %d missing metric field", i)
				}
				if !b.Operator.valid() {
					return fmt.Errorf("bundle condition %d has invalid operator %q", i, b.Operator)
				}
			case "role":
				if b.Role == "" {
					return fmt.Errorf("bundle condition %d missing role", i)
				}
			case "time_window":
				if b.StartHour < 0 || b.StartHour > 23 || b.EndHour < 0 || b.EndHour > 24 {
					return fmt.Errorf("bundle condition %d has out-of-range hours", i)
				}
			default:
				return fmt.Errorf("bundle condition %d has unknown kind %q", i, b.Kind)
			}
		}
	default:
		if c.Field == "" {
			return fmt.Errorf("milestone criteria missing field")
		}
	}
	return nil
}

func (c *TimeBasedCriteria) validate() error {
	if c.TargetStreak <= 0 {
		return fmt.Errorf("time_based target_streak must be positive")
	}
	if c.MaxDates < 0 {
		return fmt.Errorf("time_based max_dates cannot be negative")
	}
	return nil
}

func (c *ConditionalCriteria) validate() error {
	if len(c.Conditions) == 0 {
		return fmt.Errorf("conditional criteria requires at least one condition")
	}
	for i, sc := range c.Conditions {
		switch sc.Kind {
		case "metric":
			if sc.Field == "" {
				return fmt.Errorf("condition %d missing metric field", i)
			}
			if !sc.Operator.valid() {
				return fmt.Errorf("condition %d has invalid operator %q", i, sc.Operator)
			}
		case "achievement":
			if sc.AchievementID == "" {
				return fmt.Errorf("condition %d missing achievement_id", i)
			}
		case "time_range":
			if sc.StartHour < 0 || sc.StartHour > 23 || sc.EndHour < 0 || sc.EndHour > 24 {
				return fmt.Errorf("condition %d has out-of-range hours", i)
			}
		default:
			return fmt.Errorf("condition %d has unknown kind %q", i, sc.Kind)
		}
	}
	return nil
}

// EventTypes lists the event types this rule reacts to. Empty means the rule
// is not restricted to particular events.
func (c Criteria) EventTypes() []string {
	switch {
	case c.Counter != nil:
		return c.Counter.Events
	case c.Milestone != nil:
		evts := append([]string{}, c.Milestone.Events...)
		evts = append(evts, c.Milestone.Sequence...)
		evts = append(evts, c.Milestone.Combination...)
		return evts
	case c.TimeBased != nil:
		return c.TimeBased.Events
	}
	return nil
}

// TargetValue is the numeric goal used to seed Progress rows; 0 when the
// rule has no single numeric target (bundles, conditionals).
func (c Criteria) TargetValue() float64 {
	switch {
	case c.Counter != nil:
		return c.Counter.Target
	case c.Milestone != nil:
		if len(c.Milestone.Stages) > 0 {
			return float64(len(c.Milestone.Stages))
		}
		return c.Milestone.Target
	case c.TimeBased != nil:
		return float64(c.TimeBased.TargetStreak)
	case c.Conditional != nil:
		return float64(len(c.Conditional.Conditions))
	}
	return 0
}
