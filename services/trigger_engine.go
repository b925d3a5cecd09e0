package services

import (
	"fmt"
	"time"

	"achievement-system/models"
)

// TriggerEngine decides whether an achievement's condition has become true
// for a user given an event context. It never writes award state (awarding
// is the awarder's job) but it drives stage/streak bookkeeping through the
// progress tracker.
type TriggerEngine struct {
	repo    Repository
	tracker *ProgressTracker
}

func NewTriggerEngine(repo Repository, tracker *ProgressTracker) *TriggerEngine {
	return &TriggerEngine{repo: repo, tracker: tracker}
}

// CheckTrigger evaluates one achievement for one user. The reason string is
// human-readable and used for diagnostics and notifications. Unknown types
// and malformed criteria surface as errors, never as silent false.
func (e *TriggerEngine) CheckTrigger(userID string, ach *models.Achievement, tctx *models.TriggerContext) (bool, string, error) {
	if !ach.IsActive {
		return false, "achievement is not active", nil
	}
	has, err := e.repo.HasUserAchievement(userID, ach.ID)
	if err != nil {
		return false, "", err
	}
	if has {
		return false, "already earned", nil
	}

	progress, err := e.repo.GetUserProgress(userID, ach.ID)
	if err != nil {
		return false, "", err
	}

	switch ach.Type {
	case models.AchievementTypeCounter:
		return e.checkCounter(ach, progress, tctx)
	case models.AchievementTypeMilestone:
		return e.checkMilestone(userID, ach, progress, tctx)
	case models.AchievementTypeTimeBased:
		return e.checkTimeBased(ach, progress, tctx)
	case models.AchievementTypeConditional:
		return e.checkConditional(userID, ach, tctx)
	}
	return false, "", fmt.Errorf("%w: %q on achievement %s", ErrUnknownAchievementType, ach.Type, ach.ID)
}

// --- counter ---

func (e *TriggerEngine) checkCounter(ach *models.Achievement, progress *models.Progress, tctx *models.TriggerContext) (bool, string, error) {
	c := ach.Criteria.Counter
	if c == nil {
		return false, "", fmt.Errorf("counter achievement %q has malformed criteria", ach.Code)
	}

	// Compound: AND/OR over per-field accumulated counters.
	if len(c.Fields) > 0 {
		counters := map[string]float64{}
		if progress != nil && progress.ProgressData != nil {
			counters = readFloatMap(progress.ProgressData, models.DataKeyCounters)
		}
		var firstFail string
		satisfied := 0
		for _, f := range c.Fields {
			if counters[f.Field] >= f.Target {
				satisfied++
				continue
			}
			if firstFail == "" {
				firstFail = fmt.Sprintf("%s is %.0f, needs %.0f", f.Field, counters[f.Field], f.Target)
			}
		}
		if c.Logic == models.LogicAnd {
			if satisfied == len(c.Fields) {
				return true, fmt.Sprintf("all %d counters reached", len(c.Fields)), nil
			}
			return false, firstFail, nil
		}
		if satisfied > 0 {
			return true, fmt.Sprintf("%d of %d counters reached", satisfied, len(c.Fields)), nil
		}
		return false, "no counter reached its target", nil
	}

	// Windowed: only contributions inside the sliding window count.
	if c.WindowDays > 0 {
		at := eventTime(tctx)
		total := windowTotal(progress, at, c.WindowDays)
		if total >= c.Target {
			return true, fmt.Sprintf("%s: %.0f/%.0f within %d days", c.Field, total, c.Target, c.WindowDays), nil
		}
		return false, fmt.Sprintf("%s: %.0f/%.0f within %d days", c.Field, total, c.Target, c.WindowDays), nil
	}

	// Plain: accumulated value, or the context-supplied increment when the
	// pair has never been tracked.
	var value float64
	if progress != nil {
		value = progress.CurrentValue
	} else if v, ok := tctx.Metric("increment"); ok {
		value = v
	}
	reason := fmt.Sprintf("%s: %.0f/%.0f", c.Field, value, c.Target)
	return value >= c.Target, reason, nil
}

func windowTotal(progress *models.Progress, at time.Time, windowDays int) float64 {
	if progress == nil || progress.ProgressData == nil {
		return 0
	}
	raw, ok := progress.ProgressData[models.DataKeyWindowEvents].([]interface{})
	if !ok {
		return 0
	}
	cutoff := at.AddDate(0, 0, -windowDays)
	var total float64
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		ts, ok := m["at"].(string)
		if !ok {
			continue
		}
		when, err := time.Parse(time.RFC3339, ts)
		if err != nil || when.Before(cutoff) {
			continue
		}
		if v, ok := m["value"].(float64); ok {
			total += v
		}
	}
	return total
}

// --- milestone ---

func (e *TriggerEngine) checkMilestone(userID string, ach *models.Achievement, progress *models.Progress, tctx *models.TriggerContext) (bool, string, error) {
	m := ach.Criteria.Milestone
	if m == nil {
		return false, "", fmt.Errorf("milestone achievement %q has malformed criteria", ach.Code)
	}

	switch {
	case len(m.Stages) > 0:
		return e.checkStages(userID, ach, m, progress, tctx)
	case len(m.Sequence) > 0:
		if matchesSequence(recentTypes(progress), m.Sequence) {
			return true, fmt.Sprintf("event sequence %v completed", m.Sequence), nil
		}
		return false, "event sequence incomplete", nil
	case len(m.Combination) > 0:
		missing := missingFromCombination(recentTypes(progress), m.Combination)
		if missing == "" {
			return true, fmt.Sprintf("all %d events observed", len(m.Combination)), nil
		}
		return false, fmt.Sprintf("event %q not yet observed", missing), nil
	case len(m.Bundle) > 0:
		return e.checkBundle(m, progress, tctx)
	}

	value, ok := tctx.Metric(m.Field)
	if !ok && progress != nil {
		value = progress.CurrentValue
	}
	reason := fmt.Sprintf("%s is %.0f (needs %s %.0f)", m.Field, value, opString(m.Operator), m.Target)
	return m.Operator.Compare(value, m.Target), reason, nil
}

// checkStages evaluates the current stage only. Completing a non-final stage
// advances the index without awarding; only the final stage triggers.
func (e *TriggerEngine) checkStages(userID string, ach *models.Achievement, m *models.MilestoneCriteria, progress *models.Progress, tctx *models.TriggerContext) (bool, string, error) {
	idx := 0
	if progress != nil {
		idx = progress.StageIndex()
	}
	if idx >= len(m.Stages) {
		return true, fmt.Sprintf("all %d stages complete", len(m.Stages)), nil
	}

	stage := m.Stages[idx]
	value, ok := tctx.Metric(stage.Field)
	if !ok && progress != nil {
		value = progress.CurrentValue
	}
	if !stage.Operator.Compare(value, stage.Target) {
		return false, fmt.Sprintf("stage %d (%s): %s is %.0f, needs %s %.0f",
			idx+1, stage.Name, stage.Field, value, opString(stage.Operator), stage.Target), nil
	}

	if idx == len(m.Stages)-1 {
		return true, fmt.Sprintf("final stage %q complete", stage.Name), nil
	}
	if err := e.tracker.AdvanceStage(userID, ach); err != nil {
		return false, "", fmt.Errorf("advancing stage: %w", err)
	}
	return false, fmt.Sprintf("stage %q complete, advanced to stage %d of %d", stage.Name, idx+2, len(m.Stages)), nil
}

func (e *TriggerEngine) checkBundle(m *models.MilestoneCriteria, progress *models.Progress, tctx *models.TriggerContext) (bool, string, error) {
	var firstFail string
	satisfied := 0
	for _, b := range m.Bundle {
		ok, reason, err := checkBundleCondition(b, progress, tctx)
		if err != nil {
			return false, "", err
		}
		if ok {
			satisfied++
			if m.Logic == models.LogicOr {
				return true, reason, nil
			}
			continue
		}
		if firstFail == "" {
			firstFail = reason
		}
	}
	if m.Logic == models.LogicAnd {
		if satisfied == len(m.Bundle) {
			return true, fmt.Sprintf("all %d conditions satisfied", len(m.Bundle)), nil
		}
		return false, firstFail, nil
	}
	return false, "no bundle condition satisfied", nil
}

func checkBundleCondition(b models.BundleCondition, progress *models.Progress, tctx *models.TriggerContext) (bool, string, error) {
	name := b.Name
	if name == "" {
		name = b.Kind
	}
	switch b.Kind {
	case "metric":
		value, ok := tctx.Metric(b.Field)
		if !ok && progress != nil {
			value = progress.CurrentValue
		}
		if b.Operator.Compare(value, b.Target) {
			return true, fmt.Sprintf("%s: %s is %.0f", name, b.Field, value), nil
		}
		return false, fmt.Sprintf("%s: %s is %.0f, needs %s %.0f", name, b.Field, value, opString(b.Operator), b.Target), nil
	case "role":
		if payloadHasRole(tctx, b.Role) {
			return true, fmt.Sprintf("%s: has role %s", name, b.Role), nil
		}
		return false, fmt.Sprintf("%s: missing role %s", name, b.Role), nil
	case "time_window":
		h := eventTime(tctx).Hour()
		in := false
		if b.StartHour < b.EndHour {
			in = h >= b.StartHour && h < b.EndHour
		} else if b.StartHour == b.EndHour {
			in = true
		} else {
			in = h >= b.StartHour || h < b.EndHour
		}
		if in {
			return true, fmt.Sprintf("%s: inside %02d:00–%02d:00", name, b.StartHour, b.EndHour), nil
		}
		return false, fmt.Sprintf("%s: outside %02d:00–%02d:00", name, b.StartHour, b.EndHour), nil
	}
	return false, "", fmt.Errorf("unknown bundle condition kind %q", b.Kind)
}

func payloadHasRole(tctx *models.TriggerContext, role string) bool {
	if tctx == nil || tctx.Payload == nil {
		return false
	}
	switch roles := tctx.Payload["roles"].(type) {
	case []string:
		for _, r := range roles {
			if r == role {
				return true
			}
		}
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s == role {
				return true
			}
		}
	}
	return false
}

func recentTypes(progress *models.Progress) []string {
	if progress == nil {
		return nil
	}
	events := progress.RecentEvents()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// matchesSequence reports whether `want` occurs, in order, as a subsequence
// of the observed event types.
func matchesSequence(observed, want []string) bool {
	if len(want) == 0 {
		return false
	}
	i := 0
	for _, t := range observed {
		if t == want[i] {
			i++
			if i == len(want) {
				return true
			}
		}
	}
	return false
}

// missingFromCombination returns the first event type not yet observed, or
// "" when all are present.
func missingFromCombination(observed, want []string) string {
	seen := make(map[string]bool, len(observed))
	for _, t := range observed {
		seen[t] = true
	}
	for _, t := range want {
		if !seen[t] {
			return t
		}
	}
	return ""
}

// --- time-based ---

func (e *TriggerEngine) checkTimeBased(ach *models.Achievement, progress *models.Progress, tctx *models.TriggerContext) (bool, string, error) {
	c := ach.Criteria.TimeBased
	if c == nil {
		return false, "", fmt.Errorf("time_based achievement %q has malformed criteria", ach.Code)
	}
	var dates []string
	if progress != nil {
		dates = progress.Dates()
	}
	streak := StreakLength(dates, eventTime(tctx))
	reason := fmt.Sprintf("streak %d/%d days", streak, c.TargetStreak)
	return streak >= c.TargetStreak, reason, nil
}

// --- conditional ---

func (e *TriggerEngine) checkConditional(userID string, ach *models.Achievement, tctx *models.TriggerContext) (bool, string, error) {
	c := ach.Criteria.Conditional
	if c == nil {
		return false, "", fmt.Errorf("conditional achievement %q has malformed criteria", ach.Code)
	}

	metrics := payloadMetrics(tctx)
	now := eventTime(tctx)

	var firstFail string
	satisfied := 0
	for _, sc := range c.Conditions {
		ok, reason, err := e.tracker.checkSubCondition(sc, userID, metrics, now)
		if err != nil {
			return false, "", err
		}
		if ok {
			satisfied++
			if !c.RequireAll {
				return true, reason, nil
			}
			continue
		}
		if firstFail == "" {
			firstFail = reason
		}
	}

	if c.RequireAll {
		if satisfied == len(c.Conditions) {
			return true, fmt.Sprintf("all %d conditions satisfied", len(c.Conditions)), nil
		}
		return false, firstFail, nil
	}
	return false, "no condition satisfied", nil
}

func payloadMetrics(tctx *models.TriggerContext) map[string]float64 {
	metrics := map[string]float64{}
	if tctx == nil || tctx.Payload == nil {
		return metrics
	}
	for k, v := range tctx.Payload {
		switch n := v.(type) {
		case float64:
			metrics[k] = n
		case int:
			metrics[k] = float64(n)
		case int64:
			metrics[k] = float64(n)
		}
	}
	return metrics
}

func eventTime(tctx *models.TriggerContext) time.Time {
	if tctx == nil || tctx.Timestamp.IsZero() {
		return time.Now()
	}
	return tctx.Timestamp
}
