package services

import (
	"fmt"
	"log"
	"sort"
	"time"

	"achievement-system/models"
)

const dateLayout = "2006-01-02"

// ProgressTracker owns all incremental progress state. Direct progress
// writes are serialized per (user, achievement) pair through the shared lock
// arena, the same one the awarder uses for its in-flight markers.
type ProgressTracker struct {
	repo  Repository
	locks *LockMap
}

func NewProgressTracker(repo Repository, locks *LockMap) *ProgressTracker {
	return &ProgressTracker{repo: repo, locks: locks}
}

// ProgressUpdate is one item of a BatchUpdate call. When Force is non-nil
// the value is overwritten instead of incremented.
type ProgressUpdate struct {
	UserID      string
	Achievement *models.Achievement
	Delta       float64
	Force       *float64
	Extra       map[string]interface{}
}

// ValidateUpdate checks whether an update against the pair would be
// accepted, without writing anything.
func (t *ProgressTracker) ValidateUpdate(userID string, ach *models.Achievement) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if ach == nil || ach.ID == "" {
		return fmt.Errorf("achievement is required")
	}
	if !ach.IsActive {
		return ErrInactiveAchievement
	}
	progress, err := t.repo.GetUserProgress(userID, ach.ID)
	if err != nil {
		return err
	}
	if progress != nil && progress.Completed {
		return ErrAlreadyCompleted
	}
	return nil
}

// UpdateProgress applies one increment (or force overwrite) to the pair's
// progress row, creating it on first update. The new value is clamped at
// zero and extra data is merged with type-specific rules.
func (t *ProgressTracker) UpdateProgress(userID string, ach *models.Achievement, delta float64, force *float64, extra map[string]interface{}) (*models.Progress, error) {
	if err := t.validateIdentity(userID, ach); err != nil {
		return nil, err
	}

	key := PairKey(userID, ach.ID)
	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	return t.updateLocked(userID, ach, delta, force, extra, time.Now())
}

func (t *ProgressTracker) validateIdentity(userID string, ach *models.Achievement) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if ach == nil || ach.ID == "" {
		return fmt.Errorf("achievement is required")
	}
	if !ach.IsActive {
		return ErrInactiveAchievement
	}
	return nil
}

// updateLocked assumes the pair lock is held.
func (t *ProgressTracker) updateLocked(userID string, ach *models.Achievement, delta float64, force *float64, extra map[string]interface{}, at time.Time) (*models.Progress, error) {
	progress, err := t.repo.GetUserProgress(userID, ach.ID)
	if err != nil {
		return nil, err
	}
	if progress != nil && progress.Completed {
		return nil, ErrAlreadyCompleted
	}

	var current float64
	var data map[string]interface{}
	if progress != nil {
		current = progress.CurrentValue
		data = progress.ProgressData
	}

	newValue := current + delta
	if force != nil {
		newValue = *force
	}
	if newValue < 0 {
		newValue = 0
	}

	merged := t.mergeProgressData(ach, data, delta, extra, at)
	return t.repo.UpdateProgress(userID, ach.ID, newValue, ach.Criteria.TargetValue(), merged)
}

// mergeProgressData merges update extras into the stored auxiliary state
// with per-type rules: time-based rules append the activity date, counters
// bump the per-day bucket and windowed history, compound counters maintain
// per-field totals.
func (t *ProgressTracker) mergeProgressData(ach *models.Achievement, data map[string]interface{}, delta float64, extra map[string]interface{}, at time.Time) map[string]interface{} {
	merged := make(map[string]interface{}, len(data)+len(extra)+2)
	for k, v := range data {
		merged[k] = v
	}

	switch ach.Type {
	case models.AchievementTypeTimeBased:
		maxDates := 30
		if ach.Criteria.TimeBased != nil {
			maxDates = ach.Criteria.TimeBased.DateCap()
		}
		merged[models.DataKeyDates] = appendDate(readDates(merged), at, maxDates)

	case models.AchievementTypeCounter:
		if delta != 0 {
			day := at.Format(dateLayout)
			daily := readFloatMap(merged, models.DataKeyDaily)
			daily[day] += delta
			merged[models.DataKeyDaily] = daily
		}
		if c := ach.Criteria.Counter; c != nil && c.WindowDays > 0 && delta != 0 {
			merged[models.DataKeyWindowEvents] = appendWindowEvent(merged, at, delta, c.WindowDays)
		}
		if fields, ok := extra[models.DataKeyCounters].(map[string]float64); ok {
			counters := readFloatMap(merged, models.DataKeyCounters)
			for f, inc := range fields {
				counters[f] += inc
			}
			merged[models.DataKeyCounters] = counters
		}
	}

	for k, v := range extra {
		if k == models.DataKeyCounters {
			continue // handled above
		}
		merged[k] = v
	}
	return merged
}

// ApplyEvent performs the type-specific progress bookkeeping for an incoming
// activity event: counter increments, activity dates, recent-event history.
// Completed pairs are left untouched.
func (t *ProgressTracker) ApplyEvent(userID string, ach *models.Achievement, tctx *models.TriggerContext) (*models.Progress, error) {
	if err := t.validateIdentity(userID, ach); err != nil {
		return nil, err
	}

	key := PairKey(userID, ach.ID)
	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	progress, err := t.repo.GetUserProgress(userID, ach.ID)
	if err != nil {
		return nil, err
	}
	if progress != nil && progress.Completed {
		return progress, nil
	}

	at := tctx.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var delta float64
	extra := map[string]interface{}{}

	switch ach.Type {
	case models.AchievementTypeCounter:
		delta = counterIncrement(ach.Criteria.Counter, tctx)
		if c := ach.Criteria.Counter; c != nil && len(c.Fields) > 0 {
			increments := map[string]float64{}
			for _, f := range c.Fields {
				if v, ok := tctx.Metric(f.Field); ok {
					increments[f.Field] = v
				}
			}
			if len(increments) > 0 {
				extra[models.DataKeyCounters] = increments
			}
		}

	case models.AchievementTypeTimeBased:
		// date append happens in mergeProgressData; value mirrors the streak
		// after the merge, recomputed below.

	case models.AchievementTypeMilestone, models.AchievementTypeConditional:
		extra[models.DataKeyRecentEvents] = appendRecentEvent(progress, tctx.EventType, at)
	}

	updated, err := t.updateLocked(userID, ach, delta, nil, extra, at)
	if err != nil {
		return nil, err
	}

	// Mirror derived values into current_value so progress reads are cheap.
	// Mirrored values are clamped like any other write; current_value is
	// never negative.
	switch ach.Type {
	case models.AchievementTypeTimeBased:
		streak := StreakLength(updated.Dates(), at)
		force := float64(streak)
		return t.repo.UpdateProgress(userID, ach.ID, force, updated.TargetValue, updated.ProgressData)
	case models.AchievementTypeMilestone:
		if m := ach.Criteria.Milestone; m != nil && len(m.Stages) == 0 && m.Field != "" {
			if v, ok := tctx.Metric(m.Field); ok {
				if v < 0 {
					v = 0
				}
				return t.repo.UpdateProgress(userID, ach.ID, v, updated.TargetValue, updated.ProgressData)
			}
		}
	}
	return updated, nil
}

// counterIncrement resolves how much one event contributes to a counter:
// an explicit "increment" payload field wins, then the counted field's
// value, then 1.
func counterIncrement(c *models.CounterCriteria, tctx *models.TriggerContext) float64 {
	if v, ok := tctx.Metric("increment"); ok {
		return v
	}
	if c != nil && c.Field != "" {
		if v, ok := tctx.Metric(c.Field); ok {
			return v
		}
	}
	return 1
}

// AdvanceStage bumps the multi-stage milestone index without awarding.
func (t *ProgressTracker) AdvanceStage(userID string, ach *models.Achievement) error {
	key := PairKey(userID, ach.ID)
	t.locks.Lock(key)
	defer t.locks.Unlock(key)

	progress, err := t.repo.GetUserProgress(userID, ach.ID)
	if err != nil {
		return err
	}
	if progress == nil {
		return fmt.Errorf("no progress to advance for %s", PairKey(userID, ach.ID))
	}
	if progress.Completed {
		return ErrAlreadyCompleted
	}

	data := progress.ProgressData
	if data == nil {
		data = map[string]interface{}{}
	}
	next := progress.StageIndex() + 1
	data[models.DataKeyStageIndex] = float64(next)

	_, err = t.repo.UpdateProgress(userID, ach.ID, float64(next), progress.TargetValue, data)
	if err == nil {
		log.Printf("📈 [TRACKER] %s advanced to stage %d of %q", userID, next, ach.Code)
	}
	return err
}

// BatchUpdate applies every update, continuing past individual failures.
// Returns the successful rows and the failure count.
func (t *ProgressTracker) BatchUpdate(updates []ProgressUpdate) ([]models.Progress, int) {
	var ok []models.Progress
	failures := 0
	for _, u := range updates {
		p, err := t.UpdateProgress(u.UserID, u.Achievement, u.Delta, u.Force, u.Extra)
		if err != nil {
			failures++
			log.Printf("⚠️ [TRACKER] batch item failed for %s/%s: %v", u.UserID, achievementID(u.Achievement), err)
			continue
		}
		ok = append(ok, *p)
	}
	return ok, failures
}

func achievementID(a *models.Achievement) string {
	if a == nil {
		return "?"
	}
	return a.ID
}

// CalculateProgress is the pure mapping from current metrics to a progress
// number for one achievement.
func (t *ProgressTracker) CalculateProgress(ach *models.Achievement, progress *models.Progress, metrics map[string]float64, now time.Time) (float64, error) {
	switch ach.Type {
	case models.AchievementTypeCounter:
		c := ach.Criteria.Counter
		if c == nil {
			return 0, fmt.Errorf("counter achievement %q has no counter criteria", ach.Code)
		}
		return metrics[c.Field], nil

	case models.AchievementTypeMilestone:
		m := ach.Criteria.Milestone
		if m == nil {
			return 0, fmt.Errorf("milestone achievement %q has no milestone criteria", ach.Code)
		}
		if len(m.Stages) > 0 {
			if progress == nil {
				return 0, nil
			}
			return float64(progress.StageIndex()), nil
		}
		return metrics[m.Field], nil

	case models.AchievementTypeTimeBased:
		if progress == nil {
			return 0, nil
		}
		return float64(StreakLength(progress.Dates(), now)), nil

	case models.AchievementTypeConditional:
		c := ach.Criteria.Conditional
		if c == nil {
			return 0, fmt.Errorf("conditional achievement %q has no conditional criteria", ach.Code)
		}
		satisfied := 0
		for _, sc := range c.Conditions {
			ok, _, err := t.checkSubCondition(sc, "", metrics, now)
			if err != nil {
				continue
			}
			if ok {
				satisfied++
			}
		}
		return float64(satisfied), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAchievementType, ach.Type)
}

// checkSubCondition evaluates a single heterogeneous sub-condition from a
// metrics map. userID is only needed for achievement-dependency checks; an
// empty userID counts those as unsatisfied.
func (t *ProgressTracker) checkSubCondition(sc models.SubCondition, userID string, metrics map[string]float64, now time.Time) (bool, string, error) {
	name := sc.Name
	if name == "" {
		name = sc.Kind
	}
	switch sc.Kind {
	case "metric":
		value := metrics[sc.Field]
		if sc.Operator.Compare(value, sc.Target) {
			return true, fmt.Sprintf("%s: %s is %.0f (needs %s %.0f)", name, sc.Field, value, opString(sc.Operator), sc.Target), nil
		}
		return false, fmt.Sprintf("%s: %s is %.0f, needs %s %.0f", name, sc.Field, value, opString(sc.Operator), sc.Target), nil
	case "achievement":
		if userID == "" {
			return false, fmt.Sprintf("%s: dependency %s not verified", name, sc.AchievementID), nil
		}
		has, err := t.repo.HasUserAchievement(userID, sc.AchievementID)
		if err != nil {
			return false, "", err
		}
		if has {
			return true, fmt.Sprintf("%s: dependency %s earned", name, sc.AchievementID), nil
		}
		return false, fmt.Sprintf("%s: dependency %s not yet earned", name, sc.AchievementID), nil
	case "time_range":
		if sc.StartHour == sc.EndHour {
			return true, fmt.Sprintf("%s: all-day window", name), nil
		}
		h := now.Hour()
		in := false
		if sc.StartHour < sc.EndHour {
			in = h >= sc.StartHour && h < sc.EndHour
		} else { // window wraps midnight
			in = h >= sc.StartHour || h < sc.EndHour
		}
		if in {
			return true, fmt.Sprintf("%s: inside %02d:00–%02d:00", name, sc.StartHour, sc.EndHour), nil
		}
		return false, fmt.Sprintf("%s: outside %02d:00–%02d:00", name, sc.StartHour, sc.EndHour), nil
	}
	return false, "", fmt.Errorf("unknown sub-condition kind %q", sc.Kind)
}

func opString(op models.CompareOp) string {
	if op == "" {
		return string(models.OpGTE)
	}
	return string(op)
}

// Summary aggregates a user's progress rows with achievement detail.
type ProgressSummary struct {
	UserID    string                 `json:"user_id"`
	Tracked   int                    `json:"tracked"`
	Completed int                    `json:"completed"`
	Entries   []ProgressSummaryEntry `json:"entries"`
}

type ProgressSummaryEntry struct {
	AchievementID string  `json:"achievement_id"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	CurrentValue  float64 `json:"current_value"`
	TargetValue   float64 `json:"target_value"`
	Percent       float64 `json:"percent"`
	Completed     bool    `json:"completed"`
}

func (t *ProgressTracker) Summary(userID string) (*ProgressSummary, error) {
	rows, err := t.repo.ListUserProgress(userID)
	if err != nil {
		return nil, err
	}
	achievements, err := t.repo.ListAchievements(false)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Achievement, len(achievements))
	for i := range achievements {
		byID[achievements[i].ID] = &achievements[i]
	}

	summary := &ProgressSummary{UserID: userID, Tracked: len(rows)}
	for _, p := range rows {
		entry := ProgressSummaryEntry{
			AchievementID: p.AchievementID,
			CurrentValue:  p.CurrentValue,
			TargetValue:   p.TargetValue,
			Percent:       p.Percent(),
			Completed:     p.Completed,
		}
		if a, ok := byID[p.AchievementID]; ok {
			entry.Code = a.Code
			entry.Name = a.Name
		}
		if p.Completed {
			summary.Completed++
		}
		summary.Entries = append(summary.Entries, entry)
	}
	return summary, nil
}

// --- date / history helpers ---

// StreakLength counts consecutive calendar days ending at `today` present in
// the date list. A gap terminates the streak at the break.
func StreakLength(dates []string, today time.Time) int {
	if len(dates) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(dates))
	for _, d := range dates {
		seen[d] = true
	}
	streak := 0
	day := today
	for seen[day.Format(dateLayout)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

func readDates(data map[string]interface{}) []string {
	raw, ok := data[models.DataKeyDates]
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

// appendDate adds the event's date to the list, de-duplicated, sorted, and
// capped at the most recent maxDates entries.
func appendDate(dates []string, at time.Time, maxDates int) []string {
	day := at.Format(dateLayout)
	for _, d := range dates {
		if d == day {
			return dates
		}
	}
	dates = append(dates, day)
	sort.Strings(dates)
	if len(dates) > maxDates {
		dates = dates[len(dates)-maxDates:]
	}
	return dates
}

// appendWindowEvent records one windowed-counter contribution and prunes
// entries that fell out of the sliding window.
func appendWindowEvent(data map[string]interface{}, at time.Time, value float64, windowDays int) []interface{} {
	cutoff := at.AddDate(0, 0, -windowDays)
	var kept []interface{}
	if raw, ok := data[models.DataKeyWindowEvents].([]interface{}); ok {
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
			kept = append(kept, m)
		}
	}
	return append(kept, map[string]interface{}{
		"at":    at.Format(time.RFC3339),
		"value": value,
	})
}

// appendRecentEvent adds one (type, at) pair to the capped event history.
func appendRecentEvent(progress *models.Progress, eventType string, at time.Time) []interface{} {
	var history []interface{}
	if progress != nil && progress.ProgressData != nil {
		if raw, ok := progress.ProgressData[models.DataKeyRecentEvents].([]interface{}); ok {
			history = raw
		}
	}
	history = append(history, map[string]interface{}{
		"type": eventType,
		"at":   at.Format(time.RFC3339),
	})
	if len(history) > models.RecentEventCap {
		history = history[len(history)-models.RecentEventCap:]
	}
	return history
}

func readFloatMap(data map[string]interface{}, key string) map[string]float64 {
	out := map[string]float64{}
	switch v := data[key].(type) {
	case map[string]float64:
		for k, f := range v {
			out[k] = f
		}
	case map[string]interface{}:
		for k, raw := range v {
			if f, ok := raw.(float64); ok {
				out[k] = f
			}
		}
	}
	return out
}
