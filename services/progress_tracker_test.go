package services

import (
	"testing"
	"time"

	"achievement-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(repo Repository) *ProgressTracker {
	return NewProgressTracker(repo, NewLockMap())
}

func TestUpdateProgressCreatesAndIncrements(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	p, err := tracker.UpdateProgress("u1", ach, 3, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), p.CurrentValue)
	assert.Equal(t, float64(100), p.TargetValue)
	assert.False(t, p.Completed)

	p, err = tracker.UpdateProgress("u1", ach, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), p.CurrentValue)
	assert.InDelta(t, 5.0, p.Percent(), 0.01)
}

func TestUpdateProgressClampsAtZero(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	p, err := tracker.UpdateProgress("u1", ach, -10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), p.CurrentValue)

	_, err = tracker.UpdateProgress("u1", ach, 5, nil, nil)
	require.NoError(t, err)
	p, err = tracker.UpdateProgress("u1", ach, -9, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), p.CurrentValue)
}

func TestUpdateProgressForceOverwrites(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	_, err := tracker.UpdateProgress("u1", ach, 42, nil, nil)
	require.NoError(t, err)

	force := 7.0
	p, err := tracker.UpdateProgress("u1", ach, 100, &force, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(7), p.CurrentValue, "force wins over delta")
}

func TestUpdateProgressRejectsCompletedAndInactive(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	_, err := tracker.UpdateProgress("u1", ach, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CompleteProgress("u1", ach.ID))

	_, err = tracker.UpdateProgress("u1", ach, 1, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	ach.IsActive = false
	_, err = tracker.UpdateProgress("u2", ach, 1, nil, nil)
	assert.ErrorIs(t, err, ErrInactiveAchievement)
}

func TestValidateUpdate(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	assert.NoError(t, tracker.ValidateUpdate("u1", ach))
	assert.Error(t, tracker.ValidateUpdate("", ach))
	assert.Error(t, tracker.ValidateUpdate("u1", nil))

	require.NoError(t, repo.CompleteProgress("u1", ach.ID))
	assert.ErrorIs(t, tracker.ValidateUpdate("u1", ach), ErrAlreadyCompleted)
}

func TestApplyEventCounterBookkeeping(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := tracker.ApplyEvent("u1", ach, &models.TriggerContext{
			UserID: "u1", EventType: "message_sent", Timestamp: now,
		})
		require.NoError(t, err)
	}

	p, err := repo.GetUserProgress("u1", ach.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), p.CurrentValue, "each event contributes 1 by default")

	daily := p.ProgressData[models.DataKeyDaily].(map[string]float64)
	assert.Equal(t, float64(3), daily[now.Format("2006-01-02")])
}

func TestApplyEventCounterExplicitIncrement(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("collector", "coins", 1000))

	_, err := tracker.ApplyEvent("u1", ach, &models.TriggerContext{
		UserID:    "u1",
		EventType: "coins_earned",
		Payload:   map[string]interface{}{"increment": float64(250)},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	p, err := repo.GetUserProgress("u1", ach.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(250), p.CurrentValue)
}

func TestApplyEventMilestoneMirrorClampsNegativeMetric(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(&models.Achievement{
		Code:     "high-score",
		Type:     models.AchievementTypeMilestone,
		IsActive: true,
		Criteria: models.Criteria{Milestone: &models.MilestoneCriteria{
			Field:    "score",
			Target:   100,
			Operator: models.OpGTE,
		}},
	})

	p, err := tracker.ApplyEvent("u1", ach, &models.TriggerContext{
		UserID:    "u1",
		EventType: "game_finished",
		Payload:   map[string]interface{}{"score": float64(-25)},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0), p.CurrentValue, "mirrored metric never goes negative")

	stored, err := repo.GetUserProgress("u1", ach.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(0), stored.CurrentValue)
}

func TestApplyEventTimeBasedMirrorsStreak(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(&models.Achievement{
		Code:     "daily",
		Type:     models.AchievementTypeTimeBased,
		IsActive: true,
		Criteria: models.Criteria{TimeBased: &models.TimeBasedCriteria{TargetStreak: 7}},
	})

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := tracker.ApplyEvent("u1", ach, &models.TriggerContext{
			UserID: "u1", EventType: "message_sent", Timestamp: base.AddDate(0, 0, i),
		})
		require.NoError(t, err)
	}

	p, err := repo.GetUserProgress("u1", ach.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), p.CurrentValue, "current value mirrors the streak")
	assert.Len(t, p.Dates(), 3)

	// Same day again: date list is de-duplicated, streak unchanged.
	_, err = tracker.ApplyEvent("u1", ach, &models.TriggerContext{
		UserID: "u1", EventType: "message_sent", Timestamp: base.AddDate(0, 0, 2).Add(time.Hour),
	})
	require.NoError(t, err)
	p, err = repo.GetUserProgress("u1", ach.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), p.CurrentValue)
	assert.Len(t, p.Dates(), 3)
}

func TestApplyEventCompletedPairUntouched(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ach := repo.addAchievement(counterAchievement("century", "messages", 100))

	_, err := tracker.UpdateProgress("u1", ach, 100, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CompleteProgress("u1", ach.ID))

	p, err := tracker.ApplyEvent("u1", ach, &models.TriggerContext{
		UserID: "u1", EventType: "message_sent", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Equal(t, float64(100), p.CurrentValue)
}

func TestBatchUpdatePartialSuccess(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	ok := repo.addAchievement(counterAchievement("a", "messages", 10))
	inactive := repo.addAchievement(counterAchievement("b", "messages", 10))
	inactive.IsActive = false

	rows, failures := tracker.BatchUpdate([]ProgressUpdate{
		{UserID: "u1", Achievement: ok, Delta: 1},
		{UserID: "u1", Achievement: inactive, Delta: 1},
		{UserID: "u2", Achievement: ok, Delta: 2},
	})

	assert.Equal(t, 1, failures)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(1), rows[0].CurrentValue)
	assert.Equal(t, float64(2), rows[1].CurrentValue)
}

func TestStreakLength(t *testing.T) {
	today := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	day := func(offset int) string {
		return today.AddDate(0, 0, offset).Format("2006-01-02")
	}

	tests := []struct {
		name  string
		dates []string
		want  int
	}{
		{"empty", nil, 0},
		{"today only", []string{day(0)}, 1},
		{"three consecutive", []string{day(-2), day(-1), day(0)}, 3},
		{"gap stops count", []string{day(-3), day(-1), day(0)}, 2},
		{"missing today", []string{day(-2), day(-1)}, 0},
		{"unordered input", []string{day(0), day(-2), day(-1)}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StreakLength(tt.dates, today))
		})
	}
}

func TestAppendDateCapsAndDedupes(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var dates []string
	for i := 0; i < 10; i++ {
		dates = appendDate(dates, at.AddDate(0, 0, i), 5)
	}
	require.Len(t, dates, 5)
	assert.Equal(t, "2026-08-06", dates[0], "oldest entries dropped first")
	assert.Equal(t, "2026-08-10", dates[4])

	// Duplicate day is a no-op.
	dates = appendDate(dates, at.AddDate(0, 0, 9), 5)
	assert.Len(t, dates, 5)
}

func TestCalculateProgress(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	counter := counterAchievement("c", "messages", 100)
	v, err := tracker.CalculateProgress(counter, nil, map[string]float64{"messages": 42}, now)
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	timeBased := &models.Achievement{
		Type:     models.AchievementTypeTimeBased,
		IsActive: true,
		Criteria: models.Criteria{TimeBased: &models.TimeBasedCriteria{TargetStreak: 7}},
	}
	progress := &models.Progress{ProgressData: map[string]interface{}{
		models.DataKeyDates: []string{
			now.AddDate(0, 0, -1).Format("2006-01-02"),
			now.Format("2006-01-02"),
		},
	}}
	v, err = tracker.CalculateProgress(timeBased, progress, nil, now)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	unknown := &models.Achievement{Type: models.AchievementType("seasonal")}
	_, err = tracker.CalculateProgress(unknown, nil, nil, now)
	assert.ErrorIs(t, err, ErrUnknownAchievementType)
}

func TestSummary(t *testing.T) {
	repo := newMemRepo()
	tracker := newTracker(repo)
	a := repo.addAchievement(counterAchievement("century", "messages", 100))
	b := repo.addAchievement(counterAchievement("sprint", "messages", 10))

	_, err := tracker.UpdateProgress("u1", a, 25, nil, nil)
	require.NoError(t, err)
	_, err = tracker.UpdateProgress("u1", b, 10, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CompleteProgress("u1", b.ID))

	s, err := tracker.Summary("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Tracked)
	assert.Equal(t, 1, s.Completed)
	require.Len(t, s.Entries, 2)
	for _, e := range s.Entries {
		assert.NotEmpty(t, e.Code)
	}
}
