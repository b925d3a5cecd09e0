package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"achievement-system/models"
	"achievement-system/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// retryRepo stubs the slice of the Repository contract the retry worker
// touches: the unnotified backlog, achievement lookup, and the notified flag.
type retryRepo struct {
	achievements map[string]*models.Achievement
	awards       []*models.Award
}

func (r *retryRepo) GetAchievementByID(id string) (*models.Achievement, error) {
	a, ok := r.achievements[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return a, nil
}

func (r *retryRepo) ListUnnotifiedAwards(limit int) ([]models.Award, error) {
	var out []models.Award
	for _, aw := range r.awards {
		if !aw.Notified {
			out = append(out, *aw)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *retryRepo) MarkAwardNotified(awardID string) error {
	for _, aw := range r.awards {
		if aw.ID == awardID {
			aw.Notified = true
			return nil
		}
	}
	return services.ErrNotFound
}

func (r *retryRepo) GetAchievementByCode(string) (*models.Achievement, error) {
	return nil, services.ErrNotFound
}
func (r *retryRepo) ListAchievements(bool) ([]models.Achievement, error) { return nil, nil }
func (r *retryRepo) CreateAchievement(*models.Achievement) error        { return nil }
func (r *retryRepo) UpdateAchievement(*models.Achievement) error        { return nil }
func (r *retryRepo) HasUserAchievement(string, string) (bool, error)    { return false, nil }
func (r *retryRepo) GetUserAwards(string) ([]models.Award, error)       { return nil, nil }
func (r *retryRepo) AwardAchievement(string, string, time.Time, map[string]interface{}) (*models.Award, error) {
	return nil, nil
}
func (r *retryRepo) GetUserProgress(string, string) (*models.Progress, error) { return nil, nil }
func (r *retryRepo) ListUserProgress(string) ([]models.Progress, error)       { return nil, nil }
func (r *retryRepo) UpdateProgress(string, string, float64, float64, map[string]interface{}) (*models.Progress, error) {
	return nil, nil
}
func (r *retryRepo) CompleteProgress(string, string) error { return nil }
func (r *retryRepo) GetDependentAchievements(string) ([]models.Achievement, error) {
	return nil, nil
}
func (r *retryRepo) RecordAwardEvent(*models.AwardEvent) error { return nil }
func (r *retryRepo) Transaction(fn func(tx services.Repository) error) error {
	return fn(r)
}
func (r *retryRepo) WithContext(ctx context.Context) services.Repository { return r }

func TestRetryBatchDeliversAndMarks(t *testing.T) {
	ach := &models.Achievement{ID: "a1", Code: "century", Name: "Century", Points: 10}
	repo := &retryRepo{
		achievements: map[string]*models.Achievement{"a1": ach},
		awards: []*models.Award{
			{ID: "aw1", UserID: "u1", AchievementID: "a1", Context: map[string]interface{}{
				"reason": "messages: 100/100", "guild_id": "g1",
			}},
			{ID: "aw2", UserID: "u2", AchievementID: "a1", Notified: true},
		},
	}

	var delivered []services.Notification
	w := NewNotificationRetryWorker(repo, []services.NotificationHandler{
		func(n services.Notification) error {
			delivered = append(delivered, n)
			return nil
		},
	})

	require.NoError(t, w.retryBatch(context.Background()))

	require.Len(t, delivered, 1, "already-notified awards are never re-sent")
	assert.Equal(t, "u1", delivered[0].UserID)
	assert.Equal(t, "messages: 100/100", delivered[0].TriggerReason)
	assert.Equal(t, "g1", delivered[0].GuildID)
	assert.True(t, repo.awards[0].Notified)

	// Second pass: the backlog is empty, nothing is delivered twice.
	require.NoError(t, w.retryBatch(context.Background()))
	assert.Len(t, delivered, 1)
}

func TestRetryBatchKeepsUndeliveredPending(t *testing.T) {
	ach := &models.Achievement{ID: "a1", Code: "century"}
	repo := &retryRepo{
		achievements: map[string]*models.Achievement{"a1": ach},
		awards: []*models.Award{
			{ID: "aw1", UserID: "u1", AchievementID: "a1"},
		},
	}

	w := NewNotificationRetryWorker(repo, []services.NotificationHandler{
		func(services.Notification) error { return errors.New("webhook down") },
	})

	require.NoError(t, w.retryBatch(context.Background()))
	assert.False(t, repo.awards[0].Notified, "stays pending for the next cycle")
}

func TestRetryBatchSkipsMissingAchievement(t *testing.T) {
	repo := &retryRepo{
		achievements: map[string]*models.Achievement{},
		awards: []*models.Award{
			{ID: "aw1", UserID: "u1", AchievementID: "ghost"},
		},
	}

	var calls int
	w := NewNotificationRetryWorker(repo, []services.NotificationHandler{
		func(services.Notification) error { calls++; return nil },
	})

	require.NoError(t, w.retryBatch(context.Background()))
	assert.Zero(t, calls)
	assert.False(t, repo.awards[0].Notified)
}
