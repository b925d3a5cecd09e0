package services

import (
	"errors"
	"testing"
	"time"

	"achievement-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRefreshBuildsEventTypeMapping(t *testing.T) {
	repo := newMemRepo()
	repo.addAchievement(&models.Achievement{
		Code:     "voice-only",
		Type:     models.AchievementTypeCounter,
		IsActive: true,
		Criteria: models.Criteria{Counter: &models.CounterCriteria{
			Field: "sessions", Target: 5, Events: []string{"voice_session_ended"},
		}},
	})
	repo.addAchievement(counterAchievement("any-event", "messages", 10))

	cache := NewAchievementCache(repo, time.Minute)
	require.NoError(t, cache.Refresh())

	// A restricted rule only reacts to its own events; the unrestricted one
	// reacts to everything.
	types := cache.TypesFor("voice_session_ended")
	assert.True(t, types[models.AchievementTypeCounter])

	candidates := cache.CandidatesFor("voice_session_ended")
	assert.Len(t, candidates, 2)

	candidates = cache.CandidatesFor("message_sent")
	require.Len(t, candidates, 1)
	assert.Equal(t, "any-event", candidates[0].Code)
}

func TestCacheExcludesInactive(t *testing.T) {
	repo := newMemRepo()
	active := repo.addAchievement(counterAchievement("active", "messages", 10))
	inactive := repo.addAchievement(counterAchievement("inactive", "messages", 10))
	inactive.IsActive = false

	cache := NewAchievementCache(repo, time.Minute)
	candidates := cache.CandidatesFor("message_sent")
	require.Len(t, candidates, 1)
	assert.Equal(t, active.Code, candidates[0].Code)
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	repo := newMemRepo()
	cache := NewAchievementCache(repo, time.Hour)

	assert.Empty(t, cache.CandidatesFor("message_sent"))

	// The new rule stays invisible until invalidation; the TTL has not passed.
	repo.addAchievement(counterAchievement("new-rule", "messages", 10))
	assert.Empty(t, cache.CandidatesFor("message_sent"))

	cache.Invalidate()
	assert.Len(t, cache.CandidatesFor("message_sent"), 1)
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	repo := newMemRepo()
	repo.addAchievement(counterAchievement("survivor", "messages", 10))

	cache := NewAchievementCache(repo, time.Hour)
	require.NoError(t, cache.Refresh())

	repo.mu.Lock()
	repo.listErr = errors.New("connection refused")
	repo.mu.Unlock()
	cache.Invalidate()

	candidates := cache.CandidatesFor("message_sent")
	require.Len(t, candidates, 1, "stale snapshot is better than dropping events")
	assert.Equal(t, "survivor", candidates[0].Code)
}
