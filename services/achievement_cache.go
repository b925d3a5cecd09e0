package services

import (
	"log"
	"sync"
	"time"

	"achievement-system/models"
)

// AchievementCache keeps the active achievement list and the event-type →
// achievement-type mapping in memory, refreshed when older than the TTL.
// It is owned by the event processor; nothing else mutates it.
type AchievementCache struct {
	repo Repository
	ttl  time.Duration

	mu           sync.RWMutex
	fetchedAt    time.Time
	achievements []models.Achievement
	// eventTypes maps an event type to the achievement types that have at
	// least one active rule reacting to it. "*" collects unrestricted rules.
	eventTypes map[string]map[models.AchievementType]bool
}

func NewAchievementCache(repo Repository, ttl time.Duration) *AchievementCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AchievementCache{repo: repo, ttl: ttl}
}

// Refresh reloads active achievements and rebuilds the event-type mapping.
func (c *AchievementCache) Refresh() error {
	achievements, err := c.repo.ListAchievements(true)
	if err != nil {
		return err
	}

	eventTypes := make(map[string]map[models.AchievementType]bool)
	add := func(evt string, t models.AchievementType) {
		set, ok := eventTypes[evt]
		if !ok {
			set = make(map[models.AchievementType]bool)
			eventTypes[evt] = set
		}
		set[t] = true
	}
	for _, a := range achievements {
		evts := a.Criteria.EventTypes()
		if len(evts) == 0 {
			add("*", a.Type)
			continue
		}
		for _, evt := range evts {
			add(evt, a.Type)
		}
	}

	c.mu.Lock()
	c.achievements = achievements
	c.eventTypes = eventTypes
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Invalidate forces the next lookup to reload.
func (c *AchievementCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *AchievementCache) ensureFresh() {
	c.mu.RLock()
	stale := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()
	if !stale {
		return
	}
	if err := c.Refresh(); err != nil {
		// Serve the stale snapshot rather than dropping events.
		log.Printf("⚠️ [CACHE] refresh failed, serving stale achievement cache: %v", err)
	}
}

// TypesFor returns the achievement types with at least one rule reacting to
// the event type (including unrestricted rules).
func (c *AchievementCache) TypesFor(eventType string) map[models.AchievementType]bool {
	c.ensureFresh()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.AchievementType]bool)
	for t := range c.eventTypes[eventType] {
		out[t] = true
	}
	for t := range c.eventTypes["*"] {
		out[t] = true
	}
	return out
}

// CandidatesFor returns the active achievements whose rules react to the
// event type.
func (c *AchievementCache) CandidatesFor(eventType string) []models.Achievement {
	c.ensureFresh()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Achievement
	for i := range c.achievements {
		a := c.achievements[i]
		evts := a.Criteria.EventTypes()
		if len(evts) == 0 {
			out = append(out, a)
			continue
		}
		for _, evt := range evts {
			if evt == eventType {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
