package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"achievement-system/models"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository used across the service tests. It
// mirrors the semantics the GORM implementation relies on: (nil, nil) for
// absent progress, a unique-pair violation on double awards, and deep-copied
// progress data so callers never share the stored maps.
type memRepo struct {
	mu sync.Mutex

	achievements map[string]*models.Achievement
	awards       map[string]*models.Award
	progress     map[string]*models.Progress
	events       []models.AwardEvent

	listErr error // injected ListAchievements failure
}

func newMemRepo() *memRepo {
	return &memRepo{
		achievements: map[string]*models.Achievement{},
		awards:       map[string]*models.Award{},
		progress:     map[string]*models.Progress{},
	}
}

func (m *memRepo) addAchievement(a *models.Achievement) *models.Achievement {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.achievements[a.ID] = a
	m.mu.Unlock()
	return a
}

func (m *memRepo) GetAchievementByID(id string) (*models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.achievements[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) GetAchievementByCode(code string) (*models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.achievements {
		if a.Code == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) ListAchievements(activeOnly bool) ([]models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.Achievement
	for _, a := range m.achievements {
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *memRepo) CreateAchievement(a *models.Achievement) error {
	m.addAchievement(a)
	return nil
}

func (m *memRepo) UpdateAchievement(a *models.Achievement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.achievements[a.ID]; !ok {
		return ErrNotFound
	}
	m.achievements[a.ID] = a
	return nil
}

func (m *memRepo) HasUserAchievement(userID, achievementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.awards[PairKey(userID, achievementID)]
	return ok, nil
}

func (m *memRepo) GetUserAwards(userID string) ([]models.Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Award
	for _, aw := range m.awards {
		if aw.UserID == userID {
			out = append(out, *aw)
		}
	}
	return out, nil
}

func (m *memRepo) AwardAchievement(userID, achievementID string, earnedAt time.Time, context map[string]interface{}) (*models.Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := PairKey(userID, achievementID)
	if _, ok := m.awards[key]; ok {
		return nil, fmt.Errorf("duplicate key value violates unique constraint \"ux_award_pair\"")
	}
	aw := &models.Award{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
		EarnedAt:      earnedAt,
		Context:       context,
		CreatedAt:     time.Now(),
	}
	m.awards[key] = aw
	cp := *aw
	return &cp, nil
}

func (m *memRepo) ListUnnotifiedAwards(limit int) ([]models.Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Award
	for _, aw := range m.awards {
		if !aw.Notified {
			out = append(out, *aw)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) MarkAwardNotified(awardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, aw := range m.awards {
		if aw.ID == awardID {
			aw.Notified = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *memRepo) GetUserProgress(userID, achievementID string) (*models.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[PairKey(userID, achievementID)]
	if !ok {
		return nil, nil
	}
	return copyProgress(p), nil
}

func (m *memRepo) ListUserProgress(userID string) ([]models.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Progress
	for _, p := range m.progress {
		if p.UserID == userID {
			out = append(out, *copyProgress(p))
		}
	}
	return out, nil
}

func (m *memRepo) UpdateProgress(userID, achievementID string, value, target float64, data map[string]interface{}) (*models.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := PairKey(userID, achievementID)
	p, ok := m.progress[key]
	if !ok {
		p = &models.Progress{
			ID:            uuid.NewString(),
			UserID:        userID,
			AchievementID: achievementID,
		}
		m.progress[key] = p
	}
	p.CurrentValue = value
	if target > 0 {
		p.TargetValue = target
	}
	p.ProgressData = copyData(data)
	p.LastUpdated = time.Now()
	return copyProgress(p), nil
}

func (m *memRepo) CompleteProgress(userID, achievementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := PairKey(userID, achievementID)
	p, ok := m.progress[key]
	if !ok {
		p = &models.Progress{
			ID:            uuid.NewString(),
			UserID:        userID,
			AchievementID: achievementID,
		}
		m.progress[key] = p
	}
	p.Completed = true
	p.LastUpdated = time.Now()
	return nil
}

func (m *memRepo) GetDependentAchievements(achievementID string) ([]models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Achievement
	for _, a := range m.achievements {
		c := a.Criteria.Conditional
		if c == nil {
			continue
		}
		for _, sc := range c.Conditions {
			if sc.Kind == "achievement" && sc.AchievementID == achievementID {
				out = append(out, *a)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) RecordAwardEvent(ev *models.AwardEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memRepo) Transaction(fn func(tx Repository) error) error {
	return fn(m)
}

func (m *memRepo) WithContext(ctx context.Context) Repository {
	return m
}

func (m *memRepo) awardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.awards)
}

func (m *memRepo) eventStatuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Status
	}
	return out
}

func copyProgress(p *models.Progress) *models.Progress {
	cp := *p
	cp.ProgressData = copyData(p.ProgressData)
	return &cp
}

func copyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyData(t)
	case map[string]float64:
		out := make(map[string]float64, len(t))
		for k, f := range t {
			out[k] = f
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return v
}
