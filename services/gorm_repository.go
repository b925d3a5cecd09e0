package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"achievement-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormRepository is the Postgres-backed implementation of the Repository
// contract. Transaction scopes a copy of the repository to the gorm tx so
// every call inside the callback shares one database transaction.
type GormRepository struct {
	DB *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{DB: db}
}

func (r *GormRepository) Transaction(fn func(tx Repository) error) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{DB: tx})
	})
}

func (r *GormRepository) WithContext(ctx context.Context) Repository {
	return &GormRepository{DB: r.DB.WithContext(ctx)}
}

// --- Achievements ---

func (r *GormRepository) GetAchievementByID(id string) (*models.Achievement, error) {
	var a models.Achievement
	if err := r.DB.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *GormRepository) GetAchievementByCode(code string) (*models.Achievement, error) {
	var a models.Achievement
	if err := r.DB.First(&a, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *GormRepository) ListAchievements(activeOnly bool) ([]models.Achievement, error) {
	var achievements []models.Achievement
	q := r.DB.Order("created_at ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&achievements).Error; err != nil {
		return nil, err
	}
	return achievements, nil
}

func (r *GormRepository) CreateAchievement(a *models.Achievement) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return r.DB.Create(a).Error
}

func (r *GormRepository) UpdateAchievement(a *models.Achievement) error {
	return r.DB.Save(a).Error
}

// --- Awards ---

func (r *GormRepository) HasUserAchievement(userID, achievementID string) (bool, error) {
	var count int64
	err := r.DB.Model(&models.Award{}).
		Where("user_id = ? AND achievement_id = ?", userID, achievementID).
		Count(&count).Error
	return count > 0, err
}

func (r *GormRepository) GetUserAwards(userID string) ([]models.Award, error) {
	var awards []models.Award
	err := r.DB.Where("user_id = ?", userID).
		Order("earned_at DESC").
		Find(&awards).Error
	return awards, err
}

func (r *GormRepository) AwardAchievement(userID, achievementID string, earnedAt time.Time, context map[string]interface{}) (*models.Award, error) {
	award := &models.Award{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
		EarnedAt:      earnedAt,
		Context:       context,
	}
	if err := r.DB.Create(award).Error; err != nil {
		return nil, err
	}
	return award, nil
}

func (r *GormRepository) ListUnnotifiedAwards(limit int) ([]models.Award, error) {
	var awards []models.Award
	err := r.DB.Where("notified = ?", false).
		Order("earned_at ASC").
		Limit(limit).
		Find(&awards).Error
	return awards, err
}

func (r *GormRepository) MarkAwardNotified(awardID string) error {
	return r.DB.Model(&models.Award{}).
		Where("id = ?", awardID).
		Update("notified", true).Error
}

// --- Progress ---

func (r *GormRepository) GetUserProgress(userID, achievementID string) (*models.Progress, error) {
	var p models.Progress
	err := r.DB.Where("user_id = ? AND achievement_id = ?", userID, achievementID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *GormRepository) ListUserProgress(userID string) ([]models.Progress, error) {
	var rows []models.Progress
	err := r.DB.Where("user_id = ?", userID).Find(&rows).Error
	return rows, err
}

func (r *GormRepository) UpdateProgress(userID, achievementID string, value, target float64, data map[string]interface{}) (*models.Progress, error) {
	existing, err := r.GetUserProgress(userID, achievementID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if existing == nil {
		existing = &models.Progress{
			ID:            uuid.NewString(),
			UserID:        userID,
			AchievementID: achievementID,
		}
	}
	existing.CurrentValue = value
	if target > 0 {
		existing.TargetValue = target
	}
	if data != nil {
		existing.ProgressData = data
	}
	existing.LastUpdated = now
	if err := r.DB.Save(existing).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

// CompleteProgress marks the pair's progress row completed, creating the row
// when none exists yet (an award can land before any tracked progress).
func (r *GormRepository) CompleteProgress(userID, achievementID string) error {
	now := time.Now()
	res := r.DB.Model(&models.Progress{}).
		Where("user_id = ? AND achievement_id = ?", userID, achievementID).
		Updates(map[string]interface{}{"completed": true, "last_updated": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.DB.Create(&models.Progress{
			ID:            uuid.NewString(),
			UserID:        userID,
			AchievementID: achievementID,
			Completed:     true,
			LastUpdated:   now,
		}).Error
	}
	return nil
}

// --- Dependencies & audit ---

// GetDependentAchievements finds active conditional achievements whose
// criteria name achievementID as a dependency, via jsonb containment.
func (r *GormRepository) GetDependentAchievements(achievementID string) ([]models.Achievement, error) {
	var achievements []models.Achievement
	condition := fmt.Sprintf(`[{"kind": "achievement", "achievement_id": %q}]`, achievementID)
	err := r.DB.Where("is_active = ? AND criteria -> 'conditional' -> 'conditions' @> ?", true, condition).
		Find(&achievements).Error
	return achievements, err
}

func (r *GormRepository) RecordAwardEvent(ev *models.AwardEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return r.DB.Create(ev).Error
}
