package services

import (
	"context"
	"errors"
	"time"

	"achievement-system/models"
)

// Sentinel errors surfaced by the core. Validation and duplicate conditions
// are reported as structured results where a caller can branch on status;
// these errors back those statuses.
var (
	ErrNotFound               = errors.New("record not found")
	ErrInactiveAchievement    = errors.New("achievement is not active")
	ErrAlreadyCompleted       = errors.New("progress already completed")
	ErrProcessorStopped       = errors.New("event processor is stopped")
	ErrQueueFull              = errors.New("event queue is full")
	ErrUnknownAchievementType = errors.New("unknown achievement type")
)

// Repository is the transactional persistence contract the core consumes.
// The host application supplies the implementation; GormRepository below is
// the one this service ships with.
//
// Transaction hands the callback a Repository scoped to the transaction;
// returning an error rolls back, nil commits.
type Repository interface {
	GetAchievementByID(id string) (*models.Achievement, error)
	GetAchievementByCode(code string) (*models.Achievement, error)
	ListAchievements(activeOnly bool) ([]models.Achievement, error)
	CreateAchievement(a *models.Achievement) error
	UpdateAchievement(a *models.Achievement) error

	HasUserAchievement(userID, achievementID string) (bool, error)
	GetUserAwards(userID string) ([]models.Award, error)
	AwardAchievement(userID, achievementID string, earnedAt time.Time, context map[string]interface{}) (*models.Award, error)
	ListUnnotifiedAwards(limit int) ([]models.Award, error)
	MarkAwardNotified(awardID string) error

	// GetUserProgress returns (nil, nil) when no row exists yet for the pair.
	GetUserProgress(userID, achievementID string) (*models.Progress, error)
	ListUserProgress(userID string) ([]models.Progress, error)
	UpdateProgress(userID, achievementID string, value, target float64, data map[string]interface{}) (*models.Progress, error)
	CompleteProgress(userID, achievementID string) error

	// GetDependentAchievements lists achievements whose conditional criteria
	// name achievementID as a dependency.
	GetDependentAchievements(achievementID string) ([]models.Achievement, error)

	RecordAwardEvent(ev *models.AwardEvent) error

	Transaction(fn func(tx Repository) error) error

	// WithContext returns a Repository whose calls honor ctx deadlines and
	// cancellation. Deadline-bounded paths like the award pipeline use it so
	// database work cannot outlive the pipeline budget.
	WithContext(ctx context.Context) Repository
}
