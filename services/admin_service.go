// services/admin_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"achievement-system/models"
	"achievement-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// AdminService is the administrative collaborator: the only component that
// mutates achievement definitions. It also exposes the read surface used by
// the host application.
type AdminService struct {
	Repo      Repository
	Tracker   *ProgressTracker
	Processor *EventProcessor
	Awarder   *Awarder
}

func NewAdminService(repo Repository, tracker *ProgressTracker, processor *EventProcessor, awarder *Awarder) *AdminService {
	return &AdminService{Repo: repo, Tracker: tracker, Processor: processor, Awarder: awarder}
}

// CreateAchievement creates a new achievement definition (Admin only).
// Criteria are validated at construction time so malformed rules never reach
// the trigger engine.
func (s *AdminService) CreateAchievement(c *fiber.Ctx) error {
	var req struct {
		Code        string                 `json:"code"`
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Type        models.AchievementType `json:"type"`
		Criteria    models.Criteria        `json:"criteria"`
		Points      int                    `json:"points"`
		IsActive    *bool                  `json:"is_active"`
		IsHidden    bool                   `json:"is_hidden"`
		RoleReward  string                 `json:"role_reward"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Name is required"})
	}
	if err := req.Criteria.Validate(req.Type); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("Invalid criteria: %v", err)})
	}

	code := req.Code
	if code == "" {
		code = slug.Make(req.Name)
	}
	if existing, err := s.Repo.GetAchievementByCode(code); err == nil && existing != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": fmt.Sprintf("Achievement code %q already exists", code)})
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	achievement := &models.Achievement{
		ID:          uuid.NewString(),
		Code:        code,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Criteria:    req.Criteria,
		Points:      req.Points,
		IsActive:    active,
		IsHidden:    req.IsHidden,
		RoleReward:  req.RoleReward,
	}

	if err := s.Repo.CreateAchievement(achievement); err != nil {
		log.Printf("DB Error creating achievement: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create achievement"})
	}

	s.Processor.Cache().Invalidate()
	log.Printf("✅ [ADMIN] achievement created: %s (%s)", achievement.Code, achievement.Type)
	return c.Status(fiber.StatusCreated).JSON(achievement)
}

// UpdateAchievement partially updates an existing achievement (Admin only).
func (s *AdminService) UpdateAchievement(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid achievement ID"})
	}

	existing, err := s.Repo.GetAchievementByID(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Achievement not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	var req struct {
		Name        *string          `json:"name"`
		Description *string          `json:"description"`
		Criteria    *models.Criteria `json:"criteria"`
		Points      *int             `json:"points"`
		IsActive    *bool            `json:"is_active"`
		IsHidden    *bool            `json:"is_hidden"`
		RoleReward  *string          `json:"role_reward"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.Description != nil {
		existing.Description = *req.Description
	}
	if req.Criteria != nil {
		if err := req.Criteria.Validate(existing.Type); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("Invalid criteria: %v", err)})
		}
		existing.Criteria = *req.Criteria
	}
	if req.Points != nil {
		existing.Points = *req.Points
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	if req.IsHidden != nil {
		existing.IsHidden = *req.IsHidden
	}
	if req.RoleReward != nil {
		existing.RoleReward = *req.RoleReward
	}

	if err := s.Repo.UpdateAchievement(existing); err != nil {
		log.Printf("DB Error updating achievement %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update achievement"})
	}

	s.Processor.Cache().Invalidate()
	return c.JSON(existing)
}

// ListAchievements returns achievement definitions. Hidden achievements are
// filtered out unless the caller has the admin role.
func (s *AdminService) ListAchievements(c *fiber.Ctx) error {
	activeOnly := c.Query("active") == "true"
	achievements, err := s.Repo.ListAchievements(activeOnly)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error listing achievements"})
	}

	if !isAdmin(c) {
		visible := achievements[:0]
		for _, a := range achievements {
			if !a.IsHidden {
				visible = append(visible, a)
			}
		}
		achievements = visible
	}
	return c.JSON(fiber.Map{"achievements": achievements, "count": len(achievements)})
}

// GetAchievement returns one achievement by id or code.
func (s *AdminService) GetAchievement(c *fiber.Ctx) error {
	id := c.Params("id")
	var (
		a   *models.Achievement
		err error
	)
	if _, parseErr := uuid.Parse(id); parseErr == nil {
		a, err = s.Repo.GetAchievementByID(id)
	} else {
		a, err = s.Repo.GetAchievementByCode(id)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Achievement not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(a)
}

// UploadBadgeIcon uploads the achievement's badge icon to R2 and stores the
// public URL (Admin only).
func (s *AdminService) UploadBadgeIcon(c *fiber.Ctx) error {
	id := c.Params("id")
	achievement, err := s.Repo.GetAchievementByID(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Achievement not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	fileHeader, err := c.FormFile("icon")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "icon file is required"})
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if ext != ".png" && ext != ".svg" && ext != ".webp" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "icon must be png, svg or webp"})
	}

	key := fmt.Sprintf("badges/%s%s", achievement.Code, ext)
	url, err := utils.UploadBadgeIcon(fileHeader, key)
	if err != nil {
		log.Printf("❌ [ADMIN] badge icon upload failed for %s: %v", achievement.Code, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to upload icon"})
	}

	achievement.BadgeIconURL = url
	if err := s.Repo.UpdateAchievement(achievement); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store icon URL"})
	}
	return c.JSON(fiber.Map{"badge_icon_url": url})
}

// IngestEvent feeds one activity event into the processor. Synchronous
// events (priority ≥ 5) return their trigger results inline.
func (s *AdminService) IngestEvent(c *fiber.Ctx) error {
	var req struct {
		UserID    string                 `json:"user_id"`
		EventType string                 `json:"event_type"`
		Payload   map[string]interface{} `json:"payload"`
		Priority  int                    `json:"priority"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.UserID == "" || req.EventType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id and event_type are required"})
	}

	results, err := s.Processor.ProcessEvent(req.UserID, req.EventType, req.Payload, req.Priority)
	if err != nil {
		if errors.Is(err, ErrProcessorStopped) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event processing is shutting down"})
		}
		if errors.Is(err, ErrQueueFull) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "event queue is full, try again later"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if results == nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true})
	}
	return c.JSON(fiber.Map{"queued": false, "results": results})
}

// GetUserProgress returns the user's progress summary.
func (s *AdminService) GetUserProgress(c *fiber.Ctx) error {
	userID := c.Params("id")
	summary, err := s.Tracker.Summary(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load progress summary"})
	}
	return c.JSON(summary)
}

// GetUserAchievements returns the user's earned awards with achievement
// detail attached.
func (s *AdminService) GetUserAchievements(c *fiber.Ctx) error {
	userID := c.Params("id")
	awards, err := s.Repo.GetUserAwards(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load awards"})
	}

	type earned struct {
		Award       models.Award        `json:"award"`
		Achievement *models.Achievement `json:"achievement,omitempty"`
	}
	out := make([]earned, 0, len(awards))
	totalPoints := 0
	for _, aw := range awards {
		e := earned{Award: aw}
		if a, err := s.Repo.GetAchievementByID(aw.AchievementID); err == nil {
			e.Achievement = a
			totalPoints += a.Points
		}
		out = append(out, e)
	}
	return c.JSON(fiber.Map{"awards": out, "count": len(out), "total_points": totalPoints})
}

// GetStats returns the awarder's rolling statistics.
func (s *AdminService) GetStats(c *fiber.Ctx) error {
	return c.JSON(s.Awarder.Stats())
}

func isAdmin(c *fiber.Ctx) bool {
	roles, _ := c.Locals("user_roles").([]string)
	for _, r := range roles {
		if r == "admin" {
			return true
		}
	}
	return false
}
