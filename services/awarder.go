package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"achievement-system/models"

	"golang.org/x/sync/semaphore"
)

// Notification is handed to every registered handler after an award commits.
type Notification struct {
	UserID        string                 `json:"user_id"`
	GuildID       string                 `json:"guild_id,omitempty"`
	Achievement   *models.Achievement    `json:"achievement"`
	Award         *models.Award          `json:"award"`
	TriggerReason string                 `json:"trigger_reason"`
	SourceEvent   *models.TriggerContext `json:"source_event,omitempty"`
}

// NotificationHandler delivers one award notification. Handler errors are
// logged and never affect the already-committed award.
type NotificationHandler func(n Notification) error

// Awarder owns the single atomic write path that turns a trigger decision
// into a permanent award. Per-pair locks plus the unique index guarantee
// exactly one success per (user, achievement) under concurrent delivery.
type Awarder struct {
	repo    Repository
	locks   *LockMap
	sem     *semaphore.Weighted
	timeout time.Duration

	handlerMu sync.RWMutex
	handlers  []NotificationHandler

	stateMu   sync.RWMutex
	accepting bool
	wg        sync.WaitGroup

	stats awarderStats
}

type awarderStats struct {
	mu        sync.Mutex
	total     int64
	success   int64
	failed    int64
	duplicate int64
	invalid   int64
	avgMs     float64
}

// AwarderStats is a point-in-time snapshot of the rolling counters.
type AwarderStats struct {
	Total     int64   `json:"total"`
	Success   int64   `json:"success"`
	Failed    int64   `json:"failed"`
	Duplicate int64   `json:"duplicate"`
	Invalid   int64   `json:"invalid"`
	AvgMs     float64 `json:"avg_ms"`
}

func NewAwarder(repo Repository, locks *LockMap, maxConcurrent int64, timeout time.Duration) *Awarder {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Awarder{
		repo:      repo,
		locks:     locks,
		sem:       semaphore.NewWeighted(maxConcurrent),
		timeout:   timeout,
		accepting: true,
	}
}

// RegisterNotificationHandler adds a post-commit notification callback.
// Multiple handlers are invoked independently.
func (a *Awarder) RegisterNotificationHandler(h NotificationHandler) {
	a.handlerMu.Lock()
	a.handlers = append(a.handlers, h)
	a.handlerMu.Unlock()
}

// NotificationHandlers returns a snapshot of the registered handlers so the
// retry worker can reuse the same delivery paths.
func (a *Awarder) NotificationHandlers() []NotificationHandler {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	out := make([]NotificationHandler, len(a.handlers))
	copy(out, a.handlers)
	return out
}

// Award runs the full pipeline for one request. Every terminal status is
// returned as a structured result; nothing in here panics past the caller.
func (a *Awarder) Award(req models.AwardRequest) *models.AwardResult {
	start := time.Now()
	res := &models.AwardResult{
		UserID:        req.UserID,
		AchievementID: req.AchievementID,
		Status:        models.AwardStatusPending,
	}
	finish := func(status models.AwardStatus, errText string) *models.AwardResult {
		res.Status = status
		res.Error = errText
		res.Duration = time.Since(start)
		a.record(res, req.Reason)
		return res
	}

	a.stateMu.RLock()
	if !a.accepting {
		a.stateMu.RUnlock()
		return finish(models.AwardStatusFailed, "awarder is shutting down")
	}
	a.wg.Add(1)
	a.stateMu.RUnlock()
	defer a.wg.Done()

	// 1. Request validation.
	if req.UserID == "" || req.AchievementID == "" {
		return finish(models.AwardStatusInvalid, "user id and achievement id are required")
	}
	if req.Reason == "" {
		return finish(models.AwardStatusInvalid, "award reason is required")
	}

	// 2. Per-pair in-flight marker: a concurrent request for the same pair
	// resolves to duplicate without blocking.
	key := PairKey(req.UserID, req.AchievementID)
	if !a.locks.TryLock(key) {
		return finish(models.AwardStatusDuplicate, "award for this pair already in flight")
	}
	defer a.locks.Unlock(key)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	// 3. Bounded global concurrency.
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return finish(models.AwardStatusFailed, "timed out waiting for an award slot")
	}
	defer a.sem.Release(1)

	// Database work from here on is bounded by the pipeline deadline.
	repo := a.repo.WithContext(ctx)

	// 4. Achievement must exist and be active.
	ach, err := repo.GetAchievementByID(req.AchievementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return finish(models.AwardStatusInvalid, fmt.Sprintf("achievement %s not found", req.AchievementID))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return finish(models.AwardStatusFailed, "award pipeline timed out")
		}
		return finish(models.AwardStatusFailed, err.Error())
	}
	if !ach.IsActive {
		return finish(models.AwardStatusInvalid, fmt.Sprintf("achievement %q is not active", ach.Code))
	}

	// 5. Duplicate suppression against committed awards.
	has, err := repo.HasUserAchievement(req.UserID, req.AchievementID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return finish(models.AwardStatusFailed, "award pipeline timed out")
		}
		return finish(models.AwardStatusFailed, err.Error())
	}
	if has {
		return finish(models.AwardStatusDuplicate, "achievement already earned")
	}

	// 6. One transaction: award row + progress completion + dependency
	// cascade commit together or not at all.
	var award *models.Award
	txErr := repo.Transaction(func(tx Repository) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		award, err = tx.AwardAchievement(req.UserID, req.AchievementID, time.Now(), awardContext(req))
		if err != nil {
			return fmt.Errorf("creating award: %w", err)
		}
		if err := tx.CompleteProgress(req.UserID, req.AchievementID); err != nil {
			return fmt.Errorf("completing progress: %w", err)
		}
		return a.cascadeDependents(tx, req.UserID, req.AchievementID)
	})
	if txErr != nil {
		if errors.Is(txErr, context.DeadlineExceeded) {
			return finish(models.AwardStatusFailed, "award pipeline timed out")
		}
		return finish(models.AwardStatusFailed, txErr.Error())
	}

	// 7. Best-effort notification fan-out, outside the transaction.
	res.Notified = a.notify(Notification{
		UserID:        req.UserID,
		GuildID:       guildID(req),
		Achievement:   ach,
		Award:         award,
		TriggerReason: req.Reason,
		SourceEvent:   req.Context,
	})
	if res.Notified {
		if err := a.repo.MarkAwardNotified(award.ID); err != nil {
			log.Printf("⚠️ [AWARDER] failed to mark award %s notified: %v", award.ID, err)
		} else {
			award.Notified = true
		}
	}

	res.Award = award
	log.Printf("🏆 [AWARDER] %s earned %q (%s)", req.UserID, ach.Code, req.Reason)
	return finish(models.AwardStatusSuccess, "")
}

// cascadeDependents bumps progress on achievements that declare the newly
// awarded one as a dependency, inside the same transaction.
func (a *Awarder) cascadeDependents(tx Repository, userID, achievementID string) error {
	deps, err := tx.GetDependentAchievements(achievementID)
	if err != nil {
		return fmt.Errorf("loading dependent achievements: %w", err)
	}
	for i := range deps {
		dep := deps[i]
		p, err := tx.GetUserProgress(userID, dep.ID)
		if err != nil {
			return err
		}
		if p != nil && p.Completed {
			continue
		}
		var value float64 = 1
		var data map[string]interface{}
		if p != nil {
			value = p.CurrentValue + 1
			data = p.ProgressData
		}
		if _, err := tx.UpdateProgress(userID, dep.ID, value, dep.Criteria.TargetValue(), data); err != nil {
			return fmt.Errorf("cascading progress to %q: %w", dep.Code, err)
		}
	}
	return nil
}

// notify invokes every registered handler; returns true when at least one
// delivery succeeded.
func (a *Awarder) notify(n Notification) bool {
	a.handlerMu.RLock()
	handlers := make([]NotificationHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.handlerMu.RUnlock()

	delivered := false
	for i, h := range handlers {
		if err := h(n); err != nil {
			log.Printf("⚠️ [AWARDER] notification handler %d failed for %s/%s: %v",
				i, n.UserID, n.Achievement.Code, err)
			continue
		}
		delivered = true
	}
	return delivered
}

func (a *Awarder) record(res *models.AwardResult, reason string) {
	a.stats.mu.Lock()
	a.stats.total++
	switch res.Status {
	case models.AwardStatusSuccess:
		a.stats.success++
	case models.AwardStatusDuplicate:
		a.stats.duplicate++
	case models.AwardStatusInvalid:
		a.stats.invalid++
	default:
		a.stats.failed++
	}
	ms := float64(res.Duration.Milliseconds())
	a.stats.avgMs += (ms - a.stats.avgMs) / float64(a.stats.total)
	a.stats.mu.Unlock()

	ev := &models.AwardEvent{
		UserID:        res.UserID,
		AchievementID: res.AchievementID,
		Status:        string(res.Status),
		Reason:        reason,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if res.Error != "" {
		ev.Reason = fmt.Sprintf("%s (%s)", reason, res.Error)
	}
	if err := a.repo.RecordAwardEvent(ev); err != nil {
		log.Printf("⚠️ [AWARDER] failed to record award event: %v", err)
	}
}

// Stats returns a snapshot of the rolling counters.
func (a *Awarder) Stats() AwarderStats {
	a.stats.mu.Lock()
	defer a.stats.mu.Unlock()
	return AwarderStats{
		Total:     a.stats.total,
		Success:   a.stats.success,
		Failed:    a.stats.failed,
		Duplicate: a.stats.duplicate,
		Invalid:   a.stats.invalid,
		AvgMs:     a.stats.avgMs,
	}
}

// AwardMultiple processes requests ordered by descending priority then
// timestamp, concurrently through the single-request pipeline. Per-item
// faults become individual failed results; no item is dropped.
func (a *Awarder) AwardMultiple(reqs []models.AwardRequest) []*models.AwardResult {
	ordered := make([]models.AwardRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	results := make([]*models.AwardResult, len(ordered))
	var wg sync.WaitGroup
	for i := range ordered {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = &models.AwardResult{
						UserID:        ordered[i].UserID,
						AchievementID: ordered[i].AchievementID,
						Status:        models.AwardStatusFailed,
						Error:         fmt.Sprintf("panic in award pipeline: %v", r),
					}
				}
			}()
			results[i] = a.Award(ordered[i])
		}(i)
	}
	wg.Wait()
	return results
}

// ProcessTriggerResults turns triggered engine decisions into award requests
// and runs them through the batch entry point.
func (a *Awarder) ProcessTriggerResults(results []models.TriggerResult) []*models.AwardResult {
	var reqs []models.AwardRequest
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		req := models.AwardRequest{
			UserID:        r.UserID,
			AchievementID: r.AchievementID,
			Reason:        r.Reason,
			Timestamp:     time.Now(),
			Context:       r.Context,
		}
		if r.Context != nil {
			req.Priority = r.Context.Priority
			req.Timestamp = r.Context.Timestamp
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil
	}
	return a.AwardMultiple(reqs)
}

// Stop rejects new requests and drains accepted in-flight work. Returns the
// context's error when the drain does not finish in time.
func (a *Awarder) Stop(ctx context.Context) error {
	a.stateMu.Lock()
	a.accepting = false
	a.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("⏹️ [AWARDER] drained and stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func awardContext(req models.AwardRequest) map[string]interface{} {
	ctx := map[string]interface{}{"reason": req.Reason}
	if req.Context != nil {
		ctx["event_type"] = req.Context.EventType
		if req.Context.GuildID != "" {
			ctx["guild_id"] = req.Context.GuildID
		}
		if req.Context.ChannelID != "" {
			ctx["channel_id"] = req.Context.ChannelID
		}
	}
	return ctx
}

func guildID(req models.AwardRequest) string {
	if req.Context == nil {
		return ""
	}
	return req.Context.GuildID
}
