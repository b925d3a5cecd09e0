// workers/notification_retry_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"achievement-system/services"
)

// NotificationRetryWorker re-dispatches award notifications that failed at
// commit time. Awards keep notified=false until at least one handler
// delivery succeeds, so the worker can always find the backlog.
type NotificationRetryWorker struct {
	repo      services.Repository
	handlers  []services.NotificationHandler
	interval  time.Duration
	batchSize int
}

func NewNotificationRetryWorker(repo services.Repository, handlers []services.NotificationHandler) *NotificationRetryWorker {
	return &NotificationRetryWorker{
		repo:      repo,
		handlers:  handlers,
		interval:  1 * time.Minute,
		batchSize: 50,
	}
}

func (w *NotificationRetryWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Notification Retry Worker (unnotified awards → handlers)…")
	go w.run(ctx)
}

func (w *NotificationRetryWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.retryBatch(ctx); err != nil {
				log.Printf("❌ Notification retry batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Notification Retry Worker stopped")
			return
		}
	}
}

func (w *NotificationRetryWorker) retryBatch(ctx context.Context) error {
	awards, err := w.repo.ListUnnotifiedAwards(w.batchSize)
	if err != nil {
		return err
	}
	if len(awards) == 0 {
		return nil
	}

	log.Printf("[RETRY] 📡 Re-dispatching %d unnotified award(s)…", len(awards))
	delivered := 0
	for i := range awards {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		award := awards[i]

		achievement, err := w.repo.GetAchievementByID(award.AchievementID)
		if err != nil {
			log.Printf("[RETRY] ⚠️ Achievement %s missing for award %s: %v", award.AchievementID, award.ID, err)
			continue
		}

		n := services.Notification{
			UserID:      award.UserID,
			Achievement: achievement,
			Award:       &award,
		}
		if reason, ok := award.Context["reason"].(string); ok {
			n.TriggerReason = reason
		}
		if guild, ok := award.Context["guild_id"].(string); ok {
			n.GuildID = guild
		}

		ok := false
		for _, h := range w.handlers {
			if err := h(n); err != nil {
				log.Printf("[RETRY] ⚠️ Handler failed for award %s: %v", award.ID, err)
				continue
			}
			ok = true
		}
		if !ok {
			continue
		}
		if err := w.repo.MarkAwardNotified(award.ID); err != nil {
			log.Printf("[RETRY] ⚠️ Failed to mark award %s notified: %v", award.ID, err)
			continue
		}
		delivered++
	}

	log.Printf("[RETRY] ✅ Delivered %d of %d pending notifications", delivered, len(awards))
	return nil
}
