// services/scheduler.go
package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartMaintenanceScheduler runs the periodic housekeeping jobs: refreshing
// the achievement cache ahead of TTL expiry and evicting idle per-pair locks
// so the arena cannot grow without bound.
func StartMaintenanceScheduler(cache *AchievementCache, locks *LockMap) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()

	// Every 4 minutes: keep the event-type mapping warm
	_, err = sched.NewJob(
		gocron.DurationJob(4*time.Minute),
		gocron.NewTask(func() {
			if err := cache.Refresh(); err != nil {
				log.Printf("[Scheduler] cache refresh failed: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	// Every 10 minutes: evict locks idle for over 30 minutes
	_, err = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if n := locks.Evict(30 * time.Minute); n > 0 {
				log.Printf("🧹 [Scheduler] evicted %d idle pair locks (%d remain)", n, locks.Len())
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	return sched, nil
}
