package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"achievement-system/models"

	"golang.org/x/sync/semaphore"
)

const (
	// Events at or above this priority are processed synchronously.
	syncPriorityThreshold = 5
	// Enqueued events at or above this priority go to the priority queue.
	queuePriorityThreshold = 3
)

// EventProcessor ingests raw activity events, filters them to the
// achievements that could react, runs the trigger engine, and feeds
// triggered decisions into the awarder. High-priority events are handled
// inline; the rest flow through the owned queues and the background loop.
type EventProcessor struct {
	repo    Repository
	engine  *TriggerEngine
	tracker *ProgressTracker
	awarder *Awarder
	cache   *AchievementCache

	priorityQ chan *models.TriggerContext
	normalQ   chan *models.TriggerContext

	workers *semaphore.Weighted
	wg      sync.WaitGroup

	stateMu   sync.RWMutex
	accepting bool
	producers sync.WaitGroup // callers past the accepting check, mid-enqueue
	stopCh    chan struct{}
	loopDone  chan struct{}

	batchSize     int
	flushInterval time.Duration
}

// EventProcessorConfig tunes queue and batching behavior. Zero values fall
// back to sensible defaults.
type EventProcessorConfig struct {
	MaxWorkers    int64
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	CacheTTL      time.Duration
}

func NewEventProcessor(repo Repository, engine *TriggerEngine, tracker *ProgressTracker, awarder *Awarder, cfg EventProcessorConfig) *EventProcessor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &EventProcessor{
		repo:          repo,
		engine:        engine,
		tracker:       tracker,
		awarder:       awarder,
		cache:         NewAchievementCache(repo, cfg.CacheTTL),
		priorityQ:     make(chan *models.TriggerContext, cfg.QueueSize),
		normalQ:       make(chan *models.TriggerContext, cfg.QueueSize),
		workers:       semaphore.NewWeighted(cfg.MaxWorkers),
		accepting:     true,
		stopCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
}

// Cache exposes the processor-owned achievement cache for the maintenance
// scheduler and the admin surface (explicit invalidation after rule edits).
func (p *EventProcessor) Cache() *AchievementCache {
	return p.cache
}

// Start launches the background dispatch loop.
func (p *EventProcessor) Start() {
	go p.run()
	log.Println("🔁 [PROCESSOR] background event loop started")
}

// Stop rejects new events, drains both queues and all in-flight work, then
// returns. No accepted event is dropped mid-processing.
func (p *EventProcessor) Stop(ctx context.Context) error {
	p.stateMu.Lock()
	if !p.accepting {
		p.stateMu.Unlock()
		return nil
	}
	p.accepting = false
	p.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		// Callers that passed the accepting check must finish their enqueue
		// before the loop runs its final drain, or their events would sit on
		// a queue nobody reads anymore.
		p.producers.Wait()
		close(p.stopCh)
		<-p.loopDone
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("⏹️ [PROCESSOR] drained and stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessEvent ingests one activity event. Priority ≥ 5 is processed
// synchronously and returns its trigger results; lower priorities are
// enqueued fire-and-forget and return no results.
func (p *EventProcessor) ProcessEvent(userID, eventType string, payload map[string]interface{}, priority int) ([]models.TriggerResult, error) {
	p.stateMu.RLock()
	if !p.accepting {
		p.stateMu.RUnlock()
		return nil, ErrProcessorStopped
	}
	p.producers.Add(1)
	p.stateMu.RUnlock()
	defer p.producers.Done()

	if userID == "" || eventType == "" {
		return nil, fmt.Errorf("user id and event type are required")
	}

	tctx := &models.TriggerContext{
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		Priority:  priority,
	}
	if payload != nil {
		if g, ok := payload["guild_id"].(string); ok {
			tctx.GuildID = g
		}
		if ch, ok := payload["channel_id"].(string); ok {
			tctx.ChannelID = ch
		}
	}
	p.preprocess(tctx)

	if priority >= syncPriorityThreshold {
		return p.processAndAward(tctx), nil
	}

	q := p.normalQ
	if priority >= queuePriorityThreshold {
		q = p.priorityQ
	}
	select {
	case q <- tctx:
		return nil, nil
	default:
		return nil, ErrQueueFull
	}
}

// ProcessBatchEvents groups events by user and processes each user's slice
// concurrently under the worker bound. One user's failure never aborts the
// others; their events simply produce error-bearing results.
func (p *EventProcessor) ProcessBatchEvents(events []*models.TriggerContext) []models.TriggerResult {
	byUser := make(map[string][]*models.TriggerContext)
	for _, ev := range events {
		if ev == nil || ev.UserID == "" {
			continue
		}
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}

	var mu sync.Mutex
	var all []models.TriggerResult
	var wg sync.WaitGroup
	for userID, userEvents := range byUser {
		if err := p.workers.Acquire(context.Background(), 1); err != nil {
			break
		}
		wg.Add(1)
		go func(userID string, userEvents []*models.TriggerContext) {
			defer wg.Done()
			defer p.workers.Release(1)
			defer func() {
				if r := recover(); r != nil {
					log.Printf("❌ [PROCESSOR] batch processing panicked for user %s: %v", userID, r)
					mu.Lock()
					for _, ev := range userEvents {
						all = append(all, models.TriggerResult{
							UserID:  userID,
							Context: ev,
							Error:   fmt.Sprintf("batch processing panicked: %v", r),
						})
					}
					mu.Unlock()
				}
			}()
			var results []models.TriggerResult
			for _, ev := range userEvents {
				p.preprocess(ev)
				results = append(results, p.processAndAward(ev)...)
			}
			mu.Lock()
			all = append(all, results...)
			mu.Unlock()
		}(userID, userEvents)
	}
	wg.Wait()
	return all
}

// run is the background loop: the priority queue is drained eagerly, the
// normal queue accumulates into batches flushed on size or age. The blocking
// select keeps the loop idle when both queues are empty.
func (p *EventProcessor) run() {
	defer close(p.loopDone)

	var pending []*models.TriggerContext
	flush := time.NewTicker(p.flushInterval)
	defer flush.Stop()

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		p.dispatchBatch(batch)
	}

	for {
		select {
		case <-p.stopCh:
			p.drainQueues(&pending)
			flushPending()
			return
		case tctx := <-p.priorityQ:
			p.dispatch(tctx)
		case tctx := <-p.normalQ:
			pending = append(pending, tctx)
			if len(pending) >= p.batchSize {
				flushPending()
			}
		case <-flush.C:
			flushPending()
		}
	}
}

// drainQueues empties both queues into workers (priority) and the pending
// batch (normal) during shutdown.
func (p *EventProcessor) drainQueues(pending *[]*models.TriggerContext) {
	for {
		select {
		case tctx := <-p.priorityQ:
			p.dispatch(tctx)
			continue
		default:
		}
		select {
		case tctx := <-p.normalQ:
			*pending = append(*pending, tctx)
			continue
		default:
		}
		return
	}
}

// dispatch processes one event on a bounded worker. Failures are logged,
// never raised.
func (p *EventProcessor) dispatch(tctx *models.TriggerContext) {
	if err := p.workers.Acquire(context.Background(), 1); err != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.workers.Release(1)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [PROCESSOR] event task panicked for user %s: %v", tctx.UserID, r)
			}
		}()
		p.processAndAward(tctx)
	}()
}

func (p *EventProcessor) dispatchBatch(batch []*models.TriggerContext) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.ProcessBatchEvents(batch)
	}()
}

// processAndAward evaluates one event against every candidate achievement
// and feeds triggered decisions through the awarder's single write path.
func (p *EventProcessor) processAndAward(tctx *models.TriggerContext) []models.TriggerResult {
	results := p.evaluate(tctx)
	var triggered []models.TriggerResult
	for _, r := range results {
		if r.Triggered {
			triggered = append(triggered, r)
		}
	}
	if len(triggered) > 0 {
		p.awarder.ProcessTriggerResults(triggered)
	}
	return results
}

// evaluate filters candidates via the cached event-type mapping, excludes
// achievements the user already holds, applies progress bookkeeping, and
// asks the engine for a decision per remaining candidate.
func (p *EventProcessor) evaluate(tctx *models.TriggerContext) []models.TriggerResult {
	types := p.cache.TypesFor(tctx.EventType)
	if len(types) == 0 {
		return nil
	}

	var results []models.TriggerResult
	for _, ach := range p.cache.CandidatesFor(tctx.EventType) {
		if !types[ach.Type] {
			continue
		}
		a := ach
		result := models.TriggerResult{
			UserID:        tctx.UserID,
			AchievementID: a.ID,
			Achievement:   &a,
			Context:       tctx,
		}

		has, err := p.repo.HasUserAchievement(tctx.UserID, a.ID)
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		if has {
			continue
		}

		if _, err := p.tracker.ApplyEvent(tctx.UserID, &a, tctx); err != nil {
			result.Error = err.Error()
			log.Printf("⚠️ [PROCESSOR] progress bookkeeping failed for %s/%s: %v", tctx.UserID, a.Code, err)
			results = append(results, result)
			continue
		}

		ok, reason, err := p.engine.CheckTrigger(tctx.UserID, &a, tctx)
		if err != nil {
			result.Error = err.Error()
			log.Printf("⚠️ [PROCESSOR] trigger check failed for %s/%s: %v", tctx.UserID, a.Code, err)
			results = append(results, result)
			continue
		}
		result.Triggered = ok
		result.Reason = reason
		results = append(results, result)
	}
	return results
}

// preprocess enriches the payload with derived fields per event type, so
// criteria can match on them without every producer computing them.
func (p *EventProcessor) preprocess(tctx *models.TriggerContext) {
	if tctx.Payload == nil {
		tctx.Payload = map[string]interface{}{}
	}
	switch tctx.EventType {
	case "message_sent":
		if content, ok := tctx.Payload["content"].(string); ok {
			tctx.Payload["message_length"] = float64(len(content))
			tctx.Payload["has_link"] = strings.Contains(content, "http://") || strings.Contains(content, "https://")
		}
		if atts, ok := tctx.Payload["attachments"].([]interface{}); ok {
			tctx.Payload["has_attachment"] = len(atts) > 0
		}
	case "voice_session_ended", "session_ended":
		joined, jok := tctx.Payload["joined_at"].(string)
		left, lok := tctx.Payload["left_at"].(string)
		if jok && lok {
			j, jerr := time.Parse(time.RFC3339, joined)
			l, lerr := time.Parse(time.RFC3339, left)
			if jerr == nil && lerr == nil && l.After(j) {
				tctx.Payload["duration_minutes"] = l.Sub(j).Minutes()
			}
		}
	}
}
