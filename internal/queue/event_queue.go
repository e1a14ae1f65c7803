package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/broadcast"
	"Mansoor88-6/consent-analytics-agent/internal/client"
	"Mansoor88-6/consent-analytics-agent/internal/connectivity"
	"Mansoor88-6/consent-analytics-agent/internal/consent"
	"Mansoor88-6/consent-analytics-agent/internal/metrics"
	"Mansoor88-6/consent-analytics-agent/internal/models"
	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UploadVersion is sent with every upload request
const UploadVersion = "1.0.0"

// Config controls batching, retry and persistence
type Config struct {
	MaxQueueSize    int
	MaxBatchSize    int
	FlushInterval   time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration // zero disables per-event backoff
	MaxRetryBackoff time.Duration
	StorageKey      string
	ConsentKey      string // storage key whose changes carry consent from other tabs
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	keys := storage.NewKeys("")
	return Config{
		MaxQueueSize:    100,
		MaxBatchSize:    10,
		FlushInterval:   10 * time.Second,
		MaxRetries:      3,
		MaxRetryBackoff: 5 * time.Minute,
		StorageKey:      keys.Queue,
		ConsentKey:      keys.Consent,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if c.StorageKey == "" {
		c.StorageKey = def.StorageKey
	}
	return c
}

// Option customizes an EventQueue
type Option func(*EventQueue)

// WithBroadcast listens for consent published by other tabs. Messages
// carrying tabID are this tab's own and are skipped.
//
// Remote consent is applied as received, without conflict resolution. When a
// consentsync.Synchronizer already forwards its resolved consent to the queue,
// leave this option out.
func WithBroadcast(channel broadcast.Channel, tabID string) Option {
	return func(q *EventQueue) {
		q.channel = channel
		q.tabID = tabID
	}
}

// WithMetrics records queue activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *EventQueue) { q.metrics = m }
}

// WithPurposeMap replaces the event type to purpose table
func WithPurposeMap(m consent.PurposeMap) Option {
	return func(q *EventQueue) { q.purposes = m }
}

// WithInitialConsent sets the consent used until the first update
func WithInitialConsent(c models.AnalyticsConsent) Option {
	return func(q *EventQueue) {
		c = c.Normalize()
		q.consent = c
		q.consentSet = true
	}
}

// EventQueue durably buffers analytics events until consent and
// connectivity allow delivery.
type EventQueue struct {
	cfg      Config
	storage  storage.Storage
	detector connectivity.Detector
	uploader client.Uploader
	channel  broadcast.Channel
	tabID    string
	purposes consent.PurposeMap
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu         sync.Mutex
	events     []models.QueuedEvent
	consent    models.AnalyticsConsent
	consentSet bool

	// persistMu orders snapshot+write pairs so storage never goes backwards
	persistMu sync.Mutex
	flushing  atomic.Bool

	onlineID     connectivity.ListenerID
	unsubscribes []func()

	// lifecycleMu orders background flush registration against Destroy
	lifecycleMu sync.Mutex
	stopChan    chan struct{}
	destroyOnce sync.Once
	wg          sync.WaitGroup
	now         func() time.Time
}

// New restores any persisted queue and starts the flush timer and listeners
func New(
	ctx context.Context,
	cfg Config,
	store storage.Storage,
	detector connectivity.Detector,
	uploader client.Uploader,
	logger *zap.Logger,
	opts ...Option,
) *EventQueue {
	q := &EventQueue{
		cfg:      cfg.withDefaults(),
		storage:  store,
		detector: detector,
		uploader: uploader,
		purposes: consent.DefaultPurposeMap(),
		logger:   logger,
		consent:  models.DefaultConsent(),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.loadFromStorage(ctx)

	q.onlineID = q.detector.On(connectivity.EventOnline, q.handleOnline)
	q.subscribe()

	q.wg.Add(1)
	go q.flushLoop()

	q.logger.Info("Event queue started",
		zap.Int("restored_events", q.GetQueueSize()),
		zap.Int("max_queue_size", q.cfg.MaxQueueSize),
		zap.Int("max_batch_size", q.cfg.MaxBatchSize),
		zap.Duration("flush_interval", q.cfg.FlushInterval),
		zap.Int("max_retries", q.cfg.MaxRetries),
	)
	return q
}

// QueueEvent accepts an event regardless of consent and persists the queue
// before returning. A storage failure is logged; the event stays in memory.
func (q *EventQueue) QueueEvent(ctx context.Context, event models.AnalyticsEvent, qctx models.QueueContext) error {
	q.mu.Lock()
	queued := models.QueuedEvent{
		ID:            uuid.NewString(),
		Event:         event,
		Context:       qctx,
		Timestamp:     q.now(),
		ConsentAtTime: q.consent,
	}
	q.events = append(q.events, queued)
	size := len(q.events)
	q.mu.Unlock()

	q.metrics.IncQueued()

	if err := q.persist(ctx); err != nil {
		q.logger.Error("Failed to persist queued event",
			zap.Error(err),
			zap.String("event_id", queued.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	q.logger.Debug("Event queued",
		zap.String("event_id", queued.ID),
		zap.String("event_type", string(event.Type)),
		zap.Int("queue_size", size),
	)

	if size >= q.cfg.MaxQueueSize || q.detector.IsOnline() {
		q.flushInBackground("queue_event")
	}
	return nil
}

// UpdateConsent swaps the active consent, delivers what became eligible and
// then evicts events that depend on a revoked purpose.
func (q *EventQueue) UpdateConsent(ctx context.Context, next models.AnalyticsConsent) error {
	next = next.Normalize()

	q.mu.Lock()
	prev := q.consent
	q.consent = next
	q.consentSet = true
	q.mu.Unlock()

	q.logger.Debug("Queue consent updated",
		zap.Any("granted", consent.GrantedPurposes(prev, next)),
		zap.Any("revoked", consent.RevokedPurposes(prev, next)),
	)

	flushErr := q.Flush(ctx)

	revoked := consent.RevokedPurposes(prev, next)
	if len(revoked) == 0 {
		return flushErr
	}

	q.mu.Lock()
	kept := q.events[:0:0]
	evicted := 0
	for _, qe := range q.events {
		if q.purposes.DependsOnAny(qe.Event.Type, revoked) {
			evicted++
			continue
		}
		kept = append(kept, qe)
	}
	q.events = kept
	q.mu.Unlock()

	if evicted == 0 {
		return flushErr
	}

	q.metrics.AddEvicted(evicted)
	q.logger.Info("Evicted events after consent revocation",
		zap.Int("count", evicted),
		zap.Any("revoked", revoked),
	)

	if err := q.persist(ctx); err != nil {
		return errors.Join(flushErr, fmt.Errorf("failed to persist queue after eviction: %w", err))
	}
	return flushErr
}

type sendResult struct {
	id  string
	err error
}

// Flush delivers every consent-eligible event in batches. A call made while
// another flush is running returns immediately.
func (q *EventQueue) Flush(ctx context.Context) error {
	if !q.flushing.CompareAndSwap(false, true) {
		q.logger.Debug("Flush already in progress, skipping")
		return nil
	}
	defer q.flushing.Store(false)

	if !q.detector.IsOnline() {
		q.logger.Debug("Offline, skipping flush")
		return nil
	}

	q.mu.Lock()
	current := q.consent
	now := q.now()
	eligible := make([]models.QueuedEvent, 0, len(q.events))
	for _, qe := range q.events {
		if !q.purposes.IsEligible(qe.Event.Type, current) {
			continue
		}
		if q.backingOff(qe, now) {
			continue
		}
		eligible = append(eligible, qe)
	}
	q.mu.Unlock()

	if len(eligible) == 0 {
		return nil
	}

	q.logger.Debug("Flushing queued events",
		zap.Int("eligible_count", len(eligible)),
	)

	results := make([]sendResult, 0, len(eligible))
	for start := 0; start < len(eligible); start += q.cfg.MaxBatchSize {
		end := start + q.cfg.MaxBatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		results = append(results, q.sendBatch(ctx, eligible[start:end])...)
	}

	delivered, dropped := q.applyResults(results)

	if delivered > 0 {
		q.metrics.AddDelivered(delivered)
		q.logger.Info("Successfully sent queued events",
			zap.Int("event_count", delivered),
		)
	}
	if failed := len(results) - delivered; failed > 0 {
		q.logger.Warn("Failed to send some queued events",
			zap.Int("failed_count", failed),
			zap.Int("dropped_count", dropped),
		)
	}

	if err := q.persist(ctx); err != nil {
		return fmt.Errorf("failed to persist queue after flush: %w", err)
	}
	return nil
}

// sendBatch issues one send per event concurrently and collects every outcome.
// Goroutines never return an error so a failure cannot cancel its siblings.
func (q *EventQueue) sendBatch(ctx context.Context, batch []models.QueuedEvent) []sendResult {
	results := make([]sendResult, len(batch))
	var g errgroup.Group
	for i, qe := range batch {
		g.Go(func() error {
			req := models.UploadRequest{
				Events:  []models.AnalyticsEvent{qe.Event},
				SentAt:  q.now().UTC().Format(time.RFC3339),
				Version: UploadVersion,
			}
			results[i] = sendResult{id: qe.ID, err: q.uploader.Send(ctx, req)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// applyResults removes delivered events and bumps retry counts on failures,
// dropping events past the retry ceiling. Events evicted or cleared while the
// flush was running are simply no longer present.
func (q *EventQueue) applyResults(results []sendResult) (delivered, dropped int) {
	outcome := make(map[string]error, len(results))
	for _, r := range results {
		outcome[r.id] = r.err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.events[:0:0]
	for _, qe := range q.events {
		err, attempted := outcome[qe.ID]
		if !attempted {
			kept = append(kept, qe)
			continue
		}
		if err == nil {
			delivered++
			continue
		}

		q.metrics.IncSendFailures()
		qe.RetryCount++
		retryAt := now
		qe.LastRetry = &retryAt

		if qe.RetryCount > q.cfg.MaxRetries {
			dropped++
			q.metrics.IncDropped()
			q.logger.Warn("Dropping event after max retries",
				zap.String("event_id", qe.ID),
				zap.String("event_type", string(qe.Event.Type)),
				zap.Int("retry_count", qe.RetryCount),
				zap.Error(err),
			)
			continue
		}
		kept = append(kept, qe)
	}
	q.events = kept
	return delivered, dropped
}

// backingOff reports whether a failed event should wait before its next attempt
func (q *EventQueue) backingOff(qe models.QueuedEvent, now time.Time) bool {
	if q.cfg.RetryBackoff <= 0 || qe.LastRetry == nil || qe.RetryCount == 0 {
		return false
	}
	delay := q.cfg.RetryBackoff << (qe.RetryCount - 1)
	if delay <= 0 || delay > q.cfg.MaxRetryBackoff {
		delay = q.cfg.MaxRetryBackoff
	}
	return now.Before(qe.LastRetry.Add(delay))
}

// GetQueueStats summarizes the queue
func (q *EventQueue) GetQueueStats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := models.QueueStats{
		Size:        len(q.events),
		RetryCounts: make(map[int]int),
	}
	for _, qe := range q.events {
		if stats.OldestEvent == nil || qe.Timestamp.Before(*stats.OldestEvent) {
			oldest := qe.Timestamp
			stats.OldestEvent = &oldest
		}
		if stats.NewestEvent == nil || qe.Timestamp.After(*stats.NewestEvent) {
			newest := qe.Timestamp
			stats.NewestEvent = &newest
		}
		stats.RetryCounts[qe.RetryCount]++
	}
	return stats
}

// GetQueueSize returns the number of queued events
func (q *EventQueue) GetQueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// GetConsent returns the consent the queue currently gates on
func (q *EventQueue) GetConsent() models.AnalyticsConsent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consent
}

// Clear empties the queue and persists the empty state
func (q *EventQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	cleared := len(q.events)
	q.events = nil
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return fmt.Errorf("failed to persist cleared queue: %w", err)
	}
	q.logger.Info("Event queue cleared", zap.Int("count", cleared))
	return nil
}

// Destroy stops the flush timer and releases listeners; safe to call repeatedly.
// Sends already in flight are not cancelled; Destroy waits for them and the
// final persist so storage can be closed afterwards.
func (q *EventQueue) Destroy() {
	q.destroyOnce.Do(func() {
		q.lifecycleMu.Lock()
		close(q.stopChan)
		q.lifecycleMu.Unlock()
		q.detector.Off(connectivity.EventOnline, q.onlineID)

		q.mu.Lock()
		unsubscribes := q.unsubscribes
		q.unsubscribes = nil
		q.mu.Unlock()
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}

		q.wg.Wait()
		q.logger.Info("Event queue stopped")
	})
}

func (q *EventQueue) destroyed() bool {
	select {
	case <-q.stopChan:
		return true
	default:
		return false
	}
}

// persist writes the current queue snapshot
func (q *EventQueue) persist(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	snapshot := make([]models.QueuedEvent, len(q.events))
	copy(snapshot, q.events)
	q.mu.Unlock()

	q.metrics.SetQueueSize(len(snapshot))

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := q.storage.SetItem(ctx, q.cfg.StorageKey, string(data)); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}

// loadFromStorage restores the persisted queue and, when none was given,
// the last stored consent. Read failures start empty.
func (q *EventQueue) loadFromStorage(ctx context.Context) {
	raw, found, err := q.storage.GetItem(ctx, q.cfg.StorageKey)
	switch {
	case err != nil:
		q.logger.Error("Failed to read persisted queue, starting empty", zap.Error(err))
	case found && raw != "":
		restored, err := decodeQueue(raw)
		if err != nil {
			q.logger.Error("Failed to parse persisted queue, starting empty", zap.Error(err))
		} else {
			q.events = restored
		}
	}

	if q.consentSet || q.cfg.ConsentKey == "" {
		return
	}
	raw, found, err = q.storage.GetItem(ctx, q.cfg.ConsentKey)
	if err != nil {
		q.logger.Error("Failed to read persisted consent", zap.Error(err))
		return
	}
	if !found {
		return
	}
	var stored models.AnalyticsConsent
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		q.logger.Error("Failed to parse persisted consent", zap.Error(err))
		return
	}
	q.consent = stored.Normalize()
}

func (q *EventQueue) flushLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if q.detector.IsOnline() && q.GetQueueSize() > 0 {
				q.runFlush("interval")
			}
		case <-q.stopChan:
			return
		}
	}
}

// decodeQueue keeps numeric properties as json.Number so values survive
// a restart unchanged
func decodeQueue(raw string) ([]models.QueuedEvent, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var events []models.QueuedEvent
	if err := dec.Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

func (q *EventQueue) handleOnline() {
	q.logger.Info("Connectivity restored, flushing queue")
	q.flushInBackground("online")
}

func (q *EventQueue) flushInBackground(reason string) {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.destroyed() {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runFlush(reason)
	}()
}

// runFlush is the catch-and-log wrapper for timer and listener flushes
func (q *EventQueue) runFlush(reason string) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Background flush panicked",
				zap.String("reason", reason),
				zap.Any("panic", r),
			)
		}
	}()
	if err := q.Flush(context.Background()); err != nil {
		q.logger.Error("Background flush failed",
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func (q *EventQueue) subscribe() {
	if q.channel == nil {
		return
	}

	topics := []string{broadcast.TopicStorage, broadcast.TopicConsent}
	for _, topic := range topics {
		unsubscribe, err := q.channel.Subscribe(topic, q.handleBroadcast)
		if err != nil {
			q.logger.Error("Failed to subscribe to consent broadcasts",
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}
		q.unsubscribes = append(q.unsubscribes, unsubscribe)
	}
}

// handleBroadcast forwards consent from other tabs; malformed payloads are ignored
func (q *EventQueue) handleBroadcast(ctx context.Context, msg broadcast.Message) {
	if q.tabID != "" && msg.TabID == q.tabID {
		return
	}
	if msg.Topic == broadcast.TopicStorage && (msg.Key != q.cfg.ConsentKey || msg.Removed) {
		return
	}

	var next models.AnalyticsConsent
	if err := json.Unmarshal([]byte(msg.Value), &next); err != nil {
		q.logger.Error("Ignoring malformed consent broadcast",
			zap.Error(err),
			zap.String("topic", msg.Topic),
			zap.String("source_tab", msg.TabID),
		)
		return
	}

	if err := q.UpdateConsent(ctx, next); err != nil {
		q.logger.Error("Failed to apply consent from another tab",
			zap.Error(err),
			zap.String("source_tab", msg.TabID),
		)
	}
}
