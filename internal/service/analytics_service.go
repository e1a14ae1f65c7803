package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/connectivity"
	"Mansoor88-6/consent-analytics-agent/internal/consentsync"
	"Mansoor88-6/consent-analytics-agent/internal/identity"
	"Mansoor88-6/consent-analytics-agent/internal/models"
	"Mansoor88-6/consent-analytics-agent/internal/queue"
	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/mssola/useragent"
	"go.uber.org/zap"
)

// LibraryName identifies events produced by this agent
const LibraryName = "consent-analytics-agent"

// Config describes the environment events are captured in
type Config struct {
	UserAgent      string
	Locale         string
	LibraryVersion string
	AnonymousIDKey string
}

// Status is a point-in-time view of the agent
type Status struct {
	TabID       string                  `json:"tabId"`
	AnonymousID string                  `json:"anonymousId"`
	SessionID   string                  `json:"sessionId"`
	UserID      string                  `json:"userId,omitempty"`
	Online      bool                    `json:"online"`
	Queue       models.QueueStats       `json:"queue"`
	Consent     models.ConsentSyncState `json:"consent"`
}

// AnalyticsService is the application-facing tracking API. It builds events,
// queues them and keeps the queue's consent in step with the synchronizer.
type AnalyticsService struct {
	sync     *consentsync.Synchronizer
	queue    *queue.EventQueue
	detector connectivity.Detector
	pages    *PageStore // optional
	logger   *zap.Logger

	anonymousID string
	sessionID   string
	eventCtx    models.EventContext

	mu     sync.RWMutex
	userID string
}

// NewAnalyticsService wires the synchronizer to the queue and resolves the
// visitor's anonymous id
func NewAnalyticsService(
	ctx context.Context,
	cfg Config,
	synchronizer *consentsync.Synchronizer,
	eventQueue *queue.EventQueue,
	detector connectivity.Detector,
	store storage.Storage,
	pages *PageStore, // can be nil if no extension reports pages
	logger *zap.Logger,
) *AnalyticsService {
	if cfg.AnonymousIDKey == "" {
		cfg.AnonymousIDKey = storage.NewKeys("").AnonymousID
	}

	anonymousID, err := identity.GetOrCreateAnonymousID(ctx, store, cfg.AnonymousIDKey)
	if err != nil {
		logger.Error("Failed to load anonymous id", zap.Error(err))
		if anonymousID == "" {
			anonymousID = identity.NewMessageID()
		}
	}

	s := &AnalyticsService{
		sync:        synchronizer,
		queue:       eventQueue,
		detector:    detector,
		pages:       pages,
		logger:      logger,
		anonymousID: anonymousID,
		sessionID:   identity.NewSessionID(),
		eventCtx:    buildEventContext(cfg),
	}

	synchronizer.OnChange(s.onConsentChange)

	logger.Info("Analytics service started",
		zap.String("tab_id", synchronizer.TabID()),
		zap.String("session_id", s.sessionID),
		zap.String("browser", s.eventCtx.Browser),
		zap.String("os", s.eventCtx.OS),
	)
	return s
}

// Track records a named user action
func (s *AnalyticsService) Track(ctx context.Context, name string, properties map[string]interface{}) error {
	event := s.newEvent(models.EventTrack, properties)
	event.Name = name
	return s.enqueue(ctx, event)
}

// Page records a page view. The page falls back to what the extension last
// reported for this session.
func (s *AnalyticsService) Page(ctx context.Context, name string, properties map[string]interface{}, page *models.PageInfo) error {
	props := copyProperties(properties)
	if name != "" {
		props["name"] = name
	}

	event := s.newEvent(models.EventPage, props)
	if page != nil {
		p := *page
		event.Context.Page = &p
	} else if s.pages != nil {
		if stored, ok := s.pages.Get(s.sessionID); ok {
			event.Context.Page = &stored
		}
	}
	return s.enqueue(ctx, event)
}

// Identify associates subsequent events with userID
func (s *AnalyticsService) Identify(ctx context.Context, userID string, traits map[string]interface{}) error {
	if userID == "" {
		return fmt.Errorf("%w: identify requires a user id", models.ErrInvalidEvent)
	}

	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	return s.enqueue(ctx, s.newEvent(models.EventIdentify, traits))
}

// Group associates the user with an account or organization
func (s *AnalyticsService) Group(ctx context.Context, groupID string, traits map[string]interface{}) error {
	if groupID == "" {
		return fmt.Errorf("%w: group requires a group id", models.ErrInvalidEvent)
	}

	props := copyProperties(traits)
	props["groupId"] = groupID
	return s.enqueue(ctx, s.newEvent(models.EventGroup, props))
}

// Alias links the current identity to newID and adopts it
func (s *AnalyticsService) Alias(ctx context.Context, newID string) error {
	if newID == "" {
		return fmt.Errorf("%w: alias requires a new id", models.ErrInvalidEvent)
	}

	s.mu.Lock()
	previousID := s.userID
	if previousID == "" {
		previousID = s.anonymousID
	}
	s.userID = newID
	s.mu.Unlock()

	return s.enqueue(ctx, s.newEvent(models.EventAlias, map[string]interface{}{
		"previousId": previousID,
	}))
}

// UpdateConsent applies a consent choice made by the user
func (s *AnalyticsService) UpdateConsent(ctx context.Context, c models.AnalyticsConsent, reason string) error {
	return s.sync.UpdateConsent(ctx, c, models.SourceUserAction, reason)
}

// ResetConsent withdraws every optional purpose
func (s *AnalyticsService) ResetConsent(ctx context.Context) error {
	return s.sync.ResetConsent(ctx)
}

// ConsentState returns the synchronizer state
func (s *AnalyticsService) ConsentState() models.ConsentSyncState {
	return s.sync.GetState()
}

// ConsentHistory returns recorded consent changes, most recent first
func (s *AnalyticsService) ConsentHistory() []models.ConsentChangeEvent {
	return s.sync.GetChangeHistory()
}

// Flush attempts delivery of every eligible queued event
func (s *AnalyticsService) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// QueueStats summarizes the pending queue
func (s *AnalyticsService) QueueStats() models.QueueStats {
	return s.queue.GetQueueStats()
}

// StorePage records the page a session is on
func (s *AnalyticsService) StorePage(sessionID string, page models.PageInfo) {
	if s.pages == nil {
		return
	}
	if sessionID == "" {
		sessionID = s.sessionID
	}
	s.pages.Store(sessionID, page)
}

// Status returns the current agent status
func (s *AnalyticsService) Status() Status {
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()

	return Status{
		TabID:       s.sync.TabID(),
		AnonymousID: s.anonymousID,
		SessionID:   s.sessionID,
		UserID:      userID,
		Online:      s.detector.IsOnline(),
		Queue:       s.queue.GetQueueStats(),
		Consent:     s.sync.GetState(),
	}
}

// onConsentChange forwards committed consent to the queue
func (s *AnalyticsService) onConsentChange(ctx context.Context, change models.ConsentChangeEvent) {
	if err := s.queue.UpdateConsent(ctx, change.NewConsent); err != nil {
		s.logger.Error("Failed to apply consent to queue",
			zap.Error(err),
			zap.String("source", change.Source),
		)
	}
}

func (s *AnalyticsService) newEvent(t models.EventType, properties map[string]interface{}) models.AnalyticsEvent {
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()

	eventCtx := s.eventCtx
	if eventCtx.Library != nil {
		lib := *eventCtx.Library
		eventCtx.Library = &lib
	}

	return models.AnalyticsEvent{
		Type:        t,
		Properties:  copyProperties(properties),
		UserID:      userID,
		AnonymousID: s.anonymousID,
		SessionID:   s.sessionID,
		Consent:     s.sync.GetConsent(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MessageID:   identity.NewMessageID(),
		Context:     eventCtx,
	}
}

func (s *AnalyticsService) enqueue(ctx context.Context, event models.AnalyticsEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	qctx := models.QueueContext{
		SessionID: event.SessionID,
		UserID:    event.UserID,
	}
	if event.Context.Page != nil {
		qctx.Referrer = event.Context.Page.Referrer
	}

	if err := s.queue.QueueEvent(ctx, event, qctx); err != nil {
		return fmt.Errorf("failed to queue %s event: %w", event.Type, err)
	}
	return nil
}

// buildEventContext parses the user agent once; every event shares the result
func buildEventContext(cfg Config) models.EventContext {
	eventCtx := models.EventContext{
		UserAgent: cfg.UserAgent,
		Locale:    cfg.Locale,
		Library: &models.LibraryInfo{
			Name:    LibraryName,
			Version: cfg.LibraryVersion,
		},
	}
	if cfg.UserAgent == "" {
		return eventCtx
	}

	ua := useragent.New(cfg.UserAgent)
	name, version := ua.Browser()
	if name != "" {
		eventCtx.Browser = name
		if version != "" {
			eventCtx.Browser = name + " " + version
		}
	}
	eventCtx.OS = ua.OS()
	return eventCtx
}

func copyProperties(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
