// Package consentsync owns a tab's consent state and reconciles it with
// other tabs sharing the same storage namespace.
//
// Coordination is last-writer-wins at the storage layer. Each tab persists
// its consent, announces it on the broadcast channel and resolves what it
// hears from other tabs with the configured ConflictResolution. There is no
// cross-tab lock.
package consentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/broadcast"
	"Mansoor88-6/consent-analytics-agent/internal/consent"
	"Mansoor88-6/consent-analytics-agent/internal/identity"
	"Mansoor88-6/consent-analytics-agent/internal/metrics"
	"Mansoor88-6/consent-analytics-agent/internal/models"
	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDestroyed is returned by operations on a destroyed Synchronizer
var ErrDestroyed = errors.New("consent synchronizer destroyed")

// Config controls history, cross-tab sync and conflict handling
type Config struct {
	MaxHistoryEntries int
	SyncInterval      time.Duration
	CrossTab          bool
	Resolution        models.ConflictResolution
	Keys              storage.Keys
	UserAgent         string
}

// DefaultConfig returns the synchronizer defaults
func DefaultConfig() Config {
	return Config{
		MaxHistoryEntries: 50,
		SyncInterval:      30 * time.Second,
		CrossTab:          true,
		Resolution:        models.ResolutionLatest,
		Keys:              storage.NewKeys(""),
	}
}

// ChangeObserver is notified after a consent change has been committed
type ChangeObserver func(ctx context.Context, change models.ConsentChangeEvent)

// Option customizes a Synchronizer
type Option func(*Synchronizer)

// WithTabID reuses an id already handed to other components of this tab
func WithTabID(tabID string) Option {
	return func(s *Synchronizer) { s.tabID = tabID }
}

// WithMetrics records consent activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithCustomResolver installs the resolver used by ResolutionCustom
func WithCustomResolver(r models.CustomResolver) Option {
	return func(s *Synchronizer) { s.customResolver = r }
}

// Synchronizer is the single source of truth for consent within one tab
type Synchronizer struct {
	cfg     Config
	storage storage.Storage
	channel broadcast.Channel
	metrics *metrics.Metrics
	logger  *zap.Logger
	tabID   string

	mu             sync.RWMutex
	state          models.ConsentSyncState
	history        []models.ConsentChangeEvent
	resolution     models.ConflictResolution
	customResolver models.CustomResolver
	observers      []ChangeObserver

	// updateMu serializes UpdateConsent so history and storage see changes in order
	updateMu sync.Mutex
	rosterMu sync.Mutex

	unsubscribes []func()
	stopChan     chan struct{}
	destroyOnce  sync.Once
	wg           sync.WaitGroup
	now          func() time.Time
}

// New loads persisted consent and history, registers the tab in the shared
// roster and, when cross-tab sync is enabled, starts listening and syncing.
// channel may be nil; reconciliation then relies on storage alone.
func New(
	ctx context.Context,
	cfg Config,
	store storage.Storage,
	channel broadcast.Channel,
	logger *zap.Logger,
	opts ...Option,
) *Synchronizer {
	def := DefaultConfig()
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = def.MaxHistoryEntries
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.Resolution == "" {
		cfg.Resolution = def.Resolution
	}
	if cfg.Keys.Consent == "" {
		cfg.Keys = def.Keys
	}

	s := &Synchronizer{
		cfg:        cfg,
		storage:    store,
		channel:    channel,
		logger:     logger,
		resolution: cfg.Resolution,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tabID == "" {
		s.tabID = identity.NewTabID()
	}

	s.state = models.ConsentSyncState{
		Consent:     models.DefaultConsent(),
		LastUpdated: s.now(),
		Source:      models.SourceInitial,
		TabID:       s.tabID,
	}
	s.loadFromStorage(ctx)

	if err := s.registerTab(ctx); err != nil {
		s.logger.Error("Failed to register tab", zap.Error(err), zap.String("tab_id", s.tabID))
	}

	if s.cfg.CrossTab && s.channel != nil {
		s.subscribe()
		s.wg.Add(1)
		go s.syncLoop()
	}

	s.logger.Info("Consent synchronizer started",
		zap.String("tab_id", s.tabID),
		zap.Bool("cross_tab", s.cfg.CrossTab && s.channel != nil),
		zap.String("resolution", string(s.resolution)),
	)
	return s
}

// TabID returns this instance's tab identifier
func (s *Synchronizer) TabID() string {
	return s.tabID
}

// UpdateConsent records, persists and announces a consent change.
//
// Persistence happens before the in-memory swap: if the storage write fails
// the error is returned, State().Error is set and the previous consent stays
// in effect.
func (s *Synchronizer) UpdateConsent(ctx context.Context, next models.AnalyticsConsent, source, reason string) error {
	if s.destroyed() {
		return ErrDestroyed
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	now := s.now()
	next = next.Normalize()
	// changes made here are dated now; a value resolved from another tab keeps its date
	if source != models.SourceCrossTabSync || next.DateConsented == nil {
		next.DateConsented = &now
	}

	s.mu.Lock()
	s.state.Loading = true
	prev := s.state.Consent
	s.mu.Unlock()

	change := models.ConsentChangeEvent{
		ID:              uuid.NewString(),
		PreviousConsent: prev,
		NewConsent:      next,
		Source:          source,
		Reason:          reason,
		Timestamp:       now,
		TabID:           s.tabID,
		UserAgent:       s.cfg.UserAgent,
	}

	payload, err := json.Marshal(next)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	if err := s.storage.SetItem(ctx, s.cfg.Keys.Consent, string(payload)); err != nil {
		s.fail(err)
		return fmt.Errorf("failed to persist consent: %w", err)
	}

	s.mu.Lock()
	s.state.Consent = next
	s.state.LastUpdated = now
	s.state.Source = source
	s.state.Error = ""
	s.state.Stats.TotalChanges++
	s.history = append([]models.ConsentChangeEvent{change}, s.history...)
	if len(s.history) > s.cfg.MaxHistoryEntries {
		s.history = s.history[:s.cfg.MaxHistoryEntries]
	}
	history := s.copyHistory()
	observers := append([]ChangeObserver(nil), s.observers...)
	s.mu.Unlock()

	s.metrics.IncConsentChange(source)

	if err := s.persistHistory(ctx, history); err != nil {
		s.logger.Error("Failed to persist consent history", zap.Error(err))
	}

	if s.cfg.CrossTab && s.channel != nil {
		s.publish(ctx, string(payload))
	}

	for _, observer := range observers {
		s.notify(ctx, observer, change)
	}

	s.mu.Lock()
	s.state.Loading = false
	s.mu.Unlock()

	s.logger.Info("Consent updated",
		zap.String("source", source),
		zap.String("reason", reason),
		zap.Any("revoked", consent.RevokedPurposes(prev, next)),
		zap.Any("granted", consent.GrantedPurposes(prev, next)),
	)
	return nil
}

// ResetConsent denies every purpose except necessary
func (s *Synchronizer) ResetConsent(ctx context.Context) error {
	return s.UpdateConsent(ctx, models.DefaultConsent(), models.SourceReset, "consent reset")
}

// ResolveConflict picks the consent to keep when local and remote disagree.
// A Resolution of "" uses the synchronizer's current strategy.
func (s *Synchronizer) ResolveConflict(conflict models.ConflictInfo) models.AnalyticsConsent {
	strategy := conflict.Resolution

	s.mu.Lock()
	if strategy == "" {
		strategy = s.resolution
	}
	resolver := conflict.Resolver
	if resolver == nil {
		resolver = s.customResolver
	}
	s.state.Stats.ConflictsResolved++
	s.mu.Unlock()

	s.metrics.IncConflictResolved(string(strategy))

	switch strategy {
	case models.ResolutionUserChoice:
		return conflict.LocalConsent
	case models.ResolutionMerge:
		return consent.Merge(conflict.LocalConsent, conflict.RemoteConsent)
	case models.ResolutionCustom:
		if resolver != nil {
			return resolver(conflict)
		}
		s.logger.Warn("Custom resolution requested without a resolver, keeping latest")
	}

	if conflict.RemoteTimestamp.After(conflict.LocalTimestamp) {
		return conflict.RemoteConsent
	}
	return conflict.LocalConsent
}

// HandleStorageChange reconciles a consent write made by another tab.
// Messages from this tab, for other keys or with unparseable values are ignored.
func (s *Synchronizer) HandleStorageChange(ctx context.Context, msg broadcast.Message) {
	if msg.TabID == s.tabID {
		return
	}
	if msg.Key != s.cfg.Keys.Consent || msg.Removed {
		return
	}

	var remote models.AnalyticsConsent
	if err := json.Unmarshal([]byte(msg.Value), &remote); err != nil {
		s.logger.Error("Ignoring malformed consent from another tab",
			zap.Error(err),
			zap.String("source_tab", msg.TabID),
			zap.String("topic", msg.Topic),
		)
		return
	}
	remote = remote.Normalize()

	s.mu.RLock()
	local := s.state.Consent
	localUpdated := s.state.LastUpdated
	s.mu.RUnlock()

	if local.Equal(remote) {
		return
	}

	// compare consent dates when both sides have one, else fall back to
	// when the state last changed locally and when the message was sent
	if local.DateConsented != nil {
		localUpdated = *local.DateConsented
	}
	remoteUpdated := msg.SentAt
	if remote.DateConsented != nil {
		remoteUpdated = *remote.DateConsented
	}

	resolved := s.ResolveConflict(models.ConflictInfo{
		LocalConsent:    local,
		RemoteConsent:   remote,
		LocalTimestamp:  localUpdated,
		RemoteTimestamp: remoteUpdated,
	})
	if resolved.Equal(local) {
		s.logger.Debug("Kept local consent over another tab's change",
			zap.String("source_tab", msg.TabID),
		)
		return
	}

	reason := "resolved change from " + msg.TabID
	if err := s.UpdateConsent(ctx, resolved, models.SourceCrossTabSync, reason); err != nil {
		s.logger.Error("Failed to apply consent from another tab",
			zap.Error(err),
			zap.String("source_tab", msg.TabID),
		)
	}
}

// SyncWithTabs announces current consent and refreshes the active-tab count
func (s *Synchronizer) SyncWithTabs(ctx context.Context) error {
	if s.destroyed() {
		return ErrDestroyed
	}

	s.mu.RLock()
	current := s.state.Consent
	s.mu.RUnlock()

	if s.channel != nil {
		payload, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal consent: %w", err)
		}
		s.publish(ctx, string(payload))
	}

	tabs, err := s.readRoster(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active tabs: %w", err)
	}
	if !containsTab(tabs, s.tabID) {
		// another tab's stale write dropped us
		if err := s.registerTab(ctx); err != nil {
			return fmt.Errorf("failed to re-register tab: %w", err)
		}
		tabs = append(tabs, s.tabID)
	}

	s.mu.Lock()
	s.state.Stats.ActiveTabsCount = len(tabs)
	s.state.Stats.CrossTabSyncs++
	s.state.Stats.LastSyncTimestamp = s.now()
	s.mu.Unlock()

	s.metrics.IncCrossTabSync()
	s.logger.Debug("Synced consent with tabs", zap.Int("active_tabs", len(tabs)))
	return nil
}

// OnChange registers an observer for committed consent changes
func (s *Synchronizer) OnChange(observer ChangeObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// SetResolution changes the strategy used for cross-tab conflicts
func (s *Synchronizer) SetResolution(r models.ConflictResolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolution = r
}

// SetCustomResolver installs the resolver used by ResolutionCustom
func (s *Synchronizer) SetCustomResolver(r models.CustomResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customResolver = r
}

// GetConsent returns the current consent
func (s *Synchronizer) GetConsent() models.AnalyticsConsent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Consent.Normalize()
}

// GetState returns a snapshot of the tab's consent state
func (s *Synchronizer) GetState() models.ConsentSyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state
	state.Consent = state.Consent.Normalize()
	return state
}

// GetChangeHistory returns the change history, most recent first
func (s *Synchronizer) GetChangeHistory() []models.ConsentChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyHistory()
}

// GetConsentStats returns a snapshot of the sync statistics
func (s *Synchronizer) GetConsentStats() models.ConsentStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Stats
}

// Destroy stops listening and syncing and removes this tab from the roster.
// Safe to call more than once.
func (s *Synchronizer) Destroy() {
	s.destroyOnce.Do(func() {
		close(s.stopChan)
		for _, unsubscribe := range s.unsubscribes {
			unsubscribe()
		}
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.unregisterTab(ctx); err != nil {
			s.logger.Error("Failed to remove tab from roster", zap.Error(err), zap.String("tab_id", s.tabID))
		}
		s.logger.Info("Consent synchronizer stopped", zap.String("tab_id", s.tabID))
	})
}

// Cleanup is an alias for Destroy
func (s *Synchronizer) Cleanup() {
	s.Destroy()
}

func (s *Synchronizer) destroyed() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Synchronizer) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Loading = false
	s.state.Error = err.Error()
}

// copyHistory must be called with mu held
func (s *Synchronizer) copyHistory() []models.ConsentChangeEvent {
	out := make([]models.ConsentChangeEvent, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Synchronizer) notify(ctx context.Context, observer ChangeObserver, change models.ConsentChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Consent observer panicked", zap.Any("panic", r))
		}
	}()
	observer(ctx, change)
}

func (s *Synchronizer) publish(ctx context.Context, payload string) {
	err := s.channel.Publish(ctx, broadcast.TopicConsent, broadcast.Message{
		TabID:  s.tabID,
		Key:    s.cfg.Keys.Consent,
		Value:  payload,
		SentAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("Failed to broadcast consent", zap.Error(err))
	}
}

func (s *Synchronizer) subscribe() {
	for _, topic := range []string{broadcast.TopicStorage, broadcast.TopicConsent} {
		unsubscribe, err := s.channel.Subscribe(topic, s.HandleStorageChange)
		if err != nil {
			s.logger.Error("Failed to subscribe to consent broadcasts",
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}
		s.unsubscribes = append(s.unsubscribes, unsubscribe)
	}
}

func (s *Synchronizer) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SyncWithTabs(context.Background()); err != nil && !errors.Is(err, ErrDestroyed) {
				s.logger.Error("Periodic tab sync failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		}
	}
}

// loadFromStorage restores consent and history; read failures keep defaults
func (s *Synchronizer) loadFromStorage(ctx context.Context) {
	raw, found, err := s.storage.GetItem(ctx, s.cfg.Keys.Consent)
	switch {
	case err != nil:
		s.logger.Error("Failed to read persisted consent", zap.Error(err))
	case found:
		var stored models.AnalyticsConsent
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.logger.Error("Failed to parse persisted consent", zap.Error(err))
		} else {
			s.state.Consent = stored.Normalize()
			s.state.Source = models.SourceStorage
		}
	}

	raw, found, err = s.storage.GetItem(ctx, s.cfg.Keys.History)
	switch {
	case err != nil:
		s.logger.Error("Failed to read consent history", zap.Error(err))
	case found:
		var history []models.ConsentChangeEvent
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			s.logger.Error("Failed to parse consent history", zap.Error(err))
			return
		}
		if len(history) > s.cfg.MaxHistoryEntries {
			history = history[:s.cfg.MaxHistoryEntries]
		}
		s.history = history
	}
}

func (s *Synchronizer) persistHistory(ctx context.Context, history []models.ConsentChangeEvent) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return s.storage.SetItem(ctx, s.cfg.Keys.History, string(data))
}
