package service

import (
	"strings"
	"sync"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/models"

	"go.uber.org/zap"
)

// pageEntry stores page information with timestamp
type pageEntry struct {
	Page      models.PageInfo
	Timestamp time.Time
}

// PageStore keeps the page each session was last seen on, as reported by
// the browser extension. Entries expire after ttl.
type PageStore struct {
	mu        sync.RWMutex
	pages     map[string]*pageEntry
	ttl       time.Duration
	logger    *zap.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	cleanupWg sync.WaitGroup
}

// NewPageStore creates a page store with TTL-based expiration
func NewPageStore(ttl time.Duration, logger *zap.Logger) *PageStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	store := &PageStore{
		pages:    make(map[string]*pageEntry),
		ttl:      ttl,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	store.cleanupWg.Add(1)
	go store.cleanupLoop()

	return store
}

// Store records the current page for a session
func (s *PageStore) Store(sessionID string, page models.PageInfo) {
	page.Title = normalizeTitle(page.Title)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[normalizeKey(sessionID)] = &pageEntry{
		Page:      page,
		Timestamp: time.Now(),
	}

	s.logger.Debug("Stored page context",
		zap.String("session_id", sessionID),
		zap.String("path", page.Path),
	)
}

// Get returns the session's page if present and not expired
func (s *PageStore) Get(sessionID string) (models.PageInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.pages[normalizeKey(sessionID)]
	if !exists || time.Since(entry.Timestamp) > s.ttl {
		// expired entries go on the next cleanup
		return models.PageInfo{}, false
	}
	return entry.Page, true
}

// Stop stops the cleanup goroutine
func (s *PageStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.cleanupWg.Wait()
		s.logger.Info("Page store stopped")
	})
}

// Clear removes all entries
func (s *PageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages = make(map[string]*pageEntry)
}

func (s *PageStore) cleanupLoop() {
	defer s.cleanupWg.Done()

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopChan:
			return
		}
	}
}

func (s *PageStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiredCount := 0

	for key, entry := range s.pages {
		if now.Sub(entry.Timestamp) > s.ttl {
			delete(s.pages, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		s.logger.Debug("Cleaned up expired page contexts",
			zap.Int("count", expiredCount),
		)
	}
}

func normalizeKey(sessionID string) string {
	return strings.ToLower(strings.TrimSpace(sessionID))
}

// normalizeTitle strips the browser suffix some extensions report with the title
func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)

	browserSuffixes := []string{
		" - Google Chrome",
		" - Chrome",
		" - Microsoft Edge",
		" - Edge",
		" - Mozilla Firefox",
		" - Firefox",
		" - Safari",
		" - Opera",
		" - Brave",
		" - Vivaldi",
	}

	for _, suffix := range browserSuffixes {
		if strings.HasSuffix(title, suffix) {
			title = strings.TrimSpace(strings.TrimSuffix(title, suffix))
		}
	}

	return title
}
