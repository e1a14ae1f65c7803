package models

import (
	"errors"
	"fmt"
	"time"
)

// EventType discriminates analytics events
type EventType string

const (
	EventTrack    EventType = "track"
	EventPage     EventType = "page"
	EventIdentify EventType = "identify"
	EventGroup    EventType = "group"
	EventAlias    EventType = "alias"
)

// ErrInvalidEvent is returned when an event fails validation
var ErrInvalidEvent = errors.New("invalid analytics event")

// PageInfo describes the page an event was produced on
type PageInfo struct {
	Path     string `json:"path,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Search   string `json:"search,omitempty"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
}

// LibraryInfo names the SDK that produced the event
type LibraryInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// EventContext is the environment an event was captured in
type EventContext struct {
	Page      *PageInfo    `json:"page,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
	Browser   string       `json:"browser,omitempty"`
	OS        string       `json:"os,omitempty"`
	Locale    string       `json:"locale,omitempty"`
	Library   *LibraryInfo `json:"library,omitempty"`
}

// AnalyticsEvent is an immutable analytics record.
// Name is only set for track events.
type AnalyticsEvent struct {
	Type        EventType              `json:"type"`
	Name        string                 `json:"name,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	UserID      string                 `json:"userId,omitempty"`
	AnonymousID string                 `json:"anonymousId"`
	SessionID   string                 `json:"sessionId,omitempty"`
	Consent     AnalyticsConsent       `json:"consent"`
	Timestamp   string                 `json:"timestamp"` // RFC3339
	MessageID   string                 `json:"messageId"`
	Context     EventContext           `json:"context"`
}

// Validate checks the per-type shape of the event
func (e AnalyticsEvent) Validate() error {
	switch e.Type {
	case EventTrack:
		if e.Name == "" {
			return fmt.Errorf("%w: track event requires a name", ErrInvalidEvent)
		}
	case EventPage, EventIdentify, EventGroup, EventAlias:
		if e.Name != "" {
			return fmt.Errorf("%w: %s event must not carry a name", ErrInvalidEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.AnonymousID == "" {
		return fmt.Errorf("%w: anonymousId is required", ErrInvalidEvent)
	}
	if e.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalidEvent)
	}
	return nil
}

// QueueContext is the application context an event was queued under
type QueueContext struct {
	SessionID string                 `json:"sessionId,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	Referrer  string                 `json:"referrer,omitempty"`
	Custom    map[string]interface{} `json:"custom,omitempty"`
}

// QueuedEvent wraps an event with queue bookkeeping
type QueuedEvent struct {
	ID            string           `json:"id"`
	Event         AnalyticsEvent   `json:"event"`
	Context       QueueContext     `json:"context"`
	Timestamp     time.Time        `json:"timestamp"`
	RetryCount    int              `json:"retryCount"`
	LastRetry     *time.Time       `json:"lastRetry,omitempty"`
	ConsentAtTime AnalyticsConsent `json:"consentAtTime"`
}

// UploadRequest is the body delivered to the uploader
type UploadRequest struct {
	Events  []AnalyticsEvent `json:"events"`
	SentAt  string           `json:"sentAt"` // RFC3339
	Version string           `json:"version"`
}

// QueueStats summarizes the pending queue
type QueueStats struct {
	Size        int         `json:"size"`
	OldestEvent *time.Time  `json:"oldestEvent,omitempty"`
	NewestEvent *time.Time  `json:"newestEvent,omitempty"`
	RetryCounts map[int]int `json:"retryCounts"`
}
