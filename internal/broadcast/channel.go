// Package broadcast carries consent notifications between tab instances.
//
// Two topics exist: TopicStorage mirrors a browser storage event (a key was
// written by some tab) and TopicConsent is the application-level signal a
// synchronizer emits when it pushes its consent to other tabs.
package broadcast

import (
	"context"
	"time"
)

// ChannelName is the fixed name all tabs of one namespace share
const ChannelName = "consent-sync"

const (
	TopicStorage = "storage"
	TopicConsent = "consent-updated"
)

// Message is a single cross-tab notification.
// Value carries the raw stored string (JSON) and is empty on removal.
type Message struct {
	Topic   string    `json:"topic"`
	TabID   string    `json:"tabId"`
	Key     string    `json:"key,omitempty"`
	Value   string    `json:"value,omitempty"`
	Removed bool      `json:"removed,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// Handler receives messages for a subscribed topic
type Handler func(ctx context.Context, msg Message)

// Channel is a pub/sub primitive shared by every tab
type Channel interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, handler Handler) (unsubscribe func(), err error)
	Close() error
}
