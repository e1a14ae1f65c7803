package storage

import (
	"context"

	"Mansoor88-6/consent-analytics-agent/internal/broadcast"

	"go.uber.org/zap"
)

// ObservedStorage publishes a storage-change message after every successful
// write or removal, tagged with the writing tab. Listeners use the tab id to
// skip their own writes, like a browser storage event.
type ObservedStorage struct {
	inner   Storage
	channel broadcast.Channel
	tabID   string
	logger  *zap.Logger
}

// NewObservedStorage decorates inner for the given tab
func NewObservedStorage(inner Storage, channel broadcast.Channel, tabID string, logger *zap.Logger) *ObservedStorage {
	return &ObservedStorage{
		inner:   inner,
		channel: channel,
		tabID:   tabID,
		logger:  logger,
	}
}

// TabID returns the tab the writes are attributed to
func (s *ObservedStorage) TabID() string {
	return s.tabID
}

func (s *ObservedStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	return s.inner.GetItem(ctx, key)
}

func (s *ObservedStorage) SetItem(ctx context.Context, key, value string) error {
	if err := s.inner.SetItem(ctx, key, value); err != nil {
		return err
	}
	s.notify(ctx, broadcast.Message{TabID: s.tabID, Key: key, Value: value})
	return nil
}

func (s *ObservedStorage) RemoveItem(ctx context.Context, key string) error {
	if err := s.inner.RemoveItem(ctx, key); err != nil {
		return err
	}
	s.notify(ctx, broadcast.Message{TabID: s.tabID, Key: key, Removed: true})
	return nil
}

// notify never fails the write; the value is already stored
func (s *ObservedStorage) notify(ctx context.Context, msg broadcast.Message) {
	if err := s.channel.Publish(ctx, broadcast.TopicStorage, msg); err != nil {
		s.logger.Warn("Failed to publish storage change",
			zap.Error(err),
			zap.String("key", msg.Key),
		)
	}
}
