package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/google/uuid"
)

// NewTabID generates a per-instance tab identifier: tab_<unixmillis>_<random>.
// Unique enough to tell tabs apart, not a security token.
func NewTabID() string {
	return fmt.Sprintf("tab_%d_%s", time.Now().UnixMilli(), randomSuffix(9))
}

// NewSessionID generates an identifier for one agent run
func NewSessionID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixMilli(), randomSuffix(9))
}

// NewMessageID generates a globally unique event message id
func NewMessageID() string {
	return uuid.NewString()
}

// GetOrCreateAnonymousID returns the persisted anonymous id, generating and
// storing one on first use
func GetOrCreateAnonymousID(ctx context.Context, store storage.Storage, key string) (string, error) {
	existing, found, err := store.GetItem(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read anonymous id: %w", err)
	}
	if found && existing != "" {
		return existing, nil
	}

	anonymousID := uuid.NewString()
	if err := store.SetItem(ctx, key, anonymousID); err != nil {
		// still usable for this run
		return anonymousID, fmt.Errorf("failed to persist anonymous id: %w", err)
	}
	return anonymousID, nil
}

func randomSuffix(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
