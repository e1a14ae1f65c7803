package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTabID(t *testing.T) {
	pattern := regexp.MustCompile(`^tab_\d+_[0-9a-f]{9}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTabID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate tab id %s", id)
		seen[id] = true
	}
}

func TestNewMessageID(t *testing.T) {
	_, err := uuid.Parse(NewMessageID())
	assert.NoError(t, err)
	assert.NotEqual(t, NewMessageID(), NewMessageID())
	assert.Regexp(t, `^sess_\d+_`, NewSessionID())
}

func TestGetOrCreateAnonymousID(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	key := storage.NewKeys("").AnonymousID

	first, err := GetOrCreateAnonymousID(ctx, store, key)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := GetOrCreateAnonymousID(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type brokenStorage struct {
	*storage.MemoryStorage
}

func (brokenStorage) SetItem(context.Context, string, string) error {
	return errors.New("read-only")
}

func TestGetOrCreateAnonymousID_WriteFailure(t *testing.T) {
	id, err := GetOrCreateAnonymousID(context.Background(), brokenStorage{storage.NewMemoryStorage()}, "anon")
	assert.Error(t, err)
	assert.NotEmpty(t, id)
}
