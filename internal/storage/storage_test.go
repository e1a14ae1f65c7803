package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/broadcast"
	"Mansoor88-6/consent-analytics-agent/internal/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := database.New(filepath.Join(tmpDir, "agent.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bolt, err := NewBoltStorage(filepath.Join(tmpDir, "agent.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": NewSQLiteStorage(db.DB),
		"bolt":   bolt,
		"redis":  NewRedisStorage(client),
	}
}

func TestStorage_Contract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := store.GetItem(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.SetItem(ctx, "k", `{"a":1}`))
			value, found, err := store.GetItem(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `{"a":1}`, value)

			require.NoError(t, store.SetItem(ctx, "k", `{"a":2}`))
			value, _, err = store.GetItem(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, `{"a":2}`, value)

			// empty strings are values, not absence
			require.NoError(t, store.SetItem(ctx, "empty", ""))
			_, found, err = store.GetItem(ctx, "empty")
			require.NoError(t, err)
			assert.True(t, found)

			require.NoError(t, store.RemoveItem(ctx, "k"))
			_, found, err = store.GetItem(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)

			// removing a missing key is not an error
			require.NoError(t, store.RemoveItem(ctx, "k"))
		})
	}
}

func TestNewKeys(t *testing.T) {
	keys := NewKeys("shop")
	assert.Equal(t, "shop:queue", keys.Queue)
	assert.Equal(t, "shop:consent", keys.Consent)
	assert.Equal(t, "shop:consent-history", keys.History)
	assert.Equal(t, "shop:active-tabs", keys.ActiveTabs)

	assert.Equal(t, DefaultNamespace+":queue", NewKeys("").Queue)
}

func TestObservedStorage_PublishesChanges(t *testing.T) {
	hub := broadcast.NewHub(zap.NewNop())
	defer hub.Close()

	var (
		mu   sync.Mutex
		msgs []broadcast.Message
	)
	_, err := hub.Subscribe(broadcast.TopicStorage, func(_ context.Context, msg broadcast.Message) {
		mu.Lock()
		defer mu.Unlock()
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)

	store := NewObservedStorage(NewMemoryStorage(), hub, "tab-1", zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.SetItem(ctx, "consent", `{"necessary":true}`))
	require.NoError(t, store.RemoveItem(ctx, "consent"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "tab-1", msgs[0].TabID)
	assert.Equal(t, "consent", msgs[0].Key)
	assert.Equal(t, `{"necessary":true}`, msgs[0].Value)
	assert.False(t, msgs[0].Removed)
	assert.True(t, msgs[1].Removed)
	assert.Equal(t, "tab-1", store.TabID())
}

func TestObservedStorage_PublishFailureDoesNotFailWrite(t *testing.T) {
	hub := broadcast.NewHub(zap.NewNop())
	require.NoError(t, hub.Close())

	inner := NewMemoryStorage()
	store := NewObservedStorage(inner, hub, "tab-1", zap.NewNop())
	require.NoError(t, store.SetItem(context.Background(), "k", "v"))

	value, found, err := inner.GetItem(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)
}
