package service

import (
	"testing"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPageStore_StoreAndGet(t *testing.T) {
	store := NewPageStore(time.Minute, zap.NewNop())
	defer store.Stop()

	store.Store(" Sess-1 ", models.PageInfo{Path: "/docs", Title: "Docs - Mozilla Firefox"})

	page, ok := store.Get("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "/docs", page.Path)
	assert.Equal(t, "Docs", page.Title)

	_, ok = store.Get("sess-2")
	assert.False(t, ok)

	store.Clear()
	_, ok = store.Get("sess-1")
	assert.False(t, ok)
}

func TestPageStore_Expiry(t *testing.T) {
	store := NewPageStore(20*time.Millisecond, zap.NewNop())
	defer store.Stop()

	store.Store("sess-1", models.PageInfo{Path: "/"})
	assert.Eventually(t, func() bool {
		_, ok := store.Get("sess-1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	store.Stop()
	store.Stop()
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "Inbox", normalizeTitle("Inbox - Google Chrome"))
	assert.Equal(t, "Inbox", normalizeTitle("  Inbox  "))
	assert.Equal(t, "A - B", normalizeTitle("A - B - Safari"))
}
