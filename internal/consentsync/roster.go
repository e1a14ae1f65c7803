package consentsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// The active-tabs roster is a JSON array of tab ids shared through storage.
// Every change re-reads it first since other tabs may have written since.
// A tab only ever adds or removes its own id.

func (s *Synchronizer) readRoster(ctx context.Context) ([]string, error) {
	raw, found, err := s.storage.GetItem(ctx, s.cfg.Keys.ActiveTabs)
	if err != nil {
		return nil, err
	}
	if !found || raw == "" {
		return nil, nil
	}

	var tabs []string
	if err := json.Unmarshal([]byte(raw), &tabs); err != nil {
		return nil, fmt.Errorf("failed to parse active tabs: %w", err)
	}
	return tabs, nil
}

func (s *Synchronizer) writeRoster(ctx context.Context, tabs []string) error {
	if tabs == nil {
		tabs = []string{}
	}
	data, err := json.Marshal(tabs)
	if err != nil {
		return fmt.Errorf("failed to marshal active tabs: %w", err)
	}
	return s.storage.SetItem(ctx, s.cfg.Keys.ActiveTabs, string(data))
}

func (s *Synchronizer) registerTab(ctx context.Context) error {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	tabs, err := s.readRoster(ctx)
	if err != nil {
		// unreadable roster is rebuilt from this tab; the others rejoin on their
		// next SyncWithTabs, so the count runs low for up to one sync interval
		s.logger.Warn("Resetting unreadable active tabs roster")
		tabs = nil
	}
	if !containsTab(tabs, s.tabID) {
		tabs = append(tabs, s.tabID)
	}
	if err := s.writeRoster(ctx, tabs); err != nil {
		return err
	}

	s.mu.Lock()
	s.state.Stats.ActiveTabsCount = len(tabs)
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) unregisterTab(ctx context.Context) error {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	tabs, err := s.readRoster(ctx)
	if err != nil {
		return err
	}

	remaining := tabs[:0:0]
	for _, id := range tabs {
		if id != s.tabID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == len(tabs) {
		return nil
	}
	return s.writeRoster(ctx, remaining)
}

func containsTab(tabs []string, tabID string) bool {
	for _, id := range tabs {
		if id == tabID {
			return true
		}
	}
	return false
}
