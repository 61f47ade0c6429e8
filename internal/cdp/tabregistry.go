package cdp

import (
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/storage"
	"github.com/dgnsrekt/cssinjector/internal/types"
)

// TabRegistry maps attached target IDs to tab metadata.
type TabRegistry struct {
	tabs map[string]*types.TabInfo
	mu   sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[string]*types.TabInfo)}
}

// Register records a tab or refreshes its URL. AttachedAt is kept from the
// first registration.
func (r *TabRegistry) Register(targetID, url, mode string) (*types.TabInfo, error) {
	pathSegment, err := storage.PathSegmentForURL(url)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info := &types.TabInfo{
		TargetID:    targetID,
		URL:         url,
		PathSegment: pathSegment,
		BrowserID:   storage.ShortTargetID(targetID),
		Mode:        mode,
		AttachedAt:  time.Now().UTC(),
	}
	if prev, ok := r.tabs[targetID]; ok {
		info.AttachedAt = prev.AttachedAt
		if mode == "" {
			info.Mode = prev.Mode
		}
	}
	r.tabs[targetID] = info
	return cloneInfo(info), nil
}

func (r *TabRegistry) GetByStringID(tabID string) (*types.TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[tabID]
	if !ok {
		return nil, false
	}
	return cloneInfo(info), true
}

// List returns the tabs ordered by attach time.
func (r *TabRegistry) List() []types.TabInfo {
	r.mu.RLock()
	out := make([]types.TabInfo, 0, len(r.tabs))
	for _, info := range r.tabs {
		out = append(out, *info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

func (r *TabRegistry) Remove(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, tabID)
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

func cloneInfo(info *types.TabInfo) *types.TabInfo {
	c := *info
	return &c
}
