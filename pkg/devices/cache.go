package devices

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

// listTTL bounds staleness of cached listings between mutations.
const listTTL = 5 * time.Minute

type listEntry struct {
	list    *model.DeviceList
	expires time.Time
}

// listCache memoizes catalog listings under a filter-derived key. Any
// mutation flushes the whole cache; listings are cheap to rebuild and
// partial invalidation is not worth the bookkeeping.
type listCache struct {
	mu      sync.Mutex
	entries map[string]listEntry
}

func newListCache() *listCache {
	return &listCache{entries: make(map[string]listEntry)}
}

func filterKey(f model.DeviceFilter) string {
	return fmt.Sprintf("g=%s|s=%s|t=%s|tags=%s|l=%d|o=%d",
		f.GroupID, f.Status, f.Type, strings.Join(f.Tags, ","), f.Limit, f.Offset)
}

func (c *listCache) get(f model.DeviceFilter) (*model.DeviceList, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[filterKey(f)]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, filterKey(f))
		return nil, false
	}
	return e.list, true
}

func (c *listCache) put(f model.DeviceFilter, list *model.DeviceList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[filterKey(f)] = listEntry{list: list, expires: time.Now().Add(listTTL)}
}

func (c *listCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]listEntry)
}
