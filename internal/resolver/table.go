// Package resolver maps stable slide ids back to filesystem paths. Lookups
// consult a shared acceleration table first; misses optionally fall back to
// a full walk of the configured roots.
package resolver

import (
	"container/list"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
)

// DefaultTableSize caps the in-process LRU.
const DefaultTableSize = 100000

// pathsNamespace is the Redis hash holding the shared id→path table.
const pathsNamespace = "wsi:paths"

type tableEntry struct {
	id   string
	path string
}

// Table is the id→path acceleration table: a mutex-guarded LRU, optionally
// write-through to a shared Redis hash. Entries whose target no longer
// exists are evicted lazily on lookup, never swept.
type Table struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element

	rdb *redis.Client // nil when no shared backend is configured
}

// NewTable creates a Table with the given capacity; rdb may be nil.
func NewTable(capacity int, rdb *redis.Client) *Table {
	if capacity <= 0 {
		capacity = DefaultTableSize
	}
	return &Table{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
		rdb:   rdb,
	}
}

// Get returns the path for id if the table knows it and the target still
// exists. Stale entries are dropped from both tiers.
func (t *Table) Get(ctx context.Context, id string) (string, bool) {
	if path, ok := t.localGet(id); ok {
		if pathExists(path) {
			return path, true
		}
		t.Delete(ctx, id)
	}

	if t.rdb != nil {
		val, err := t.rdb.HGet(ctx, pathsNamespace, id).Result()
		if err == nil && val != "" {
			if pathExists(val) {
				t.localSet(id, val)
				return val, true
			}
			t.rdb.HDel(ctx, pathsNamespace, id)
		}
	}
	return "", false
}

// Set records id→path, write-through to the shared tier when present.
// Shared-tier failures never propagate.
func (t *Table) Set(ctx context.Context, id, path string) {
	t.localSet(id, path)
	if t.rdb != nil {
		if err := t.rdb.HSet(ctx, pathsNamespace, id, path).Err(); err != nil {
			logging.Debug("path table redis set failed", zap.Error(err))
		}
	}
}

// Delete removes id from both tiers.
func (t *Table) Delete(ctx context.Context, id string) {
	t.mu.Lock()
	if el, ok := t.items[id]; ok {
		t.order.Remove(el)
		delete(t.items, id)
	}
	n := len(t.items)
	t.mu.Unlock()
	metrics.SetResolverTableSize(n)

	if t.rdb != nil {
		if err := t.rdb.HDel(ctx, pathsNamespace, id).Err(); err != nil {
			logging.Debug("path table redis delete failed", zap.Error(err))
		}
	}
}

// Len returns the local entry count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *Table) localGet(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[id]
	if !ok {
		return "", false
	}
	t.order.MoveToFront(el)
	return el.Value.(tableEntry).path, true
}

func (t *Table) localSet(id, path string) {
	t.mu.Lock()
	if el, ok := t.items[id]; ok {
		el.Value = tableEntry{id: id, path: path}
		t.order.MoveToFront(el)
		t.mu.Unlock()
		return
	}
	t.items[id] = t.order.PushFront(tableEntry{id: id, path: path})
	for len(t.items) > t.cap {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.items, oldest.Value.(tableEntry).id)
	}
	n := len(t.items)
	t.mu.Unlock()
	metrics.SetResolverTableSize(n)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SaveSnapshot persists the local table as JSON. Skipped when a shared
// Redis tier is configured (Redis persists itself). Best-effort.
func (t *Table) SaveSnapshot(path string) error {
	if t.rdb != nil || path == "" {
		return nil
	}
	t.mu.Lock()
	entries := make(map[string]string, len(t.items))
	for id, el := range t.items {
		entries[id] = el.Value.(tableEntry).path
	}
	t.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadSnapshot restores a previously saved table. A missing file is not an
// error; a corrupt one is logged and ignored.
func (t *Table) LoadSnapshot(path string) error {
	if t.rdb != nil || path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		logging.Warn("path table snapshot unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	for id, p := range entries {
		t.localSet(id, p)
	}
	return nil
}
