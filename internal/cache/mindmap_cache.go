package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"mindmap-trading-bot/internal/database"
)

const (
	mindmapKeyPrefix   = "mindmap"
	processedKeyPrefix = "mindmap:processed"

	// MindmapTTL evicts inactive token graphs.
	MindmapTTL = 30 * time.Minute

	// ProcessedTTL keeps a bought token out of re-evaluation.
	ProcessedTTL = 24 * time.Hour
)

// MindmapCache stores per-token actor graphs and the processed set.
type MindmapCache struct {
	store *Store
}

// NewMindmapCache wraps a Store.
func NewMindmapCache(store *Store) *MindmapCache {
	return &MindmapCache{store: store}
}

func mindmapKey(mint string) string   { return fmt.Sprintf("%s:%s", mindmapKeyPrefix, mint) }
func processedKey(mint string) string { return fmt.Sprintf("%s:%s", processedKeyPrefix, mint) }

// GetSnapshot returns the cached actor graph for a token.
func (c *MindmapCache) GetSnapshot(ctx context.Context, mint string) (*database.MindmapSnapshot, bool) {
	val, ok := c.store.Get(ctx, mindmapKey(mint))
	if !ok {
		return nil, false
	}
	var snap database.MindmapSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		log.Printf("[MINDMAP-CACHE] Corrupt snapshot for %s, dropping: %v", mint, err)
		c.store.Delete(ctx, mindmapKey(mint))
		return nil, false
	}
	return &snap, true
}

// SetSnapshot overwrites the cached graph, refreshing its TTL.
func (c *MindmapCache) SetSnapshot(ctx context.Context, mint string, snap *database.MindmapSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[MINDMAP-CACHE] Failed to marshal snapshot for %s: %v", mint, err)
		return
	}
	c.store.Set(ctx, mindmapKey(mint), string(data), MindmapTTL)
}

// DeleteSnapshot drops the graph, typically right after a buy.
func (c *MindmapCache) DeleteSnapshot(ctx context.Context, mint string) {
	c.store.Delete(ctx, mindmapKey(mint))
}

// MarkProcessed records that the token was bought so later updates skip it.
func (c *MindmapCache) MarkProcessed(ctx context.Context, mint string) {
	c.store.Set(ctx, processedKey(mint), "1", ProcessedTTL)
}

// IsProcessed reports whether the token was already bought.
func (c *MindmapCache) IsProcessed(ctx context.Context, mint string) bool {
	return c.store.Exists(ctx, processedKey(mint))
}
