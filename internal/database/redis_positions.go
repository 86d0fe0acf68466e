// Package database provides Redis-backed persistence for positions and the
// Postgres closed-trade archive.
//
// The position store keeps every position as a JSON value with secondary
// index sets by agent, token, and open/closed status. When Redis is
// unavailable it falls back to an in-memory cache so the watcher keeps
// managing live positions without interruption.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mindmap-trading-bot/internal/errs"
	"mindmap-trading-bot/internal/events"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis keys for position state.
const (
	// PositionKeyPrefix is the prefix for position values.
	// Format: engine:position:{id}
	PositionKeyPrefix = "engine:position"

	// AgentIndexPrefix is the prefix for the per-agent id set.
	// Format: engine:positions:agent:{agentID}
	AgentIndexPrefix = "engine:positions:agent"

	// TokenIndexPrefix is the prefix for the per-token id set.
	// Format: engine:positions:token:{mint}
	TokenIndexPrefix = "engine:positions:token"

	// OpenSetKey and ClosedSetKey hold ids by status.
	OpenSetKey   = "engine:positions:open"
	ClosedSetKey = "engine:positions:closed"

	// PositionTTL is the retention for position values. Refreshed on write.
	PositionTTL = 90 * 24 * time.Hour

	// IndexTTL is the retention for the index sets. Refreshed on write.
	IndexTTL = 30 * time.Minute
)

// storeRetries bounds the backoff retry on Redis I/O.
const storeRetries = 3

// PositionStore is the durable map of positions plus its secondary indices.
// All writes keep the in-memory mirror current so reads survive a Redis
// outage; an atomic flag tracks availability like the rest of the engine's
// Redis repositories.
type PositionStore struct {
	client         *redis.Client
	bus            *events.Bus
	redisAvailable atomic.Bool

	mu        sync.RWMutex
	positions map[string]*Position
	byAgent   map[string]map[string]struct{}
	byToken   map[string]map[string]struct{}
	openSet   map[string]struct{}
	closedSet map[string]struct{}
}

// NewPositionStore creates a PositionStore. A nil client runs memory-only,
// which is also the mode the unit tests use.
func NewPositionStore(client *redis.Client, bus *events.Bus) *PositionStore {
	s := &PositionStore{
		client:    client,
		bus:       bus,
		positions: make(map[string]*Position),
		byAgent:   make(map[string]map[string]struct{}),
		byToken:   make(map[string]map[string]struct{}),
		openSet:   make(map[string]struct{}),
		closedSet: make(map[string]struct{}),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[POSITION-STORE] Redis unavailable at startup: %v, using in-memory store", err)
			s.redisAvailable.Store(false)
		} else {
			s.redisAvailable.Store(true)
		}
	} else {
		s.redisAvailable.Store(false)
	}

	return s
}

func positionKey(id string) string      { return fmt.Sprintf("%s:%s", PositionKeyPrefix, id) }
func agentIndexKey(agent string) string { return fmt.Sprintf("%s:%s", AgentIndexPrefix, agent) }
func tokenIndexKey(mint string) string  { return fmt.Sprintf("%s:%s", TokenIndexPrefix, mint) }

// CreateOpen constructs and persists a new open position. High, low, and
// current price all start at the entry price.
func (s *PositionStore) CreateOpen(ctx context.Context, params CreateParams) (*Position, error) {
	now := time.Now()
	p := &Position{
		ID:              uuid.NewString(),
		AgentID:         params.AgentID,
		TokenMint:       params.TokenMint,
		IsSimulation:    params.IsSimulation,
		Prediction:      params.Prediction,
		Status:          PositionStatusOpen,
		OpenedAt:        now,
		EntryPrice:      params.EntryPrice,
		EntryAmount:     params.EntryAmount,
		EntryValue:      params.EntryPrice * params.EntryAmount,
		BuyTxID:         params.BuyTxID,
		HighestPrice:    params.EntryPrice,
		LowestPrice:     params.EntryPrice,
		CurrentPrice:    params.EntryPrice,
		LastPriceUpdate: now,
		SellConditions:  params.SellConditions,
		LedgerID:        params.LedgerID,
		OriginalTradeID: params.OriginalTradeID,
		WatchJobID:      params.WatchJobID,
		Tags:            params.Tags,
		Notes:           params.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.persist(ctx, p); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.PublishPositionUpdate(p)
	}
	return p, nil
}

// Get returns a position by id, or ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, id string) (*Position, error) {
	if s.client != nil && s.redisAvailable.Load() {
		data, err := s.client.Get(ctx, positionKey(id)).Result()
		if err == nil {
			var p Position
			if uerr := json.Unmarshal([]byte(data), &p); uerr != nil {
				return nil, &errs.StoreError{Op: "get", Err: uerr}
			}
			s.mirror(&p)
			return &p, nil
		}
		if err != redis.Nil {
			log.Printf("[POSITION-STORE] Redis read error: %v, using in-memory store", err)
			s.redisAvailable.Store(false)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions[id]; ok {
		return copyPosition(p), nil
	}
	return nil, errs.ErrNotFound
}

// GetByAgent returns the agent's positions, newest first. An empty status
// matches all.
func (s *PositionStore) GetByAgent(ctx context.Context, agentID string, status PositionStatus) ([]*Position, error) {
	ids := s.indexMembers(ctx, agentIndexKey(agentID), func() map[string]struct{} {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return cloneSet(s.byAgent[agentID])
	})
	return s.loadSorted(ctx, ids, status), nil
}

// GetByToken returns the token's positions, newest first.
func (s *PositionStore) GetByToken(ctx context.Context, mint string, status PositionStatus) ([]*Position, error) {
	ids := s.indexMembers(ctx, tokenIndexKey(mint), func() map[string]struct{} {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return cloneSet(s.byToken[mint])
	})
	return s.loadSorted(ctx, ids, status), nil
}

// ListOpen returns all open positions, optionally restricted to one agent.
func (s *PositionStore) ListOpen(ctx context.Context, agentFilter string) ([]*Position, error) {
	ids := s.indexMembers(ctx, OpenSetKey, func() map[string]struct{} {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return cloneSet(s.openSet)
	})

	positions := s.loadSorted(ctx, ids, PositionStatusOpen)
	if agentFilter == "" {
		return positions, nil
	}
	filtered := positions[:0]
	for _, p := range positions {
		if p.AgentID == agentFilter {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// UpdatePrice records a fresh price observation on an open position. High
// and low only ever extend outward, so concurrent writers cannot regress
// them. Closed positions are left untouched.
func (s *PositionStore) UpdatePrice(ctx context.Context, id string, price float64) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != PositionStatusOpen {
		return nil
	}

	p.CurrentPrice = price
	p.LastPriceUpdate = time.Now()
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	if price < p.LowestPrice {
		p.LowestPrice = price
	}
	p.UpdatedAt = time.Now()

	if err := s.persist(ctx, p); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.PublishPriceUpdate(p.TokenMint, price)
		s.bus.PublishPositionUpdate(p)
	}
	return nil
}

// Replace writes the position through, reconciling the open/closed index
// sets with its status.
func (s *PositionStore) Replace(ctx context.Context, p *Position) error {
	p.UpdatedAt = time.Now()
	if err := s.persist(ctx, p); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.PublishPositionUpdate(p)
	}
	return nil
}

// Close transitions an open position to closed and computes realized PnL.
// Returns ErrNotFound for unknown ids. Closing an already-closed position
// is a no-op returning the stored value: the open→closed transition never
// runs backwards.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, exitAmount float64, sellTxID, sellReason string) (*Position, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == PositionStatusClosed {
		return p, nil
	}

	now := time.Now()
	exitValue := exitPrice * exitAmount
	pnl := exitValue - p.EntryValue
	pnlPct := 0.0
	if p.EntryValue != 0 {
		pnlPct = pnl / p.EntryValue * 100
	}

	p.Status = PositionStatusClosed
	p.ClosedAt = &now
	p.ExitPrice = &exitPrice
	p.ExitAmount = &exitAmount
	p.ExitValue = &exitValue
	p.SellTxID = sellTxID
	p.SellReason = sellReason
	p.RealizedPnL = &pnl
	p.RealizedPnLPct = &pnlPct
	p.UpdatedAt = now

	if err := s.persist(ctx, p); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.PublishTradeUpdate(p)
		s.bus.PublishPositionUpdate(p)
	}
	return p, nil
}

// Delete removes the position and all its index entries.
func (s *PositionStore) Delete(ctx context.Context, id string) bool {
	p, err := s.Get(ctx, id)
	if err != nil {
		return false
	}

	if s.client != nil && s.redisAvailable.Load() {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, positionKey(id))
		pipe.SRem(ctx, agentIndexKey(p.AgentID), id)
		pipe.SRem(ctx, tokenIndexKey(p.TokenMint), id)
		pipe.SRem(ctx, OpenSetKey, id)
		pipe.SRem(ctx, ClosedSetKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[POSITION-STORE] Failed to delete from Redis: %v", err)
			s.redisAvailable.Store(false)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	removeFromSet(s.byAgent, p.AgentID, id)
	removeFromSet(s.byToken, p.TokenMint, id)
	delete(s.openSet, id)
	delete(s.closedSet, id)
	return true
}

// ClearAll wipes the store. For tests and the reset command.
func (s *PositionStore) ClearAll(ctx context.Context) error {
	if s.client != nil && s.redisAvailable.Load() {
		patterns := []string{PositionKeyPrefix + ":*", AgentIndexPrefix + ":*", TokenIndexPrefix + ":*"}
		for _, pattern := range patterns {
			iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				s.client.Del(ctx, iter.Val())
			}
			if err := iter.Err(); err != nil {
				return &errs.StoreError{Op: "clear", Err: err}
			}
		}
		s.client.Del(ctx, OpenSetKey, ClosedSetKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]*Position)
	s.byAgent = make(map[string]map[string]struct{})
	s.byToken = make(map[string]map[string]struct{})
	s.openSet = make(map[string]struct{})
	s.closedSet = make(map[string]struct{})
	return nil
}

// Stats returns store counts from the in-memory mirror.
func (s *PositionStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Total:  len(s.positions),
		Open:   len(s.openSet),
		Closed: len(s.closedSet),
	}
}

// Query returns positions matching the composable filter, newest first.
func (s *PositionStore) Query(ctx context.Context, filter QueryFilter) ([]*Position, error) {
	var ids map[string]struct{}
	switch {
	case filter.AgentID != "":
		ids = s.indexMembers(ctx, agentIndexKey(filter.AgentID), func() map[string]struct{} {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return cloneSet(s.byAgent[filter.AgentID])
		})
	case filter.TokenMint != "":
		ids = s.indexMembers(ctx, tokenIndexKey(filter.TokenMint), func() map[string]struct{} {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return cloneSet(s.byToken[filter.TokenMint])
		})
	case filter.Status == PositionStatusOpen:
		ids = s.indexMembers(ctx, OpenSetKey, func() map[string]struct{} {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return cloneSet(s.openSet)
		})
	case filter.Status == PositionStatusClosed:
		ids = s.indexMembers(ctx, ClosedSetKey, func() map[string]struct{} {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return cloneSet(s.closedSet)
		})
	default:
		ids = s.allIDs(ctx)
	}

	candidates := s.loadSorted(ctx, ids, "")

	out := make([]*Position, 0, len(candidates))
	for _, p := range candidates {
		if !matchesFilter(p, filter) {
			continue
		}
		out = append(out, p)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Position{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(p *Position, f QueryFilter) bool {
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	if f.TokenMint != "" && p.TokenMint != f.TokenMint {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.From != nil && p.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && p.CreatedAt.After(*f.To) {
		return false
	}
	if f.MinPnL != nil && (p.RealizedPnL == nil || *p.RealizedPnL < *f.MinPnL) {
		return false
	}
	if f.MaxPnL != nil && (p.RealizedPnL == nil || *p.RealizedPnL > *f.MaxPnL) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range p.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IsRedisAvailable reports the current availability flag.
func (s *PositionStore) IsRedisAvailable() bool { return s.redisAvailable.Load() }

// --- persistence internals ---

// persist writes the position and reconciles all four indices atomically,
// then mirrors the result into memory.
func (s *PositionStore) persist(ctx context.Context, p *Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return &errs.StoreError{Op: "marshal", Err: err}
	}

	s.mirror(p)

	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}

	write := func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, positionKey(p.ID), data, PositionTTL)
		pipe.SAdd(ctx, agentIndexKey(p.AgentID), p.ID)
		pipe.Expire(ctx, agentIndexKey(p.AgentID), IndexTTL)
		pipe.SAdd(ctx, tokenIndexKey(p.TokenMint), p.ID)
		pipe.Expire(ctx, tokenIndexKey(p.TokenMint), IndexTTL)
		if p.Status == PositionStatusOpen {
			pipe.SAdd(ctx, OpenSetKey, p.ID)
			pipe.SRem(ctx, ClosedSetKey, p.ID)
		} else {
			pipe.SRem(ctx, OpenSetKey, p.ID)
			pipe.SAdd(ctx, ClosedSetKey, p.ID)
		}
		pipe.Expire(ctx, OpenSetKey, IndexTTL)
		pipe.Expire(ctx, ClosedSetKey, IndexTTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	err = backoff.Retry(func() error {
		werr := write()
		if werr == nil {
			return nil
		}
		if isWrongType(werr) {
			// Stale schema under an index key. Drop and re-create once.
			log.Printf("[POSITION-STORE] WRONGTYPE on index write, repairing: %v", werr)
			s.repairIndexKeys(ctx, p)
			return write()
		}
		return werr
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetries))

	if err != nil {
		log.Printf("[POSITION-STORE] Failed to persist %s to Redis: %v, continuing on in-memory store", p.ID, err)
		s.redisAvailable.Store(false)
		// The in-memory mirror already holds the write.
		return nil
	}
	return nil
}

func isWrongType(err error) bool {
	return err != nil && strings.Contains(err.Error(), "WRONGTYPE")
}

func (s *PositionStore) repairIndexKeys(ctx context.Context, p *Position) {
	keys := []string{
		agentIndexKey(p.AgentID),
		tokenIndexKey(p.TokenMint),
		OpenSetKey,
		ClosedSetKey,
	}
	for _, key := range keys {
		if t, err := s.client.Type(ctx, key).Result(); err == nil && t != "set" && t != "none" {
			log.Printf("[POSITION-STORE] Repairing index key %s (was %s)", key, t)
			s.client.Del(ctx, key)
		}
	}
}

// mirror updates the in-memory copy and its indices.
func (s *PositionStore) mirror(p *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.ID] = copyPosition(p)
	addToSet(s.byAgent, p.AgentID, p.ID)
	addToSet(s.byToken, p.TokenMint, p.ID)
	if p.Status == PositionStatusOpen {
		s.openSet[p.ID] = struct{}{}
		delete(s.closedSet, p.ID)
	} else {
		delete(s.openSet, p.ID)
		s.closedSet[p.ID] = struct{}{}
	}
}

// indexMembers reads a Redis set, falling back to the in-memory index.
func (s *PositionStore) indexMembers(ctx context.Context, key string, fallback func() map[string]struct{}) map[string]struct{} {
	if s.client != nil && s.redisAvailable.Load() {
		members, err := s.client.SMembers(ctx, key).Result()
		if err == nil {
			out := make(map[string]struct{}, len(members))
			for _, m := range members {
				out[m] = struct{}{}
			}
			return out
		}
		if err != redis.Nil {
			log.Printf("[POSITION-STORE] Redis index read error: %v, using in-memory index", err)
			s.redisAvailable.Store(false)
		}
	}
	return fallback()
}

func (s *PositionStore) allIDs(ctx context.Context) map[string]struct{} {
	if s.client != nil && s.redisAvailable.Load() {
		out := make(map[string]struct{})
		iter := s.client.Scan(ctx, 0, PositionKeyPrefix+":*", 100).Iterator()
		ok := true
		for iter.Next(ctx) {
			out[strings.TrimPrefix(iter.Val(), PositionKeyPrefix+":")] = struct{}{}
		}
		if err := iter.Err(); err != nil {
			log.Printf("[POSITION-STORE] Redis scan error: %v, using in-memory store", err)
			s.redisAvailable.Store(false)
			ok = false
		}
		if ok {
			return out
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.positions))
	for id := range s.positions {
		out[id] = struct{}{}
	}
	return out
}

// loadSorted fetches ids, filters by status, and sorts newest first with id
// as the tie-breaker.
func (s *PositionStore) loadSorted(ctx context.Context, ids map[string]struct{}, status PositionStatus) []*Position {
	out := make([]*Position, 0, len(ids))
	for id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func copyPosition(p *Position) *Position {
	c := *p
	c.Tags = append([]string(nil), p.Tags...)
	if p.Prediction != nil {
		pred := *p.Prediction
		c.Prediction = &pred
	}
	return &c
}

func addToSet(index map[string]map[string]struct{}, key, id string) {
	if index[key] == nil {
		index[key] = make(map[string]struct{})
	}
	index[key][id] = struct{}{}
}

func removeFromSet(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
