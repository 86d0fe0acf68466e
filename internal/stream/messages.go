// Package stream maintains the inbound WebSocket connection to the signal
// service and decodes its mindmap and trade events.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"mindmap-trading-bot/internal/database"
)

// Message type tags on the inbound envelope.
const (
	TypeMindmapUpdate = "mindmap_update"
	TypeActorTrade    = "actor_trade"
)

// TradeData describes one swap an actor performed.
type TradeData struct {
	TokenIn   string  `json:"tokenIn"`
	TokenOut  string  `json:"tokenOut"`
	Mint      string  `json:"mint"`
	AmountIn  float64 `json:"amountIn"`
	AmountOut float64 `json:"amountOut"`
	TradeKind string  `json:"tradeKind"` // "buy" or "sell"
}

// Trade is the per-actor trade payload.
type Trade struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
	TradeData TradeData `json:"tradeData"`
}

// ActorTradeUpdate is one actor-trade event.
type ActorTradeUpdate struct {
	Trade Trade `json:"trade"`
	Event struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"event"`
}

// MindmapUpdate carries a full snapshot for one token. The producer sends
// the graph under either "data" or "mindmapData"; both are accepted.
type MindmapUpdate struct {
	TokenMint string    `json:"tokenMint"`
	Snapshot  *database.MindmapSnapshot
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON accepts both snapshot field names.
func (m *MindmapUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		TokenMint   string                    `json:"tokenMint"`
		Data        *database.MindmapSnapshot `json:"data"`
		MindmapData *database.MindmapSnapshot `json:"mindmapData"`
		Timestamp   time.Time                 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.TokenMint = raw.TokenMint
	m.Timestamp = raw.Timestamp
	m.Snapshot = raw.Data
	if m.Snapshot == nil {
		m.Snapshot = raw.MindmapData
	}
	if m.Snapshot == nil {
		return fmt.Errorf("mindmap update for %s has no snapshot payload", raw.TokenMint)
	}
	return nil
}

// envelope is the outer frame on every inbound message.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
