package database

import (
	"time"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
	PositionStatusFailed PositionStatus = "failed"
)

// SellConditions holds the exit parameters stamped onto a position at entry,
// plus the stepped trailing-stop state mutated by the watcher.
type SellConditions struct {
	TakeProfitPct   *float64 `json:"take_profit_pct,omitempty"`
	StopLossPct     *float64 `json:"stop_loss_pct,omitempty"`
	TrailingStopPct *float64 `json:"trailing_stop_pct,omitempty"`

	// Stepped trailing state. Activated once price clears the first
	// take-profit step; from then on CurrStopPrice ratchets upward.
	TrailingStopActivated bool     `json:"trailing_stop_activated"`
	StepLevel             int      `json:"step_level"`
	NextTargetPrice       *float64 `json:"next_target_price,omitempty"`
	CurrStopPrice         *float64 `json:"curr_stop_price,omitempty"`

	MaxHoldMinutes *int `json:"max_hold_minutes,omitempty"`
}

// Prediction is the classification outcome attached to a position at entry.
type Prediction struct {
	TaskType    string   `json:"task_type"`
	ClassLabel  string   `json:"class_label,omitempty"`
	Probability *float64 `json:"probability,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	Approved    bool     `json:"approved"`
	Confidence  float64  `json:"confidence"` // 0-100
}

// Position records one round-trip trade on a token.
type Position struct {
	ID           string      `json:"id"`
	AgentID      string      `json:"agent_id"`
	TokenMint    string      `json:"token_mint"`
	IsSimulation bool        `json:"is_simulation"`
	Prediction   *Prediction `json:"prediction,omitempty"`

	Status   PositionStatus `json:"status"`
	OpenedAt time.Time      `json:"opened_at"`
	ClosedAt *time.Time     `json:"closed_at,omitempty"`

	EntryPrice  float64 `json:"entry_price"`
	EntryAmount float64 `json:"entry_amount"`
	EntryValue  float64 `json:"entry_value"`
	BuyTxID     string  `json:"buy_tx_id,omitempty"`

	ExitPrice      *float64 `json:"exit_price,omitempty"`
	ExitAmount     *float64 `json:"exit_amount,omitempty"`
	ExitValue      *float64 `json:"exit_value,omitempty"`
	SellTxID       string   `json:"sell_tx_id,omitempty"`
	SellReason     string   `json:"sell_reason,omitempty"`
	RealizedPnL    *float64 `json:"realized_pnl,omitempty"`
	RealizedPnLPct *float64 `json:"realized_pnl_pct,omitempty"`

	HighestPrice    float64   `json:"highest_price"`
	LowestPrice     float64   `json:"lowest_price"`
	CurrentPrice    float64   `json:"current_price"`
	LastPriceUpdate time.Time `json:"last_price_update"`

	SellConditions SellConditions `json:"sell_conditions"`

	// Opaque correlation ids carried through unchanged.
	LedgerID        string   `json:"ledger_id,omitempty"`
	OriginalTradeID string   `json:"original_trade_id,omitempty"`
	WatchJobID      string   `json:"watch_job_id,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Notes           string   `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PnLPct returns the percent change of price against entry. Zero entry means
// zero change so a bad fill can never divide by zero.
func PnLPct(entryPrice, price float64) float64 {
	if entryPrice == 0 {
		return 0
	}
	return (price - entryPrice) / entryPrice * 100
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool { return p.Status == PositionStatusOpen }

// HeldFor returns how long the position has been (or was) held.
func (p *Position) HeldFor(now time.Time) time.Duration {
	if p.ClosedAt != nil {
		return p.ClosedAt.Sub(p.OpenedAt)
	}
	return now.Sub(p.OpenedAt)
}

// CreateParams are the inputs for opening a position.
type CreateParams struct {
	AgentID         string
	TokenMint       string
	IsSimulation    bool
	Prediction      *Prediction
	EntryPrice      float64
	EntryAmount     float64
	BuyTxID         string
	SellConditions  SellConditions
	LedgerID        string
	OriginalTradeID string
	WatchJobID      string
	Tags            []string
	Notes           string
}

// QueryFilter composes the position query surface. Zero values mean "any".
type QueryFilter struct {
	AgentID   string
	TokenMint string
	Status    PositionStatus
	From      *time.Time
	To        *time.Time
	MinPnL    *float64
	MaxPnL    *float64
	Tags      []string
	Limit     int
	Offset    int
}

// StoreStats summarizes the store contents.
type StoreStats struct {
	Total  int `json:"total"`
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// ActorConnection is one actor's aggregated activity on a token.
type ActorConnection struct {
	TradeCount     int       `json:"trade_count"`
	TotalVolume    float64   `json:"total_volume"`
	LastTradeTime  time.Time `json:"last_trade_time"`
	InfluenceScore float64   `json:"influence_score"` // 0-100
	TradeKinds     []string  `json:"trade_kinds"`     // "buy", "sell"
}

// HasTradeKind reports whether the connection saw the given trade kind.
func (c *ActorConnection) HasTradeKind(kind string) bool {
	for _, k := range c.TradeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// AddTradeKind unions a trade kind into the connection.
func (c *ActorConnection) AddTradeKind(kind string) {
	if !c.HasTradeKind(kind) {
		c.TradeKinds = append(c.TradeKinds, kind)
	}
}

// NetworkMetrics are the per-token aggregates across all actors.
type NetworkMetrics struct {
	TotalTrades int `json:"total_trades"`
}

// MindmapSnapshot is the actor graph for one token.
type MindmapSnapshot struct {
	ActorConnections map[string]*ActorConnection `json:"actor_connections"`
	NetworkMetrics   NetworkMetrics              `json:"network_metrics"`
	LastUpdate       time.Time                   `json:"last_update"`
}

// Clone deep-copies the snapshot so trade updates can mutate a private copy
// while the admission pipeline reads a stable view.
func (m *MindmapSnapshot) Clone() *MindmapSnapshot {
	out := &MindmapSnapshot{
		ActorConnections: make(map[string]*ActorConnection, len(m.ActorConnections)),
		NetworkMetrics:   m.NetworkMetrics,
		LastUpdate:       m.LastUpdate,
	}
	for actor, conn := range m.ActorConnections {
		copied := *conn
		copied.TradeKinds = append([]string(nil), conn.TradeKinds...)
		out.ActorConnections[actor] = &copied
	}
	return out
}
