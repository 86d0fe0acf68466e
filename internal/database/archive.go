package database

import (
	"context"
	"fmt"
	"time"

	"mindmap-trading-bot/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ArchivedTrade is one durable row of realized trade history. The Redis
// position value expires after 90 days; this table does not.
type ArchivedTrade struct {
	ID             int64     `json:"id"`
	PositionID     string    `json:"position_id"`
	AgentID        string    `json:"agent_id"`
	TokenMint      string    `json:"token_mint"`
	IsSimulation   bool      `json:"is_simulation"`
	EntryPrice     float64   `json:"entry_price"`
	EntryAmount    float64   `json:"entry_amount"`
	EntryValue     float64   `json:"entry_value"`
	ExitPrice      float64   `json:"exit_price"`
	ExitAmount     float64   `json:"exit_amount"`
	ExitValue      float64   `json:"exit_value"`
	RealizedPnL    float64   `json:"realized_pnl"`
	RealizedPnLPct float64   `json:"realized_pnl_pct"`
	SellReason     string    `json:"sell_reason"`
	BuyTxID        string    `json:"buy_tx_id"`
	SellTxID       string    `json:"sell_tx_id"`
	OpenedAt       time.Time `json:"opened_at"`
	ClosedAt       time.Time `json:"closed_at"`
}

// ArchiveSummary aggregates the archived history.
type ArchiveSummary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRatePct  float64 `json:"win_rate_pct"`
	TotalPnL    float64 `json:"total_pnl"`
	BestPnL     float64 `json:"best_pnl"`
	WorstPnL    float64 `json:"worst_pnl"`
}

// TradeArchive writes closed positions into Postgres. Archiving is
// best-effort: a failed insert is logged and never blocks the close path.
type TradeArchive struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS trade_archive (
	id               BIGSERIAL PRIMARY KEY,
	position_id      TEXT NOT NULL UNIQUE,
	agent_id         TEXT NOT NULL,
	token_mint       TEXT NOT NULL,
	is_simulation    BOOLEAN NOT NULL DEFAULT FALSE,
	entry_price      DOUBLE PRECISION NOT NULL,
	entry_amount     DOUBLE PRECISION NOT NULL,
	entry_value      DOUBLE PRECISION NOT NULL,
	exit_price       DOUBLE PRECISION NOT NULL,
	exit_amount      DOUBLE PRECISION NOT NULL,
	exit_value       DOUBLE PRECISION NOT NULL,
	realized_pnl     DOUBLE PRECISION NOT NULL,
	realized_pnl_pct DOUBLE PRECISION NOT NULL,
	sell_reason      TEXT NOT NULL DEFAULT '',
	buy_tx_id        TEXT NOT NULL DEFAULT '',
	sell_tx_id       TEXT NOT NULL DEFAULT '',
	opened_at        TIMESTAMPTZ NOT NULL,
	closed_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_archive_agent ON trade_archive (agent_id);
CREATE INDEX IF NOT EXISTS idx_trade_archive_token ON trade_archive (token_mint);
CREATE INDEX IF NOT EXISTS idx_trade_archive_closed_at ON trade_archive (closed_at);
`

// NewTradeArchive connects to Postgres and ensures the schema exists.
func NewTradeArchive(ctx context.Context, url string) (*TradeArchive, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid archive url: %w", err)
	}
	cfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	return &TradeArchive{pool: pool, log: logging.WithComponent("archive")}, nil
}

// Close releases the pool.
func (a *TradeArchive) Close() {
	if a != nil && a.pool != nil {
		a.pool.Close()
	}
}

// Archive inserts a closed position. Duplicate position ids are ignored so
// a replayed close event cannot double-count.
func (a *TradeArchive) Archive(ctx context.Context, p *Position) error {
	if a == nil || a.pool == nil {
		return nil
	}
	if p.Status != PositionStatusClosed || p.ClosedAt == nil {
		return nil
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO trade_archive (
			position_id, agent_id, token_mint, is_simulation,
			entry_price, entry_amount, entry_value,
			exit_price, exit_amount, exit_value,
			realized_pnl, realized_pnl_pct, sell_reason,
			buy_tx_id, sell_tx_id, opened_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (position_id) DO NOTHING`,
		p.ID, p.AgentID, p.TokenMint, p.IsSimulation,
		p.EntryPrice, p.EntryAmount, p.EntryValue,
		deref(p.ExitPrice), deref(p.ExitAmount), deref(p.ExitValue),
		deref(p.RealizedPnL), deref(p.RealizedPnLPct), p.SellReason,
		p.BuyTxID, p.SellTxID, p.OpenedAt, *p.ClosedAt,
	)
	if err != nil {
		a.log.Error("failed to archive closed trade", "position_id", p.ID, "error", err)
		return err
	}
	a.log.Debug("archived closed trade", "position_id", p.ID, "pnl", deref(p.RealizedPnL))
	return nil
}

// Summary aggregates win rate and PnL across the archive. An empty agent
// matches all agents.
func (a *TradeArchive) Summary(ctx context.Context, agentID string) (*ArchiveSummary, error) {
	if a == nil || a.pool == nil {
		return &ArchiveSummary{}, nil
	}

	row := a.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE realized_pnl > 0),
			COUNT(*) FILTER (WHERE realized_pnl < 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(MAX(realized_pnl), 0),
			COALESCE(MIN(realized_pnl), 0)
		FROM trade_archive
		WHERE ($1 = '' OR agent_id = $1)`, agentID)

	var s ArchiveSummary
	if err := row.Scan(&s.TotalTrades, &s.Wins, &s.Losses, &s.TotalPnL, &s.BestPnL, &s.WorstPnL); err != nil {
		return nil, fmt.Errorf("archive summary: %w", err)
	}
	if s.TotalTrades > 0 {
		s.WinRatePct = float64(s.Wins) / float64(s.TotalTrades) * 100
	}
	return &s, nil
}

// Recent returns the newest archived trades, most recent close first.
func (a *TradeArchive) Recent(ctx context.Context, limit int) ([]ArchivedTrade, error) {
	if a == nil || a.pool == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, position_id, agent_id, token_mint, is_simulation,
		       entry_price, entry_amount, entry_value,
		       exit_price, exit_amount, exit_value,
		       realized_pnl, realized_pnl_pct, sell_reason,
		       buy_tx_id, sell_tx_id, opened_at, closed_at
		FROM trade_archive
		ORDER BY closed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer rows.Close()

	var out []ArchivedTrade
	for rows.Next() {
		var t ArchivedTrade
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.AgentID, &t.TokenMint, &t.IsSimulation,
			&t.EntryPrice, &t.EntryAmount, &t.EntryValue,
			&t.ExitPrice, &t.ExitAmount, &t.ExitValue,
			&t.RealizedPnL, &t.RealizedPnLPct, &t.SellReason,
			&t.BuyTxID, &t.SellTxID, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("archive scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
