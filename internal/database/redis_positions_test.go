package database

import (
	"context"
	"testing"
	"time"
)

func newTestStore() *PositionStore {
	return NewPositionStore(nil, nil)
}

func openPosition(t *testing.T, s *PositionStore, agent, mint string, entryPrice, entryAmount float64) *Position {
	t.Helper()
	pos, err := s.CreateOpen(context.Background(), CreateParams{
		AgentID:     agent,
		TokenMint:   mint,
		EntryPrice:  entryPrice,
		EntryAmount: entryAmount,
	})
	if err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	return pos
}

func TestCreateOpenThenGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	pos := openPosition(t, s, "agent1", "tokenA", 100, 50)

	if pos.Status != PositionStatusOpen {
		t.Errorf("expected open, got %s", pos.Status)
	}
	if pos.EntryValue != 5000 {
		t.Errorf("entryValue = %v, want 5000", pos.EntryValue)
	}
	if pos.HighestPrice != 100 || pos.LowestPrice != 100 || pos.CurrentPrice != 100 {
		t.Errorf("price fields not initialized to entry: high=%v low=%v current=%v",
			pos.HighestPrice, pos.LowestPrice, pos.CurrentPrice)
	}

	got, err := s.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != pos.ID || got.AgentID != "agent1" || got.TokenMint != "tokenA" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := newTestStore()
	if _, err := s.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestUpdatePriceMonotonicHighLow(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	pos := openPosition(t, s, "a", "tok", 100, 1)

	for _, price := range []float64{120, 90, 110} {
		if err := s.UpdatePrice(ctx, pos.ID, price); err != nil {
			t.Fatalf("UpdatePrice(%v) failed: %v", price, err)
		}
	}

	got, _ := s.Get(ctx, pos.ID)
	if got.HighestPrice != 120 {
		t.Errorf("highestPrice = %v, want 120", got.HighestPrice)
	}
	if got.LowestPrice != 90 {
		t.Errorf("lowestPrice = %v, want 90", got.LowestPrice)
	}
	if got.CurrentPrice != 110 {
		t.Errorf("currentPrice = %v, want 110", got.CurrentPrice)
	}
}

func TestUpdatePriceOnClosedIsNoop(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	pos := openPosition(t, s, "a", "tok", 100, 1)

	if _, err := s.Close(ctx, pos.ID, 150, 1, "tx", "take profit"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.UpdatePrice(ctx, pos.ID, 999); err != nil {
		t.Fatalf("UpdatePrice on closed failed: %v", err)
	}

	got, _ := s.Get(ctx, pos.ID)
	if got.CurrentPrice == 999 {
		t.Error("closed position price was updated")
	}
}

func TestCloseComputesPnL(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	pos := openPosition(t, s, "a", "tok", 1.00, 100)

	closed, err := s.Close(ctx, pos.ID, 0.80, 100, "tx1", "stop loss")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if closed.Status != PositionStatusClosed || closed.ClosedAt == nil {
		t.Fatal("position not marked closed")
	}
	if *closed.ExitValue != 80 {
		t.Errorf("exitValue = %v, want 80", *closed.ExitValue)
	}
	wantPnL := 80.0 - 100.0
	if *closed.RealizedPnL != wantPnL {
		t.Errorf("realizedPnL = %v, want %v", *closed.RealizedPnL, wantPnL)
	}
	if *closed.RealizedPnLPct != -20 {
		t.Errorf("realizedPnLPct = %v, want -20", *closed.RealizedPnLPct)
	}
	if closed.SellReason != "stop loss" {
		t.Errorf("sellReason = %q", closed.SellReason)
	}
}

func TestCloseUnknownReturnsNotFound(t *testing.T) {
	s := newTestStore()
	if _, err := s.Close(context.Background(), "missing", 1, 1, "", ""); err == nil {
		t.Fatal("expected NotFound for unknown position")
	}
}

func TestCloseNeverReopens(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	pos := openPosition(t, s, "a", "tok", 100, 1)

	first, err := s.Close(ctx, pos.ID, 150, 1, "tx1", "take profit")
	if err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	second, err := s.Close(ctx, pos.ID, 10, 1, "tx2", "stop loss")
	if err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if *second.ExitPrice != *first.ExitPrice || second.SellReason != first.SellReason {
		t.Error("second close mutated an already-closed position")
	}
}

func TestIndicesAndListOpen(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	p1 := openPosition(t, s, "agent1", "tokA", 1, 1)
	openPosition(t, s, "agent1", "tokB", 1, 1)
	openPosition(t, s, "agent2", "tokA", 1, 1)

	byAgent, err := s.GetByAgent(ctx, "agent1", "")
	if err != nil || len(byAgent) != 2 {
		t.Fatalf("GetByAgent = %d positions, err %v, want 2", len(byAgent), err)
	}
	byToken, err := s.GetByToken(ctx, "tokA", "")
	if err != nil || len(byToken) != 2 {
		t.Fatalf("GetByToken = %d positions, want 2", len(byToken))
	}

	if _, err := s.Close(ctx, p1.ID, 2, 1, "", "take profit"); err != nil {
		t.Fatal(err)
	}

	open, _ := s.ListOpen(ctx, "")
	if len(open) != 2 {
		t.Errorf("ListOpen = %d, want 2", len(open))
	}
	openAgent1, _ := s.ListOpen(ctx, "agent1")
	if len(openAgent1) != 1 {
		t.Errorf("ListOpen(agent1) = %d, want 1", len(openAgent1))
	}

	stats := s.Stats()
	if stats.Total != 3 || stats.Open != 2 || stats.Closed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReplaceIsIdempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	pos := openPosition(t, s, "a", "tok", 100, 1)

	pos.Notes = "updated"
	if err := s.Replace(ctx, pos); err != nil {
		t.Fatal(err)
	}
	if err := s.Replace(ctx, pos); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, pos.ID)
	if got.Notes != "updated" {
		t.Errorf("notes = %q", got.Notes)
	}
	if s.Stats().Total != 1 {
		t.Errorf("replace duplicated the position: %+v", s.Stats())
	}
}

func TestDeleteRemovesFromIndices(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	pos := openPosition(t, s, "a", "tok", 1, 1)

	if !s.Delete(ctx, pos.ID) {
		t.Fatal("Delete returned false")
	}
	if s.Delete(ctx, pos.ID) {
		t.Error("second Delete returned true")
	}

	if _, err := s.Get(ctx, pos.ID); err == nil {
		t.Error("deleted position still readable")
	}
	open, _ := s.ListOpen(ctx, "")
	if len(open) != 0 {
		t.Error("deleted position still in open set")
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	p1 := openPosition(t, s, "agent1", "tokA", 1.0, 100)
	openPosition(t, s, "agent1", "tokB", 1.0, 100)
	openPosition(t, s, "agent2", "tokC", 1.0, 100)
	s.Close(ctx, p1.ID, 2.0, 100, "", "take profit") // pnl = +100

	got, err := s.Query(ctx, QueryFilter{AgentID: "agent1"})
	if err != nil || len(got) != 2 {
		t.Fatalf("Query by agent = %d, want 2", len(got))
	}

	got, _ = s.Query(ctx, QueryFilter{Status: PositionStatusClosed})
	if len(got) != 1 || got[0].ID != p1.ID {
		t.Fatalf("Query by status returned wrong rows: %d", len(got))
	}

	minPnL := 50.0
	got, _ = s.Query(ctx, QueryFilter{MinPnL: &minPnL})
	if len(got) != 1 {
		t.Errorf("Query by minPnL = %d, want 1", len(got))
	}

	got, _ = s.Query(ctx, QueryFilter{Limit: 2})
	if len(got) != 2 {
		t.Errorf("Query with limit = %d, want 2", len(got))
	}
	got, _ = s.Query(ctx, QueryFilter{Offset: 2})
	if len(got) != 1 {
		t.Errorf("Query with offset = %d, want 1", len(got))
	}
}

func TestQuerySortsNewestFirst(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first := openPosition(t, s, "a", "tok1", 1, 1)
	time.Sleep(2 * time.Millisecond)
	second := openPosition(t, s, "a", "tok2", 1, 1)

	got, err := s.Query(ctx, QueryFilter{AgentID: "a"})
	if err != nil || len(got) != 2 {
		t.Fatalf("query failed: %v", err)
	}
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Error("positions not sorted newest first")
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	openPosition(t, s, "a", "tok", 1, 1)

	if err := s.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Stats().Total != 0 {
		t.Errorf("store not empty after ClearAll: %+v", s.Stats())
	}
}
