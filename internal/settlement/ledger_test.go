package settlement

import (
	"context"
	"math"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000)
}

func TestBookIsIdempotentAndPreservesCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, 0.006, 0, WithClock(fixedClock))
	ctx := context.Background()

	input := BookInput{OrderID: "ord-1", TaskID: "task-1", Currency: "CNY", Gross: 80, Net: 70.4, Markup: 9.6}
	first, err := ledger.Book(ctx, input)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if first.SettledGross != 80 || first.SettledNet != 70.4 {
		t.Fatalf("unexpected settled amounts: %+v", first)
	}

	// 同一订单带退款重新登记：财务字段重算，CreatedAt 保留。
	input.Refund = 24
	second, err := ledger.Book(ctx, input)
	if err != nil {
		t.Fatalf("rebook: %v", err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("rebook must preserve CreatedAt: %d vs %d", second.CreatedAt, first.CreatedAt)
	}
	if second.SettledGross != 56 {
		t.Fatalf("settled gross after refund: got %v want 56", second.SettledGross)
	}
	if second.SettledGross > second.Gross {
		t.Fatalf("settled gross must not exceed gross")
	}

	all, err := ledger.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rebooking must not create a second settlement, got %d", len(all))
	}
}

func TestBookRejectsInvalidRefund(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), 0.006, 0, WithClock(fixedClock))
	ctx := context.Background()

	if _, err := ledger.Book(ctx, BookInput{OrderID: "ord-x", Gross: 50, Refund: -1}); err == nil {
		t.Fatalf("negative refund must be rejected")
	}
	if _, err := ledger.Book(ctx, BookInput{OrderID: "ord-x", Gross: 50, Refund: 60}); err == nil {
		t.Fatalf("refund above gross must be rejected")
	}
}

func TestReconcileCleanLedgerMatchesEverything(t *testing.T) {
	store := NewMemoryStore()
	// skewPct 0：合成流水与结算额完全一致。
	ledger := NewLedger(store, 0.006, 0, WithClock(fixedClock))
	ctx := context.Background()

	for _, order := range []string{"ord-1", "ord-2", "ord-3"} {
		if _, err := ledger.Book(ctx, BookInput{OrderID: order, Currency: "CNY", Gross: 120, Net: 105.6, Markup: 14.4}); err != nil {
			t.Fatalf("book %s: %v", order, err)
		}
	}

	run, err := ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if run.Total != 3 || run.Matched != 3 {
		t.Fatalf("expected 3/3 matched, got %d/%d", run.Matched, run.Total)
	}
	if run.MatchRate != 1 {
		t.Fatalf("expected match rate 1, got %v", run.MatchRate)
	}
	if len(run.Mismatches) != 0 {
		t.Fatalf("clean ledger must have no mismatches: %+v", run.Mismatches)
	}

	runs, err := ledger.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("run must be persisted")
	}
}

func TestReconcileFlagsSkewedOrders(t *testing.T) {
	store := NewMemoryStore()
	// skewPct 100：每笔合成流水都带偏差，全部应判为不平。
	ledger := NewLedger(store, 0.006, 100, WithClock(fixedClock))
	ctx := context.Background()

	if _, err := ledger.Book(ctx, BookInput{OrderID: "ord-skew", Currency: "CNY", Gross: 200, Net: 176, Markup: 24}); err != nil {
		t.Fatalf("book: %v", err)
	}

	run, err := ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if run.Matched != 0 || len(run.Mismatches) != 1 {
		t.Fatalf("skewed order must mismatch, got matched=%d mismatches=%d", run.Matched, len(run.Mismatches))
	}
	mismatch := run.Mismatches[0]
	if mismatch.OrderID != "ord-skew" {
		t.Fatalf("unexpected mismatch order %s", mismatch.OrderID)
	}
	if math.Abs(mismatch.Diff) <= ReconcileTolerance {
		t.Fatalf("mismatch diff %v must exceed tolerance", mismatch.Diff)
	}
}

func TestReconcileIsStableAcrossRuns(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, 0.006, 1, WithClock(fixedClock))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		orderID := "ord-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if _, err := ledger.Book(ctx, BookInput{OrderID: orderID, Currency: "CNY", Gross: 100, Net: 88, Markup: 12}); err != nil {
			t.Fatalf("book: %v", err)
		}
	}

	first, err := ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	second, err := ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if first.Matched != second.Matched || first.MatchRate != second.MatchRate {
		t.Fatalf("reconciliation must be deterministic: %+v vs %+v", first, second)
	}
}

func TestReconcileEmptyLedger(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), 0.006, 1, WithClock(fixedClock))
	run, err := ledger.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if run.Total != 0 || run.MatchRate != 1 {
		t.Fatalf("empty ledger reconciles trivially, got %+v", run)
	}
}
