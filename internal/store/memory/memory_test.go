package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
)

func testUnit(id, imei string) domain.InventoryUnit {
	now := time.Now().UTC()
	return domain.InventoryUnit{
		ID:          id,
		Kind:        domain.UnitKindSerialized,
		IMEI:        imei,
		SKU:         "IP13",
		ProductName: "iPhone 13",
		Branch:      "chi-nhanh-1",
		CostPrice:   9_000_000,
		ImportDate:  now,
		Quantity:    1,
		Status:      domain.UnitStatusInStock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateUnitsRejectsDuplicateInStockIMEI(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateUnits(ctx, []domain.InventoryUnit{testUnit("u1", "352099001761481")}); err != nil {
		t.Fatalf("CreateUnits: %v", err)
	}
	err := s.CreateUnits(ctx, []domain.InventoryUnit{testUnit("u2", "352099001761481")})
	if !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for a duplicate in-stock imei, got %v", err)
	}

	// Once the first unit is sold the imei may come back in.
	u := testUnit("u1", "352099001761481")
	u.Status = domain.UnitStatusSold
	s.mu.Lock()
	s.units["u1"] = u
	s.mu.Unlock()
	if err := s.CreateUnits(ctx, []domain.InventoryUnit{testUnit("u3", "352099001761481")}); err != nil {
		t.Fatalf("CreateUnits after sale: %v", err)
	}
}

func TestAutoEntryDeduplicated(t *testing.T) {
	s := New()
	ctx := context.Background()
	entry := domain.CashbookEntry{
		ID:          "cb1",
		Type:        domain.CashbookThu,
		Amount:      1_000_000,
		Content:     "Thu ban hang batch-1",
		Source:      domain.SourceTienMat,
		Branch:      "chi-nhanh-1",
		Date:        time.Now().UTC(),
		RelatedID:   "batch-1",
		RelatedType: domain.RelatedBanHang,
		IsAuto:      true,
	}
	if _, err := s.CreateCashbookEntry(ctx, entry); err != nil {
		t.Fatalf("CreateCashbookEntry: %v", err)
	}
	dup := entry
	dup.ID = "cb2"
	if _, err := s.CreateCashbookEntry(ctx, dup); !errors.Is(err, store.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent for a duplicate auto entry, got %v", err)
	}

	// Adjustment entries are exempt so a sale can be edited repeatedly.
	adj := entry
	adj.ID = "cb3"
	adj.RelatedType = domain.RelatedKhac
	if _, err := s.CreateCashbookEntry(ctx, adj); err != nil {
		t.Fatalf("khac entry must bypass dedup: %v", err)
	}
	adj2 := adj
	adj2.ID = "cb4"
	if _, err := s.CreateCashbookEntry(ctx, adj2); err != nil {
		t.Fatalf("repeated khac entry must bypass dedup: %v", err)
	}
}

func TestManualEntryUpdateAdjustsBalance(t *testing.T) {
	s := New()
	ctx := context.Background()
	first, err := s.CreateCashbookEntry(ctx, domain.CashbookEntry{
		ID: "cb1", Type: domain.CashbookThu, Amount: 500_000,
		Content: "thu khac", Source: domain.SourceTienMat,
		Branch: "chi-nhanh-1", Date: time.Now().UTC(), Editable: true,
	})
	if err != nil {
		t.Fatalf("CreateCashbookEntry: %v", err)
	}
	if first.BalanceAfter != 500_000 {
		t.Fatalf("unexpected balance: %+v", first)
	}

	updated, err := s.UpdateCashbookEntry(ctx, domain.CashbookEntry{
		ID: "cb1", Type: domain.CashbookChi, Amount: 200_000,
		Content: "chi khac", Source: domain.SourceTienMat, Date: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpdateCashbookEntry: %v", err)
	}
	if updated.Amount != 200_000 || updated.Type != domain.CashbookChi {
		t.Fatalf("update did not take: %+v", updated)
	}

	next, err := s.CreateCashbookEntry(ctx, domain.CashbookEntry{
		ID: "cb2", Type: domain.CashbookThu, Amount: 100_000,
		Content: "thu khac", Source: domain.SourceTienMat,
		Branch: "chi-nhanh-1", Date: time.Now().UTC(), Editable: true,
	})
	if err != nil {
		t.Fatalf("CreateCashbookEntry: %v", err)
	}
	if next.BalanceBefore != -200_000 || next.BalanceAfter != -100_000 {
		t.Fatalf("balance counter must track the edit, got %+v", next)
	}

	if err := s.DeleteCashbookEntry(ctx, "cb1"); err != nil {
		t.Fatalf("DeleteCashbookEntry: %v", err)
	}
	last, err := s.CreateCashbookEntry(ctx, domain.CashbookEntry{
		ID: "cb3", Type: domain.CashbookThu, Amount: 50_000,
		Content: "thu khac", Source: domain.SourceTienMat,
		Branch: "chi-nhanh-1", Date: time.Now().UTC(), Editable: true,
	})
	if err != nil {
		t.Fatalf("CreateCashbookEntry: %v", err)
	}
	if last.BalanceBefore != 100_000 {
		t.Fatalf("balance counter must track the delete, got %+v", last)
	}
}

func TestFailedSaleLeavesNoCashbookEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateUnits(ctx, []domain.InventoryUnit{testUnit("u1", "352099001761481")}); err != nil {
		t.Fatalf("CreateUnits: %v", err)
	}

	now := time.Now().UTC()
	entry := domain.CashbookEntry{
		Type: domain.CashbookThu, Amount: 6_000_000,
		Content: "Thu ban hang batch-1", Source: domain.SourceTienMat,
		Branch: "chi-nhanh-1", Date: now,
		RelatedID: "batch-1", RelatedType: domain.RelatedBanHang, IsAuto: true,
	}
	first, second := entry, entry
	first.ID, second.ID = "cb1", "cb2"

	_, err := s.CreateSaleBatch(ctx, domain.SaleBatch{
		BatchID: "batch-1", Branch: "chi-nhanh-1", SaleDate: now,
		TotalAmount: 12_000_000, TotalPaid: 12_000_000,
	},
		[]domain.SaleItemRequest{{UnitID: "u1", Quantity: 1, UnitPrice: 12_000_000}},
		[]domain.CashbookEntry{first, second})
	if !errors.Is(err, store.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent for colliding auto entries, got %v", err)
	}

	entries, err := s.ListCashbook(ctx, domain.CashbookFilter{})
	if err != nil {
		t.Fatalf("ListCashbook: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed sale must not leave cashbook entries, got %+v", entries)
	}
	u, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if u.Status != domain.UnitStatusInStock {
		t.Fatalf("failed sale must leave the unit in stock, got %+v", u)
	}
	if _, err := s.GetSaleBatch(ctx, "batch-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed sale must not persist the batch, got %v", err)
	}

	next, err := s.CreateCashbookEntry(ctx, domain.CashbookEntry{
		ID: "cb3", Type: domain.CashbookThu, Amount: 100_000,
		Content: "thu khac", Source: domain.SourceTienMat,
		Branch: "chi-nhanh-1", Date: now, Editable: true,
	})
	if err != nil {
		t.Fatalf("CreateCashbookEntry: %v", err)
	}
	if next.BalanceBefore != 0 {
		t.Fatalf("failed sale must not move the branch balance, got %+v", next)
	}
}

func TestResolveSKUMissingVersusExhausted(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := []domain.SaleItemRequest{{SKU: "CASE-01", Quantity: 1, UnitPrice: 100_000}}
	batch := func(id string) domain.SaleBatch {
		return domain.SaleBatch{
			BatchID: id, Branch: "chi-nhanh-1", SaleDate: time.Now().UTC(),
			TotalAmount: 100_000, TotalPaid: 100_000,
		}
	}

	if _, err := s.CreateSaleBatch(ctx, batch("batch-1"), item, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown sku must resolve to ErrNotFound, got %v", err)
	}

	g := testUnit("g1", "")
	g.Kind = domain.UnitKindGrouped
	g.SKU = "CASE-01"
	g.Quantity = 1
	if err := s.CreateUnits(ctx, []domain.InventoryUnit{g}); err != nil {
		t.Fatalf("CreateUnits: %v", err)
	}
	if _, err := s.CreateSaleBatch(ctx, batch("batch-2"), item, nil); err != nil {
		t.Fatalf("CreateSaleBatch: %v", err)
	}
	if _, err := s.CreateSaleBatch(ctx, batch("batch-3"), item, nil); !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("exhausted sku must resolve to ErrOutOfStock, got %v", err)
	}
}

func TestDeleteSoldUnitForbidden(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := testUnit("u1", "352099001761481")
	u.Status = domain.UnitStatusSold
	if err := s.CreateUnits(ctx, []domain.InventoryUnit{u}); err != nil {
		t.Fatalf("CreateUnits: %v", err)
	}
	if err := s.DeleteUnit(ctx, "u1"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
