package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/store/memory"
)

const testBranch = "chi-nhanh-1"

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	svc := New(repo, nil, testBranch, true, time.Second)
	return svc, repo
}

func ctxAs(role string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "test-" + role,
		Role:     role,
		Branch:   testBranch,
	})
}

func mustIntake(t *testing.T, svc *Service, req domain.IntakeRequest) []domain.InventoryUnit {
	t.Helper()
	if req.Branch == "" {
		req.Branch = testBranch
	}
	units, err := svc.CreateIntake(ctxAs(domain.RoleManager), req)
	if err != nil {
		t.Fatalf("CreateIntake: %v", err)
	}
	return units
}

func mustSale(t *testing.T, svc *Service, req domain.SaleRequest) *domain.SaleResponse {
	t.Helper()
	if req.Branch == "" {
		req.Branch = testBranch
	}
	resp, err := svc.ExecuteSale(ctxAs(domain.RoleStaff), req)
	if err != nil {
		t.Fatalf("ExecuteSale: %v", err)
	}
	return resp
}

func TestExecuteSaleCreatesDebtForShortfall(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13PM", ProductName: "iPhone 13 Pro Max",
		IMEIs: []string{"352099001761481"}, CostPrice: 12_000_000,
	})

	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Nguyen Van A", CustomerPhone: "0901234567",
		SaleDate: "2024-02-01",
		Items:    []domain.SaleItemRequest{{IMEI: "352099001761481", UnitPrice: 15_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 10_000_000}},
	})
	if resp.TotalAmount != 15_000_000 || resp.TotalPaid != 10_000_000 || resp.Debt != 5_000_000 {
		t.Fatalf("unexpected totals: %+v", resp)
	}

	debts, err := svc.Debts(ctxAs(domain.RoleStaff), "", false)
	if err != nil {
		t.Fatalf("Debts: %v", err)
	}
	if len(debts) != 1 {
		t.Fatalf("expected 1 debtor, got %d", len(debts))
	}
	if debts[0].TotalDebt != 5_000_000 || debts[0].TotalPaid != 10_000_000 {
		t.Fatalf("unexpected aggregate: %+v", debts[0])
	}
	if len(debts[0].History) != 1 || debts[0].History[0].Type != domain.DebtEventAdd {
		t.Fatalf("expected a single add event, got %+v", debts[0].History)
	}
}

func TestPayDebtReducesOutstandingAndPostsCashbook(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13PM", ProductName: "iPhone 13 Pro Max",
		IMEIs: []string{"352099001761481"}, CostPrice: 12_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Nguyen Van A", CustomerPhone: "0901234567",
		Items:    []domain.SaleItemRequest{{IMEI: "352099001761481", UnitPrice: 15_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 10_000_000}},
	})

	agg, err := svc.PayDebt(ctxAs(domain.RoleStaff), domain.DebtPayRequest{
		CustomerName: "Nguyen Van A", CustomerPhone: "0901234567", Amount: 3_000_000,
	})
	if err != nil {
		t.Fatalf("PayDebt: %v", err)
	}
	if agg.TotalDebt != 2_000_000 || agg.TotalPaid != 13_000_000 {
		t.Fatalf("unexpected aggregate after pay: %+v", agg)
	}
	if len(agg.History) != 2 || agg.History[0].Type != domain.DebtEventPay {
		t.Fatalf("expected newest-first history [pay, add], got %+v", agg.History)
	}

	entries, err := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	if err != nil {
		t.Fatalf("Cashbook: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.RelatedType == domain.RelatedThuNo && e.Amount == 3_000_000 && e.Type == domain.CashbookThu {
			found = true
			if !e.IsAuto || e.Editable {
				t.Fatalf("debt collection entry must be auto and immutable: %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("expected a thu_no cashbook entry, got %+v", entries)
	}
}

func TestPayDebtAllocatesOldestSaleFirst(t *testing.T) {
	svc, repo := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12",
		IMEIs: []string{"111111111111111", "222222222222222"}, CostPrice: 8_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B", SaleDate: "2024-01-10",
		Items: []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B", SaleDate: "2024-03-05",
		Items: []domain.SaleItemRequest{{IMEI: "222222222222222", UnitPrice: 10_000_000}},
	})

	agg, err := svc.PayDebt(ctxAs(domain.RoleStaff), domain.DebtPayRequest{
		CustomerName: "Tran B", Amount: 12_000_000,
	})
	if err != nil {
		t.Fatalf("PayDebt: %v", err)
	}
	if agg.TotalDebt != 8_000_000 || agg.TotalPaid != 12_000_000 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}

	units, err := repo.ListUnits(context.Background(), domain.UnitFilter{WithCustomerDebt: true})
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	for _, u := range units {
		switch u.IMEI {
		case "111111111111111":
			if u.CustomerDebt.Amount != 0 {
				t.Fatalf("oldest sale should be fully paid, got %+v", u.CustomerDebt)
			}
		case "222222222222222":
			if u.CustomerDebt.Amount != 8_000_000 {
				t.Fatalf("newest sale should keep the remainder, got %+v", u.CustomerDebt)
			}
		}
	}
}

func TestPayDebtOvershootIsCapped(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12",
		IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B",
		Items:        []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
	})

	agg, err := svc.PayDebt(ctxAs(domain.RoleStaff), domain.DebtPayRequest{
		CustomerName: "Tran B", Amount: 99_000_000,
	})
	if err != nil {
		t.Fatalf("PayDebt: %v", err)
	}
	if agg.TotalDebt != 0 || agg.TotalPaid != 10_000_000 {
		t.Fatalf("overshoot must be capped at the outstanding total: %+v", agg)
	}

	entries, _ := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{Source: domain.SourceTienMat})
	for _, e := range entries {
		if e.RelatedType == domain.RelatedThuNo && e.Amount != 10_000_000 {
			t.Fatalf("cashbook must record the applied amount, got %d", e.Amount)
		}
	}
}

func TestPayThenAddRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12",
		IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B",
		Items:        []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
	})

	if _, err := svc.PayDebt(ctxAs(domain.RoleStaff), domain.DebtPayRequest{CustomerName: "Tran B", Amount: 4_000_000}); err != nil {
		t.Fatalf("PayDebt: %v", err)
	}
	agg, err := svc.AddDebt(ctxAs(domain.RoleStaff), domain.DebtPayRequest{CustomerName: "Tran B", Amount: 4_000_000})
	if err != nil {
		t.Fatalf("AddDebt: %v", err)
	}
	if agg.TotalDebt != 10_000_000 {
		t.Fatalf("pay then add of the same amount must restore the debt, got %d", agg.TotalDebt)
	}
	if len(agg.History) != 3 {
		t.Fatalf("expected 3 ledger events, got %d", len(agg.History))
	}
}

func TestAddDebtTargetsMostRecentSale(t *testing.T) {
	svc, repo := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12",
		IMEIs: []string{"111111111111111", "222222222222222"}, CostPrice: 8_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B", SaleDate: "2024-01-10",
		Items:    []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 10_000_000}},
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B", SaleDate: "2024-03-05",
		Items:    []domain.SaleItemRequest{{IMEI: "222222222222222", UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 10_000_000}},
	})

	if _, err := svc.AddDebt(ctxAs(domain.RoleStaff), domain.DebtPayRequest{CustomerName: "Tran B", Amount: 1_500_000}); err != nil {
		t.Fatalf("AddDebt: %v", err)
	}

	units, _ := repo.ListUnits(context.Background(), domain.UnitFilter{WithCustomerDebt: true})
	for _, u := range units {
		switch u.IMEI {
		case "111111111111111":
			if u.CustomerDebt.Amount != 0 {
				t.Fatalf("older sale must stay untouched, got %+v", u.CustomerDebt)
			}
		case "222222222222222":
			if u.CustomerDebt.Amount != 1_500_000 {
				t.Fatalf("expected the most recent sale to carry the new debt, got %+v", u.CustomerDebt)
			}
		}
	}
}

func TestConcurrentSalesExactlyOneWinner(t *testing.T) {
	svc, _ := newTestService()
	units := mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13",
		IMEIs: []string{"333333333333333"}, CostPrice: 9_000_000,
	})
	unitID := units[0].ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ExecuteSale(ctxAs(domain.RoleStaff), domain.SaleRequest{
				Branch:       testBranch,
				CustomerName: "Khach",
				Items:        []domain.SaleItemRequest{{UnitID: unitID, UnitPrice: 11_000_000}},
				Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 11_000_000}},
			})
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrOutOfStock):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner and one ErrOutOfStock, got wins=%d losses=%d", wins, losses)
	}
}

func TestGroupedSaleDecrementsAndOversellFails(t *testing.T) {
	svc, repo := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "CASE-01", ProductName: "Op lung trong", Quantity: 10, CostPrice: 50_000,
	})

	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Khach le",
		Items:        []domain.SaleItemRequest{{SKU: "CASE-01", Quantity: 3, UnitPrice: 120_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 360_000}},
	})

	inStock, _ := repo.ListUnits(context.Background(), domain.UnitFilter{Status: domain.UnitStatusInStock, SKU: "CASE-01"})
	if len(inStock) != 1 || inStock[0].Quantity != 7 {
		t.Fatalf("expected the grouped line at quantity 7, got %+v", inStock)
	}
	sold, _ := repo.ListUnits(context.Background(), domain.UnitFilter{Status: domain.UnitStatusSold, SKU: "CASE-01"})
	if len(sold) != 1 || sold[0].Quantity != 3 || sold[0].SalePrice != 120_000 {
		t.Fatalf("expected an immutable sold row of 3, got %+v", sold)
	}

	_, err := svc.ExecuteSale(ctxAs(domain.RoleStaff), domain.SaleRequest{
		Branch: testBranch,
		Items:  []domain.SaleItemRequest{{SKU: "CASE-01", Quantity: 20, UnitPrice: 120_000}},
	})
	if !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
}

func TestSaleMergesRepeatedPaymentSources(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12", IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Khach le",
		Items:        []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{
			{Source: domain.SourceTienMat, Amount: 4_000_000},
			{Source: domain.SourceTienMat, Amount: 6_000_000},
		},
	})
	if resp.TotalPaid != 10_000_000 || resp.Debt != 0 {
		t.Fatalf("unexpected totals: %+v", resp)
	}

	entries, err := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	if err != nil {
		t.Fatalf("Cashbook: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one merged entry per source, got %+v", entries)
	}
	e := entries[0]
	if e.Amount != 10_000_000 || e.Source != domain.SourceTienMat ||
		e.Type != domain.CashbookThu || e.RelatedID != resp.BatchID {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestUpdateSaleRepostsWhenOnlySourcesMove(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12", IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Khach le",
		Items:        []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{
			{Source: domain.SourceTienMat, Amount: 5_000_000},
			{Source: domain.SourceThe, Amount: 5_000_000},
		},
	})

	updated, err := svc.UpdateSale(ctxAs(domain.RoleStaff), resp.BatchID, domain.UpdateSaleRequest{
		Items:    []domain.SaleItemRequest{{UnitID: resp.Lines[0].UnitID, Quantity: 1, UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceThe, Amount: 10_000_000}},
	})
	if err != nil {
		t.Fatalf("UpdateSale: %v", err)
	}
	if updated.TotalPaid != 10_000_000 || updated.Debt != 0 {
		t.Fatalf("unexpected totals: %+v", updated)
	}

	entries, err := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	if err != nil {
		t.Fatalf("Cashbook: %v", err)
	}
	var reversedCash, reversedCard, repostedCard int64
	for _, e := range entries {
		if e.RelatedType != domain.RelatedKhac || e.RelatedID != resp.BatchID {
			continue
		}
		switch {
		case e.Type == domain.CashbookChi && e.Source == domain.SourceTienMat:
			reversedCash += e.Amount
		case e.Type == domain.CashbookChi && e.Source == domain.SourceThe:
			reversedCard += e.Amount
		case e.Type == domain.CashbookThu && e.Source == domain.SourceThe:
			repostedCard += e.Amount
		}
	}
	if reversedCash != 5_000_000 || reversedCard != 5_000_000 || repostedCard != 10_000_000 {
		t.Fatalf("moving money between sources must reverse and repost, got %+v", entries)
	}
}

func TestSaleOfUnknownSKUIsNotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.ExecuteSale(ctxAs(domain.RoleStaff), domain.SaleRequest{
		Branch: testBranch,
		Items:  []domain.SaleItemRequest{{SKU: "KHONG-TON-TAI", Quantity: 1, UnitPrice: 50_000}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a sku never imported, got %v", err)
	}
}

func TestSalePaidOverTotalRejected(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12", IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	_, err := svc.ExecuteSale(ctxAs(domain.RoleStaff), domain.SaleRequest{
		Branch:   testBranch,
		Items:    []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 12_000_000}},
	})
	if !errors.Is(err, store.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
}

func TestExecuteReturnRestocksAndRefunds(t *testing.T) {
	svc, repo := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13", IMEIs: []string{"333333333333333"}, CostPrice: 9_000_000,
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Le C",
		Items:        []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 8_000_000}},
	})

	ret, err := svc.ExecuteReturn(ctxAs(domain.RoleManager), resp.BatchID, domain.ReturnRequest{
		Amount: 8_000_000, Reason: "loi man hinh",
	})
	if err != nil {
		t.Fatalf("ExecuteReturn: %v", err)
	}
	if ret.Status != domain.ReturnStatusCompleted || !ret.StockRestored || len(ret.RestockedUnitIDs) != 1 {
		t.Fatalf("unexpected return: %+v", ret)
	}

	restocked, err := repo.GetUnit(context.Background(), ret.RestockedUnitIDs[0])
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if restocked.Status != domain.UnitStatusInStock || !restocked.IsReturnItem {
		t.Fatalf("restocked unit must be in stock and tagged, got %+v", restocked)
	}

	debts, _ := svc.Debts(ctxAs(domain.RoleStaff), "", false)
	if len(debts) != 0 {
		t.Fatalf("return must clear the remaining sale debt, got %+v", debts)
	}

	entries, _ := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	refund := false
	for _, e := range entries {
		if e.RelatedType == domain.RelatedTraHangBan && e.Type == domain.CashbookChi && e.Amount == 8_000_000 {
			refund = true
		}
	}
	if !refund {
		t.Fatalf("expected a chi refund entry, got %+v", entries)
	}

	_, err = svc.ExecuteReturn(ctxAs(domain.RoleManager), resp.BatchID, domain.ReturnRequest{Amount: 8_000_000})
	if !errors.Is(err, store.ErrAlreadyReturned) {
		t.Fatalf("second return must fail with ErrAlreadyReturned, got %v", err)
	}
}

func TestCancelReturnKeepsSideEffects(t *testing.T) {
	svc, repo := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13", IMEIs: []string{"333333333333333"}, CostPrice: 9_000_000,
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Le C",
		Items:        []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 11_000_000}},
	})
	ret, err := svc.ExecuteReturn(ctxAs(domain.RoleManager), resp.BatchID, domain.ReturnRequest{Amount: 11_000_000})
	if err != nil {
		t.Fatalf("ExecuteReturn: %v", err)
	}

	cancelled, err := svc.CancelReturn(ctxAs(domain.RoleAdmin), ret.ID)
	if err != nil {
		t.Fatalf("CancelReturn: %v", err)
	}
	if cancelled.Status != domain.ReturnStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}

	restocked, err := repo.GetUnit(context.Background(), ret.RestockedUnitIDs[0])
	if err != nil || restocked.Status != domain.UnitStatusInStock {
		t.Fatalf("cancel must not remove the restocked unit: %v %+v", err, restocked)
	}
	entries, _ := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	refundStillThere := false
	for _, e := range entries {
		if e.RelatedType == domain.RelatedTraHangBan {
			refundStillThere = true
		}
	}
	if !refundStillThere {
		t.Fatalf("cancel must not delete the refund entry")
	}

	if _, err := svc.CancelReturn(ctxAs(domain.RoleAdmin), ret.ID); !errors.Is(err, store.ErrAlreadyReturned) {
		t.Fatalf("double cancel must fail, got %v", err)
	}
}

func TestUpdateSaleReallocatesDebtAndRepostsCashbook(t *testing.T) {
	svc, repo := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13", IMEIs: []string{"333333333333333"}, CostPrice: 9_000_000,
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Le C",
		Items:        []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 11_000_000}},
	})
	unitID := resp.Lines[0].UnitID

	updated, err := svc.UpdateSale(ctxAs(domain.RoleStaff), resp.BatchID, domain.UpdateSaleRequest{
		Items:    []domain.SaleItemRequest{{UnitID: unitID, Quantity: 1, UnitPrice: 10_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 9_000_000}},
	})
	if err != nil {
		t.Fatalf("UpdateSale: %v", err)
	}
	if updated.TotalAmount != 10_000_000 || updated.TotalPaid != 9_000_000 || updated.Debt != 1_000_000 {
		t.Fatalf("unexpected totals after update: %+v", updated)
	}

	unit, _ := repo.GetUnit(context.Background(), unitID)
	if unit.CustomerDebt.Amount != 1_000_000 || unit.CustomerDebt.Paid != 9_000_000 {
		t.Fatalf("unexpected unit ledger after update: %+v", unit.CustomerDebt)
	}
	if unit.SalePrice != 10_000_000 {
		t.Fatalf("unit sale price must follow the edit, got %d", unit.SalePrice)
	}

	entries, _ := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	var reversal, repost bool
	for _, e := range entries {
		if e.RelatedID == resp.BatchID && e.RelatedType == domain.RelatedKhac {
			if e.Type == domain.CashbookChi && e.Amount == 11_000_000 {
				reversal = true
			}
			if e.Type == domain.CashbookThu && e.Amount == 9_000_000 {
				repost = true
			}
		}
	}
	if !reversal || !repost {
		t.Fatalf("expected reversal and repost entries, got %+v", entries)
	}
}

func TestUpdateSaleRejectsForeignUnitsAndReversedBatches(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13",
		IMEIs: []string{"333333333333333", "444444444444444"}, CostPrice: 9_000_000,
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Le C",
		Items:        []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 11_000_000}},
	})

	_, err := svc.UpdateSale(ctxAs(domain.RoleStaff), resp.BatchID, domain.UpdateSaleRequest{
		Items: []domain.SaleItemRequest{{UnitID: "unit-does-not-exist", Quantity: 1, UnitPrice: 1}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a foreign unit, got %v", err)
	}

	if _, err := svc.ExecuteReturn(ctxAs(domain.RoleManager), resp.BatchID, domain.ReturnRequest{Amount: 11_000_000}); err != nil {
		t.Fatalf("ExecuteReturn: %v", err)
	}
	_, err = svc.UpdateSale(ctxAs(domain.RoleStaff), resp.BatchID, domain.UpdateSaleRequest{
		Items: []domain.SaleItemRequest{{UnitID: resp.Lines[0].UnitID, Quantity: 1, UnitPrice: 1}},
	})
	if !errors.Is(err, store.ErrAlreadyReturned) {
		t.Fatalf("reversed batches must reject edits, got %v", err)
	}
}

func TestCashbookRunningBalanceAndAutoImmutability(t *testing.T) {
	svc, _ := newTestService()

	first, err := svc.PostManual(ctxAs(domain.RoleStaff), domain.ManualCashbookRequest{
		Type: domain.CashbookThu, Amount: 5_000_000, Content: "von dau ngay",
	})
	if err != nil {
		t.Fatalf("PostManual: %v", err)
	}
	if first.BalanceBefore != 0 || first.BalanceAfter != 5_000_000 {
		t.Fatalf("unexpected balances: %+v", first)
	}
	second, err := svc.PostManual(ctxAs(domain.RoleStaff), domain.ManualCashbookRequest{
		Type: domain.CashbookChi, Amount: 2_000_000, Content: "tra tien dien",
	})
	if err != nil {
		t.Fatalf("PostManual: %v", err)
	}
	if second.BalanceBefore != 5_000_000 || second.BalanceAfter != 3_000_000 {
		t.Fatalf("running balance broken: %+v", second)
	}

	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13", IMEIs: []string{"333333333333333"}, CostPrice: 9_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		Items:    []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 11_000_000}},
	})
	entries, _ := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	var autoID string
	for _, e := range entries {
		if e.IsAuto {
			autoID = e.ID
		}
	}
	if autoID == "" {
		t.Fatalf("expected an auto entry from the sale")
	}
	if _, err := svc.UpdateManual(ctxAs(domain.RoleStaff), autoID, domain.ManualCashbookRequest{
		Type: domain.CashbookThu, Amount: 1, Content: "x",
	}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("auto entries must reject edits, got %v", err)
	}
	if err := svc.DeleteManual(ctxAs(domain.RoleManager), autoID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("auto entries must reject deletes, got %v", err)
	}
}

func TestInventorySummaryBalances(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "CASE-01", ProductName: "Op lung trong", Quantity: 10, CostPrice: 50_000, ImportDate: "2024-02-01",
	})
	resp := mustSale(t, svc, domain.SaleRequest{
		Items:    []domain.SaleItemRequest{{SKU: "CASE-01", Quantity: 4, UnitPrice: 120_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 480_000}},
	})

	summary, err := svc.InventorySummary(ctxAs(domain.RoleStaff), testBranch)
	if err != nil {
		t.Fatalf("InventorySummary: %v", err)
	}
	if len(summary.Rows) != 1 {
		t.Fatalf("expected 1 row, got %+v", summary.Rows)
	}
	row := summary.Rows[0]
	if row.TotalImported != 10 || row.TotalSold != 4 || row.Remaining != 6 {
		t.Fatalf("summary out of balance: %+v", row)
	}
	if row.Remaining != row.TotalImported-row.TotalSold {
		t.Fatalf("remaining must equal imported minus sold: %+v", row)
	}

	if _, err := svc.ExecuteReturn(ctxAs(domain.RoleManager), resp.BatchID, domain.ReturnRequest{Amount: 480_000}); err != nil {
		t.Fatalf("ExecuteReturn: %v", err)
	}
	summary, err = svc.InventorySummary(ctxAs(domain.RoleStaff), testBranch)
	if err != nil {
		t.Fatalf("InventorySummary: %v", err)
	}
	row = summary.Rows[0]
	if row.TotalSold != 0 || row.Remaining != 10 || row.Remaining != row.TotalImported-row.TotalSold {
		t.Fatalf("returned sale must be netted out: %+v", row)
	}
}

func TestSupplierDebtLifecycle(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13", IMEIs: []string{"333333333333333"},
		CostPrice: 10_000_000, Supplier: "NCC Minh Phat", PaidToSupplier: 4_000_000,
	})

	debts, err := svc.SupplierDebts(ctxAs(domain.RoleManager), "", false)
	if err != nil {
		t.Fatalf("SupplierDebts: %v", err)
	}
	if len(debts) != 1 || debts[0].TotalDebt != 6_000_000 || debts[0].TotalPaid != 4_000_000 {
		t.Fatalf("unexpected supplier aggregate: %+v", debts)
	}

	agg, err := svc.PaySupplierDebt(ctxAs(domain.RoleManager), domain.SupplierDebtPayRequest{
		Supplier: "NCC Minh Phat", Amount: 2_000_000,
	})
	if err != nil {
		t.Fatalf("PaySupplierDebt: %v", err)
	}
	if agg.TotalDebt != 4_000_000 || agg.TotalPaid != 6_000_000 {
		t.Fatalf("unexpected aggregate after pay: %+v", agg)
	}

	entries, _ := svc.Cashbook(ctxAs(domain.RoleManager), domain.CashbookFilter{})
	found := false
	for _, e := range entries {
		if e.RelatedType == domain.RelatedTraNoNCC && e.Type == domain.CashbookChi && e.Amount == 2_000_000 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a tra_no_ncc chi entry, got %+v", entries)
	}
}

func TestRenameAndClearDebtor(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12", IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Pham D", CustomerPhone: "0988777666",
		Items: []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
	})

	err := svc.RenameDebtor(ctxAs(domain.RoleManager), domain.RenameDebtorRequest{
		OldName: "Pham D", OldPhone: "0988777666", NewName: "Pham Van D", NewPhone: "0988777666",
	})
	if err != nil {
		t.Fatalf("RenameDebtor: %v", err)
	}
	debts, _ := svc.Debts(ctxAs(domain.RoleStaff), "", false)
	if len(debts) != 1 || debts[0].CustomerName != "Pham Van D" {
		t.Fatalf("rename did not take: %+v", debts)
	}

	if err := svc.ClearDebt(ctxAs(domain.RoleStaff), "Pham Van D", "0988777666"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("staff must not clear debt, got %v", err)
	}
	if err := svc.ClearDebt(ctxAs(domain.RoleAdmin), "Pham Van D", "0988777666"); err != nil {
		t.Fatalf("ClearDebt: %v", err)
	}
	debts, _ = svc.Debts(ctxAs(domain.RoleStaff), "", true)
	if len(debts) != 0 {
		t.Fatalf("cleared ledger must disappear, got %+v", debts)
	}
}

func TestBranchScopeForbidden(t *testing.T) {
	svc, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{
		Username: "nv2", Role: domain.RoleStaff, Branch: "chi-nhanh-2",
	})
	_, err := svc.ExecuteSale(ctx, domain.SaleRequest{
		Branch: testBranch,
		Items:  []domain.SaleItemRequest{{SKU: "X", Quantity: 1, UnitPrice: 1}},
	})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("cross-branch sale must be forbidden, got %v", err)
	}
}

func TestAutoCashbookToggleOff(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, testBranch, false, time.Second)
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13", IMEIs: []string{"333333333333333"}, CostPrice: 9_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		Items:    []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments: []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 11_000_000}},
	})
	entries, err := svc.Cashbook(ctxAs(domain.RoleStaff), domain.CashbookFilter{})
	if err != nil {
		t.Fatalf("Cashbook: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("auto posting disabled, expected no entries, got %+v", entries)
	}
}

func TestSalesReportNetsOutReturns(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP13", ProductName: "iPhone 13",
		IMEIs: []string{"333333333333333", "444444444444444"}, CostPrice: 9_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Khach 1",
		Items:        []domain.SaleItemRequest{{IMEI: "333333333333333", UnitPrice: 11_000_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceTienMat, Amount: 7_000_000}},
	})
	returned := mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Khach 2",
		Items:        []domain.SaleItemRequest{{IMEI: "444444444444444", UnitPrice: 12_000_000}},
		Payments:     []domain.PaymentAllocation{{Source: domain.SourceThe, Amount: 12_000_000}},
	})
	if _, err := svc.ExecuteReturn(ctxAs(domain.RoleManager), returned.BatchID, domain.ReturnRequest{Amount: 12_000_000}); err != nil {
		t.Fatalf("ExecuteReturn: %v", err)
	}

	report, err := svc.SalesReport(ctxAs(domain.RoleManager), testBranch, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	if report.BatchCount != 1 || report.UnitsSold != 1 {
		t.Fatalf("reversed batch must not count: %+v", report)
	}
	if report.TotalRevenue != 11_000_000 || report.TotalCollected != 7_000_000 || report.TotalOutstanding != 4_000_000 {
		t.Fatalf("unexpected totals: %+v", report)
	}
	if report.TotalReturned != 12_000_000 {
		t.Fatalf("refund must land in TotalReturned, got %d", report.TotalReturned)
	}
	if len(report.BySource) != 1 || report.BySource[0].Source != domain.SourceTienMat {
		t.Fatalf("reversed batch payments must be excluded, got %+v", report.BySource)
	}

	if _, err := svc.SalesReport(ctxAs(domain.RoleStaff), testBranch, time.Time{}, time.Time{}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("staff must not read reports, got %v", err)
	}
}

func TestDebtAggregatesAreRecomputedFresh(t *testing.T) {
	svc, _ := newTestService()
	mustIntake(t, svc, domain.IntakeRequest{
		SKU: "IP12", ProductName: "iPhone 12", IMEIs: []string{"111111111111111"}, CostPrice: 8_000_000,
	})
	mustSale(t, svc, domain.SaleRequest{
		CustomerName: "Tran B",
		Items:        []domain.SaleItemRequest{{IMEI: "111111111111111", UnitPrice: 10_000_000}},
	})

	first, err := svc.Debts(ctxAs(domain.RoleStaff), "", false)
	if err != nil {
		t.Fatalf("Debts: %v", err)
	}
	second, err := svc.Debts(ctxAs(domain.RoleStaff), "", false)
	if err != nil {
		t.Fatalf("Debts: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0].TotalDebt != second[0].TotalDebt {
		t.Fatalf("aggregates must be stable across reads: %+v vs %+v", first, second)
	}
	if first[0].TotalDebt != 10_000_000 {
		t.Fatalf("unexpected debt: %+v", first[0])
	}
}
