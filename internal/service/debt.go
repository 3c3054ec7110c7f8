package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

// PayDebt applies a customer payment to their open units, oldest sale first.
// Anything beyond the total outstanding is silently dropped; the aggregate
// returned reflects the persisted state after the payment.
func (s *Service) PayDebt(ctx context.Context, req domain.DebtPayRequest) (*domain.DebtAggregate, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.CustomerName)
	phone := strings.TrimSpace(req.CustomerPhone)
	if name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrInvalidAmount)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrInvalidAmount)
	}

	branch := s.readBranch(ctx, "")
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:           branch,
		BuyerName:        name,
		BuyerPhone:       phone,
		WithCustomerDebt: true,
	})
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no ledger for %s", store.ErrNotFound, name)
	}

	open := make([]domain.InventoryUnit, 0, len(units))
	for _, u := range units {
		if u.CustomerDebt.Amount > 0 {
			open = append(open, u)
		}
	}
	slices.SortFunc(open, bySaleDateAsc)

	now := time.Now().UTC()
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "thu no"
	}
	remaining := req.Amount
	var updates []store.UnitDebtUpdate
	for _, u := range open {
		if remaining <= 0 {
			break
		}
		pay := u.CustomerDebt.Amount
		if pay > remaining {
			pay = remaining
		}
		ledger := u.CustomerDebt
		ledger.Amount -= pay
		ledger.Paid += pay
		ledger.History = append(slices.Clone(ledger.History), domain.DebtEvent{
			Type:   domain.DebtEventPay,
			Amount: pay,
			Date:   now,
			Note:   note,
		})
		updates = append(updates, store.UnitDebtUpdate{UnitID: u.ID, Customer: &ledger})
		remaining -= pay
	}
	applied := req.Amount - remaining

	if len(updates) > 0 {
		if err := s.repo.UpdateUnitDebts(ctx, updates); err != nil {
			return nil, err
		}
	}
	if s.autoCashbook && applied > 0 {
		entry := s.autoEntry(
			domain.CashbookThu, applied, domain.SourceTienMat, open[0].Branch,
			xid.New("paydebt"), domain.RelatedThuNo,
			fmt.Sprintf("Thu no khach %s", name),
			actor.Username, now)
		if _, err := s.repo.CreateCashbookEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	s.logAudit(ctx, branch, "debt_pay", "customer", name,
		fmt.Sprintf("requested=%d,applied=%d", req.Amount, applied))

	return s.customerAggregate(ctx, name, phone, branch)
}

// AddDebt raises the customer's debt on their most recently sold unit.
func (s *Service) AddDebt(ctx context.Context, req domain.DebtPayRequest) (*domain.DebtAggregate, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.CustomerName)
	phone := strings.TrimSpace(req.CustomerPhone)
	if name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrInvalidAmount)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrInvalidAmount)
	}

	branch := s.readBranch(ctx, "")
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:     branch,
		Status:     domain.UnitStatusSold,
		BuyerName:  name,
		BuyerPhone: phone,
	})
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no sold units for %s", store.ErrNotFound, name)
	}
	slices.SortFunc(units, bySaleDateAsc)
	target := units[len(units)-1]

	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "ghi no them"
	}
	ledger := target.CustomerDebt
	ledger.Amount += req.Amount
	ledger.History = append(slices.Clone(ledger.History), domain.DebtEvent{
		Type:   domain.DebtEventAdd,
		Amount: req.Amount,
		Date:   time.Now().UTC(),
		Note:   note,
	})
	if err := s.repo.UpdateUnitDebts(ctx, []store.UnitDebtUpdate{{UnitID: target.ID, Customer: &ledger}}); err != nil {
		return nil, err
	}
	s.logAudit(ctx, branch, "debt_add", "customer", name, fmt.Sprintf("amount=%d,unit=%s", req.Amount, target.ID))
	return s.customerAggregate(ctx, name, phone, branch)
}

// Debts aggregates customer ledgers grouped by (name, phone). Aggregates
// are always computed from the persisted units, never cached.
func (s *Service) Debts(ctx context.Context, search string, showAll bool) ([]domain.DebtAggregate, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	branch := s.readBranch(ctx, "")
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:           branch,
		WithCustomerDebt: true,
		Search:           strings.TrimSpace(search),
	})
	if err != nil {
		return nil, err
	}

	type key struct{ name, phone string }
	groups := map[key]*domain.DebtAggregate{}
	for _, u := range units {
		if strings.TrimSpace(u.BuyerName) == "" {
			continue
		}
		k := key{strings.ToLower(strings.TrimSpace(u.BuyerName)), strings.TrimSpace(u.BuyerPhone)}
		agg, ok := groups[k]
		if !ok {
			agg = &domain.DebtAggregate{
				CustomerName:  strings.TrimSpace(u.BuyerName),
				CustomerPhone: strings.TrimSpace(u.BuyerPhone),
			}
			groups[k] = agg
		}
		agg.TotalDebt += u.CustomerDebt.Amount
		agg.TotalPaid += u.CustomerDebt.Paid
		agg.History = append(agg.History, u.CustomerDebt.History...)
		agg.UnitIDs = append(agg.UnitIDs, u.ID)
	}

	out := make([]domain.DebtAggregate, 0, len(groups))
	for _, agg := range groups {
		if !showAll && agg.TotalDebt == 0 {
			continue
		}
		slices.SortFunc(agg.History, byEventDateDesc)
		out = append(out, *agg)
	}
	slices.SortFunc(out, func(a, b domain.DebtAggregate) int {
		if b.TotalDebt != a.TotalDebt {
			if b.TotalDebt > a.TotalDebt {
				return 1
			}
			return -1
		}
		return strings.Compare(a.CustomerName, b.CustomerName)
	})
	return out, nil
}

func (s *Service) customerAggregate(ctx context.Context, name, phone, branch string) (*domain.DebtAggregate, error) {
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:           branch,
		BuyerName:        name,
		BuyerPhone:       phone,
		WithCustomerDebt: true,
	})
	if err != nil {
		return nil, err
	}
	agg := domain.DebtAggregate{CustomerName: name, CustomerPhone: phone}
	for _, u := range units {
		agg.TotalDebt += u.CustomerDebt.Amount
		agg.TotalPaid += u.CustomerDebt.Paid
		agg.History = append(agg.History, u.CustomerDebt.History...)
		agg.UnitIDs = append(agg.UnitIDs, u.ID)
	}
	slices.SortFunc(agg.History, byEventDateDesc)
	return &agg, nil
}

// RenameDebtor moves every unit of one customer key to a new one, merging
// ledgers under the new identity.
func (s *Service) RenameDebtor(ctx context.Context, req domain.RenameDebtorRequest) error {
	if _, err := s.requireRole(ctx, domain.RoleManager); err != nil {
		return err
	}
	newName := strings.TrimSpace(req.NewName)
	if newName == "" {
		return fmt.Errorf("%w: new name is required", store.ErrInvalidAmount)
	}
	count, err := s.repo.RenameBuyer(ctx, req.OldName, req.OldPhone, newName, strings.TrimSpace(req.NewPhone))
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: no units for %s", store.ErrNotFound, req.OldName)
	}
	s.logAudit(ctx, "", "debt_rename", "customer", newName, fmt.Sprintf("from=%s,units=%d", req.OldName, count))
	return nil
}

// ClearDebt wipes a customer's sub-ledgers entirely, history included.
func (s *Service) ClearDebt(ctx context.Context, name, phone string) error {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		BuyerName:        strings.TrimSpace(name),
		BuyerPhone:       strings.TrimSpace(phone),
		WithCustomerDebt: true,
	})
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("%w: no ledger for %s", store.ErrNotFound, name)
	}
	updates := make([]store.UnitDebtUpdate, 0, len(units))
	for _, u := range units {
		empty := domain.SubLedger{}
		updates = append(updates, store.UnitDebtUpdate{UnitID: u.ID, Customer: &empty})
	}
	if err := s.repo.UpdateUnitDebts(ctx, updates); err != nil {
		return err
	}
	s.logAudit(ctx, "", "debt_clear", "customer", name, fmt.Sprintf("units=%d", len(units)))
	return nil
}

// PaySupplierDebt mirrors PayDebt on the supplier side, oldest import first.
func (s *Service) PaySupplierDebt(ctx context.Context, req domain.SupplierDebtPayRequest) (*domain.SupplierDebtAggregate, error) {
	actor, err := s.requireRole(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	supplier := strings.TrimSpace(req.Supplier)
	if supplier == "" {
		return nil, fmt.Errorf("%w: supplier is required", store.ErrInvalidAmount)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrInvalidAmount)
	}

	branch := s.readBranch(ctx, "")
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:           branch,
		Supplier:         supplier,
		WithSupplierDebt: true,
	})
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no ledger for supplier %s", store.ErrNotFound, supplier)
	}

	open := make([]domain.InventoryUnit, 0, len(units))
	for _, u := range units {
		if u.SupplierDebt.Amount > 0 {
			open = append(open, u)
		}
	}
	slices.SortFunc(open, func(a, b domain.InventoryUnit) int {
		return a.ImportDate.Compare(b.ImportDate)
	})

	now := time.Now().UTC()
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "tra no ncc"
	}
	remaining := req.Amount
	var updates []store.UnitDebtUpdate
	for _, u := range open {
		if remaining <= 0 {
			break
		}
		pay := u.SupplierDebt.Amount
		if pay > remaining {
			pay = remaining
		}
		ledger := u.SupplierDebt
		ledger.Amount -= pay
		ledger.Paid += pay
		ledger.History = append(slices.Clone(ledger.History), domain.DebtEvent{
			Type:   domain.DebtEventPay,
			Amount: pay,
			Date:   now,
			Note:   note,
		})
		updates = append(updates, store.UnitDebtUpdate{UnitID: u.ID, Supplier: &ledger})
		remaining -= pay
	}
	applied := req.Amount - remaining

	if len(updates) > 0 {
		if err := s.repo.UpdateUnitDebts(ctx, updates); err != nil {
			return nil, err
		}
	}
	if s.autoCashbook && applied > 0 {
		entry := s.autoEntry(
			domain.CashbookChi, applied, domain.SourceTienMat, open[0].Branch,
			xid.New("payncc"), domain.RelatedTraNoNCC,
			fmt.Sprintf("Tra no NCC %s", supplier),
			actor.Username, now)
		if _, err := s.repo.CreateCashbookEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	s.logAudit(ctx, branch, "supplier_debt_pay", "supplier", supplier,
		fmt.Sprintf("requested=%d,applied=%d", req.Amount, applied))

	return s.supplierAggregate(ctx, supplier, branch)
}

func (s *Service) SupplierDebts(ctx context.Context, search string, showAll bool) ([]domain.SupplierDebtAggregate, error) {
	if _, err := s.requireRole(ctx, domain.RoleManager); err != nil {
		return nil, err
	}
	branch := s.readBranch(ctx, "")
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:           branch,
		WithSupplierDebt: true,
	})
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(search))
	groups := map[string]*domain.SupplierDebtAggregate{}
	for _, u := range units {
		name := strings.TrimSpace(u.Supplier)
		if name == "" {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(name), q) {
			continue
		}
		k := strings.ToLower(name)
		agg, ok := groups[k]
		if !ok {
			agg = &domain.SupplierDebtAggregate{Supplier: name}
			groups[k] = agg
		}
		agg.TotalDebt += u.SupplierDebt.Amount
		agg.TotalPaid += u.SupplierDebt.Paid
		agg.History = append(agg.History, u.SupplierDebt.History...)
		agg.UnitIDs = append(agg.UnitIDs, u.ID)
	}

	out := make([]domain.SupplierDebtAggregate, 0, len(groups))
	for _, agg := range groups {
		if !showAll && agg.TotalDebt == 0 {
			continue
		}
		slices.SortFunc(agg.History, byEventDateDesc)
		out = append(out, *agg)
	}
	slices.SortFunc(out, func(a, b domain.SupplierDebtAggregate) int {
		return strings.Compare(a.Supplier, b.Supplier)
	})
	return out, nil
}

func (s *Service) supplierAggregate(ctx context.Context, supplier, branch string) (*domain.SupplierDebtAggregate, error) {
	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{
		Branch:           branch,
		Supplier:         supplier,
		WithSupplierDebt: true,
	})
	if err != nil {
		return nil, err
	}
	agg := domain.SupplierDebtAggregate{Supplier: supplier}
	for _, u := range units {
		agg.TotalDebt += u.SupplierDebt.Amount
		agg.TotalPaid += u.SupplierDebt.Paid
		agg.History = append(agg.History, u.SupplierDebt.History...)
		agg.UnitIDs = append(agg.UnitIDs, u.ID)
	}
	slices.SortFunc(agg.History, byEventDateDesc)
	return &agg, nil
}

func bySaleDateAsc(a, b domain.InventoryUnit) int {
	switch {
	case a.SaleDate == nil && b.SaleDate == nil:
		return a.CreatedAt.Compare(b.CreatedAt)
	case a.SaleDate == nil:
		return 1
	case b.SaleDate == nil:
		return -1
	}
	if c := a.SaleDate.Compare(*b.SaleDate); c != 0 {
		return c
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

func byEventDateDesc(a, b domain.DebtEvent) int {
	return b.Date.Compare(a.Date)
}
