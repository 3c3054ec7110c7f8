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

// CreateIntake registers stock: one serialized unit per IMEI, or a single
// grouped quantity line. The unpaid part of the purchase cost opens the
// supplier sub-ledger on each created unit.
func (s *Service) CreateIntake(ctx context.Context, req domain.IntakeRequest) ([]domain.InventoryUnit, error) {
	actor, err := s.requireRole(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	branch, err := s.writeBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.Category = strings.TrimSpace(req.Category)
	req.Supplier = strings.TrimSpace(req.Supplier)
	if req.SKU == "" || req.ProductName == "" {
		return nil, fmt.Errorf("%w: sku and product name are required", store.ErrInvalidAmount)
	}
	if req.CostPrice < 0 || req.PaidToSupplier < 0 {
		return nil, fmt.Errorf("%w: negative amounts", store.ErrInvalidAmount)
	}

	imeis := make([]string, 0, len(req.IMEIs))
	seen := map[string]bool{}
	for _, raw := range req.IMEIs {
		imei := strings.TrimSpace(raw)
		if imei == "" {
			continue
		}
		if seen[strings.ToLower(imei)] {
			return nil, fmt.Errorf("%w: imei %s listed twice", store.ErrInvalidAmount, imei)
		}
		seen[strings.ToLower(imei)] = true
		imeis = append(imeis, imei)
	}
	if len(imeis) == 0 && req.Quantity < 1 {
		return nil, fmt.Errorf("%w: need imeis or a quantity", store.ErrInvalidAmount)
	}

	importDate := parseDate(req.ImportDate)
	now := time.Now().UTC()

	var units []domain.InventoryUnit
	if len(imeis) > 0 {
		for _, imei := range imeis {
			units = append(units, domain.InventoryUnit{
				ID:          xid.New("unit"),
				Kind:        domain.UnitKindSerialized,
				IMEI:        imei,
				SKU:         req.SKU,
				ProductName: req.ProductName,
				Category:    req.Category,
				Branch:      branch,
				Supplier:    req.Supplier,
				CostPrice:   req.CostPrice,
				ImportDate:  importDate,
				Quantity:    1,
				Status:      domain.UnitStatusInStock,
				Note:        req.Note,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
	} else {
		units = append(units, domain.InventoryUnit{
			ID:          xid.New("unit"),
			Kind:        domain.UnitKindGrouped,
			SKU:         req.SKU,
			ProductName: req.ProductName,
			Category:    req.Category,
			Branch:      branch,
			Supplier:    req.Supplier,
			CostPrice:   req.CostPrice,
			ImportDate:  importDate,
			Quantity:    req.Quantity,
			Status:      domain.UnitStatusInStock,
			Note:        req.Note,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if req.Supplier != "" {
		costs := make([]int64, len(units))
		var totalCost int64
		for i, u := range units {
			costs[i] = u.CostPrice * int64(u.Quantity)
			totalCost += costs[i]
		}
		paid := req.PaidToSupplier
		if paid > totalCost {
			paid = totalCost
		}
		allocated := store.AllocateLinePaid(costs, paid)
		for i := range units {
			debt := costs[i] - allocated[i]
			ledger := domain.SubLedger{Amount: debt, Paid: allocated[i]}
			if debt > 0 {
				ledger.History = []domain.DebtEvent{{
					Type:   domain.DebtEventAdd,
					Amount: debt,
					Date:   importDate,
					Note:   "nhap hang",
				}}
			}
			units[i].SupplierDebt = ledger
		}
	}

	if err := s.repo.CreateUnits(ctx, units); err != nil {
		return nil, err
	}
	s.logAudit(ctx, branch, "intake_create", "inventory_unit", req.SKU,
		fmt.Sprintf("units=%d,cost=%d,actor=%s", len(units), req.CostPrice, actor.Username))
	return units, nil
}

// AvailableUnits lists in-stock units matching the filter.
func (s *Service) AvailableUnits(ctx context.Context, f domain.UnitFilter) ([]domain.InventoryUnit, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	f.Branch = s.readBranch(ctx, f.Branch)
	f.Status = domain.UnitStatusInStock
	units, err := s.repo.ListUnits(ctx, f)
	if err != nil {
		return nil, err
	}
	out := units[:0]
	for _, u := range units {
		if u.Kind == domain.UnitKindGrouped && u.Quantity <= 0 {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

type summaryKey struct {
	sku, name, category, branch, month string
}

// InventorySummary groups stock by product and import month. Results may be
// served from the report cache for a few seconds; the underlying unit rows
// are always the source of truth.
func (s *Service) InventorySummary(ctx context.Context, branch string) (*domain.InventorySummary, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	branch = s.readBranch(ctx, branch)
	if branch == "" {
		branch = s.defaultBranch
	}

	cacheKey := "inventory-summary:" + strings.ToLower(branch)
	var cached domain.InventorySummary
	if s.cache.Get(ctx, cacheKey, &cached) {
		return &cached, nil
	}

	units, err := s.repo.ListUnits(ctx, domain.UnitFilter{Branch: branch})
	if err != nil {
		return nil, err
	}

	rows := map[summaryKey]*domain.InventorySummaryRow{}
	for _, u := range units {
		key := summaryKey{
			sku:      u.SKU,
			name:     u.ProductName,
			category: u.Category,
			branch:   u.Branch,
			month:    u.ImportDate.UTC().Format("2006-01"),
		}
		row, ok := rows[key]
		if !ok {
			row = &domain.InventorySummaryRow{
				SKU:         key.sku,
				ProductName: key.name,
				Category:    key.category,
				Branch:      key.branch,
				ImportMonth: key.month,
			}
			rows[key] = row
		}
		switch {
		case u.Status == domain.UnitStatusInStock:
			row.Remaining += u.Quantity
			row.TotalCost += u.CostPrice * int64(u.Quantity)
		case u.Status == domain.UnitStatusSold && !u.SaleReversed:
			row.TotalSold += u.Quantity
		}
	}

	summary := domain.InventorySummary{
		Branch:      branch,
		GeneratedAt: time.Now().UTC(),
	}
	for _, row := range rows {
		row.TotalImported = row.Remaining + row.TotalSold
		summary.Rows = append(summary.Rows, *row)
	}
	slices.SortFunc(summary.Rows, func(a, b domain.InventorySummaryRow) int {
		if c := strings.Compare(b.ImportMonth, a.ImportMonth); c != 0 {
			return c
		}
		return strings.Compare(a.ProductName, b.ProductName)
	})

	s.cache.Set(ctx, cacheKey, summary, s.reportTTL)
	return &summary, nil
}

// DeleteUnit removes an in-stock unit outright. Sold units are part of the
// sale history and cannot be deleted.
func (s *Service) DeleteUnit(ctx context.Context, id string) error {
	actor, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return err
	}
	unit, err := s.repo.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteUnit(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, unit.Branch, "unit_delete", "inventory_unit", id,
		fmt.Sprintf("sku=%s,actor=%s", unit.SKU, actor.Username))
	return nil
}
