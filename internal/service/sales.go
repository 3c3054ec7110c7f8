package service

import (
	"context"
	"fmt"
	"strings"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

// ExecuteSale sells a batch of units as one unit of work: reservation,
// batch write, debt allocation and cashbook posting either all land or
// none do. Concurrent sales racing for one serialized unit leave exactly
// one winner; the loser gets ErrOutOfStock.
func (s *Service) ExecuteSale(ctx context.Context, req domain.SaleRequest) (*domain.SaleResponse, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	branch, err := s.writeBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}

	items, totalAmount, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}
	payments, totalPaid, err := normalizePayments(req.Payments)
	if err != nil {
		return nil, err
	}
	if totalPaid > totalAmount {
		return nil, fmt.Errorf("%w: paid %d exceeds total %d", store.ErrInconsistent, totalPaid, totalAmount)
	}

	saleDate := parseDate(req.SaleDate)
	batch := domain.SaleBatch{
		BatchID:       xid.New("batch"),
		Branch:        branch,
		SaleDate:      saleDate,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Note:          strings.TrimSpace(req.Note),
		Payments:      payments,
		TotalAmount:   totalAmount,
		TotalPaid:     totalPaid,
	}

	var entries []domain.CashbookEntry
	if s.autoCashbook {
		for _, p := range collectedBySource(payments) {
			entries = append(entries, s.autoEntry(
				domain.CashbookThu, p.Amount, p.Source, branch,
				batch.BatchID, domain.RelatedBanHang,
				fmt.Sprintf("Thu ban hang %s", batch.BatchID),
				actor.Username, saleDate))
		}
	}

	created, err := s.repo.CreateSaleBatch(ctx, batch, items, entries)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, branch, "sale_create", "sale_batch", created.BatchID,
		fmt.Sprintf("total=%d,paid=%d,debt=%d,lines=%d", created.TotalAmount, created.TotalPaid, created.Debt, len(created.Lines)))

	return &domain.SaleResponse{
		BatchID:     created.BatchID,
		TotalAmount: created.TotalAmount,
		TotalPaid:   created.TotalPaid,
		Debt:        created.Debt,
		Lines:       created.Lines,
	}, nil
}

// UpdateSale edits quantities, prices and payments of an existing batch.
// Previously posted collection entries are reversed and reposted so the
// cashbook keeps a full audit trail instead of silently mutating.
func (s *Service) UpdateSale(ctx context.Context, batchID string, req domain.UpdateSaleRequest) (*domain.SaleResponse, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetSaleBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.writeBranch(ctx, existing.Branch); err != nil {
		return nil, err
	}

	items, totalAmount, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}
	payments, totalPaid, err := normalizePayments(req.Payments)
	if err != nil {
		return nil, err
	}
	if totalPaid > totalAmount {
		return nil, fmt.Errorf("%w: paid %d exceeds total %d", store.ErrInconsistent, totalPaid, totalAmount)
	}

	var entries []domain.CashbookEntry
	if s.autoCashbook && !sameCollected(existing.Payments, payments) {
		now := parseDate("")
		for _, p := range collectedBySource(existing.Payments) {
			entries = append(entries, s.autoEntry(
				domain.CashbookChi, p.Amount, p.Source, existing.Branch,
				batchID, domain.RelatedKhac,
				fmt.Sprintf("Dieu chinh don %s: hoan thu cu", batchID),
				actor.Username, now))
		}
		for _, p := range collectedBySource(payments) {
			entries = append(entries, s.autoEntry(
				domain.CashbookThu, p.Amount, p.Source, existing.Branch,
				batchID, domain.RelatedKhac,
				fmt.Sprintf("Dieu chinh don %s: thu moi", batchID),
				actor.Username, now))
		}
	}

	updated, err := s.repo.RewriteSaleBatch(ctx, domain.SaleBatch{
		BatchID:     batchID,
		Branch:      existing.Branch,
		Payments:    payments,
		TotalAmount: totalAmount,
		TotalPaid:   totalPaid,
		Note:        strings.TrimSpace(req.Note),
	}, items, entries)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, existing.Branch, "sale_update", "sale_batch", batchID,
		fmt.Sprintf("total=%d,paid=%d,debt=%d", updated.TotalAmount, updated.TotalPaid, updated.Debt))

	return &domain.SaleResponse{
		BatchID:     updated.BatchID,
		TotalAmount: updated.TotalAmount,
		TotalPaid:   updated.TotalPaid,
		Debt:        updated.Debt,
		Lines:       updated.Lines,
	}, nil
}

func (s *Service) GetSaleBatch(ctx context.Context, batchID string) (*domain.SaleBatch, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	batch, err := s.repo.GetSaleBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.writeBranch(ctx, batch.Branch); err != nil {
		return nil, err
	}
	return batch, nil
}

func normalizeItems(items []domain.SaleItemRequest) ([]domain.SaleItemRequest, int64, error) {
	if len(items) == 0 {
		return nil, 0, fmt.Errorf("%w: sale needs at least one item", store.ErrInvalidAmount)
	}
	out := make([]domain.SaleItemRequest, 0, len(items))
	var total int64
	for _, item := range items {
		item.UnitID = strings.TrimSpace(item.UnitID)
		item.IMEI = strings.TrimSpace(item.IMEI)
		item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
		if item.UnitID == "" && item.IMEI == "" && item.SKU == "" {
			return nil, 0, fmt.Errorf("%w: item needs a unit id, imei or sku", store.ErrInvalidAmount)
		}
		if item.Quantity < 0 || item.UnitPrice < 0 {
			return nil, 0, fmt.Errorf("%w: negative quantity or price", store.ErrInvalidAmount)
		}
		if item.Quantity == 0 {
			item.Quantity = 1
		}
		total += item.UnitPrice * int64(item.Quantity)
		out = append(out, item)
	}
	return out, total, nil
}

// normalizePayments totals the collected money. cong_no allocations stay in
// the list for the record but never count as collected cash.
func normalizePayments(payments []domain.PaymentAllocation) ([]domain.PaymentAllocation, int64, error) {
	out := make([]domain.PaymentAllocation, 0, len(payments))
	var paid int64
	for _, p := range payments {
		if p.Amount <= 0 {
			return nil, 0, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidAmount)
		}
		if !domain.ValidSource(p.Source) {
			return nil, 0, fmt.Errorf("%w: unknown source %s", store.ErrInvalidAmount, p.Source)
		}
		if p.Source != domain.SourceCongNo {
			paid += p.Amount
		}
		out = append(out, p)
	}
	return out, paid, nil
}

// collectedBySource merges allocations sharing a source into one amount per
// source, dropping cong_no. The cashbook gets at most one entry per source
// per posting.
func collectedBySource(payments []domain.PaymentAllocation) []domain.PaymentAllocation {
	idx := map[string]int{}
	out := make([]domain.PaymentAllocation, 0, len(payments))
	for _, p := range payments {
		if p.Source == domain.SourceCongNo || p.Amount <= 0 {
			continue
		}
		if i, ok := idx[p.Source]; ok {
			out[i].Amount += p.Amount
			continue
		}
		idx[p.Source] = len(out)
		out = append(out, p)
	}
	return out
}

// sameCollected reports whether two payment lists collect the same amounts
// from the same sources. An edit that only moves money between sources still
// changes what each cashbook line attributes.
func sameCollected(a, b []domain.PaymentAllocation) bool {
	diff := map[string]int64{}
	for _, p := range a {
		if p.Source != domain.SourceCongNo {
			diff[p.Source] += p.Amount
		}
	}
	for _, p := range b {
		if p.Source != domain.SourceCongNo {
			diff[p.Source] -= p.Amount
		}
	}
	for _, v := range diff {
		if v != 0 {
			return false
		}
	}
	return true
}
