package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"quanlyshop/backend/internal/domain"
)

// SalesReport aggregates the period's batches with returned sales netted
// out: a reversed batch contributes nothing to revenue or collection, and
// its refund shows up in TotalReturned.
func (s *Service) SalesReport(ctx context.Context, branch string, from, to time.Time) (*domain.SalesReport, error) {
	if _, err := s.requireRole(ctx, domain.RoleManager); err != nil {
		return nil, err
	}
	branch = s.readBranch(ctx, branch)
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}

	batches, err := s.repo.ListSaleBatches(ctx, domain.SaleBatchFilter{Branch: branch, From: from, To: to})
	if err != nil {
		return nil, err
	}
	returns, err := s.repo.ListReturns(ctx, branch, 0)
	if err != nil {
		return nil, err
	}

	report := domain.SalesReport{Branch: branch, From: from, To: to}
	bySource := map[string]int64{}
	byDay := map[string]*domain.DayTotal{}

	for _, b := range batches {
		if b.Reversed {
			continue
		}
		report.BatchCount++
		report.TotalRevenue += b.TotalAmount
		report.TotalCollected += b.TotalPaid
		report.TotalOutstanding += b.Debt
		for _, l := range b.Lines {
			report.UnitsSold += l.Quantity
		}
		for _, p := range b.Payments {
			if p.Source != domain.SourceCongNo {
				bySource[p.Source] += p.Amount
			}
		}
		day := b.SaleDate.UTC().Format("2006-01-02")
		dt, ok := byDay[day]
		if !ok {
			dt = &domain.DayTotal{Day: day}
			byDay[day] = dt
		}
		dt.Count++
		dt.Revenue += b.TotalAmount
	}

	for _, r := range returns {
		if r.Status != domain.ReturnStatusCompleted {
			continue
		}
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		report.TotalReturned += r.Amount
	}

	for source, amount := range bySource {
		report.BySource = append(report.BySource, domain.SourceTotal{Source: source, Amount: amount})
	}
	slices.SortFunc(report.BySource, func(a, b domain.SourceTotal) int {
		return strings.Compare(a.Source, b.Source)
	})
	for _, dt := range byDay {
		report.ByDay = append(report.ByDay, *dt)
	}
	slices.SortFunc(report.ByDay, func(a, b domain.DayTotal) int {
		return strings.Compare(a.Day, b.Day)
	})
	return &report, nil
}
