package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

// ExecuteReturn takes a whole sale batch back: restocks every line as a new
// in-stock row tagged as a return item, clears the remaining sale debt on
// the sold units, posts the refund entry and marks the batch reversed.
// A batch accepts at most one non-cancelled return.
func (s *Service) ExecuteReturn(ctx context.Context, batchID string, req domain.ReturnRequest) (*domain.ReturnTransaction, error) {
	actor, err := s.requireRole(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	batch, err := s.repo.GetSaleBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.writeBranch(ctx, batch.Branch); err != nil {
		return nil, err
	}

	if req.Amount <= 0 || req.Amount > batch.TotalAmount {
		return nil, fmt.Errorf("%w: refund must be within (0, %d]", store.ErrInvalidAmount, batch.TotalAmount)
	}
	method := req.Method
	if method == "" {
		method = domain.SourceTienMat
	}
	if !domain.ValidSource(method) || method == domain.SourceCongNo {
		return nil, fmt.Errorf("%w: refund method %s", store.ErrInvalidAmount, method)
	}

	ret := domain.ReturnTransaction{
		ID:      xid.New("return"),
		BatchID: batchID,
		Amount:  req.Amount,
		Method:  method,
		Reason:  strings.TrimSpace(req.Reason),
		Note:    strings.TrimSpace(req.Note),
	}

	var entries []domain.CashbookEntry
	if s.autoCashbook {
		entries = append(entries, s.autoEntry(
			domain.CashbookChi, req.Amount, method, batch.Branch,
			batchID, domain.RelatedTraHangBan,
			fmt.Sprintf("Hoan tien tra hang %s", batchID),
			actor.Username, parseDate("")))
	}

	created, err := s.repo.CreateReturn(ctx, ret, entries)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, created.Branch, "return_create", "return", created.ID,
		fmt.Sprintf("batch=%s,amount=%d,units=%d", batchID, created.Amount, len(created.UnitIDs)))
	return created, nil
}

// CancelReturn flips the return to cancelled without touching the restocked
// units or the refund entry; those have to be corrected by hand.
func (s *Service) CancelReturn(ctx context.Context, id string) (*domain.ReturnTransaction, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	cancelled, err := s.repo.CancelReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("[service] WARN: return %s cancelled; restocked units %v and the refund entry for batch %s remain in place",
		cancelled.ID, cancelled.RestockedUnitIDs, cancelled.BatchID)
	s.logAudit(ctx, cancelled.Branch, "return_cancel", "return", cancelled.ID, "side effects not reversed")
	return cancelled, nil
}

func (s *Service) ListReturns(ctx context.Context, branch string, limit int) ([]domain.ReturnTransaction, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	return s.repo.ListReturns(ctx, s.readBranch(ctx, branch), limit)
}
