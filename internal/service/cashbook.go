package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

func (s *Service) autoEntry(typ string, amount int64, source, branch, relatedID, relatedType, content, actor string, date time.Time) domain.CashbookEntry {
	return domain.CashbookEntry{
		ID:          xid.New("cash"),
		Type:        typ,
		Amount:      amount,
		Content:     content,
		Source:      source,
		Branch:      branch,
		Date:        date,
		RelatedID:   relatedID,
		RelatedType: relatedType,
		IsAuto:      true,
		Editable:    false,
		Actor:       actor,
		CreatedAt:   time.Now().UTC(),
	}
}

// PostManual writes an operator-entered cashbook line. Manual lines stay
// editable; auto lines posted by the processors never are.
func (s *Service) PostManual(ctx context.Context, req domain.ManualCashbookRequest) (*domain.CashbookEntry, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	branch, err := s.writeBranch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}
	if err := validateManual(&req); err != nil {
		return nil, err
	}

	entry := domain.CashbookEntry{
		ID:          xid.New("cash"),
		Type:        req.Type,
		Amount:      req.Amount,
		Content:     strings.TrimSpace(req.Content),
		Source:      req.Source,
		Branch:      branch,
		Date:        parseDate(req.Date),
		RelatedType: domain.RelatedKhac,
		IsAuto:      false,
		Editable:    true,
		Actor:       actor.Username,
		Note:        req.Note,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := s.repo.CreateCashbookEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, branch, "cashbook_create", "cashbook_entry", created.ID,
		fmt.Sprintf("type=%s,amount=%d", created.Type, created.Amount))
	return created, nil
}

func validateManual(req *domain.ManualCashbookRequest) error {
	if req.Type != domain.CashbookThu && req.Type != domain.CashbookChi {
		return fmt.Errorf("%w: type must be thu or chi", store.ErrInvalidAmount)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", store.ErrInvalidAmount)
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: content is required", store.ErrInvalidAmount)
	}
	if req.Source == "" {
		req.Source = domain.SourceTienMat
	}
	if !domain.ValidSource(req.Source) {
		return fmt.Errorf("%w: unknown source %s", store.ErrInvalidAmount, req.Source)
	}
	return nil
}

func (s *Service) UpdateManual(ctx context.Context, id string, req domain.ManualCashbookRequest) (*domain.CashbookEntry, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetCashbookEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.writeBranch(ctx, existing.Branch); err != nil {
		return nil, err
	}
	if err := validateManual(&req); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateCashbookEntry(ctx, domain.CashbookEntry{
		ID:      id,
		Type:    req.Type,
		Amount:  req.Amount,
		Content: strings.TrimSpace(req.Content),
		Source:  req.Source,
		Date:    parseDate(req.Date),
		Note:    req.Note,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, existing.Branch, "cashbook_update", "cashbook_entry", id, "")
	return updated, nil
}

func (s *Service) DeleteManual(ctx context.Context, id string) error {
	if _, err := s.requireRole(ctx, domain.RoleManager); err != nil {
		return err
	}
	existing, err := s.repo.GetCashbookEntry(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.writeBranch(ctx, existing.Branch); err != nil {
		return err
	}
	if err := s.repo.DeleteCashbookEntry(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, existing.Branch, "cashbook_delete", "cashbook_entry", id, "")
	return nil
}

func (s *Service) Cashbook(ctx context.Context, f domain.CashbookFilter) ([]domain.CashbookEntry, error) {
	if _, err := s.requireRole(ctx, domain.RoleStaff); err != nil {
		return nil, err
	}
	f.Branch = s.readBranch(ctx, f.Branch)
	return s.repo.ListCashbook(ctx, f)
}
