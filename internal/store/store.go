package store

import (
	"context"
	"errors"

	"quanlyshop/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrOutOfStock      = errors.New("out of stock")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAlreadyReturned = errors.New("already returned")
	ErrForbidden       = errors.New("forbidden")
	ErrInconsistent    = errors.New("inconsistent totals")
)

// UnitDebtUpdate replaces a unit's sub-ledgers. A nil ledger is untouched.
type UnitDebtUpdate struct {
	UnitID   string
	Customer *domain.SubLedger
	Supplier *domain.SubLedger
}

// Repository is the persistence contract shared by the memory and postgres
// implementations. Sale and return writes are single units of work: either
// every effect lands (reservation, batch, debt allocation, cashbook) or none.
type Repository interface {
	CreateUnits(ctx context.Context, units []domain.InventoryUnit) error
	GetUnit(ctx context.Context, id string) (*domain.InventoryUnit, error)
	ListUnits(ctx context.Context, f domain.UnitFilter) ([]domain.InventoryUnit, error)
	UpdateUnitDebts(ctx context.Context, updates []UnitDebtUpdate) error
	RenameBuyer(ctx context.Context, oldName, oldPhone, newName, newPhone string) (int, error)
	DeleteUnit(ctx context.Context, id string) error

	CreateSaleBatch(ctx context.Context, batch domain.SaleBatch, items []domain.SaleItemRequest, entries []domain.CashbookEntry) (*domain.SaleBatch, error)
	RewriteSaleBatch(ctx context.Context, batch domain.SaleBatch, items []domain.SaleItemRequest, entries []domain.CashbookEntry) (*domain.SaleBatch, error)
	GetSaleBatch(ctx context.Context, batchID string) (*domain.SaleBatch, error)
	ListSaleBatches(ctx context.Context, f domain.SaleBatchFilter) ([]domain.SaleBatch, error)

	CreateReturn(ctx context.Context, ret domain.ReturnTransaction, entries []domain.CashbookEntry) (*domain.ReturnTransaction, error)
	GetReturn(ctx context.Context, id string) (*domain.ReturnTransaction, error)
	ListReturns(ctx context.Context, branch string, limit int) ([]domain.ReturnTransaction, error)
	CancelReturn(ctx context.Context, id string) (*domain.ReturnTransaction, error)

	CreateCashbookEntry(ctx context.Context, e domain.CashbookEntry) (*domain.CashbookEntry, error)
	GetCashbookEntry(ctx context.Context, id string) (*domain.CashbookEntry, error)
	UpdateCashbookEntry(ctx context.Context, e domain.CashbookEntry) (*domain.CashbookEntry, error)
	DeleteCashbookEntry(ctx context.Context, id string) error
	ListCashbook(ctx context.Context, f domain.CashbookFilter) ([]domain.CashbookEntry, error)

	CreateUser(ctx context.Context, u domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)

	CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error
	ListActivityLogs(ctx context.Context, branch string, limit int) ([]domain.ActivityLog, error)
}

// AllocateLinePaid spreads the collected amount across line totals in order.
// Each line absorbs up to its total; whatever a line does not absorb stays
// unpaid and becomes that unit's debt.
func AllocateLinePaid(lineTotals []int64, paid int64) []int64 {
	out := make([]int64, len(lineTotals))
	for i, total := range lineTotals {
		if paid <= 0 {
			break
		}
		take := total
		if paid < take {
			take = paid
		}
		out[i] = take
		paid -= take
	}
	return out
}
