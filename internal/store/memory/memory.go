package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

// Store is the in-memory repository used for dev mode and tests. Every
// multi-step write happens under one write lock, which gives the same
// all-or-nothing guarantee the postgres store gets from transactions.
type Store struct {
	mu        sync.RWMutex
	units     map[string]domain.InventoryUnit
	batches   map[string]domain.SaleBatch
	returns   map[string]domain.ReturnTransaction
	cashbook  map[string]domain.CashbookEntry
	balances  map[string]int64
	activity  []domain.ActivityLog
	users     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		units:    map[string]domain.InventoryUnit{},
		batches:  map[string]domain.SaleBatch{},
		returns:  map[string]domain.ReturnTransaction{},
		cashbook: map[string]domain.CashbookEntry{},
		balances: map[string]int64{},
		users:    map[string]domain.UserAccount{},
	}
}

// NewSeeded returns a store with dev/demo user accounts. Passwords come from
// SEED_ADMIN_PASSWORD / SEED_MANAGER_PASSWORD / SEED_STAFF_PASSWORD, with
// hardcoded dev defaults and a warning when unset.
func NewSeeded(defaultBranch string) *Store {
	s := New()
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_*_PASSWORD to override.")
	}
	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"quanly", "SEED_MANAGER_PASSWORD", "quanly123", domain.RoleManager},
		{"nhanvien", "SEED_STAFF_PASSWORD", "nhanvien123", domain.RoleStaff},
	} {
		pwd := os.Getenv(u.envKey)
		if pwd == "" {
			pwd = u.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Branch:    defaultBranch,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

// ---- inventory ----

func (s *Store) CreateUnits(_ context.Context, units []domain.InventoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		if u.Kind == domain.UnitKindSerialized && u.IMEI != "" {
			for _, existing := range s.units {
				if existing.Status == domain.UnitStatusInStock &&
					existing.Kind == domain.UnitKindSerialized &&
					strings.EqualFold(existing.IMEI, u.IMEI) {
					return fmt.Errorf("%w: imei %s already in stock", store.ErrInvalidAmount, u.IMEI)
				}
			}
		}
	}
	for _, u := range units {
		s.units[u.ID] = cloneUnit(u)
	}
	return nil
}

func (s *Store) GetUnit(_ context.Context, id string) (*domain.InventoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneUnit(u)
	return &out, nil
}

func (s *Store) ListUnits(_ context.Context, f domain.UnitFilter) ([]domain.InventoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.InventoryUnit, 0, 16)
	for _, u := range s.units {
		if !matchUnit(u, f) {
			continue
		}
		out = append(out, cloneUnit(u))
	}
	slices.SortFunc(out, func(a, b domain.InventoryUnit) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchUnit(u domain.InventoryUnit, f domain.UnitFilter) bool {
	if f.Branch != "" && !strings.EqualFold(u.Branch, f.Branch) {
		return false
	}
	if f.Status != "" && u.Status != f.Status {
		return false
	}
	if f.Category != "" && !strings.EqualFold(u.Category, f.Category) {
		return false
	}
	if f.SKU != "" && !strings.EqualFold(u.SKU, f.SKU) {
		return false
	}
	if f.Supplier != "" && !strings.EqualFold(u.Supplier, f.Supplier) {
		return false
	}
	if f.BuyerName != "" && !strings.EqualFold(strings.TrimSpace(u.BuyerName), strings.TrimSpace(f.BuyerName)) {
		return false
	}
	if f.BuyerPhone != "" && strings.TrimSpace(u.BuyerPhone) != strings.TrimSpace(f.BuyerPhone) {
		return false
	}
	if f.WithCustomerDebt && !ledgerActive(u.CustomerDebt) {
		return false
	}
	if f.WithSupplierDebt && !ledgerActive(u.SupplierDebt) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(strings.TrimSpace(f.Search))
		hay := strings.ToLower(u.ProductName + " " + u.IMEI + " " + u.SKU + " " + u.BuyerName + " " + u.BuyerPhone)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func ledgerActive(l domain.SubLedger) bool {
	return l.Amount != 0 || l.Paid != 0 || len(l.History) > 0
}

func (s *Store) UpdateUnitDebts(_ context.Context, updates []store.UnitDebtUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, upd := range updates {
		if _, ok := s.units[upd.UnitID]; !ok {
			return fmt.Errorf("%w: unit %s", store.ErrNotFound, upd.UnitID)
		}
	}
	now := time.Now().UTC()
	for _, upd := range updates {
		u := s.units[upd.UnitID]
		if upd.Customer != nil {
			u.CustomerDebt = cloneLedger(*upd.Customer)
		}
		if upd.Supplier != nil {
			u.SupplierDebt = cloneLedger(*upd.Supplier)
		}
		u.UpdatedAt = now
		s.units[upd.UnitID] = u
	}
	return nil
}

func (s *Store) RenameBuyer(_ context.Context, oldName, oldPhone, newName, newPhone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now().UTC()
	for id, u := range s.units {
		if !strings.EqualFold(strings.TrimSpace(u.BuyerName), strings.TrimSpace(oldName)) {
			continue
		}
		if strings.TrimSpace(u.BuyerPhone) != strings.TrimSpace(oldPhone) {
			continue
		}
		u.BuyerName = newName
		u.BuyerPhone = newPhone
		u.UpdatedAt = now
		s.units[id] = u
		count++
	}
	return count, nil
}

func (s *Store) DeleteUnit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return store.ErrNotFound
	}
	if u.Status == domain.UnitStatusSold {
		return fmt.Errorf("%w: sold units cannot be deleted", store.ErrForbidden)
	}
	delete(s.units, id)
	return nil
}

// ---- sales ----

// CreateSaleBatch resolves and reserves every requested item, allocates the
// collected amount onto the sold units, posts the cashbook entries, and only
// then commits. Any failure leaves the store untouched.
func (s *Store) CreateSaleBatch(_ context.Context, batch domain.SaleBatch, items []domain.SaleItemRequest, entries []domain.CashbookEntry) (*domain.SaleBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.BatchID]; ok {
		return nil, fmt.Errorf("%w: batch %s exists", store.ErrInconsistent, batch.BatchID)
	}

	staged := map[string]domain.InventoryUnit{}
	lookup := func(id string) (domain.InventoryUnit, bool) {
		if u, ok := staged[id]; ok {
			return u, true
		}
		u, ok := s.units[id]
		return u, ok
	}

	now := time.Now().UTC()
	lines := make([]domain.SaleLine, 0, len(items))
	lineTotals := make([]int64, 0, len(items))
	soldIDs := make([]string, 0, len(items))

	for _, item := range items {
		src, err := s.resolveItem(staged, batch.Branch, item)
		if err != nil {
			return nil, err
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		var soldID string
		if src.Kind == domain.UnitKindSerialized {
			if qty != 1 {
				return nil, fmt.Errorf("%w: serialized units sell one at a time", store.ErrInvalidAmount)
			}
			if err := src.Take(1); err != nil {
				return nil, fmt.Errorf("%w: %s", store.ErrOutOfStock, src.IMEI)
			}
			src.SalePrice = item.UnitPrice
			src.SaleDate = &batch.SaleDate
			src.BuyerName = batch.CustomerName
			src.BuyerPhone = batch.CustomerPhone
			src.BatchID = batch.BatchID
			src.UpdatedAt = now
			staged[src.ID] = src
			soldID = src.ID
		} else {
			if err := src.Take(qty); err != nil {
				return nil, fmt.Errorf("%w: %s", store.ErrOutOfStock, src.SKU)
			}
			src.UpdatedAt = now
			staged[src.ID] = src
			sold := src.SoldClone(xid.New("unit"), qty, item.UnitPrice)
			sold.SaleDate = &batch.SaleDate
			sold.BuyerName = batch.CustomerName
			sold.BuyerPhone = batch.CustomerPhone
			sold.BatchID = batch.BatchID
			sold.Quantity = qty
			sold.CreatedAt = now
			sold.UpdatedAt = now
			staged[sold.ID] = sold
			soldID = sold.ID
		}
		lineTotal := item.UnitPrice * int64(qty)
		base, _ := lookup(soldID)
		lines = append(lines, domain.SaleLine{
			UnitID:      soldID,
			SKU:         base.SKU,
			ProductName: base.ProductName,
			Quantity:    qty,
			UnitPrice:   item.UnitPrice,
			LineTotal:   lineTotal,
		})
		lineTotals = append(lineTotals, lineTotal)
		soldIDs = append(soldIDs, soldID)
	}

	var total int64
	for _, t := range lineTotals {
		total += t
	}
	if total != batch.TotalAmount || batch.TotalPaid > total {
		return nil, fmt.Errorf("%w: batch total mismatch", store.ErrInconsistent)
	}

	allocated := store.AllocateLinePaid(lineTotals, batch.TotalPaid)
	for i, id := range soldIDs {
		u := staged[id]
		debt := lineTotals[i] - allocated[i]
		ledger := domain.SubLedger{Amount: debt, Paid: allocated[i]}
		if debt > 0 {
			ledger.History = []domain.DebtEvent{{
				Type:   domain.DebtEventAdd,
				Amount: debt,
				Date:   batch.SaleDate,
				Note:   "ban hang " + batch.BatchID,
			}}
		}
		u.CustomerDebt = ledger
		staged[id] = u
	}

	batch.Lines = lines
	batch.Debt = total - batch.TotalPaid
	batch.CreatedAt = now

	posted, err := s.stageEntriesLocked(entries)
	if err != nil {
		return nil, err
	}
	for id, u := range staged {
		s.units[id] = u
	}
	s.commitEntriesLocked(posted)
	s.batches[batch.BatchID] = cloneBatch(batch)
	out := cloneBatch(batch)
	return &out, nil
}

func (s *Store) resolveItem(staged map[string]domain.InventoryUnit, branch string, item domain.SaleItemRequest) (domain.InventoryUnit, error) {
	if item.UnitID != "" {
		if u, ok := staged[item.UnitID]; ok {
			return u, nil
		}
		u, ok := s.units[item.UnitID]
		if !ok || !strings.EqualFold(u.Branch, branch) {
			return domain.InventoryUnit{}, fmt.Errorf("%w: unit %s", store.ErrNotFound, item.UnitID)
		}
		return u, nil
	}
	if item.IMEI != "" {
		exists := false
		for id, u := range s.units {
			if st, ok := staged[id]; ok {
				u = st
			}
			if u.Kind != domain.UnitKindSerialized || !strings.EqualFold(u.IMEI, item.IMEI) || !strings.EqualFold(u.Branch, branch) {
				continue
			}
			if u.Status == domain.UnitStatusInStock {
				return u, nil
			}
			exists = true
		}
		if exists {
			return domain.InventoryUnit{}, fmt.Errorf("%w: imei %s", store.ErrOutOfStock, item.IMEI)
		}
		return domain.InventoryUnit{}, fmt.Errorf("%w: imei %s", store.ErrNotFound, item.IMEI)
	}
	if item.SKU != "" {
		var best *domain.InventoryUnit
		for id, u := range s.units {
			if st, ok := staged[id]; ok {
				u = st
			}
			if u.Kind != domain.UnitKindGrouped || u.Status != domain.UnitStatusInStock {
				continue
			}
			if !strings.EqualFold(u.SKU, item.SKU) || !strings.EqualFold(u.Branch, branch) {
				continue
			}
			if u.Quantity <= 0 {
				continue
			}
			if best == nil || u.ImportDate.Before(best.ImportDate) {
				uu := u
				best = &uu
			}
		}
		if best == nil {
			for id, u := range s.units {
				if st, ok := staged[id]; ok {
					u = st
				}
				if u.Kind == domain.UnitKindGrouped && strings.EqualFold(u.SKU, item.SKU) && strings.EqualFold(u.Branch, branch) {
					return domain.InventoryUnit{}, fmt.Errorf("%w: sku %s", store.ErrOutOfStock, item.SKU)
				}
			}
			return domain.InventoryUnit{}, fmt.Errorf("%w: sku %s", store.ErrNotFound, item.SKU)
		}
		return *best, nil
	}
	return domain.InventoryUnit{}, fmt.Errorf("%w: empty item reference", store.ErrNotFound)
}

func (s *Store) GetSaleBatch(_ context.Context, batchID string) (*domain.SaleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneBatch(b)
	return &out, nil
}

func (s *Store) ListSaleBatches(_ context.Context, f domain.SaleBatchFilter) ([]domain.SaleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SaleBatch, 0, 16)
	for _, b := range s.batches {
		if f.Branch != "" && !strings.EqualFold(b.Branch, f.Branch) {
			continue
		}
		if !f.From.IsZero() && b.SaleDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && b.SaleDate.After(f.To) {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	slices.SortFunc(out, func(a, b domain.SaleBatch) int {
		return b.SaleDate.Compare(a.SaleDate)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// RewriteSaleBatch applies edited quantities, prices and payments to an
// existing batch. Only units already in the batch may appear; grouped
// quantity deltas settle against the line's in-stock source row.
func (s *Store) RewriteSaleBatch(_ context.Context, batch domain.SaleBatch, items []domain.SaleItemRequest, entries []domain.CashbookEntry) (*domain.SaleBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.batches[batch.BatchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Reversed {
		return nil, fmt.Errorf("%w: batch %s is reversed", store.ErrAlreadyReturned, batch.BatchID)
	}
	oldLines := map[string]domain.SaleLine{}
	for _, l := range existing.Lines {
		oldLines[l.UnitID] = l
	}
	if len(items) != len(existing.Lines) {
		return nil, fmt.Errorf("%w: update must cover every line of the batch", store.ErrInvalidAmount)
	}

	staged := map[string]domain.InventoryUnit{}
	now := time.Now().UTC()
	lines := make([]domain.SaleLine, 0, len(items))
	lineTotals := make([]int64, 0, len(items))

	seen := map[string]bool{}
	for _, item := range items {
		old, ok := oldLines[item.UnitID]
		if !ok {
			return nil, fmt.Errorf("%w: unit %s is not part of batch %s", store.ErrNotFound, item.UnitID, batch.BatchID)
		}
		if seen[item.UnitID] {
			return nil, fmt.Errorf("%w: unit %s listed twice", store.ErrInvalidAmount, item.UnitID)
		}
		seen[item.UnitID] = true
		u, ok := s.units[item.UnitID]
		if !ok {
			return nil, fmt.Errorf("%w: unit %s", store.ErrNotFound, item.UnitID)
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		if u.Kind == domain.UnitKindSerialized && qty != 1 {
			return nil, fmt.Errorf("%w: serialized units sell one at a time", store.ErrInvalidAmount)
		}
		if u.Kind == domain.UnitKindGrouped && qty != old.Quantity {
			src, err := s.findGroupSource(staged, u.Branch, u.SKU, item.UnitID)
			if err != nil {
				return nil, err
			}
			delta := qty - old.Quantity
			if delta > 0 && src.Quantity < delta {
				return nil, fmt.Errorf("%w: sku %s", store.ErrOutOfStock, u.SKU)
			}
			src.Quantity -= delta
			src.UpdatedAt = now
			staged[src.ID] = src
		}
		u.Quantity = qty
		if u.Kind == domain.UnitKindSerialized {
			u.Quantity = 1
		}
		u.SalePrice = item.UnitPrice
		u.UpdatedAt = now
		staged[u.ID] = u

		lineTotal := item.UnitPrice * int64(qty)
		lines = append(lines, domain.SaleLine{
			UnitID:      u.ID,
			SKU:         u.SKU,
			ProductName: u.ProductName,
			Quantity:    qty,
			UnitPrice:   item.UnitPrice,
			LineTotal:   lineTotal,
		})
		lineTotals = append(lineTotals, lineTotal)
	}

	var total int64
	for _, t := range lineTotals {
		total += t
	}
	if total != batch.TotalAmount || batch.TotalPaid > total {
		return nil, fmt.Errorf("%w: batch total mismatch", store.ErrInconsistent)
	}

	allocated := store.AllocateLinePaid(lineTotals, batch.TotalPaid)
	saleNote := "ban hang " + batch.BatchID
	for i, line := range lines {
		u := staged[line.UnitID]
		ledger := domain.SubLedger{Amount: lineTotals[i] - allocated[i], Paid: allocated[i]}
		var history []domain.DebtEvent
		if ledger.Amount > 0 {
			history = append(history, domain.DebtEvent{
				Type:   domain.DebtEventAdd,
				Amount: ledger.Amount,
				Date:   existing.SaleDate,
				Note:   saleNote,
			})
		}
		// Replay the unit's later ledger movements on top of the new
		// sale allocation so manual pays and adds survive the edit.
		for _, ev := range u.CustomerDebt.History {
			if ev.Note == saleNote {
				continue
			}
			switch ev.Type {
			case domain.DebtEventAdd:
				ledger.Amount += ev.Amount
			case domain.DebtEventPay:
				x := ev.Amount
				if x > ledger.Amount {
					x = ledger.Amount
				}
				ledger.Amount -= x
				ledger.Paid += x
			}
			history = append(history, ev)
		}
		ledger.History = history
		u.CustomerDebt = ledger
		staged[line.UnitID] = u
	}

	existing.Lines = lines
	existing.Payments = batch.Payments
	existing.TotalAmount = total
	existing.TotalPaid = batch.TotalPaid
	existing.Debt = total - batch.TotalPaid
	existing.Note = batch.Note

	posted, err := s.stageEntriesLocked(entries)
	if err != nil {
		return nil, err
	}
	for id, u := range staged {
		s.units[id] = u
	}
	s.commitEntriesLocked(posted)
	s.batches[existing.BatchID] = cloneBatch(existing)
	out := cloneBatch(existing)
	return &out, nil
}

func (s *Store) findGroupSource(staged map[string]domain.InventoryUnit, branch, sku, excludeID string) (domain.InventoryUnit, error) {
	for id, u := range s.units {
		if st, ok := staged[id]; ok {
			u = st
		}
		if id == excludeID || u.Kind != domain.UnitKindGrouped || u.Status != domain.UnitStatusInStock {
			continue
		}
		if strings.EqualFold(u.SKU, sku) && strings.EqualFold(u.Branch, branch) {
			return u, nil
		}
	}
	return domain.InventoryUnit{}, fmt.Errorf("%w: no in-stock line for sku %s", store.ErrNotFound, sku)
}

// ---- returns ----

func (s *Store) CreateReturn(_ context.Context, ret domain.ReturnTransaction, entries []domain.CashbookEntry) (*domain.ReturnTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[ret.BatchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if batch.Reversed {
		return nil, fmt.Errorf("%w: batch %s", store.ErrAlreadyReturned, ret.BatchID)
	}
	for _, r := range s.returns {
		if r.BatchID == ret.BatchID && r.Status != domain.ReturnStatusCancelled {
			return nil, fmt.Errorf("%w: batch %s", store.ErrAlreadyReturned, ret.BatchID)
		}
	}

	now := time.Now().UTC()
	staged := map[string]domain.InventoryUnit{}
	restocked := make([]string, 0, len(batch.Lines))
	unitIDs := make([]string, 0, len(batch.Lines))
	qty := 0
	for _, line := range batch.Lines {
		u, ok := s.units[line.UnitID]
		if !ok {
			return nil, fmt.Errorf("%w: unit %s", store.ErrNotFound, line.UnitID)
		}
		if cleared := u.CustomerDebt.Amount; cleared > 0 {
			u.CustomerDebt.Amount = 0
			u.CustomerDebt.History = append(u.CustomerDebt.History, domain.DebtEvent{
				Type:   domain.DebtEventPay,
				Amount: cleared,
				Date:   now,
				Note:   "tra hang ban " + ret.BatchID,
			})
		}
		u.SaleReversed = true
		u.UpdatedAt = now
		staged[u.ID] = u

		restock := u.RestockClone(xid.New("unit"))
		restock.CreatedAt = now
		restock.UpdatedAt = now
		staged[restock.ID] = restock
		restocked = append(restocked, restock.ID)
		unitIDs = append(unitIDs, u.ID)
		qty += line.Quantity
	}

	batch.Reversed = true
	ret.UnitIDs = unitIDs
	ret.Quantity = qty
	ret.CustomerName = batch.CustomerName
	ret.CustomerPhone = batch.CustomerPhone
	ret.Branch = batch.Branch
	ret.Status = domain.ReturnStatusCompleted
	ret.StockRestored = true
	ret.RestockedUnitIDs = restocked
	ret.CreatedAt = now

	posted, err := s.stageEntriesLocked(entries)
	if err != nil {
		return nil, err
	}
	for id, u := range staged {
		s.units[id] = u
	}
	s.commitEntriesLocked(posted)
	s.batches[batch.BatchID] = batch
	s.returns[ret.ID] = cloneReturn(ret)
	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) GetReturn(_ context.Context, id string) (*domain.ReturnTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.returns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneReturn(r)
	return &out, nil
}

func (s *Store) ListReturns(_ context.Context, branch string, limit int) ([]domain.ReturnTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReturnTransaction, 0, 8)
	for _, r := range s.returns {
		if branch != "" && !strings.EqualFold(r.Branch, branch) {
			continue
		}
		out = append(out, cloneReturn(r))
	}
	slices.SortFunc(out, func(a, b domain.ReturnTransaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CancelReturn(_ context.Context, id string) (*domain.ReturnTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.returns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Status == domain.ReturnStatusCancelled {
		return nil, fmt.Errorf("%w: return %s is already cancelled", store.ErrAlreadyReturned, id)
	}
	r.Status = domain.ReturnStatusCancelled
	s.returns[id] = r
	out := cloneReturn(r)
	return &out, nil
}

// ---- cashbook ----

func (s *Store) CreateCashbookEntry(_ context.Context, e domain.CashbookEntry) (*domain.CashbookEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(e)
}

func (s *Store) appendEntryLocked(e domain.CashbookEntry) (*domain.CashbookEntry, error) {
	posted, err := s.stageEntriesLocked([]domain.CashbookEntry{e})
	if err != nil {
		return nil, err
	}
	s.commitEntriesLocked(posted)
	out := posted[0]
	return &out, nil
}

// stageEntriesLocked validates a group of entries and fills in their balance
// snapshots without touching live state. The multi-step writes stage first so
// a failure mid-group cannot leave an orphan entry or drift a balance.
func (s *Store) stageEntriesLocked(entries []domain.CashbookEntry) ([]domain.CashbookEntry, error) {
	posted := make([]domain.CashbookEntry, 0, len(entries))
	balances := map[string]int64{}
	for _, e := range entries {
		if e.IsAuto && e.RelatedID != "" && e.RelatedType != domain.RelatedKhac {
			for _, existing := range s.cashbook {
				if duplicateAuto(existing, e) {
					return nil, fmt.Errorf("%w: duplicate auto entry for %s/%s", store.ErrInconsistent, e.RelatedType, e.RelatedID)
				}
			}
			for _, prior := range posted {
				if duplicateAuto(prior, e) {
					return nil, fmt.Errorf("%w: duplicate auto entry for %s/%s", store.ErrInconsistent, e.RelatedType, e.RelatedID)
				}
			}
		}
		before, ok := balances[e.Branch]
		if !ok {
			before = s.balances[e.Branch]
		}
		e.BalanceBefore = before
		e.BalanceAfter = before + signedAmount(e)
		balances[e.Branch] = e.BalanceAfter
		posted = append(posted, e)
	}
	return posted, nil
}

func (s *Store) commitEntriesLocked(entries []domain.CashbookEntry) {
	for _, e := range entries {
		s.balances[e.Branch] = e.BalanceAfter
		s.cashbook[e.ID] = e
	}
}

func duplicateAuto(existing, e domain.CashbookEntry) bool {
	return existing.IsAuto && existing.RelatedID == e.RelatedID &&
		existing.RelatedType == e.RelatedType &&
		existing.Type == e.Type && existing.Source == e.Source
}

func signedAmount(e domain.CashbookEntry) int64 {
	if e.Type == domain.CashbookChi {
		return -e.Amount
	}
	return e.Amount
}

func (s *Store) GetCashbookEntry(_ context.Context, id string) (*domain.CashbookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cashbook[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := e
	return &out, nil
}

func (s *Store) UpdateCashbookEntry(_ context.Context, e domain.CashbookEntry) (*domain.CashbookEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cashbook[e.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.IsAuto || !existing.Editable {
		return nil, fmt.Errorf("%w: auto entries are immutable", store.ErrForbidden)
	}
	s.balances[existing.Branch] -= signedAmount(existing)
	existing.Type = e.Type
	existing.Amount = e.Amount
	existing.Content = e.Content
	existing.Source = e.Source
	existing.Date = e.Date
	existing.Note = e.Note
	s.balances[existing.Branch] += signedAmount(existing)
	s.cashbook[e.ID] = existing
	out := existing
	return &out, nil
}

func (s *Store) DeleteCashbookEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cashbook[id]
	if !ok {
		return store.ErrNotFound
	}
	if existing.IsAuto || !existing.Editable {
		return fmt.Errorf("%w: auto entries are immutable", store.ErrForbidden)
	}
	s.balances[existing.Branch] -= signedAmount(existing)
	delete(s.cashbook, id)
	return nil
}

func (s *Store) ListCashbook(_ context.Context, f domain.CashbookFilter) ([]domain.CashbookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CashbookEntry, 0, 16)
	for _, e := range s.cashbook {
		if f.Branch != "" && !strings.EqualFold(e.Branch, f.Branch) {
			continue
		}
		if !f.From.IsZero() && e.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Date.After(f.To) {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.Content != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.Content)) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b domain.CashbookEntry) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ---- users + audit ----

func (s *Store) CreateUser(_ context.Context, u domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(u.Username))
	if _, ok := s.users[key]; ok {
		return fmt.Errorf("%w: username taken", store.ErrInvalidAmount)
	}
	u.Username = key
	s.users[key] = u
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := u
	return &out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) CreateActivityLog(_ context.Context, entry domain.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entry)
	return nil
}

func (s *Store) ListActivityLogs(_ context.Context, branch string, limit int) ([]domain.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ActivityLog, 0, len(s.activity))
	for _, a := range s.activity {
		if branch != "" && !strings.EqualFold(a.Branch, branch) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.ActivityLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- clones ----

func cloneUnit(u domain.InventoryUnit) domain.InventoryUnit {
	out := u
	out.CustomerDebt = cloneLedger(u.CustomerDebt)
	out.SupplierDebt = cloneLedger(u.SupplierDebt)
	if u.SaleDate != nil {
		d := *u.SaleDate
		out.SaleDate = &d
	}
	return out
}

func cloneLedger(l domain.SubLedger) domain.SubLedger {
	out := l
	out.History = slices.Clone(l.History)
	return out
}

func cloneBatch(b domain.SaleBatch) domain.SaleBatch {
	out := b
	out.Lines = slices.Clone(b.Lines)
	out.Payments = slices.Clone(b.Payments)
	return out
}

func cloneReturn(r domain.ReturnTransaction) domain.ReturnTransaction {
	out := r
	out.UnitIDs = slices.Clone(r.UnitIDs)
	out.RestockedUnitIDs = slices.Clone(r.RestockedUnitIDs)
	return out
}
