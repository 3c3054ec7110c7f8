package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const unitColumns = `id, kind, imei, sku, product_name, category, branch, supplier,
	cost_price, import_date, quantity, status, sale_price, sale_date,
	buyer_name, buyer_phone, batch_id, sale_reversed, is_return_item, note,
	customer_debt, supplier_debt, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(r rowScanner) (domain.InventoryUnit, error) {
	var u domain.InventoryUnit
	var imei, category, supplier, buyerName, buyerPhone, batchID, note sql.NullString
	var saleDate sql.NullTime
	var customerDebt, supplierDebt []byte
	err := r.Scan(&u.ID, &u.Kind, &imei, &u.SKU, &u.ProductName, &category, &u.Branch, &supplier,
		&u.CostPrice, &u.ImportDate, &u.Quantity, &u.Status, &u.SalePrice, &saleDate,
		&buyerName, &buyerPhone, &batchID, &u.SaleReversed, &u.IsReturnItem, &note,
		&customerDebt, &supplierDebt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}
	u.IMEI = imei.String
	u.Category = category.String
	u.Supplier = supplier.String
	u.BuyerName = buyerName.String
	u.BuyerPhone = buyerPhone.String
	u.BatchID = batchID.String
	u.Note = note.String
	if saleDate.Valid {
		d := saleDate.Time.UTC()
		u.SaleDate = &d
	}
	if err := unmarshalLedger(customerDebt, &u.CustomerDebt); err != nil {
		return u, err
	}
	if err := unmarshalLedger(supplierDebt, &u.SupplierDebt); err != nil {
		return u, err
	}
	return u, nil
}

func unmarshalLedger(raw []byte, dest *domain.SubLedger) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func marshalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func insertUnitTx(ctx context.Context, tx *sql.Tx, u domain.InventoryUnit) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_units (`+unitColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, u.ID, u.Kind, nullIfEmpty(u.IMEI), u.SKU, u.ProductName, nullIfEmpty(u.Category), u.Branch, nullIfEmpty(u.Supplier),
		u.CostPrice, u.ImportDate, u.Quantity, u.Status, u.SalePrice, nullTime(u.SaleDate),
		nullIfEmpty(u.BuyerName), nullIfEmpty(u.BuyerPhone), nullIfEmpty(u.BatchID), u.SaleReversed, u.IsReturnItem, nullIfEmpty(u.Note),
		marshalJSON(u.CustomerDebt), marshalJSON(u.SupplierDebt), u.CreatedAt, u.UpdatedAt)
	return err
}

// ---- inventory ----

func (s *Store) CreateUnits(ctx context.Context, units []domain.InventoryUnit) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range units {
		if u.Kind == domain.UnitKindSerialized && u.IMEI != "" {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM inventory_units
					WHERE kind = 'serialized' AND status = 'in_stock' AND lower(imei) = lower($1)
				)
			`, u.IMEI).Scan(&exists)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: imei %s already in stock", store.ErrInvalidAmount, u.IMEI)
			}
		}
	}
	for _, u := range units {
		if err := insertUnitTx(ctx, tx, u); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate unit", store.ErrInvalidAmount)
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetUnit(ctx context.Context, id string) (*domain.InventoryUnit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id = $1`, id)
	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUnits(ctx context.Context, f domain.UnitFilter) ([]domain.InventoryUnit, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Branch != "" {
		add("lower(branch) = lower($%d)", f.Branch)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Category != "" {
		add("lower(category) = lower($%d)", f.Category)
	}
	if f.SKU != "" {
		add("lower(sku) = lower($%d)", f.SKU)
	}
	if f.Supplier != "" {
		add("lower(supplier) = lower($%d)", f.Supplier)
	}
	if f.BuyerName != "" {
		add("lower(trim(buyer_name)) = lower(trim($%d))", f.BuyerName)
	}
	if f.BuyerPhone != "" {
		add("trim(buyer_phone) = trim($%d)", f.BuyerPhone)
	}
	if f.WithCustomerDebt {
		conds = append(conds, `(customer_debt ->> 'amount' <> '0' OR customer_debt ->> 'paid' <> '0' OR jsonb_array_length(coalesce(customer_debt -> 'history', '[]'::jsonb)) > 0)`)
	}
	if f.WithSupplierDebt {
		conds = append(conds, `(supplier_debt ->> 'amount' <> '0' OR supplier_debt ->> 'paid' <> '0' OR jsonb_array_length(coalesce(supplier_debt -> 'history', '[]'::jsonb)) > 0)`)
	}
	if f.Search != "" {
		args = append(args, "%"+strings.TrimSpace(f.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(`(product_name ILIKE $%d OR imei ILIKE $%d OR sku ILIKE $%d OR buyer_name ILIKE $%d OR buyer_phone ILIKE $%d)`, n, n, n, n, n))
	}

	query := `SELECT ` + unitColumns + ` FROM inventory_units`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := make([]domain.InventoryUnit, 0, 64)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) UpdateUnitDebts(ctx context.Context, updates []store.UnitDebtUpdate) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, upd := range updates {
		if upd.Customer != nil {
			res, err := tx.ExecContext(ctx, `
				UPDATE inventory_units SET customer_debt = $1, updated_at = now() WHERE id = $2
			`, marshalJSON(*upd.Customer), upd.UnitID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: unit %s", store.ErrNotFound, upd.UnitID)
			}
		}
		if upd.Supplier != nil {
			res, err := tx.ExecContext(ctx, `
				UPDATE inventory_units SET supplier_debt = $1, updated_at = now() WHERE id = $2
			`, marshalJSON(*upd.Supplier), upd.UnitID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: unit %s", store.ErrNotFound, upd.UnitID)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) RenameBuyer(ctx context.Context, oldName, oldPhone, newName, newPhone string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_units
		SET buyer_name = $1, buyer_phone = $2, updated_at = now()
		WHERE lower(trim(buyer_name)) = lower(trim($3)) AND coalesce(trim(buyer_phone), '') = trim($4)
	`, newName, newPhone, oldName, oldPhone)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteUnit(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM inventory_units WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status == domain.UnitStatusSold {
		return fmt.Errorf("%w: sold units cannot be deleted", store.ErrForbidden)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory_units WHERE id = $1 AND status <> 'sold'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- sales ----

func (s *Store) CreateSaleBatch(ctx context.Context, batch domain.SaleBatch, items []domain.SaleItemRequest, entries []domain.CashbookEntry) (*domain.SaleBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	lines := make([]domain.SaleLine, 0, len(items))
	lineTotals := make([]int64, 0, len(items))
	soldIDs := make([]string, 0, len(items))

	for _, item := range items {
		src, err := resolveItemTx(ctx, tx, batch.Branch, item)
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
			res, err := tx.ExecContext(ctx, `
				UPDATE inventory_units
				SET status = 'sold', sale_price = $1, sale_date = $2,
				    buyer_name = $3, buyer_phone = $4, batch_id = $5, updated_at = now()
				WHERE id = $6 AND status = 'in_stock'
			`, item.UnitPrice, batch.SaleDate, nullIfEmpty(batch.CustomerName), nullIfEmpty(batch.CustomerPhone), batch.BatchID, src.ID)
			if err != nil {
				return nil, err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, fmt.Errorf("%w: %s", store.ErrOutOfStock, src.ProductName)
			}
			soldID = src.ID
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE inventory_units
				SET quantity = quantity - $1, updated_at = now()
				WHERE id = $2 AND status = 'in_stock' AND quantity >= $1
			`, qty, src.ID)
			if err != nil {
				return nil, err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, fmt.Errorf("%w: %s", store.ErrOutOfStock, src.SKU)
			}
			sold := src.SoldClone(xid.New("unit"), qty, item.UnitPrice)
			sold.SaleDate = &batch.SaleDate
			sold.BuyerName = batch.CustomerName
			sold.BuyerPhone = batch.CustomerPhone
			sold.BatchID = batch.BatchID
			sold.CreatedAt = now
			sold.UpdatedAt = now
			if err := insertUnitTx(ctx, tx, sold); err != nil {
				return nil, err
			}
			soldID = sold.ID
		}
		lineTotal := item.UnitPrice * int64(qty)
		lines = append(lines, domain.SaleLine{
			UnitID:      soldID,
			SKU:         src.SKU,
			ProductName: src.ProductName,
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_units SET customer_debt = $1, updated_at = now() WHERE id = $2
		`, marshalJSON(ledger), id); err != nil {
			return nil, err
		}
	}

	batch.Lines = lines
	batch.Debt = total - batch.TotalPaid
	batch.CreatedAt = now
	if err := insertBatchTx(ctx, tx, batch); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := insertEntryTx(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &batch, nil
}

func resolveItemTx(ctx context.Context, tx *sql.Tx, branch string, item domain.SaleItemRequest) (domain.InventoryUnit, error) {
	var (
		row *sql.Row
	)
	switch {
	case item.UnitID != "":
		row = tx.QueryRowContext(ctx, `
			SELECT `+unitColumns+` FROM inventory_units
			WHERE id = $1 AND lower(branch) = lower($2)
			FOR UPDATE
		`, item.UnitID, branch)
	case item.IMEI != "":
		row = tx.QueryRowContext(ctx, `
			SELECT `+unitColumns+` FROM inventory_units
			WHERE kind = 'serialized' AND status = 'in_stock'
			  AND lower(imei) = lower($1) AND lower(branch) = lower($2)
			FOR UPDATE
		`, item.IMEI, branch)
	case item.SKU != "":
		row = tx.QueryRowContext(ctx, `
			SELECT `+unitColumns+` FROM inventory_units
			WHERE kind = 'grouped' AND status = 'in_stock' AND quantity > 0
			  AND lower(sku) = lower($1) AND lower(branch) = lower($2)
			ORDER BY import_date
			LIMIT 1
			FOR UPDATE
		`, item.SKU, branch)
	default:
		return domain.InventoryUnit{}, fmt.Errorf("%w: empty item reference", store.ErrNotFound)
	}

	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if item.SKU != "" {
				var exists bool
				if err := tx.QueryRowContext(ctx, `
					SELECT EXISTS (SELECT 1 FROM inventory_units WHERE kind = 'grouped' AND lower(sku) = lower($1) AND lower(branch) = lower($2))
				`, item.SKU, branch).Scan(&exists); err == nil && exists {
					return u, fmt.Errorf("%w: sku %s", store.ErrOutOfStock, item.SKU)
				}
				return u, fmt.Errorf("%w: sku %s", store.ErrNotFound, item.SKU)
			}
			if item.IMEI != "" {
				var exists bool
				if err := tx.QueryRowContext(ctx, `
					SELECT EXISTS (SELECT 1 FROM inventory_units WHERE kind = 'serialized' AND lower(imei) = lower($1))
				`, item.IMEI).Scan(&exists); err == nil && exists {
					return u, fmt.Errorf("%w: imei %s", store.ErrOutOfStock, item.IMEI)
				}
			}
			return u, fmt.Errorf("%w: unit not found", store.ErrNotFound)
		}
		return u, err
	}
	return u, nil
}

func insertBatchTx(ctx context.Context, tx *sql.Tx, b domain.SaleBatch) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sale_batches (batch_id, branch, sale_date, customer_name, customer_phone, note,
			lines, payments, total_amount, total_paid, debt, reversed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, b.BatchID, b.Branch, b.SaleDate, nullIfEmpty(b.CustomerName), nullIfEmpty(b.CustomerPhone), nullIfEmpty(b.Note),
		marshalJSON(b.Lines), marshalJSON(b.Payments), b.TotalAmount, b.TotalPaid, b.Debt, b.Reversed, b.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: batch %s exists", store.ErrInconsistent, b.BatchID)
	}
	return err
}

const batchColumns = `batch_id, branch, sale_date, customer_name, customer_phone, note,
	lines, payments, total_amount, total_paid, debt, reversed, created_at`

func scanBatch(r rowScanner) (domain.SaleBatch, error) {
	var b domain.SaleBatch
	var customerName, customerPhone, note sql.NullString
	var lines, payments []byte
	err := r.Scan(&b.BatchID, &b.Branch, &b.SaleDate, &customerName, &customerPhone, &note,
		&lines, &payments, &b.TotalAmount, &b.TotalPaid, &b.Debt, &b.Reversed, &b.CreatedAt)
	if err != nil {
		return b, err
	}
	b.CustomerName = customerName.String
	b.CustomerPhone = customerPhone.String
	b.Note = note.String
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &b.Lines); err != nil {
			return b, err
		}
	}
	if len(payments) > 0 {
		if err := json.Unmarshal(payments, &b.Payments); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (s *Store) GetSaleBatch(ctx context.Context, batchID string) (*domain.SaleBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM sale_batches WHERE batch_id = $1`, batchID)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListSaleBatches(ctx context.Context, f domain.SaleBatchFilter) ([]domain.SaleBatch, error) {
	var (
		conds []string
		args  []any
	)
	if f.Branch != "" {
		args = append(args, f.Branch)
		conds = append(conds, fmt.Sprintf("lower(branch) = lower($%d)", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		conds = append(conds, fmt.Sprintf("sale_date >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conds = append(conds, fmt.Sprintf("sale_date <= $%d", len(args)))
	}
	query := `SELECT ` + batchColumns + ` FROM sale_batches`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sale_date DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.SaleBatch, 0, 32)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) RewriteSaleBatch(ctx context.Context, batch domain.SaleBatch, items []domain.SaleItemRequest, entries []domain.CashbookEntry) (*domain.SaleBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM sale_batches WHERE batch_id = $1 FOR UPDATE`, batch.BatchID)
	existing, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
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

	lines := make([]domain.SaleLine, 0, len(items))
	lineTotals := make([]int64, 0, len(items))
	units := make([]domain.InventoryUnit, 0, len(items))
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

		urow := tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id = $1 FOR UPDATE`, item.UnitID)
		u, err := scanUnit(urow)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: unit %s", store.ErrNotFound, item.UnitID)
			}
			return nil, err
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		if u.Kind == domain.UnitKindSerialized && qty != 1 {
			return nil, fmt.Errorf("%w: serialized units sell one at a time", store.ErrInvalidAmount)
		}
		if u.Kind == domain.UnitKindGrouped && qty != old.Quantity {
			delta := qty - old.Quantity
			res, err := tx.ExecContext(ctx, `
				UPDATE inventory_units
				SET quantity = quantity - $1, updated_at = now()
				WHERE id = (
					SELECT id FROM inventory_units
					WHERE kind = 'grouped' AND status = 'in_stock'
					  AND lower(sku) = lower($2) AND lower(branch) = lower($3) AND id <> $4
					ORDER BY import_date
					LIMIT 1
				) AND quantity >= $1
			`, delta, u.SKU, u.Branch, u.ID)
			if err != nil {
				return nil, err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, fmt.Errorf("%w: sku %s", store.ErrOutOfStock, u.SKU)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_units SET quantity = $1, sale_price = $2, updated_at = now() WHERE id = $3
		`, qty, item.UnitPrice, u.ID); err != nil {
			return nil, err
		}

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
		units = append(units, u)
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
	for i, u := range units {
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_units SET customer_debt = $1, updated_at = now() WHERE id = $2
		`, marshalJSON(ledger), u.ID); err != nil {
			return nil, err
		}
	}

	existing.Lines = lines
	existing.Payments = batch.Payments
	existing.TotalAmount = total
	existing.TotalPaid = batch.TotalPaid
	existing.Debt = total - batch.TotalPaid
	existing.Note = batch.Note
	if _, err := tx.ExecContext(ctx, `
		UPDATE sale_batches
		SET lines = $1, payments = $2, total_amount = $3, total_paid = $4, debt = $5, note = $6
		WHERE batch_id = $7
	`, marshalJSON(existing.Lines), marshalJSON(existing.Payments), existing.TotalAmount, existing.TotalPaid, existing.Debt, nullIfEmpty(existing.Note), existing.BatchID); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := insertEntryTx(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &existing, nil
}

// ---- returns ----

func (s *Store) CreateReturn(ctx context.Context, ret domain.ReturnTransaction, entries []domain.CashbookEntry) (*domain.ReturnTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM sale_batches WHERE batch_id = $1 FOR UPDATE`, ret.BatchID)
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if batch.Reversed {
		return nil, fmt.Errorf("%w: batch %s", store.ErrAlreadyReturned, ret.BatchID)
	}
	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM returns WHERE batch_id = $1 AND status <> 'cancelled'
	`, ret.BatchID).Scan(&active); err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("%w: batch %s", store.ErrAlreadyReturned, ret.BatchID)
	}

	now := time.Now().UTC()
	restocked := make([]string, 0, len(batch.Lines))
	unitIDs := make([]string, 0, len(batch.Lines))
	qty := 0
	for _, line := range batch.Lines {
		urow := tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id = $1 FOR UPDATE`, line.UnitID)
		u, err := scanUnit(urow)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: unit %s", store.ErrNotFound, line.UnitID)
			}
			return nil, err
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_units
			SET sale_reversed = true, customer_debt = $1, updated_at = now()
			WHERE id = $2
		`, marshalJSON(u.CustomerDebt), u.ID); err != nil {
			return nil, err
		}

		restock := u.RestockClone(xid.New("unit"))
		restock.CreatedAt = now
		restock.UpdatedAt = now
		if err := insertUnitTx(ctx, tx, restock); err != nil {
			return nil, err
		}
		restocked = append(restocked, restock.ID)
		unitIDs = append(unitIDs, u.ID)
		qty += line.Quantity
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sale_batches SET reversed = true WHERE batch_id = $1`, ret.BatchID); err != nil {
		return nil, err
	}

	ret.UnitIDs = unitIDs
	ret.Quantity = qty
	ret.CustomerName = batch.CustomerName
	ret.CustomerPhone = batch.CustomerPhone
	ret.Branch = batch.Branch
	ret.Status = domain.ReturnStatusCompleted
	ret.StockRestored = true
	ret.RestockedUnitIDs = restocked
	ret.CreatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO returns (id, batch_id, unit_ids, quantity, amount, method, reason, note,
			customer_name, customer_phone, branch, status, stock_restored, restocked_unit_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, ret.ID, ret.BatchID, marshalJSON(ret.UnitIDs), ret.Quantity, ret.Amount, ret.Method, nullIfEmpty(ret.Reason), nullIfEmpty(ret.Note),
		nullIfEmpty(ret.CustomerName), nullIfEmpty(ret.CustomerPhone), ret.Branch, ret.Status, ret.StockRestored, marshalJSON(ret.RestockedUnitIDs), ret.CreatedAt); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := insertEntryTx(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ret, nil
}

const returnColumns = `id, batch_id, unit_ids, quantity, amount, method, reason, note,
	customer_name, customer_phone, branch, status, stock_restored, restocked_unit_ids, created_at`

func scanReturn(r rowScanner) (domain.ReturnTransaction, error) {
	var ret domain.ReturnTransaction
	var reason, note, customerName, customerPhone sql.NullString
	var unitIDs, restocked []byte
	err := r.Scan(&ret.ID, &ret.BatchID, &unitIDs, &ret.Quantity, &ret.Amount, &ret.Method, &reason, &note,
		&customerName, &customerPhone, &ret.Branch, &ret.Status, &ret.StockRestored, &restocked, &ret.CreatedAt)
	if err != nil {
		return ret, err
	}
	ret.Reason = reason.String
	ret.Note = note.String
	ret.CustomerName = customerName.String
	ret.CustomerPhone = customerPhone.String
	if len(unitIDs) > 0 {
		if err := json.Unmarshal(unitIDs, &ret.UnitIDs); err != nil {
			return ret, err
		}
	}
	if len(restocked) > 0 {
		if err := json.Unmarshal(restocked, &ret.RestockedUnitIDs); err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (s *Store) GetReturn(ctx context.Context, id string) (*domain.ReturnTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM returns WHERE id = $1`, id)
	ret, err := scanReturn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ret, nil
}

func (s *Store) ListReturns(ctx context.Context, branch string, limit int) ([]domain.ReturnTransaction, error) {
	query := `SELECT ` + returnColumns + ` FROM returns`
	var args []any
	if branch != "" {
		args = append(args, branch)
		query += fmt.Sprintf(" WHERE lower(branch) = lower($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.ReturnTransaction, 0, 16)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	return returns, rows.Err()
}

func (s *Store) CancelReturn(ctx context.Context, id string) (*domain.ReturnTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM returns WHERE id = $1 FOR UPDATE`, id)
	ret, err := scanReturn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ret.Status == domain.ReturnStatusCancelled {
		return nil, fmt.Errorf("%w: return %s is already cancelled", store.ErrAlreadyReturned, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE returns SET status = 'cancelled' WHERE id = $1`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	ret.Status = domain.ReturnStatusCancelled
	return &ret, nil
}

// ---- cashbook ----

func (s *Store) CreateCashbookEntry(ctx context.Context, e domain.CashbookEntry) (*domain.CashbookEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	created, err := insertEntryTx(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// insertEntryTx appends one entry with the branch running balance. Auto
// entries are deduplicated on (related_id, related_type, type, source);
// adjustment entries (related_type khac) are exempt.
func insertEntryTx(ctx context.Context, tx *sql.Tx, e domain.CashbookEntry) (*domain.CashbookEntry, error) {
	if e.IsAuto && e.RelatedID != "" && e.RelatedType != domain.RelatedKhac {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM cashbook_entries
				WHERE is_auto = true AND related_id = $1 AND related_type = $2 AND type = $3 AND source = $4
			)
		`, e.RelatedID, e.RelatedType, e.Type, e.Source).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: duplicate auto entry for %s/%s", store.ErrInconsistent, e.RelatedType, e.RelatedID)
		}
	}

	var before sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_after FROM cashbook_entries
		WHERE branch = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, e.Branch).Scan(&before)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	e.BalanceBefore = before.Int64
	if e.Type == domain.CashbookChi {
		e.BalanceAfter = e.BalanceBefore - e.Amount
	} else {
		e.BalanceAfter = e.BalanceBefore + e.Amount
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cashbook_entries (id, type, amount, content, source, branch, date,
			related_id, related_type, is_auto, editable, balance_before, balance_after, actor, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, e.ID, e.Type, e.Amount, e.Content, e.Source, e.Branch, e.Date,
		nullIfEmpty(e.RelatedID), nullIfEmpty(e.RelatedType), e.IsAuto, e.Editable, e.BalanceBefore, e.BalanceAfter,
		nullIfEmpty(e.Actor), nullIfEmpty(e.Note), e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const entryColumns = `id, type, amount, content, source, branch, date,
	related_id, related_type, is_auto, editable, balance_before, balance_after, actor, note, created_at`

func scanEntry(r rowScanner) (domain.CashbookEntry, error) {
	var e domain.CashbookEntry
	var relatedID, relatedType, actor, note sql.NullString
	err := r.Scan(&e.ID, &e.Type, &e.Amount, &e.Content, &e.Source, &e.Branch, &e.Date,
		&relatedID, &relatedType, &e.IsAuto, &e.Editable, &e.BalanceBefore, &e.BalanceAfter, &actor, &note, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.RelatedID = relatedID.String
	e.RelatedType = relatedType.String
	e.Actor = actor.String
	e.Note = note.String
	return e, nil
}

func (s *Store) GetCashbookEntry(ctx context.Context, id string) (*domain.CashbookEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cashbook_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *Store) UpdateCashbookEntry(ctx context.Context, e domain.CashbookEntry) (*domain.CashbookEntry, error) {
	existing, err := s.GetCashbookEntry(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if existing.IsAuto || !existing.Editable {
		return nil, fmt.Errorf("%w: auto entries are immutable", store.ErrForbidden)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE cashbook_entries
		SET type = $1, amount = $2, content = $3, source = $4, date = $5, note = $6
		WHERE id = $7 AND is_auto = false
	`, e.Type, e.Amount, e.Content, e.Source, e.Date, nullIfEmpty(e.Note), e.ID)
	if err != nil {
		return nil, err
	}
	return s.GetCashbookEntry(ctx, e.ID)
}

func (s *Store) DeleteCashbookEntry(ctx context.Context, id string) error {
	existing, err := s.GetCashbookEntry(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsAuto || !existing.Editable {
		return fmt.Errorf("%w: auto entries are immutable", store.ErrForbidden)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM cashbook_entries WHERE id = $1 AND is_auto = false`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListCashbook(ctx context.Context, f domain.CashbookFilter) ([]domain.CashbookEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.Branch != "" {
		args = append(args, f.Branch)
		conds = append(conds, fmt.Sprintf("lower(branch) = lower($%d)", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conds = append(conds, fmt.Sprintf("date <= $%d", len(args)))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if f.Content != "" {
		args = append(args, "%"+f.Content+"%")
		conds = append(conds, fmt.Sprintf("content ILIKE $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM cashbook_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date DESC, created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CashbookEntry, 0, 64)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- users + audit ----

func (s *Store) CreateUser(ctx context.Context, u domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, branch, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, strings.ToLower(strings.TrimSpace(u.Username)), u.Password, u.Role, u.Branch, u.Active, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username taken", store.ErrInvalidAmount)
	}
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, branch, active, created_at
		FROM users
		WHERE username = lower(trim($1))
	`, username).Scan(&u.Username, &u.Password, &u.Role, &u.Branch, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, branch, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Branch, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, branch, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, nullIfEmpty(entry.Branch), entry.ActorUsername, entry.ActorRole, entry.Action,
		nullIfEmpty(entry.EntityType), nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListActivityLogs(ctx context.Context, branch string, limit int) ([]domain.ActivityLog, error) {
	query := `
		SELECT id, branch, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM activity_logs`
	var args []any
	if branch != "" {
		args = append(args, branch)
		query += fmt.Sprintf(" WHERE lower(branch) = lower($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.ActivityLog, 0, 64)
	for rows.Next() {
		var a domain.ActivityLog
		var branchCol, entityType, entityID, detail sql.NullString
		if err := rows.Scan(&a.ID, &branchCol, &a.ActorUsername, &a.ActorRole, &a.Action, &entityType, &entityID, &detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Branch = branchCol.String
		a.EntityType = entityType.String
		a.EntityID = entityID.String
		a.Detail = detail.String
		logs = append(logs, a)
	}
	return logs, rows.Err()
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
