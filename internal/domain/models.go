package domain

import "time"

// Inventory unit kinds. Serialized units carry an IMEI and always have
// quantity 1; grouped lines are quantity-counted accessories.
const (
	UnitKindSerialized = "serialized"
	UnitKindGrouped    = "grouped"
)

const (
	UnitStatusInStock = "in_stock"
	UnitStatusSold    = "sold"
)

// Cashbook entry types: thu is money in, chi is money out.
const (
	CashbookThu = "thu"
	CashbookChi = "chi"
)

// Payment sources. cong_no marks a credit allocation, not collected cash.
const (
	SourceTienMat  = "tien_mat"
	SourceThe      = "the"
	SourceViDienTu = "vi_dien_tu"
	SourceCongNo   = "cong_no"
)

// Cashbook related-document types.
const (
	RelatedBanHang    = "ban_hang"
	RelatedTraHangBan = "tra_hang_ban"
	RelatedThuNo      = "thu_no"
	RelatedTraNoNCC   = "tra_no_ncc"
	RelatedKhac       = "khac"
)

const (
	DebtEventPay = "pay"
	DebtEventAdd = "add"
)

const (
	ReturnStatusPending   = "pending"
	ReturnStatusCompleted = "completed"
	ReturnStatusCancelled = "cancelled"
)

const (
	RoleStaff   = "staff"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// DebtEvent is one movement on a unit's debt sub-ledger.
type DebtEvent struct {
	Type   string    `json:"type"`
	Amount int64     `json:"amount"`
	Date   time.Time `json:"date"`
	Note   string    `json:"note,omitempty"`
}

// SubLedger tracks the outstanding amount and the paid total for a single
// unit, plus the full movement history. Amounts are VND.
type SubLedger struct {
	Amount  int64       `json:"amount"`
	Paid    int64       `json:"paid"`
	History []DebtEvent `json:"history,omitempty"`
}

// InventoryUnit is one serialized phone or one grouped accessory line.
// Selling a grouped line decrements the in-stock row and writes a new sold
// row so sale history stays immutable.
type InventoryUnit struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	IMEI         string     `json:"imei,omitempty"`
	SKU          string     `json:"sku"`
	ProductName  string     `json:"product_name"`
	Category     string     `json:"category,omitempty"`
	Branch       string     `json:"branch"`
	Supplier     string     `json:"supplier,omitempty"`
	CostPrice    int64      `json:"cost_price"`
	ImportDate   time.Time  `json:"import_date"`
	Quantity     int        `json:"quantity"`
	Status       string     `json:"status"`
	SalePrice    int64      `json:"sale_price,omitempty"`
	SaleDate     *time.Time `json:"sale_date,omitempty"`
	BuyerName    string     `json:"buyer_name,omitempty"`
	BuyerPhone   string     `json:"buyer_phone,omitempty"`
	BatchID      string     `json:"batch_id,omitempty"`
	SaleReversed bool       `json:"sale_reversed,omitempty"`
	IsReturnItem bool       `json:"is_return_item,omitempty"`
	Note         string     `json:"note,omitempty"`
	CustomerDebt SubLedger  `json:"customer_debt"`
	SupplierDebt SubLedger  `json:"supplier_debt"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// UnitFilter narrows ListUnits. Zero values mean "any".
type UnitFilter struct {
	Branch           string
	Status           string
	Category         string
	SKU              string
	Search           string
	BuyerName        string
	BuyerPhone       string
	Supplier         string
	WithCustomerDebt bool
	WithSupplierDebt bool
	Limit            int
}

// IntakeRequest registers stock for one product: either a list of IMEIs
// (one serialized unit each) or a grouped quantity line.
type IntakeRequest struct {
	Branch         string   `json:"branch"`
	SKU            string   `json:"sku"`
	ProductName    string   `json:"product_name"`
	Category       string   `json:"category"`
	Supplier       string   `json:"supplier"`
	IMEIs          []string `json:"imeis"`
	Quantity       int      `json:"quantity"`
	CostPrice      int64    `json:"cost_price"`
	PaidToSupplier int64    `json:"paid_to_supplier"`
	ImportDate     string   `json:"import_date"`
	Note           string   `json:"note"`
}

// SaleItemRequest references one unit to sell: serialized by UnitID or IMEI,
// grouped by SKU plus quantity.
type SaleItemRequest struct {
	UnitID    string `json:"unit_id"`
	IMEI      string `json:"imei"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// PaymentAllocation is one funding source for a sale or refund.
type PaymentAllocation struct {
	Source string `json:"source"`
	Amount int64  `json:"amount"`
}

type SaleRequest struct {
	Branch        string              `json:"branch"`
	CustomerName  string              `json:"customer_name"`
	CustomerPhone string              `json:"customer_phone"`
	SaleDate      string              `json:"sale_date"`
	Note          string              `json:"note"`
	Items         []SaleItemRequest   `json:"items"`
	Payments      []PaymentAllocation `json:"payments"`
}

// SaleLine is a priced, resolved line of a persisted batch.
type SaleLine struct {
	UnitID      string `json:"unit_id"`
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	LineTotal   int64  `json:"line_total"`
}

// SaleBatch is one completed sale. TotalAmount, TotalPaid and Debt are
// derived from lines and payments, never trusted from the caller.
type SaleBatch struct {
	BatchID       string              `json:"batch_id"`
	Branch        string              `json:"branch"`
	SaleDate      time.Time           `json:"sale_date"`
	CustomerName  string              `json:"customer_name"`
	CustomerPhone string              `json:"customer_phone,omitempty"`
	Note          string              `json:"note,omitempty"`
	Lines         []SaleLine          `json:"lines"`
	Payments      []PaymentAllocation `json:"payments"`
	TotalAmount   int64               `json:"total_amount"`
	TotalPaid     int64               `json:"total_paid"`
	Debt          int64               `json:"debt"`
	Reversed      bool                `json:"reversed"`
	CreatedAt     time.Time           `json:"created_at"`
}

type SaleBatchFilter struct {
	Branch string
	From   time.Time
	To     time.Time
	Limit  int
}

type UpdateSaleRequest struct {
	Items    []SaleItemRequest   `json:"items"`
	Payments []PaymentAllocation `json:"payments"`
	Note     string              `json:"note"`
}

type SaleResponse struct {
	BatchID     string     `json:"batch_id"`
	TotalAmount int64      `json:"total_amount"`
	TotalPaid   int64      `json:"total_paid"`
	Debt        int64      `json:"debt"`
	Lines       []SaleLine `json:"lines"`
}

type ReturnRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// ReturnTransaction records one whole-batch return. Cancelling it does not
// undo restocking or the refund entry.
type ReturnTransaction struct {
	ID               string    `json:"id"`
	BatchID          string    `json:"batch_id"`
	UnitIDs          []string  `json:"unit_ids"`
	Quantity         int       `json:"quantity"`
	Amount           int64     `json:"amount"`
	Method           string    `json:"method"`
	Reason           string    `json:"reason,omitempty"`
	Note             string    `json:"note,omitempty"`
	CustomerName     string    `json:"customer_name,omitempty"`
	CustomerPhone    string    `json:"customer_phone,omitempty"`
	Branch           string    `json:"branch"`
	Status           string    `json:"status"`
	StockRestored    bool      `json:"stock_restored"`
	RestockedUnitIDs []string  `json:"restocked_unit_ids,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type DebtPayRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Amount        int64  `json:"amount"`
	Note          string `json:"note"`
}

type RenameDebtorRequest struct {
	OldName  string `json:"old_name"`
	OldPhone string `json:"old_phone"`
	NewName  string `json:"new_name"`
	NewPhone string `json:"new_phone"`
}

// DebtAggregate is computed fresh from unit sub-ledgers on every read.
type DebtAggregate struct {
	CustomerName  string      `json:"customer_name"`
	CustomerPhone string      `json:"customer_phone,omitempty"`
	TotalDebt     int64       `json:"total_debt"`
	TotalPaid     int64       `json:"total_paid"`
	History       []DebtEvent `json:"history"`
	UnitIDs       []string    `json:"unit_ids"`
}

type SupplierDebtAggregate struct {
	Supplier  string      `json:"supplier"`
	TotalDebt int64       `json:"total_debt"`
	TotalPaid int64       `json:"total_paid"`
	History   []DebtEvent `json:"history"`
	UnitIDs   []string    `json:"unit_ids"`
}

// CashbookEntry is one line of the per-branch cash journal. Auto entries
// are posted by the sale/return/debt processors and stay immutable.
type CashbookEntry struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	Content       string    `json:"content"`
	Source        string    `json:"source"`
	Branch        string    `json:"branch"`
	Date          time.Time `json:"date"`
	RelatedID     string    `json:"related_id,omitempty"`
	RelatedType   string    `json:"related_type,omitempty"`
	IsAuto        bool      `json:"is_auto"`
	Editable      bool      `json:"editable"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Actor         string    `json:"actor,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type CashbookFilter struct {
	Branch  string
	From    time.Time
	To      time.Time
	Content string
	Source  string
	Limit   int
}

type ManualCashbookRequest struct {
	Type    string `json:"type"`
	Amount  int64  `json:"amount"`
	Content string `json:"content"`
	Source  string `json:"source"`
	Branch  string `json:"branch"`
	Date    string `json:"date"`
	Note    string `json:"note"`
}

// InventorySummaryRow groups units by product and import month.
// Remaining always equals TotalImported minus TotalSold.
type InventorySummaryRow struct {
	SKU           string `json:"sku"`
	ProductName   string `json:"product_name"`
	Category      string `json:"category,omitempty"`
	Branch        string `json:"branch"`
	ImportMonth   string `json:"import_month"`
	TotalImported int    `json:"total_imported"`
	TotalSold     int    `json:"total_sold"`
	Remaining     int    `json:"remaining"`
	TotalCost     int64  `json:"total_cost"`
}

type InventorySummary struct {
	Branch      string                `json:"branch"`
	GeneratedAt time.Time             `json:"generated_at"`
	Rows        []InventorySummaryRow `json:"rows"`
}

type SourceTotal struct {
	Source string `json:"source"`
	Amount int64  `json:"amount"`
}

type DayTotal struct {
	Day     string `json:"day"`
	Count   int    `json:"count"`
	Revenue int64  `json:"revenue"`
}

// SalesReport nets returned batches out of every total.
type SalesReport struct {
	Branch           string        `json:"branch"`
	From             time.Time     `json:"from"`
	To               time.Time     `json:"to"`
	BatchCount       int           `json:"batch_count"`
	UnitsSold        int           `json:"units_sold"`
	TotalRevenue     int64         `json:"total_revenue"`
	TotalCollected   int64         `json:"total_collected"`
	TotalOutstanding int64         `json:"total_outstanding"`
	TotalReturned    int64         `json:"total_returned"`
	BySource         []SourceTotal `json:"by_source"`
	ByDay            []DayTotal    `json:"by_day"`
}

type ActivityLog struct {
	ID            string    `json:"id"`
	Branch        string    `json:"branch,omitempty"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Branch    string    `json:"branch"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor is the authenticated principal attached to request contexts.
type Actor struct {
	Username string
	Role     string
	Branch   string
}

type SupplierDebtPayRequest struct {
	Supplier string `json:"supplier"`
	Amount   int64  `json:"amount"`
	Note     string `json:"note"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Branch    string    `json:"branch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidSource reports whether s is a known payment source.
func ValidSource(s string) bool {
	switch s {
	case SourceTienMat, SourceThe, SourceViDienTu, SourceCongNo:
		return true
	}
	return false
}

// ValidRelatedType reports whether t is a known cashbook related type.
func ValidRelatedType(t string) bool {
	switch t {
	case RelatedBanHang, RelatedTraHangBan, RelatedThuNo, RelatedTraNoNCC, RelatedKhac:
		return true
	}
	return false
}
