package domain

import "errors"

var errUnavailable = errors.New("unit unavailable")

// Available reports whether the unit can still satisfy a sale of qty.
// Serialized units are all-or-nothing; grouped lines check the counter.
func (u *InventoryUnit) Available(qty int) bool {
	if u.Status != UnitStatusInStock || qty < 1 {
		return false
	}
	if u.Kind == UnitKindSerialized {
		return qty == 1
	}
	return u.Quantity >= qty
}

// Take reserves qty from the unit. Serialized units flip to sold; grouped
// lines decrement their counter and stay in stock while any remain.
func (u *InventoryUnit) Take(qty int) error {
	if !u.Available(qty) {
		return errUnavailable
	}
	if u.Kind == UnitKindSerialized {
		u.Status = UnitStatusSold
		return nil
	}
	u.Quantity -= qty
	return nil
}

// GiveBack undoes a Take. Only meaningful for grouped lines; serialized
// availability is restored by flipping status back.
func (u *InventoryUnit) GiveBack(qty int) {
	if u.Kind == UnitKindSerialized {
		u.Status = UnitStatusInStock
		return
	}
	u.Quantity += qty
}

// SoldClone returns the immutable sold row written for a grouped sale of
// qty at price. The in-stock source row keeps its identity.
func (u *InventoryUnit) SoldClone(id string, qty int, price int64) InventoryUnit {
	c := *u
	c.ID = id
	c.Quantity = qty
	c.Status = UnitStatusSold
	c.SalePrice = price
	c.CustomerDebt = SubLedger{}
	c.SupplierDebt = SubLedger{}
	return c
}

// RestockClone returns the in-stock row created when a sold unit comes back.
func (u *InventoryUnit) RestockClone(id string) InventoryUnit {
	c := *u
	c.ID = id
	c.Status = UnitStatusInStock
	c.SalePrice = 0
	c.SaleDate = nil
	c.BuyerName = ""
	c.BuyerPhone = ""
	c.BatchID = ""
	c.SaleReversed = false
	c.IsReturnItem = true
	c.CustomerDebt = SubLedger{}
	c.SupplierDebt = SubLedger{}
	return c
}
