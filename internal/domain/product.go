package domain

import "time"

// Product: носитель остатка. Остаток и версию меняет только StockLedger.
type Product struct {
	ID         string
	Name       string
	PriceMinor int64
	Stock      int32
	// Version монотонно растёт при каждом изменении остатка (optimistic concurrency).
	Version   int64
	Active    bool
	UpdatedAt time.Time
}

// CanReserve сообщает, можно ли списать qty при текущем снимке товара.
func (p Product) CanReserve(qty int32) bool {
	return p.Active && qty > 0 && p.Stock >= qty
}
