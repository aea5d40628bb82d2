package domain

// ReservationItem: единица работы для координатора резервирования.
type ReservationItem struct {
	ProductID string
	Quantity  int32
}

// Reservation: успешно выполненное списание: что списали и с какой версии.
// Живёт только в рамках одной операции create/cancel и не сохраняется.
type Reservation struct {
	ProductID       string
	Quantity        int32
	ObservedVersion int64
}

// ReservationResult: итог резервирования всего списка позиций.
type ReservationResult struct {
	OK        bool
	Reserved  []Reservation
	Shortages []StockShortage
}

// Err возвращает *InsufficientStockError, если резервирование не удалось.
func (r ReservationResult) Err() error {
	if r.OK {
		return nil
	}
	return &InsufficientStockError{Shortages: append([]StockShortage(nil), r.Shortages...)}
}

// Validate проверяет элемент до любых обращений к складу.
func (i ReservationItem) Validate() error {
	if i.ProductID == "" {
		return ErrProductIDRequired
	}
	if i.Quantity <= 0 {
		return ErrQuantityInvalid
	}
	return nil
}
