package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestReservationItem_Validate(t *testing.T) {
	tests := []struct {
		name string
		item ReservationItem
		want error
	}{
		{name: "valid", item: ReservationItem{ProductID: "p-1", Quantity: 1}},
		{name: "missing product", item: ReservationItem{Quantity: 1}, want: ErrProductIDRequired},
		{name: "zero quantity", item: ReservationItem{ProductID: "p-1"}, want: ErrQuantityInvalid},
		{name: "negative quantity", item: ReservationItem{ProductID: "p-1", Quantity: -3}, want: ErrQuantityInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReservationResult_Err(t *testing.T) {
	ok := ReservationResult{OK: true, Reserved: []Reservation{{ProductID: "p-1", Quantity: 2, ObservedVersion: 4}}}
	if err := ok.Err(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	failed := ReservationResult{Shortages: []StockShortage{
		{ProductID: "p-2", Required: 49, Available: 2},
		{ProductID: "p-3", Reason: "product not found"},
	}}
	err := failed.Err()
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected *InsufficientStockError, got %T", err)
	}
	if len(stockErr.Shortages) != 2 {
		t.Fatalf("expected 2 shortages, got %d", len(stockErr.Shortages))
	}
	if !strings.Contains(err.Error(), "required 49, available 2") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !strings.Contains(err.Error(), "p-3: product not found") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	// ошибка не должна разделять срез с результатом
	failed.Shortages[0].Available = 100
	if stockErr.Shortages[0].Available != 2 {
		t.Fatal("shortages must be copied")
	}
}

func TestProductCanReserve(t *testing.T) {
	p := Product{ID: "p-1", Stock: 5, Active: true}
	if !p.CanReserve(5) {
		t.Fatal("expected to reserve full stock")
	}
	if p.CanReserve(6) {
		t.Fatal("must not reserve above stock")
	}
	if p.CanReserve(0) {
		t.Fatal("must not reserve zero")
	}
	p.Active = false
	if p.CanReserve(1) {
		t.Fatal("inactive product must not be reserved")
	}
}
