package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "Pending"
	StatusConfirmed OrderStatus = "Confirmed"
	StatusShipped   OrderStatus = "Shipped"
	StatusDelivered OrderStatus = "Delivered"
)

var statusSequence = []OrderStatus{StatusPending, StatusConfirmed, StatusShipped, StatusDelivered}

func (s OrderStatus) rank() int {
	for i, st := range statusSequence {
		if st == s {
			return i
		}
	}
	return -1
}

func (s OrderStatus) Valid() bool {
	return s.rank() >= 0
}

// ParseOrderStatus matches status names case-insensitively.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range statusSequence {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// CanTransitionTo reports whether next lies strictly after s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s.Valid() && next.Valid() && next.rank() > s.rank()
}

// OrderLine is a cart line frozen at checkout, with the product name and price of that moment.
type OrderLine struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	Unit      Unit            `json:"unit"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Items           []OrderLine     `json:"items"`
	Total           decimal.Decimal `json:"total"`
	ShippingAddress string          `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	Status          OrderStatus     `json:"status"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Checkout carries the order metadata supplied by the client.
type Checkout struct {
	ShippingAddress string
	PaymentMethod   string
	IdempotencyKey  string
}

// NewOrder snapshots items into a Pending order priced from products (keyed by product ID).
// The caller assigns the order ID.
func NewOrder(userID string, items []LineItem, products map[string]Product, co Checkout, now time.Time) (Order, error) {
	if len(items) == 0 {
		return Order{}, ErrCartEmpty
	}

	lines := make([]OrderLine, 0, len(items))
	total := decimal.Zero
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			return Order{}, fmt.Errorf("%w: product %s", ErrNotFound, it.ProductID)
		}
		lt := LineTotal(p.Price, it.Quantity)
		lines = append(lines, OrderLine{
			ProductID: it.ProductID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			LineTotal: lt,
		})
		total = total.Add(lt)
	}

	return Order{
		UserID:          userID,
		Items:           lines,
		Total:           total,
		ShippingAddress: co.ShippingAddress,
		PaymentMethod:   co.PaymentMethod,
		Status:          StatusPending,
		IdempotencyKey:  co.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Transition moves the order to next, refusing anything but a forward step.
func (o *Order) Transition(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}
