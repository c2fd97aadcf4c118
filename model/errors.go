package model

import "errors"

var (
	// ErrNotFound is returned when a product, cart, line item or order does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errors.New("conflict")
	// ErrCartEmpty is returned when an order is requested for a cart without line items.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrInvalidUnit is returned for a unit outside of yard/feet.
	ErrInvalidUnit = errors.New("unit must be yard or feet")
	// ErrOutOfRange is returned when a quantity or other numeric field leaves its allowed range.
	ErrOutOfRange = errors.New("value out of range")
	// ErrInvalidTransition is returned when an order status would move backwards or stay put.
	ErrInvalidTransition = errors.New("invalid status transition")
)
