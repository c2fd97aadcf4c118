package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxLineQuantity bounds a line item's quantity; it fits the INT column in PostgreSQL.
const MaxLineQuantity = math.MaxInt32

// Unit is the length unit fabric is sold in.
type Unit string

const (
	UnitYard Unit = "yard"
	UnitFeet Unit = "feet"
)

func (u Unit) Valid() bool {
	return u == UnitYard || u == UnitFeet
}

// ParseUnit accepts "yard"/"feet" in any case.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
	}
	return u, nil
}

// LineItem is one (product, quantity, unit) entry of a cart.
type LineItem struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Unit      Unit   `json:"unit"`
}

// Cart is the per-user collection of pending line items. Items keep insertion order.
type Cart struct {
	UserID    string     `json:"userId"`
	Items     []LineItem `json:"items"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (c Cart) indexOf(itemID string) int {
	for i, it := range c.Items {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}

func (c Cart) indexOfProduct(productID string, unit Unit) int {
	for i, it := range c.Items {
		if it.ProductID == productID && it.Unit == unit {
			return i
		}
	}
	return -1
}

func checkQuantity(q int) error {
	if q < 1 || q > MaxLineQuantity {
		return fmt.Errorf("%w: quantity %d not in [1, %d]", ErrOutOfRange, q, MaxLineQuantity)
	}
	return nil
}

// AddItem merges item into the cart. A line with the same product and unit has its
// quantity incremented and keeps its ID; otherwise item is appended as a new line.
// A merged quantity above MaxLineQuantity leaves the cart untouched.
func (c *Cart) AddItem(item LineItem) (LineItem, error) {
	if err := checkQuantity(item.Quantity); err != nil {
		return LineItem{}, err
	}
	if i := c.indexOfProduct(item.ProductID, item.Unit); i >= 0 {
		if item.Quantity > MaxLineQuantity-c.Items[i].Quantity {
			return LineItem{}, fmt.Errorf("%w: line %s would exceed %d", ErrOutOfRange, c.Items[i].ID, MaxLineQuantity)
		}
		c.Items[i].Quantity += item.Quantity
		return c.Items[i], nil
	}
	c.Items = append(c.Items, item)
	return item, nil
}

// RemoveItem drops the line with the given ID. The cart is left untouched when no line matches.
func (c *Cart) RemoveItem(itemID string) error {
	i := c.indexOf(itemID)
	if i < 0 {
		return fmt.Errorf("%w: line item %s", ErrNotFound, itemID)
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	return nil
}

// UpdateItem sets quantity and unit of a line. A zero quantity or empty unit keeps the
// current value. Moving a line onto a product+unit pair already present is a conflict.
func (c *Cart) UpdateItem(itemID string, quantity int, unit Unit) (LineItem, error) {
	i := c.indexOf(itemID)
	if i < 0 {
		return LineItem{}, fmt.Errorf("%w: line item %s", ErrNotFound, itemID)
	}
	if quantity != 0 {
		if err := checkQuantity(quantity); err != nil {
			return LineItem{}, err
		}
	}
	if unit != "" && unit != c.Items[i].Unit {
		if j := c.indexOfProduct(c.Items[i].ProductID, unit); j >= 0 {
			return LineItem{}, fmt.Errorf("%w: product %s already in cart as %s", ErrConflict, c.Items[i].ProductID, unit)
		}
		c.Items[i].Unit = unit
	}
	if quantity > 0 {
		c.Items[i].Quantity = quantity
	}
	return c.Items[i], nil
}

// Clear empties the cart. The cart itself is kept.
func (c *Cart) Clear() {
	c.Items = []LineItem{}
}
