package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry. Cart and order lines reference it by ID.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Category    string          `json:"category"`
	Featured    bool            `json:"featured"`
	ImageURL    string          `json:"imageUrl"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ProductFilter narrows ListProducts. Zero values match everything.
type ProductFilter struct {
	Category string
	Featured *bool
}

// LineTotal is price × quantity.
func LineTotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}
