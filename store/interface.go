package store

import (
	"context"

	"fabric-store/model"
)

// CartItemPatch carries the optional fields of an update-line-item call.
// Quantity 0 and Unit "" mean "keep".
type CartItemPatch struct {
	Quantity int
	Unit     model.Unit
}

type Store interface {
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	GetProduct(ctx context.Context, id string) (model.Product, error)
	ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	UpdateProduct(ctx context.Context, p model.Product) (model.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	UpdateStock(ctx context.Context, productID string, newStock int) error

	AddCartItem(ctx context.Context, userID string, item model.LineItem) (model.Cart, error)
	GetCart(ctx context.Context, userID string) (model.Cart, error)
	UpdateCartItem(ctx context.Context, userID, itemID string, patch CartItemPatch) (model.Cart, error)
	RemoveCartItem(ctx context.Context, userID, itemID string) (model.Cart, error)

	// CreateOrderFromCart snapshots the cart into a new order and empties the cart
	// as one atomic unit.
	CreateOrderFromCart(ctx context.Context, userID string, co model.Checkout) (model.Order, error)
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)
	GetOrder(ctx context.Context, orderID string) (model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (model.Order, error)

	Close() error
}
