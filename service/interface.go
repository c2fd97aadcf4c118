package service

import (
	"context"

	"fabric-store/model"
)

type ServiceInterface interface {
	CreateProduct(ctx context.Context, in ProductInput) (model.Product, error)
	GetProduct(ctx context.Context, id string) (model.Product, error)
	ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	UpdateProduct(ctx context.Context, id string, in ProductInput) (model.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	UpdateStock(ctx context.Context, productID string, newStock int) error

	AddToCart(ctx context.Context, userID string, req AddItemRequest) (model.Cart, error)
	GetCart(ctx context.Context, userID string) (CartDTO, error)
	RemoveFromCart(ctx context.Context, userID, itemID string) (model.Cart, error)
	UpdateCartItem(ctx context.Context, userID, itemID string, req UpdateItemRequest) (model.Cart, error)

	CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error)
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (model.Order, error)
}
