package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fabric-store/model"
	"fabric-store/store"

	"github.com/shopspring/decimal"
)

// ---- fakeStore implementing store.Store for tests ----
type fakeStore struct {
	CreateProductFn       func(ctx context.Context, p model.Product) (model.Product, error)
	GetProductFn          func(ctx context.Context, id string) (model.Product, error)
	ListProductsFn        func(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	UpdateProductFn       func(ctx context.Context, p model.Product) (model.Product, error)
	DeleteProductFn       func(ctx context.Context, id string) error
	UpdateStockFn         func(ctx context.Context, productID string, newStock int) error
	AddCartItemFn         func(ctx context.Context, userID string, item model.LineItem) (model.Cart, error)
	GetCartFn             func(ctx context.Context, userID string) (model.Cart, error)
	UpdateCartItemFn      func(ctx context.Context, userID, itemID string, patch store.CartItemPatch) (model.Cart, error)
	RemoveCartItemFn      func(ctx context.Context, userID, itemID string) (model.Cart, error)
	CreateOrderFromCartFn func(ctx context.Context, userID string, co model.Checkout) (model.Order, error)
	ListOrdersFn          func(ctx context.Context, userID string) ([]model.Order, error)
	GetOrderFn            func(ctx context.Context, orderID string) (model.Order, error)
	UpdateOrderStatusFn   func(ctx context.Context, orderID string, status model.OrderStatus) (model.Order, error)
}

func (f *fakeStore) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	return f.CreateProductFn(ctx, p)
}
func (f *fakeStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	return f.GetProductFn(ctx, id)
}
func (f *fakeStore) ListProducts(ctx context.Context, fl model.ProductFilter) ([]model.Product, error) {
	return f.ListProductsFn(ctx, fl)
}
func (f *fakeStore) UpdateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	return f.UpdateProductFn(ctx, p)
}
func (f *fakeStore) DeleteProduct(ctx context.Context, id string) error {
	return f.DeleteProductFn(ctx, id)
}
func (f *fakeStore) UpdateStock(ctx context.Context, productID string, newStock int) error {
	return f.UpdateStockFn(ctx, productID, newStock)
}
func (f *fakeStore) AddCartItem(ctx context.Context, userID string, item model.LineItem) (model.Cart, error) {
	return f.AddCartItemFn(ctx, userID, item)
}
func (f *fakeStore) GetCart(ctx context.Context, userID string) (model.Cart, error) {
	return f.GetCartFn(ctx, userID)
}
func (f *fakeStore) UpdateCartItem(ctx context.Context, userID, itemID string, patch store.CartItemPatch) (model.Cart, error) {
	return f.UpdateCartItemFn(ctx, userID, itemID, patch)
}
func (f *fakeStore) RemoveCartItem(ctx context.Context, userID, itemID string) (model.Cart, error) {
	return f.RemoveCartItemFn(ctx, userID, itemID)
}
func (f *fakeStore) CreateOrderFromCart(ctx context.Context, userID string, co model.Checkout) (model.Order, error) {
	return f.CreateOrderFromCartFn(ctx, userID, co)
}
func (f *fakeStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return f.ListOrdersFn(ctx, userID)
}
func (f *fakeStore) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	return f.GetOrderFn(ctx, orderID)
}
func (f *fakeStore) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (model.Order, error) {
	return f.UpdateOrderStatusFn(ctx, orderID, status)
}
func (f *fakeStore) Close() error { return nil }

// ---- fakeCache: in-memory cache.Cache ----
type fakeCache struct {
	mu      sync.Mutex
	data    map[string]string
	deleted []string
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string]string{}} }

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = fmt.Sprint(value)
	return nil
}
func (c *fakeCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}
func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
		c.deleted = append(c.deleted, k)
	}
	return nil
}
func (c *fakeCache) GenerateKey(operation, key string) string { return "test:" + operation + ":" + key }

var ctx = context.Background()

func linen() model.Product {
	return model.Product{ID: "pA", Name: "Linen", Price: decimal.RequireFromString("12.50"), Stock: 10}
}

// ---- Tests ----

func TestCreateProductValidationAndForwarding(t *testing.T) {
	svc := NewService(&fakeStore{
		CreateProductFn: func(_ context.Context, p model.Product) (model.Product, error) {
			p.ID = "p1"
			return p, nil
		},
	})

	if _, err := svc.CreateProduct(ctx, ProductInput{Name: " ", Price: decimal.NewFromInt(1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty name, got %v", err)
	}
	if _, err := svc.CreateProduct(ctx, ProductInput{Name: "n", Price: decimal.NewFromInt(-1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative price, got %v", err)
	}
	if _, err := svc.CreateProduct(ctx, ProductInput{Name: "n", Stock: -2}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative stock, got %v", err)
	}

	p, err := svc.CreateProduct(ctx, ProductInput{Name: " Linen ", Price: decimal.RequireFromString("12.50")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "p1" || p.Name != "Linen" {
		t.Fatalf("unexpected product: %+v", p)
	}
}

func TestAddToCartValidationAndForwarding(t *testing.T) {
	var got model.LineItem
	fs := &fakeStore{
		GetProductFn: func(_ context.Context, id string) (model.Product, error) {
			if id != "pA" {
				return model.Product{}, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
			}
			return linen(), nil
		},
		AddCartItemFn: func(_ context.Context, userID string, item model.LineItem) (model.Cart, error) {
			got = item
			return model.Cart{UserID: userID, Items: []model.LineItem{item}}, nil
		},
	}
	svc := NewService(fs)

	cases := []struct {
		name   string
		userID string
		req    AddItemRequest
	}{
		{"missing user", "", AddItemRequest{ProductID: "pA", Quantity: 1, Unit: "yard"}},
		{"missing product", "u1", AddItemRequest{Quantity: 1, Unit: "yard"}},
		{"zero quantity", "u1", AddItemRequest{ProductID: "pA", Quantity: 0, Unit: "yard"}},
		{"quantity too large", "u1", AddItemRequest{ProductID: "pA", Quantity: model.MaxLineQuantity + 1, Unit: "yard"}},
		{"bad unit", "u1", AddItemRequest{ProductID: "pA", Quantity: 1, Unit: "meter"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := svc.AddToCart(ctx, c.userID, c.req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, err := svc.AddToCart(ctx, "u1", AddItemRequest{ProductID: "pZ", Quantity: 1, Unit: "yard"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown product, got %v", err)
	}

	if _, err := svc.AddToCart(ctx, "u1", AddItemRequest{ProductID: "pA", Quantity: 2, Unit: "Feet"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ProductID != "pA" || got.Quantity != 2 || got.Unit != model.UnitFeet {
		t.Fatalf("unexpected forwarded item: %+v", got)
	}
}

func TestUpdateCartItemPatch(t *testing.T) {
	var got store.CartItemPatch
	fs := &fakeStore{
		UpdateCartItemFn: func(_ context.Context, _, _ string, patch store.CartItemPatch) (model.Cart, error) {
			got = patch
			return model.Cart{}, nil
		},
	}
	svc := NewService(fs)

	if _, err := svc.UpdateCartItem(ctx, "u1", "i1", UpdateItemRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty patch, got %v", err)
	}
	zero := 0
	if _, err := svc.UpdateCartItem(ctx, "u1", "i1", UpdateItemRequest{Quantity: &zero}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for quantity 0, got %v", err)
	}
	huge := model.MaxLineQuantity + 1
	if _, err := svc.UpdateCartItem(ctx, "u1", "i1", UpdateItemRequest{Quantity: &huge}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for quantity %d, got %v", huge, err)
	}
	bad := "inch"
	if _, err := svc.UpdateCartItem(ctx, "u1", "i1", UpdateItemRequest{Unit: &bad}); !errors.Is(err, model.ErrInvalidUnit) {
		t.Fatalf("expected ErrInvalidUnit, got %v", err)
	}

	unit := "feet"
	if _, err := svc.UpdateCartItem(ctx, "u1", "i1", UpdateItemRequest{Unit: &unit}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quantity != 0 || got.Unit != model.UnitFeet {
		t.Fatalf("unexpected patch: %+v", got)
	}
}

func TestRemoveFromCartStoreError(t *testing.T) {
	fs := &fakeStore{
		RemoveCartItemFn: func(_ context.Context, _, itemID string) (model.Cart, error) {
			return model.Cart{}, fmt.Errorf("%w: line item %s", model.ErrNotFound, itemID)
		},
	}
	svc := NewService(fs)
	if _, err := svc.RemoveFromCart(ctx, "u1", "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound to propagate, got %v", err)
	}
	if _, err := svc.RemoveFromCart(ctx, "u1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty item id, got %v", err)
	}
}

func TestGetCartPopulatesProducts(t *testing.T) {
	var lookups atomic.Int32
	fs := &fakeStore{
		GetCartFn: func(_ context.Context, userID string) (model.Cart, error) {
			return model.Cart{UserID: userID, Items: []model.LineItem{
				{ID: "i1", ProductID: "pA", Quantity: 2, Unit: model.UnitYard},
				{ID: "i2", ProductID: "pB", Quantity: 3, Unit: model.UnitFeet},
				{ID: "i3", ProductID: "pA", Quantity: 1, Unit: model.UnitFeet},
				{ID: "i4", ProductID: "gone", Quantity: 1, Unit: model.UnitYard},
			}}, nil
		},
		GetProductFn: func(_ context.Context, id string) (model.Product, error) {
			lookups.Add(1)
			switch id {
			case "pA":
				return linen(), nil
			case "pB":
				return model.Product{ID: "pB", Name: "Cotton", Price: decimal.RequireFromString("4.10")}, nil
			}
			return model.Product{}, model.ErrNotFound
		},
	}
	svc := NewService(fs, WithPopulateConcurrency(2))

	cart, err := svc.GetCart(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := lookups.Load(); n != 3 {
		t.Fatalf("expected one lookup per distinct product, got %d", n)
	}
	if len(cart.Items) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(cart.Items))
	}
	if cart.Items[0].Product == nil || cart.Items[0].Product.Name != "Linen" {
		t.Fatalf("first line not populated: %+v", cart.Items[0])
	}
	if cart.Items[3].Product != nil || !cart.Items[3].LineTotal.IsZero() {
		t.Fatalf("vanished product should stay empty: %+v", cart.Items[3])
	}
	// 2*12.50 + 3*4.10 + 1*12.50
	if want := decimal.RequireFromString("49.80"); !cart.Subtotal.Equal(want) {
		t.Fatalf("subtotal = %s, want %s", cart.Subtotal, want)
	}
}

func TestGetCartStoreError(t *testing.T) {
	fs := &fakeStore{
		GetCartFn: func(context.Context, string) (model.Cart, error) { return model.Cart{}, errors.New("db fail") },
	}
	svc := NewService(fs)
	if _, err := svc.GetCart(ctx, "u"); err == nil {
		t.Fatalf("expected error from GetCart to propagate")
	}
}

func TestGetCartLookupErrorPropagates(t *testing.T) {
	fs := &fakeStore{
		GetCartFn: func(_ context.Context, userID string) (model.Cart, error) {
			return model.Cart{UserID: userID, Items: []model.LineItem{{ID: "i1", ProductID: "pA", Quantity: 1, Unit: model.UnitYard}}}, nil
		},
		GetProductFn: func(context.Context, string) (model.Product, error) { return model.Product{}, errors.New("db down") },
	}
	svc := NewService(fs)
	if _, err := svc.GetCart(ctx, "u1"); err == nil {
		t.Fatalf("expected lookup error to propagate")
	}
}

func TestProductReadThroughCache(t *testing.T) {
	var calls int
	fs := &fakeStore{
		GetProductFn: func(_ context.Context, id string) (model.Product, error) {
			calls++
			return linen(), nil
		},
		UpdateStockFn: func(context.Context, string, int) error { return nil },
	}
	c := newFakeCache()
	svc := NewService(fs, WithCache(c, time.Minute))

	for i := 0; i < 3; i++ {
		p, err := svc.GetProduct(ctx, "pA")
		if err != nil {
			t.Fatalf("GetProduct: %v", err)
		}
		if !p.Price.Equal(decimal.RequireFromString("12.5")) {
			t.Fatalf("price lost through cache: %s", p.Price)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one store read, got %d", calls)
	}

	if err := svc.UpdateStock(ctx, "pA", 3); err != nil {
		t.Fatalf("UpdateStock: %v", err)
	}
	if len(c.deleted) != 1 || c.deleted[0] != "test:product:pA" {
		t.Fatalf("expected cache entry to be dropped, got %v", c.deleted)
	}
	if _, err := svc.GetProduct(ctx, "pA"); err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a fresh store read after invalidation, got %d", calls)
	}
}

func TestUpdateStockValidationAndForwarding(t *testing.T) {
	svc := NewService(&fakeStore{})
	if err := svc.UpdateStock(ctx, "p1", -5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative stock, got %v", err)
	}

	called := false
	svc2 := NewService(&fakeStore{
		UpdateStockFn: func(_ context.Context, productID string, newStock int) error {
			called = true
			if productID != "p7" || newStock != 10 {
				return fmt.Errorf("unexpected args")
			}
			return nil
		},
	})
	if err := svc2.UpdateStock(ctx, "p7", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected UpdateStock to call store")
	}
}

func TestCreateOrderFlow(t *testing.T) {
	svc := NewService(&fakeStore{})
	if _, err := svc.CreateOrder(ctx, CreateOrderRequest{ShippingAddress: "a", PaymentMethod: "card"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty user, got %v", err)
	}
	if _, err := svc.CreateOrder(ctx, CreateOrderRequest{UserID: "u1", PaymentMethod: "card"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing address, got %v", err)
	}

	var gotCheckout model.Checkout
	fs := &fakeStore{
		CreateOrderFromCartFn: func(_ context.Context, userID string, co model.Checkout) (model.Order, error) {
			gotCheckout = co
			return model.Order{ID: "o1", UserID: userID, Status: model.StatusPending}, nil
		},
	}
	o, err := NewService(fs).CreateOrder(ctx, CreateOrderRequest{UserID: "u1", ShippingAddress: " 1 Loom St ", PaymentMethod: "card", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ID != "o1" || gotCheckout.ShippingAddress != "1 Loom St" || gotCheckout.IdempotencyKey != "k1" {
		t.Fatalf("unexpected order %+v / checkout %+v", o, gotCheckout)
	}

	empty := &fakeStore{
		CreateOrderFromCartFn: func(context.Context, string, model.Checkout) (model.Order, error) {
			return model.Order{}, model.ErrCartEmpty
		},
	}
	if _, err := NewService(empty).CreateOrder(ctx, CreateOrderRequest{UserID: "u1", ShippingAddress: "a", PaymentMethod: "card"}); !errors.Is(err, model.ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty to propagate, got %v", err)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	fs := &fakeStore{
		GetOrderFn: func(_ context.Context, orderID string) (model.Order, error) {
			return model.Order{ID: orderID, UserID: "owner"}, nil
		},
	}
	svc := NewService(fs)

	if _, err := svc.GetOrder(ctx, "owner", "o1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GetOrder(ctx, "someone-else", "o1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign order, got %v", err)
	}
}

func TestUpdateOrderStatusParsing(t *testing.T) {
	var got model.OrderStatus
	fs := &fakeStore{
		UpdateOrderStatusFn: func(_ context.Context, orderID string, status model.OrderStatus) (model.Order, error) {
			got = status
			return model.Order{ID: orderID, Status: status}, nil
		},
	}
	svc := NewService(fs)

	if _, err := svc.UpdateOrderStatus(ctx, "o1", "lost"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
	if _, err := svc.UpdateOrderStatus(ctx, "o1", "shipped"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != model.StatusShipped {
		t.Fatalf("status forwarded as %q", got)
	}
}
