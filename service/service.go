package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fabric-store/cache"
	"fabric-store/model"
	"fabric-store/store"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidInput wraps every validation failure.
var ErrInvalidInput = errors.New("invalid input")

const (
	defaultProductTTL  = 5 * time.Minute
	defaultConcurrency = 8
)

type Service struct {
	store store.Store
	log   *slog.Logger

	cache       cache.Cache
	productTTL  time.Duration
	concurrency int
}

type Option func(*Service)

// WithCache puts a read-through cache in front of product lookups.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.productTTL = ttl
		}
	}
}

// WithPopulateConcurrency bounds the parallel product lookups of GetCart.
func WithPopulateConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(s store.Store, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		log:         slog.Default(),
		productTTL:  defaultProductTTL,
		concurrency: defaultConcurrency,
	}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func requireID(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", invalid("%s required", name)
	}
	return v, nil
}

// --- products ---

type ProductInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Category    string          `json:"category"`
	Featured    bool            `json:"featured"`
	ImageURL    string          `json:"imageUrl"`
}

func (in ProductInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name required")
	}
	if in.Price.IsNegative() {
		return invalid("price must be >= 0")
	}
	if in.Stock < 0 {
		return invalid("stock must be >= 0")
	}
	return nil
}

func (in ProductInput) toModel(id string) model.Product {
	return model.Product{
		ID:          id,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Price:       in.Price,
		Stock:       in.Stock,
		Category:    in.Category,
		Featured:    in.Featured,
		ImageURL:    in.ImageURL,
	}
}

func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (model.Product, error) {
	if err := in.validate(); err != nil {
		return model.Product{}, err
	}
	return s.store.CreateProduct(ctx, in.toModel(""))
}

func (s *Service) GetProduct(ctx context.Context, id string) (model.Product, error) {
	id, err := requireID("product id", id)
	if err != nil {
		return model.Product{}, err
	}
	return s.getProduct(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error) {
	return s.store.ListProducts(ctx, f)
}

func (s *Service) UpdateProduct(ctx context.Context, id string, in ProductInput) (model.Product, error) {
	id, err := requireID("product id", id)
	if err != nil {
		return model.Product{}, err
	}
	if err := in.validate(); err != nil {
		return model.Product{}, err
	}
	p, err := s.store.UpdateProduct(ctx, in.toModel(id))
	if err != nil {
		return model.Product{}, err
	}
	s.forgetProduct(ctx, id)
	return p, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	id, err := requireID("product id", id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.forgetProduct(ctx, id)
	return nil
}

func (s *Service) UpdateStock(ctx context.Context, productID string, newStock int) error {
	productID, err := requireID("product id", productID)
	if err != nil {
		return err
	}
	if newStock < 0 {
		return invalid("stock cannot be negative")
	}
	if err := s.store.UpdateStock(ctx, productID, newStock); err != nil {
		return err
	}
	s.forgetProduct(ctx, productID)
	return nil
}

// getProduct reads through the cache when one is configured. Cache failures only
// cost a store round trip.
func (s *Service) getProduct(ctx context.Context, id string) (model.Product, error) {
	if s.cache == nil {
		return s.store.GetProduct(ctx, id)
	}

	key := s.cache.GenerateKey("product", id)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.WarnContext(ctx, "product cache get failed", "key", key, "err", err)
	}
	if raw != "" {
		var p model.Product
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return p, nil
		}
	}

	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return model.Product{}, err
	}
	if b, err := json.Marshal(p); err == nil {
		if err := s.cache.Set(ctx, key, string(b), s.productTTL); err != nil {
			s.log.WarnContext(ctx, "product cache set failed", "key", key, "err", err)
		}
	}
	return p, nil
}

func (s *Service) forgetProduct(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	key := s.cache.GenerateKey("product", id)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.WarnContext(ctx, "product cache delete failed", "key", key, "err", err)
	}
}

// --- cart ---

type AddItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Unit      string `json:"unit"`
}

// UpdateItemRequest fields are optional; nil keeps the current value.
type UpdateItemRequest struct {
	Quantity *int    `json:"quantity,omitempty"`
	Unit     *string `json:"unit,omitempty"`
}

func (s *Service) AddToCart(ctx context.Context, userID string, req AddItemRequest) (model.Cart, error) {
	userID, err := requireID("userId", userID)
	if err != nil {
		return model.Cart{}, err
	}
	productID, err := requireID("productId", req.ProductID)
	if err != nil {
		return model.Cart{}, err
	}
	if req.Quantity < 1 || req.Quantity > model.MaxLineQuantity {
		return model.Cart{}, invalid("quantity must be between 1 and %d", model.MaxLineQuantity)
	}
	unit, err := model.ParseUnit(req.Unit)
	if err != nil {
		return model.Cart{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	// product must exist
	if _, err := s.getProduct(ctx, productID); err != nil {
		return model.Cart{}, err
	}

	return s.store.AddCartItem(ctx, userID, model.LineItem{ProductID: productID, Quantity: req.Quantity, Unit: unit})
}

func (s *Service) RemoveFromCart(ctx context.Context, userID, itemID string) (model.Cart, error) {
	userID, err := requireID("userId", userID)
	if err != nil {
		return model.Cart{}, err
	}
	itemID, err = requireID("itemId", itemID)
	if err != nil {
		return model.Cart{}, err
	}
	return s.store.RemoveCartItem(ctx, userID, itemID)
}

func (s *Service) UpdateCartItem(ctx context.Context, userID, itemID string, req UpdateItemRequest) (model.Cart, error) {
	userID, err := requireID("userId", userID)
	if err != nil {
		return model.Cart{}, err
	}
	itemID, err = requireID("itemId", itemID)
	if err != nil {
		return model.Cart{}, err
	}
	if req.Quantity == nil && req.Unit == nil {
		return model.Cart{}, invalid("quantity or unit required")
	}

	var patch store.CartItemPatch
	if req.Quantity != nil {
		if *req.Quantity < 1 || *req.Quantity > model.MaxLineQuantity {
			return model.Cart{}, invalid("quantity must be between 1 and %d", model.MaxLineQuantity)
		}
		patch.Quantity = *req.Quantity
	}
	if req.Unit != nil {
		u, err := model.ParseUnit(*req.Unit)
		if err != nil {
			return model.Cart{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		patch.Unit = u
	}
	return s.store.UpdateCartItem(ctx, userID, itemID, patch)
}

// CartLineDTO is a line item with its product populated. Product is nil when the
// product has disappeared from the catalog.
type CartLineDTO struct {
	ID        string          `json:"id"`
	ProductID string          `json:"productId"`
	Product   *model.Product  `json:"product"`
	Quantity  int             `json:"quantity"`
	Unit      model.Unit      `json:"unit"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type CartDTO struct {
	UserID    string          `json:"userId"`
	Items     []CartLineDTO   `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// GetCart returns the cart with every product reference resolved. Lookups run in
// parallel, at most s.concurrency at a time.
func (s *Service) GetCart(ctx context.Context, userID string) (CartDTO, error) {
	userID, err := requireID("userId", userID)
	if err != nil {
		return CartDTO{}, err
	}
	cart, err := s.store.GetCart(ctx, userID)
	if err != nil {
		return CartDTO{}, err
	}

	index := map[string]int{}
	var ids []string
	for _, it := range cart.Items {
		if _, ok := index[it.ProductID]; !ok {
			index[it.ProductID] = len(ids)
			ids = append(ids, it.ProductID)
		}
	}

	products := make([]*model.Product, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			p, err := s.getProduct(gctx, id)
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("populate product %s: %w", id, err)
			}
			products[i] = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CartDTO{}, err
	}

	out := CartDTO{
		UserID:    cart.UserID,
		Items:     make([]CartLineDTO, 0, len(cart.Items)),
		Subtotal:  decimal.Zero,
		UpdatedAt: cart.UpdatedAt,
	}
	for _, it := range cart.Items {
		line := CartLineDTO{
			ID:        it.ID,
			ProductID: it.ProductID,
			Product:   products[index[it.ProductID]],
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			LineTotal: decimal.Zero,
		}
		if line.Product != nil {
			line.LineTotal = model.LineTotal(line.Product.Price, it.Quantity)
			out.Subtotal = out.Subtotal.Add(line.LineTotal)
		}
		out.Items = append(out.Items, line)
	}
	return out, nil
}

// --- orders ---

type CreateOrderRequest struct {
	UserID          string `json:"userId"`
	ShippingAddress string `json:"shippingAddress"`
	PaymentMethod   string `json:"paymentMethod"`
	IdempotencyKey  string `json:"-"`
}

func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error) {
	userID, err := requireID("userId", req.UserID)
	if err != nil {
		return model.Order{}, err
	}
	if strings.TrimSpace(req.ShippingAddress) == "" {
		return model.Order{}, invalid("shippingAddress required")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return model.Order{}, invalid("paymentMethod required")
	}

	o, err := s.store.CreateOrderFromCart(ctx, userID, model.Checkout{
		ShippingAddress: strings.TrimSpace(req.ShippingAddress),
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		return model.Order{}, err
	}
	s.log.InfoContext(ctx, "order created", "order_id", o.ID, "user_id", userID, "total", o.Total.String(), "lines", len(o.Items))
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	userID, err := requireID("userId", userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListOrders(ctx, userID)
}

// GetOrder returns the order only when it belongs to userID.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (model.Order, error) {
	userID, err := requireID("userId", userID)
	if err != nil {
		return model.Order{}, err
	}
	orderID, err = requireID("orderId", orderID)
	if err != nil {
		return model.Order{}, err
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if o.UserID != userID {
		return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	return o, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, status string) (model.Order, error) {
	orderID, err := requireID("orderId", orderID)
	if err != nil {
		return model.Order{}, err
	}
	next, err := model.ParseOrderStatus(status)
	if err != nil {
		return model.Order{}, invalid("unknown status %q", status)
	}
	o, err := s.store.UpdateOrderStatus(ctx, orderID, next)
	if err != nil {
		return model.Order{}, err
	}
	s.log.InfoContext(ctx, "order status changed", "order_id", o.ID, "status", string(o.Status))
	return o, nil
}
