package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fabric-store/model"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// maxCartRetries bounds the compare-and-set loop on a cart's version.
const maxCartRetries = 5

// MongoStore keeps products, carts and orders as documents. Carts embed their line
// items and carry a version that every write compares and bumps.
type MongoStore struct {
	client   *mongo.Client
	products *mongo.Collection
	carts    *mongo.Collection
	orders   *mongo.Collection

	locks userLocks
}

func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return NewMongoStoreFromDatabase(client.Database(dbName)), nil
}

func NewMongoStoreFromDatabase(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:   db.Client(),
		products: db.Collection("products"),
		carts:    db.Collection("carts"),
		orders:   db.Collection("orders"),
	}
}

// EnsureIndexes creates the unique cart-per-user index and the order lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.carts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("carts index: %w", err)
	}
	if _, err := s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
		},
	}); err != nil {
		return fmt.Errorf("orders indexes: %w", err)
	}
	if _, err := s.products.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "category", Value: 1}},
	}); err != nil {
		return fmt.Errorf("products index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// --- documents ---

type productDoc struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty"`
	Name        string               `bson:"name"`
	Description string               `bson:"description"`
	Price       primitive.Decimal128 `bson:"price"`
	Stock       int                  `bson:"stock"`
	Category    string               `bson:"category"`
	Featured    bool                 `bson:"featured"`
	ImageURL    string               `bson:"image_url"`
	CreatedAt   time.Time            `bson:"created_at"`
	UpdatedAt   time.Time            `bson:"updated_at"`
}

type lineItemDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	ProductID primitive.ObjectID `bson:"product_id"`
	Quantity  int                `bson:"quantity"`
	Unit      string             `bson:"unit"`
}

type cartDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"user_id"`
	Items     []lineItemDoc      `bson:"items"`
	Version   int64              `bson:"version"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

type orderLineDoc struct {
	ProductID primitive.ObjectID   `bson:"product_id"`
	Name      string               `bson:"name"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
	Quantity  int                  `bson:"quantity"`
	Unit      string               `bson:"unit"`
	LineTotal primitive.Decimal128 `bson:"line_total"`
}

type orderDoc struct {
	ID              primitive.ObjectID   `bson:"_id,omitempty"`
	UserID          string               `bson:"user_id"`
	Items           []orderLineDoc       `bson:"items"`
	Total           primitive.Decimal128 `bson:"total"`
	ShippingAddress string               `bson:"shipping_address"`
	PaymentMethod   string               `bson:"payment_method"`
	Status          string               `bson:"status"`
	IdempotencyKey  string               `bson:"idempotency_key,omitempty"`
	CreatedAt       time.Time            `bson:"created_at"`
	UpdatedAt       time.Time            `bson:"updated_at"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) decimal.Decimal {
	v, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

// parseID turns a hex id into an ObjectID. A malformed id can never match a document.
func parseID(kind, id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %s %s", model.ErrNotFound, kind, id)
	}
	return oid, nil
}

func (d productDoc) toModel() model.Product {
	return model.Product{
		ID:          d.ID.Hex(),
		Name:        d.Name,
		Description: d.Description,
		Price:       fromDecimal128(d.Price),
		Stock:       d.Stock,
		Category:    d.Category,
		Featured:    d.Featured,
		ImageURL:    d.ImageURL,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (d cartDoc) toModel() model.Cart {
	c := model.Cart{UserID: d.UserID, Items: make([]model.LineItem, 0, len(d.Items)), UpdatedAt: d.UpdatedAt}
	for _, it := range d.Items {
		c.Items = append(c.Items, model.LineItem{
			ID:        it.ID.Hex(),
			ProductID: it.ProductID.Hex(),
			Quantity:  it.Quantity,
			Unit:      model.Unit(it.Unit),
		})
	}
	return c
}

func lineItemsToDocs(items []model.LineItem) ([]lineItemDoc, error) {
	out := make([]lineItemDoc, 0, len(items))
	for _, it := range items {
		id, err := primitive.ObjectIDFromHex(it.ID)
		if err != nil {
			return nil, fmt.Errorf("line item id %q: %w", it.ID, err)
		}
		pid, err := parseID("product", it.ProductID)
		if err != nil {
			return nil, err
		}
		out = append(out, lineItemDoc{ID: id, ProductID: pid, Quantity: it.Quantity, Unit: string(it.Unit)})
	}
	return out, nil
}

func (d orderDoc) toModel() model.Order {
	o := model.Order{
		ID:              d.ID.Hex(),
		UserID:          d.UserID,
		Items:           make([]model.OrderLine, 0, len(d.Items)),
		Total:           fromDecimal128(d.Total),
		ShippingAddress: d.ShippingAddress,
		PaymentMethod:   d.PaymentMethod,
		Status:          model.OrderStatus(d.Status),
		IdempotencyKey:  d.IdempotencyKey,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	for _, l := range d.Items {
		o.Items = append(o.Items, model.OrderLine{
			ProductID: l.ProductID.Hex(),
			Name:      l.Name,
			UnitPrice: fromDecimal128(l.UnitPrice),
			Quantity:  l.Quantity,
			Unit:      model.Unit(l.Unit),
			LineTotal: fromDecimal128(l.LineTotal),
		})
	}
	return o
}

func orderToDoc(o model.Order) (orderDoc, error) {
	total, err := toDecimal128(o.Total)
	if err != nil {
		return orderDoc{}, err
	}
	d := orderDoc{
		UserID:          o.UserID,
		Items:           make([]orderLineDoc, 0, len(o.Items)),
		Total:           total,
		ShippingAddress: o.ShippingAddress,
		PaymentMethod:   o.PaymentMethod,
		Status:          string(o.Status),
		IdempotencyKey:  o.IdempotencyKey,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, l := range o.Items {
		pid, err := parseID("product", l.ProductID)
		if err != nil {
			return orderDoc{}, err
		}
		price, err := toDecimal128(l.UnitPrice)
		if err != nil {
			return orderDoc{}, err
		}
		lt, err := toDecimal128(l.LineTotal)
		if err != nil {
			return orderDoc{}, err
		}
		d.Items = append(d.Items, orderLineDoc{ProductID: pid, Name: l.Name, UnitPrice: price, Quantity: l.Quantity, Unit: string(l.Unit), LineTotal: lt})
	}
	return d, nil
}

// --- products ---

func (s *MongoStore) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	price, err := toDecimal128(p.Price)
	if err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}
	now := time.Now().UTC()
	doc := productDoc{
		ID:          primitive.NewObjectID(),
		Name:        p.Name,
		Description: p.Description,
		Price:       price,
		Stock:       p.Stock,
		Category:    p.Category,
		Featured:    p.Featured,
		ImageURL:    p.ImageURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.products.InsertOne(ctx, doc); err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	oid, err := parseID("product", id)
	if err != nil {
		return model.Product{}, err
	}
	var doc productDoc
	if err := s.products.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Product{}, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
		}
		return model.Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error) {
	filter := bson.M{}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.Featured != nil {
		filter["featured"] = *f.Featured
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.products.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]model.Product, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (s *MongoStore) UpdateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	oid, err := parseID("product", p.ID)
	if err != nil {
		return model.Product{}, err
	}
	price, err := toDecimal128(p.Price)
	if err != nil {
		return model.Product{}, fmt.Errorf("update product: %w", err)
	}
	update := bson.M{"$set": bson.M{
		"name":        p.Name,
		"description": p.Description,
		"price":       price,
		"stock":       p.Stock,
		"category":    p.Category,
		"featured":    p.Featured,
		"image_url":   p.ImageURL,
		"updated_at":  time.Now().UTC(),
	}}
	var doc productDoc
	err = s.products.FindOneAndUpdate(ctx, bson.M{"_id": oid}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Product{}, fmt.Errorf("%w: product %s", model.ErrNotFound, p.ID)
		}
		return model.Product{}, fmt.Errorf("update product %s: %w", p.ID, err)
	}
	return doc.toModel(), nil
}

// DeleteProduct removes the product and pulls its lines out of every cart.
func (s *MongoStore) DeleteProduct(ctx context.Context, id string) error {
	oid, err := parseID("product", id)
	if err != nil {
		return err
	}
	res, err := s.products.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	_, err = s.carts.UpdateMany(ctx,
		bson.M{"items.product_id": oid},
		bson.M{
			"$pull": bson.M{"items": bson.M{"product_id": oid}},
			"$inc":  bson.M{"version": 1},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		})
	if err != nil {
		return fmt.Errorf("delete product %s from carts: %w", id, err)
	}
	return nil
}

func (s *MongoStore) UpdateStock(ctx context.Context, productID string, newStock int) error {
	if newStock < 0 {
		return ErrNegativeStock
	}
	oid, err := parseID("product", productID)
	if err != nil {
		return err
	}
	res, err := s.products.UpdateOne(ctx, bson.M{"_id": oid},
		bson.M{"$set": bson.M{"stock": newStock, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("update stock %s: %w", productID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: product %s", model.ErrNotFound, productID)
	}
	return nil
}

// --- carts ---

// mutateCart loads the cart, applies fn and writes it back only if nobody bumped the
// version in between; a lost race is retried. With create set, a missing cart starts empty.
func (s *MongoStore) mutateCart(ctx context.Context, userID string, create bool, fn func(c *model.Cart) error) (model.Cart, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	for attempt := 0; attempt < maxCartRetries; attempt++ {
		var doc cartDoc
		exists := true
		err := s.carts.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			if !create {
				return model.Cart{}, fmt.Errorf("%w: cart of user %s", model.ErrNotFound, userID)
			}
			exists = false
			doc = cartDoc{UserID: userID}
		case err != nil:
			return model.Cart{}, err
		}

		cart := doc.toModel()
		if err := fn(&cart); err != nil {
			return model.Cart{}, err
		}
		items, err := lineItemsToDocs(cart.Items)
		if err != nil {
			return model.Cart{}, err
		}
		now := time.Now().UTC()

		if !exists {
			_, err := s.carts.InsertOne(ctx, cartDoc{UserID: userID, Items: items, Version: 1, UpdatedAt: now})
			if mongo.IsDuplicateKeyError(err) {
				// created concurrently by another process
				continue
			}
			if err != nil {
				return model.Cart{}, err
			}
		} else {
			res, err := s.carts.UpdateOne(ctx,
				bson.M{"user_id": userID, "version": doc.Version},
				bson.M{
					"$set": bson.M{"items": items, "updated_at": now},
					"$inc": bson.M{"version": 1},
				})
			if err != nil {
				return model.Cart{}, err
			}
			if res.MatchedCount == 0 {
				continue
			}
		}

		cart.UpdatedAt = now
		return cart, nil
	}
	return model.Cart{}, fmt.Errorf("%w: cart of user %s kept changing", model.ErrConflict, userID)
}

func (s *MongoStore) AddCartItem(ctx context.Context, userID string, item model.LineItem) (model.Cart, error) {
	if _, err := parseID("product", item.ProductID); err != nil {
		return model.Cart{}, err
	}
	item.ID = primitive.NewObjectID().Hex()

	cart, err := s.mutateCart(ctx, userID, true, func(c *model.Cart) error {
		_, err := c.AddItem(item)
		return err
	})
	if err != nil {
		return model.Cart{}, fmt.Errorf("add cart item: %w", err)
	}
	return cart, nil
}

func (s *MongoStore) GetCart(ctx context.Context, userID string) (model.Cart, error) {
	var doc cartDoc
	err := s.carts.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Cart{UserID: userID, Items: []model.LineItem{}}, nil
	}
	if err != nil {
		return model.Cart{}, fmt.Errorf("get cart: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) UpdateCartItem(ctx context.Context, userID, itemID string, patch CartItemPatch) (model.Cart, error) {
	cart, err := s.mutateCart(ctx, userID, false, func(c *model.Cart) error {
		_, err := c.UpdateItem(itemID, patch.Quantity, patch.Unit)
		return err
	})
	if err != nil {
		return model.Cart{}, fmt.Errorf("update cart item: %w", err)
	}
	return cart, nil
}

func (s *MongoStore) RemoveCartItem(ctx context.Context, userID, itemID string) (model.Cart, error) {
	cart, err := s.mutateCart(ctx, userID, false, func(c *model.Cart) error {
		return c.RemoveItem(itemID)
	})
	if err != nil {
		return model.Cart{}, fmt.Errorf("remove cart item: %w", err)
	}
	return cart, nil
}

// --- orders ---

// CreateOrderFromCart inserts the order and empties the cart inside one session
// transaction (requires a replica set).
func (s *MongoStore) CreateOrderFromCart(ctx context.Context, userID string, co model.Checkout) (model.Order, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	sess, err := s.client.StartSession()
	if err != nil {
		return model.Order{}, fmt.Errorf("create order: %w", err)
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.checkout(sc, userID, co)
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("create order: %w", err)
	}
	return res.(model.Order), nil
}

// checkout is the body of the order transaction. A replayed idempotency key
// returns the stored order without touching the cart.
func (s *MongoStore) checkout(ctx context.Context, userID string, co model.Checkout) (model.Order, error) {
	if co.IdempotencyKey != "" {
		var existing orderDoc
		err := s.orders.FindOne(ctx, bson.M{"user_id": userID, "idempotency_key": co.IdempotencyKey}).Decode(&existing)
		if err == nil {
			return existing.toModel(), nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return model.Order{}, err
		}
	}

	var cart cartDoc
	if err := s.carts.FindOne(ctx, bson.M{"user_id": userID}).Decode(&cart); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Order{}, model.ErrCartEmpty
		}
		return model.Order{}, err
	}
	if len(cart.Items) == 0 {
		return model.Order{}, model.ErrCartEmpty
	}

	ids := make([]primitive.ObjectID, 0, len(cart.Items))
	for _, it := range cart.Items {
		ids = append(ids, it.ProductID)
	}
	cursor, err := s.products.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return model.Order{}, err
	}
	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return model.Order{}, err
	}
	products := make(map[string]model.Product, len(docs))
	for _, d := range docs {
		products[d.ID.Hex()] = d.toModel()
	}

	now := time.Now().UTC()
	o, err := model.NewOrder(userID, cart.toModel().Items, products, co, now)
	if err != nil {
		return model.Order{}, err
	}
	doc, err := orderToDoc(o)
	if err != nil {
		return model.Order{}, err
	}
	doc.ID = primitive.NewObjectID()
	if _, err := s.orders.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.Order{}, fmt.Errorf("%w: idempotency key %s", model.ErrConflict, co.IdempotencyKey)
		}
		return model.Order{}, err
	}

	upd, err := s.carts.UpdateOne(ctx,
		bson.M{"_id": cart.ID, "version": cart.Version},
		bson.M{
			"$set": bson.M{"items": []lineItemDoc{}, "updated_at": now},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return model.Order{}, err
	}
	if upd.MatchedCount == 0 {
		return model.Order{}, fmt.Errorf("%w: cart of user %s changed during checkout", model.ErrConflict, userID)
	}

	o.ID = doc.ID.Hex()
	return o, nil
}

func (s *MongoStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.orders.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var docs []orderDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]model.Order, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (s *MongoStore) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	oid, err := parseID("order", orderID)
	if err != nil {
		return model.Order{}, err
	}
	var doc orderDoc
	if err := s.orders.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
		}
		return model.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return doc.toModel(), nil
}

// UpdateOrderStatus applies a forward transition; the write only lands if the status
// is still the one the transition was checked against.
func (s *MongoStore) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (model.Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	prev := o.Status
	if err := o.Transition(status, time.Now().UTC()); err != nil {
		return model.Order{}, err
	}

	oid, _ := primitive.ObjectIDFromHex(orderID)
	res, err := s.orders.UpdateOne(ctx,
		bson.M{"_id": oid, "status": string(prev)},
		bson.M{"$set": bson.M{"status": string(o.Status), "updated_at": o.UpdatedAt}})
	if err != nil {
		return model.Order{}, fmt.Errorf("update order %s: %w", orderID, err)
	}
	if res.MatchedCount == 0 {
		return model.Order{}, fmt.Errorf("%w: order %s changed concurrently", model.ErrConflict, orderID)
	}
	return o, nil
}
