package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fabric-store/model"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is a Store backed by Postgres and has in-process locks
type PostgresStore struct {
	DB *sql.DB

	// per-user mutexes to avoid concurrent goroutines in this process
	// racing on the same cart
	locks userLocks
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{DB: db}, nil
}

// Migrate applies the schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context, schema string) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error { return s.DB.Close() }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w; rollback err: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// translateErr maps driver errors onto the model sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", model.ErrConflict, pqErr.Message)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", model.ErrNotFound, pqErr.Detail)
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return fmt.Errorf("%w: %s", model.ErrNotFound, pqErr.Message)
		case "22003", "23514": // numeric_value_out_of_range, check_violation
			return fmt.Errorf("%w: %s", model.ErrOutOfRange, pqErr.Message)
		}
	}
	return err
}

// touchCart bumps the cart row and, inside a tx, locks it until commit.
func touchCart(ctx context.Context, q queryer, userID string) error {
	res, err := q.ExecContext(ctx, `UPDATE carts SET updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: cart of user %s", model.ErrNotFound, userID)
	}
	return nil
}

func loadCart(ctx context.Context, q queryer, userID string) (model.Cart, error) {
	cart := model.Cart{UserID: userID, Items: []model.LineItem{}}

	err := q.QueryRowContext(ctx, `SELECT updated_at FROM carts WHERE user_id = $1`, userID).Scan(&cart.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// never created: an empty cart
		return cart, nil
	}
	if err != nil {
		return model.Cart{}, err
	}

	rows, err := q.QueryContext(ctx, `SELECT id, product_id, quantity, unit FROM cart_items WHERE cart_id = $1 ORDER BY added_at, id`, userID)
	if err != nil {
		return model.Cart{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.LineItem
		var unit string
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity, &unit); err != nil {
			return model.Cart{}, err
		}
		it.Unit = model.Unit(unit)
		cart.Items = append(cart.Items, it)
	}
	return cart, rows.Err()
}

// AddCartItem creates the cart if needed and merges the line item: a line with the
// same product and unit gets its quantity incremented.
func (s *PostgresStore) AddCartItem(ctx context.Context, userID string, item model.LineItem) (model.Cart, error) {
	if item.Quantity <= 0 || item.Quantity > model.MaxLineQuantity {
		return model.Cart{}, fmt.Errorf("add cart item: %w: quantity %d", model.ErrOutOfRange, item.Quantity)
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// ensure cart exists
		if _, err := tx.ExecContext(ctx, `INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO UPDATE SET updated_at = now()`, userID); err != nil {
			return err
		}

		// Upsert cart item (add quantity)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cart_items (id, cart_id, product_id, quantity, unit)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (cart_id, product_id, unit)
			DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		`, uuid.NewString(), userID, item.ProductID, item.Quantity, string(item.Unit))
		return err
	})
	if err != nil {
		return model.Cart{}, fmt.Errorf("add cart item: %w", translateErr(err))
	}

	return s.GetCart(ctx, userID)
}

func (s *PostgresStore) GetCart(ctx context.Context, userID string) (model.Cart, error) {
	cart, err := loadCart(ctx, s.DB, userID)
	if err != nil {
		return model.Cart{}, fmt.Errorf("get cart: %w", translateErr(err))
	}
	return cart, nil
}

func (s *PostgresStore) UpdateCartItem(ctx context.Context, userID, itemID string, patch CartItemPatch) (model.Cart, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	var quantity sql.NullInt64
	if patch.Quantity > 0 {
		quantity = sql.NullInt64{Int64: int64(patch.Quantity), Valid: true}
	}
	var unit sql.NullString
	if patch.Unit != "" {
		unit = sql.NullString{String: string(patch.Unit), Valid: true}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchCart(ctx, tx, userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE cart_items
			SET quantity = COALESCE($3, quantity), unit = COALESCE($4, unit)
			WHERE id = $1 AND cart_id = $2
		`, itemID, userID, quantity, unit)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: line item %s", model.ErrNotFound, itemID)
		}
		return nil
	})
	if err != nil {
		return model.Cart{}, fmt.Errorf("update cart item: %w", translateErr(err))
	}

	return s.GetCart(ctx, userID)
}

// RemoveCartItem deletes one line. An unknown line rolls back and leaves the cart as it was.
func (s *PostgresStore) RemoveCartItem(ctx context.Context, userID, itemID string) (model.Cart, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchCart(ctx, tx, userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`, itemID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: line item %s", model.ErrNotFound, itemID)
		}
		return nil
	})
	if err != nil {
		return model.Cart{}, fmt.Errorf("remove cart item: %w", translateErr(err))
	}

	return s.GetCart(ctx, userID)
}

// CreateOrderFromCart snapshots the cart lines with current product name and price into
// a new order and empties the cart in the same transaction. A repeated idempotency key
// returns the order created first.
func (s *PostgresStore) CreateOrderFromCart(ctx context.Context, userID string, co model.Checkout) (model.Order, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	var order model.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if co.IdempotencyKey != "" {
			existing, err := findOrderByKey(ctx, tx, userID, co.IdempotencyKey)
			if err == nil {
				order = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		// lock the cart; no cart at all is an empty cart
		if err := touchCart(ctx, tx, userID); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrCartEmpty
			}
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT ci.product_id, ci.quantity, ci.unit, p.name, p.price
			FROM cart_items ci
			JOIN products p ON p.id = ci.product_id
			WHERE ci.cart_id = $1
			ORDER BY ci.added_at, ci.id
		`, userID)
		if err != nil {
			return err
		}
		var items []model.LineItem
		products := map[string]model.Product{}
		for rows.Next() {
			var it model.LineItem
			var unit string
			var p model.Product
			if err := rows.Scan(&it.ProductID, &it.Quantity, &unit, &p.Name, &p.Price); err != nil {
				rows.Close()
				return err
			}
			it.Unit = model.Unit(unit)
			p.ID = it.ProductID
			items = append(items, it)
			products[p.ID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		o, err := model.NewOrder(userID, items, products, co, time.Now().UTC())
		if err != nil {
			return err
		}
		o.ID = uuid.NewString()

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (id, user_id, status, total, shipping_address, payment_method, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at
		`, o.ID, o.UserID, string(o.Status), o.Total, o.ShippingAddress, o.PaymentMethod, o.IdempotencyKey).Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
			return err
		}

		for i, line := range o.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, product_id, name, unit_price, quantity, unit, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, o.ID, i, line.ProductID, line.Name, line.UnitPrice, line.Quantity, string(line.Unit), line.LineTotal); err != nil {
				return err
			}
		}

		// empty the cart, the cart row stays
		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, userID); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("create order: %w", translateErr(err))
	}
	return order, nil
}

const orderColumns = `id, user_id, status, total, shipping_address, payment_method, idempotency_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &status, &o.Total, &o.ShippingAddress, &o.PaymentMethod, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	o.Status = model.OrderStatus(status)
	o.Items = []model.OrderLine{}
	return o, err
}

// loadOrderLines fills the lines of every order in orders with one query.
func loadOrderLines(ctx context.Context, q queryer, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = i
	}

	rows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, name, unit_price, quantity, unit, line_total
		FROM order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var orderID, unit string
		var l model.OrderLine
		if err := rows.Scan(&orderID, &l.ProductID, &l.Name, &l.UnitPrice, &l.Quantity, &unit, &l.LineTotal); err != nil {
			return err
		}
		l.Unit = model.Unit(unit)
		if i, ok := byID[orderID]; ok {
			orders[i].Items = append(orders[i].Items, l)
		}
	}
	return rows.Err()
}

func loadOrder(ctx context.Context, q queryer, orderID string, forUpdate bool) (model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, orderID))
	if err != nil {
		return model.Order{}, err
	}
	orders := []model.Order{o}
	if err := loadOrderLines(ctx, q, orders); err != nil {
		return model.Order{}, err
	}
	return orders[0], nil
}

func findOrderByKey(ctx context.Context, q queryer, userID, key string) (model.Order, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key).Scan(&id)
	if err != nil {
		return model.Order{}, err
	}
	return loadOrder(ctx, q, id, false)
}

// ListOrders returns every order of userID, newest first.
func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list orders: %w", err)
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	if err := loadOrderLines(ctx, s.DB, out); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	o, err := loadOrder(ctx, s.DB, orderID, false)
	if err != nil {
		return model.Order{}, fmt.Errorf("get order %s: %w", orderID, translateErr(err))
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (model.Order, error) {
	var order model.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := loadOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if err := o.Transition(status, time.Now().UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(o.Status), o.UpdatedAt); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("update order %s: %w", orderID, translateErr(err))
	}
	return order, nil
}
