package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fabric-store/model"

	"github.com/google/uuid"
)

// ErrNegativeStock returned when an absolute stock below zero is requested.
var ErrNegativeStock = errors.New("stock cannot be negative")

const productColumns = `id, name, description, price, stock, category, featured, image_url, created_at, updated_at`

func scanProduct(row rowScanner) (model.Product, error) {
	var p model.Product
	var desc sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &desc, &p.Price, &p.Stock, &p.Category, &p.Featured, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Product{}, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, nil
}

// CreateProduct inserts a product and returns it with its id, timestamps and the
// price as stored (rounded to the column scale).
func (s *PostgresStore) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	p.ID = uuid.NewString()
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO products (id, name, description, price, stock, category, featured, image_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING price, created_at, updated_at
	`, p.ID, p.Name, p.Description, p.Price, p.Stock, p.Category, p.Featured, p.ImageURL).Scan(&p.Price, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", translateErr(err))
	}
	return p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	p, err := scanProduct(s.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return model.Product{}, fmt.Errorf("get product %s: %w", id, translateErr(err))
	}
	return p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	var conds []string
	var args []any
	if f.Category != "" {
		args = append(args, f.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Featured != nil {
		args = append(args, *f.Featured)
		conds = append(conds, fmt.Sprintf("featured = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	out := []model.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	err := s.DB.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, price = $4, stock = $5, category = $6, featured = $7, image_url = $8, updated_at = now()
		WHERE id = $1
		RETURNING price, created_at, updated_at
	`, p.ID, p.Name, p.Description, p.Price, p.Stock, p.Category, p.Featured, p.ImageURL).Scan(&p.Price, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Product{}, fmt.Errorf("update product %s: %w", p.ID, translateErr(err))
	}
	return p, nil
}

// DeleteProduct removes the product; cart lines pointing at it go with it (ON DELETE CASCADE).
// Order lines keep their snapshot.
func (s *PostgresStore) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, translateErr(err))
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return fmt.Errorf("delete product %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpdateStock sets the absolute stock for a product (admin operation).
func (s *PostgresStore) UpdateStock(ctx context.Context, productID string, newStock int) error {
	if newStock < 0 {
		return ErrNegativeStock
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE products SET stock = $1, updated_at = now() WHERE id = $2`, newStock, productID)
	if err != nil {
		return fmt.Errorf("update stock %s: %w", productID, translateErr(err))
	}
	ra, _ := res.RowsAffected()
	if ra == 0 {
		return fmt.Errorf("update stock %s: %w", productID, model.ErrNotFound)
	}
	return nil
}
