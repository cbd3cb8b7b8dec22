package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
)

const productColumns = `id, name, sku, price, tax_rate, stock_quantity, min_stock_level, non_returnable, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*model.Product, error) {
	var (
		p         model.Product
		price     string
		rate      string
		updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.SKU, &price, &rate, &p.StockQuantity, &p.MinStockLevel, &p.NonReturnable, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.Price, err = money.New(price); err != nil {
		return nil, err
	}
	if p.TaxRate, err = money.ParseRate(rate); err != nil {
		return nil, err
	}
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

// GetProduct возвращает товар по идентификатору.
func (t *tx) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanProduct(t.queryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "product "+id)
	}
	return p, nil
}

// ListProducts возвращает все товары в порядке идентификаторов.
func (t *tx) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := t.query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// PutProduct создаёт или полностью перезаписывает товар.
func (t *tx) PutProduct(ctx context.Context, p *model.Product) error {
	_, err := t.exec(ctx,
		`INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     name = excluded.name,
		     sku = excluded.sku,
		     price = excluded.price,
		     tax_rate = excluded.tax_rate,
		     stock_quantity = excluded.stock_quantity,
		     min_stock_level = excluded.min_stock_level,
		     non_returnable = excluded.non_returnable,
		     updated_at = excluded.updated_at`,
		p.ID, p.Name, p.SKU, p.Price.String(), p.TaxRate.String(),
		p.StockQuantity, p.MinStockLevel, p.NonReturnable, nanos(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}
	return nil
}

// UpdateStock записывает новый зафиксированный остаток товара.
func (t *tx) UpdateStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error {
	res, err := t.exec(ctx,
		`UPDATE products SET stock_quantity = ?, updated_at = ? WHERE id = ?`,
		quantity, nanos(updatedAt), productID,
	)
	if err != nil {
		return fmt.Errorf("update stock %s: %w", productID, err)
	}
	return expectOne(res, "product "+productID)
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}
