package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/billing"
)

const itemColumns = `id, name, kind, price::text, currency, token_amount, active, updated_at`

// PostgresRepository reads the catalog_items table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository over pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	return item, err
}

func (r *PostgresRepository) List(ctx context.Context, activeOnly bool) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM catalog_items
		WHERE ($1::boolean = false OR active) ORDER BY kind, price, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Upsert writes item. It is used by the seeder.
func (r *PostgresRepository) Upsert(ctx context.Context, item Item) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO catalog_items (id, name, kind, price, currency, token_amount, active, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind, price = EXCLUDED.price,
			currency = EXCLUDED.currency, token_amount = EXCLUDED.token_amount, active = EXCLUDED.active, updated_at = now()`,
		item.ID, item.Name, string(item.Kind), item.Price.String(), item.Currency, item.TokenAmount, item.Active)
	return err
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		item  Item
		kind  string
		price string
		ts    time.Time
	)
	if err := row.Scan(&item.ID, &item.Name, &kind, &price, &item.Currency, &item.TokenAmount, &item.Active, &ts); err != nil {
		return Item{}, err
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return Item{}, fmt.Errorf("catalog: item %s price: %w", item.ID, err)
	}
	item.Kind = billing.PurchaseKind(kind)
	item.Price = amount
	item.UpdatedAt = ts.UTC()
	return item, nil
}
