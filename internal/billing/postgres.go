package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("billing: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("billing: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

const invoiceColumns = `id, number, user_id, currency, status, subtotal::text, tax::text, total::text,
	coalesce(provider, ''), coalesce(payment_reference, ''), created_at, updated_at, paid_at`

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	return s.InTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		_, err := q.Exec(ctx, `INSERT INTO invoices
			(id, number, user_id, currency, status, subtotal, tax, total, provider, payment_reference, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, nullif($9, ''), nullif($10, ''), $11, $12)`,
			inv.ID, inv.Number, inv.UserID, inv.Currency, string(inv.Status),
			inv.Subtotal.String(), inv.Tax.String(), inv.Total.String(),
			inv.Provider, inv.PaymentReference, inv.CreatedAt, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("billing: insert invoice: %w", err)
		}
		for _, l := range inv.Lines {
			_, err := q.Exec(ctx, `INSERT INTO invoice_lines
				(id, invoice_id, position, kind, description, catalog_item_id, purchase_id, amount)
				VALUES ($1, $2, $3, $4, $5, nullif($6, ''), $7, $8::numeric)`,
				l.ID, inv.ID, l.Position, string(l.Kind), l.Description, l.CatalogItemID, l.PurchaseID, l.Amount.String())
			if err != nil {
				return fmt.Errorf("billing: insert invoice line: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		return Invoice{}, err
	}
	if err := s.loadLines(ctx, &inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (s *PostgresStore) FindInvoiceByReference(ctx context.Context, provider, reference string) (Invoice, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE payment_reference = $1 AND ($2 = '' OR provider = $2)
		ORDER BY created_at DESC LIMIT 1`, reference, strings.ToLower(provider))
	inv, err := scanInvoice(row)
	if err != nil {
		return Invoice{}, err
	}
	if err := s.loadLines(ctx, &inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (s *PostgresStore) SetPaymentReference(ctx context.Context, id uuid.UUID, provider, reference string) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE invoices
		SET provider = $2, payment_reference = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, strings.ToLower(provider), reference)
	if err != nil {
		return fmt.Errorf("billing: set payment reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetInvoice(ctx, id); err != nil {
			return err
		}
		return ErrInvoiceFinalized
	}
	return nil
}

func (s *PostgresStore) TransitionInvoice(ctx context.Context, id uuid.UUID, from, to InvoiceStatus) (bool, error) {
	if !CanTransitionInvoice(from, to) {
		return false, fmt.Errorf("%w: invoice %s -> %s", ErrInvalidTransition, from, to)
	}
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE invoices
		SET status = $3, updated_at = now(),
			paid_at = CASE WHEN $3 = 'paid' THEN now() ELSE paid_at END
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("billing: transition invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListStaleInvoices(ctx context.Context, olderThan time.Time, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'pending' AND payment_reference IS NOT NULL AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("billing: list stale invoices: %w", err)
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePurchase(ctx context.Context, p *Purchase) error {
	_, err := s.conn(ctx).Exec(ctx, `INSERT INTO purchases
		(id, user_id, invoice_id, catalog_item_id, kind, status, token_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.InvoiceID, p.CatalogItemID, string(p.Kind), string(p.Status), p.TokenAmount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("billing: insert purchase: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPurchases(ctx context.Context, invoiceID uuid.UUID) ([]Purchase, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT id, user_id, invoice_id, catalog_item_id, kind, status, token_amount, created_at, updated_at
		FROM purchases WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: list purchases: %w", err)
	}
	defer rows.Close()
	var out []Purchase
	for rows.Next() {
		var (
			p            Purchase
			kind, status string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.InvoiceID, &p.CatalogItemID, &kind, &status, &p.TokenAmount, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan purchase: %w", err)
		}
		p.Kind = PurchaseKind(kind)
		p.Status = PurchaseStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionPurchase(ctx context.Context, id uuid.UUID, from, to PurchaseStatus) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: purchase %s -> %s", ErrInvalidTransition, from, to)
	}
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE purchases SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("billing: transition purchase: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreditTokens(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("billing: credit amount must be positive, got %d", amount)
	}
	_, err := s.conn(ctx).Exec(ctx, `INSERT INTO user_token_balances (user_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = user_token_balances.balance + EXCLUDED.balance, updated_at = now()`, userID, amount)
	if err != nil {
		return fmt.Errorf("billing: credit tokens: %w", err)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.conn(ctx).QueryRow(ctx, `SELECT balance FROM user_token_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing: balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) loadLines(ctx context.Context, inv *Invoice) error {
	rows, err := s.conn(ctx).Query(ctx, `SELECT id, position, kind, description, coalesce(catalog_item_id, ''), purchase_id, amount::text
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY position`, inv.ID)
	if err != nil {
		return fmt.Errorf("billing: list invoice lines: %w", err)
	}
	defer rows.Close()
	inv.Lines = nil
	for rows.Next() {
		var (
			l          LineItem
			kind, amt  string
			purchaseID *uuid.UUID
		)
		if err := rows.Scan(&l.ID, &l.Position, &kind, &l.Description, &l.CatalogItemID, &purchaseID, &amt); err != nil {
			return fmt.Errorf("billing: scan invoice line: %w", err)
		}
		l.Kind = LineKind(kind)
		l.PurchaseID = purchaseID
		if l.Amount, err = decimal.NewFromString(amt); err != nil {
			return fmt.Errorf("billing: parse line amount: %w", err)
		}
		inv.Lines = append(inv.Lines, l)
	}
	return rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                  Invoice
		status               string
		subtotal, tax, total string
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.UserID, &inv.Currency, &status, &subtotal, &tax, &total,
		&inv.Provider, &inv.PaymentReference, &inv.CreatedAt, &inv.UpdatedAt, &inv.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: scan invoice: %w", err)
	}
	inv.Status = InvoiceStatus(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&inv.Subtotal, subtotal}, {&inv.Tax, tax}, {&inv.Total, total}} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return Invoice{}, fmt.Errorf("billing: parse invoice amount: %w", err)
		}
		*f.dst = d
	}
	return inv, nil
}
