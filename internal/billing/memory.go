package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memTxKey struct{}

// MemoryStore is an in-process Store for tests and local tooling. InTx
// serialises transactions and restores the previous state when fn fails.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	invoices  map[uuid.UUID]Invoice
	purchases map[uuid.UUID]Purchase
	balances  map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:  make(map[uuid.UUID]Invoice),
		purchases: make(map[uuid.UUID]Purchase),
		balances:  make(map[string]int64),
	}
}

type memSnapshot struct {
	invoices  map[uuid.UUID]Invoice
	purchases map[uuid.UUID]Purchase
	balances  map[string]int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := memSnapshot{
		invoices:  make(map[uuid.UUID]Invoice, len(s.invoices)),
		purchases: make(map[uuid.UUID]Purchase, len(s.purchases)),
		balances:  make(map[string]int64, len(s.balances)),
	}
	for k, v := range s.invoices {
		v.Lines = append([]LineItem(nil), v.Lines...)
		snap.invoices[k] = v
	}
	for k, v := range s.purchases {
		snap.purchases[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = snap.invoices
	s.purchases = snap.purchases
	s.balances = snap.balances
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("billing: invoice %s already exists", inv.ID)
	}
	stored := *inv
	stored.Lines = append([]LineItem(nil), inv.Lines...)
	s.invoices[inv.ID] = stored
	return nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id uuid.UUID) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	inv.Lines = append([]LineItem(nil), inv.Lines...)
	return inv, nil
}

func (s *MemoryStore) FindInvoiceByReference(_ context.Context, provider, reference string) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	provider = strings.ToLower(provider)
	for _, inv := range s.invoices {
		if inv.PaymentReference == reference && reference != "" && (provider == "" || inv.Provider == provider) {
			inv.Lines = append([]LineItem(nil), inv.Lines...)
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (s *MemoryStore) SetPaymentReference(_ context.Context, id uuid.UUID, provider, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status.Finalized() {
		return ErrInvoiceFinalized
	}
	inv.Provider = strings.ToLower(provider)
	inv.PaymentReference = reference
	inv.UpdatedAt = time.Now().UTC()
	s.invoices[id] = inv
	return nil
}

func (s *MemoryStore) TransitionInvoice(_ context.Context, id uuid.UUID, from, to InvoiceStatus) (bool, error) {
	if !CanTransitionInvoice(from, to) {
		return false, fmt.Errorf("%w: invoice %s -> %s", ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status != from {
		return false, nil
	}
	now := time.Now().UTC()
	inv.Status = to
	inv.UpdatedAt = now
	if to == InvoicePaid {
		inv.PaidAt = &now
	}
	s.invoices[id] = inv
	return true, nil
}

func (s *MemoryStore) ListStaleInvoices(_ context.Context, olderThan time.Time, limit int) ([]Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Invoice
	for _, inv := range s.invoices {
		if inv.Status == InvoicePending && inv.PaymentReference != "" && inv.UpdatedAt.Before(olderThan) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreatePurchase(_ context.Context, p *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.purchases[p.ID]; exists {
		return fmt.Errorf("billing: purchase %s already exists", p.ID)
	}
	s.purchases[p.ID] = *p
	return nil
}

func (s *MemoryStore) ListPurchases(_ context.Context, invoiceID uuid.UUID) ([]Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Purchase
	for _, p := range s.purchases {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) TransitionPurchase(_ context.Context, id uuid.UUID, from, to PurchaseStatus) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: purchase %s -> %s", ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	s.purchases[id] = p
	return true, nil
}

func (s *MemoryStore) CreditTokens(_ context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("billing: credit amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	return nil
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

// Touch sets the invoice UpdatedAt, used to age invoices in tests.
func (s *MemoryStore) Touch(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invoices[id]; ok {
		inv.UpdatedAt = at
		s.invoices[id] = inv
	}
}
