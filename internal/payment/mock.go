package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/money"
)

type mockIntent struct {
	amount   decimal.Decimal
	currency string
	status   Status
	metadata map[string]string
}

// MockClient is an in-memory provider used in development and tests. It
// records every call and can be told to fail the next attempts.
type MockClient struct {
	mu       sync.Mutex
	intents  map[string]*mockIntent
	calls    map[Kind]int
	keys     []string
	failures []error
}

var _ Adapter = (*MockClient)(nil)

// NewMockClient returns an empty mock provider.
func NewMockClient() *MockClient {
	return &MockClient{
		intents: make(map[string]*mockIntent),
		calls:   make(map[Kind]int),
	}
}

// FailNext queues errors returned, in order, by the next calls.
func (m *MockClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls returns how many times kind reached the provider.
func (m *MockClient) Calls(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// IdempotencyKeys returns the keys received with mutating calls.
func (m *MockClient) IdempotencyKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// SetStatus simulates a provider side status change.
func (m *MockClient) SetStatus(intentID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[intentID]; ok {
		intent.status = status
	}
}

func (m *MockClient) begin(kind Kind, key string) error {
	m.calls[kind]++
	if key != "" {
		m.keys = append(m.keys, key)
	}
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *MockClient) CreateIntent(_ context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(KindCreateIntent, idempotencyKey); err != nil {
		return Result{}, err
	}
	id := "pi_mock_" + randomHex(6)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	cur := money.NormaliseCurrency(currency)
	m.intents[id] = &mockIntent{amount: amount, currency: cur, status: StatusRequiresAction, metadata: meta}
	return Result{
		ReferenceID:  id,
		Status:       StatusRequiresAction,
		Amount:       amount,
		Currency:     cur,
		ClientSecret: id + "_secret",
	}, nil
}

func (m *MockClient) Capture(_ context.Context, intentID, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(KindCapture, idempotencyKey); err != nil {
		return Result{}, err
	}
	intent, err := m.intentLocked(KindCapture, intentID)
	if err != nil {
		return Result{}, err
	}
	switch intent.status {
	case StatusCancelled, StatusFailed, StatusRefunded:
		return Result{}, &PermanentError{Provider: "mock", Op: KindCapture, Code: "intent_unexpected_state", Err: fmt.Errorf("intent is %s", intent.status)}
	}
	intent.status = StatusSucceeded
	return Result{ReferenceID: intentID, Status: StatusSucceeded, Amount: intent.amount, Currency: intent.currency}, nil
}

func (m *MockClient) Refund(_ context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(KindRefund, idempotencyKey); err != nil {
		return Result{}, err
	}
	intent, err := m.intentLocked(KindRefund, intentID)
	if err != nil {
		return Result{}, err
	}
	if intent.status != StatusSucceeded {
		return Result{}, &PermanentError{Provider: "mock", Op: KindRefund, Code: "charge_not_captured", Err: fmt.Errorf("intent is %s", intent.status)}
	}
	if amount.GreaterThan(intent.amount) {
		return Result{}, &PermanentError{Provider: "mock", Op: KindRefund, Code: "amount_too_large", Err: errors.New("refund exceeds captured amount")}
	}
	intent.status = StatusRefunded
	return Result{ReferenceID: "re_mock_" + randomHex(6), Status: StatusRefunded, Amount: amount, Currency: intent.currency}, nil
}

func (m *MockClient) GetStatus(_ context.Context, intentID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(KindGetStatus, ""); err != nil {
		return Result{}, err
	}
	intent, err := m.intentLocked(KindGetStatus, intentID)
	if err != nil {
		return Result{}, err
	}
	return Result{ReferenceID: intentID, Status: intent.status, Amount: intent.amount, Currency: intent.currency}, nil
}

func (m *MockClient) intentLocked(op Kind, id string) (*mockIntent, error) {
	intent, ok := m.intents[id]
	if !ok {
		return nil, &PermanentError{Provider: "mock", Op: op, StatusCode: 404, Code: "resource_missing", Err: fmt.Errorf("no such intent %q", id)}
	}
	return intent, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("payment: random id: %w", err))
	}
	return hex.EncodeToString(buf)
}
