package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type resolveCall struct {
	orderCode string
	sellerID  string
	status    domain.OutcomeStatus
	orderID   string
}

type mockResolver struct {
	m          sync.Mutex
	calls      []resolveCall
	marks      []string
	resolution *Resolution
	err        error
	markErr    error
}

func (m *mockResolver) ResolveOutcome(_ context.Context, orderCode, sellerID string, status domain.OutcomeStatus, orderID string) (*Resolution, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, resolveCall{orderCode: orderCode, sellerID: sellerID, status: status, orderID: orderID})
	return m.resolution, nil
}

func (m *mockResolver) MarkCartCleared(_ context.Context, orderCode, sellerID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.marks = append(m.marks, orderCode+"|"+sellerID)
	return nil
}

func (m *mockResolver) resolved() []resolveCall {
	m.m.Lock()
	defer m.m.Unlock()
	return append([]resolveCall(nil), m.calls...)
}

func (m *mockResolver) marked() []string {
	m.m.Lock()
	defer m.m.Unlock()
	return append([]string(nil), m.marks...)
}

type mockClearer struct {
	m       sync.Mutex
	cleared []string
	err     error
}

func (m *mockClearer) ClearSellerCart(_ context.Context, userID, sellerID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.cleared = append(m.cleared, userID+"|"+sellerID)
	return nil
}

func (m *mockClearer) clearedCarts() []string {
	m.m.Lock()
	defer m.m.Unlock()
	return append([]string(nil), m.cleared...)
}

func outcomeMessage(t *testing.T, orderCode, sellerID, status, orderID string) messaging.Message {
	t.Helper()
	payload, err := json.Marshal(domain.OrderOutcome{
		OrderCode: orderCode,
		SellerID:  sellerID,
		Status:    status,
		OrderID:   orderID,
	})
	require.NoError(t, err)
	return messaging.Message{Key: []byte(orderCode), Value: payload}
}

func TestOutcomeHandle_AcceptedClearsSellerCart(t *testing.T) {
	resolver := &mockResolver{resolution: &Resolution{Applied: true, UserID: "u1"}}
	clearer := &mockClearer{}
	sut := NewOutcomeListener(nil, resolver, clearer, zap.NewNop())

	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "accepted", "order-77"))

	calls := resolver.resolved()
	require.Len(t, calls, 1)
	assert.Equal(t, "oc-1", calls[0].orderCode)
	assert.Equal(t, domain.OutcomeAccepted, calls[0].status)
	assert.Equal(t, "order-77", calls[0].orderID)

	assert.Equal(t, []string{"u1|sellerA"}, clearer.clearedCarts())
	assert.Equal(t, []string{"oc-1|sellerA"}, resolver.marked())
}

func TestOutcomeHandle_RejectedLeavesCartUntouched(t *testing.T) {
	resolver := &mockResolver{resolution: &Resolution{Applied: true, UserID: "u1"}}
	clearer := &mockClearer{}
	sut := NewOutcomeListener(nil, resolver, clearer, zap.NewNop())

	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "rejected", ""))

	calls := resolver.resolved()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.OutcomeRejected, calls[0].status)
	assert.Empty(t, clearer.clearedCarts())
}

func TestOutcomeHandle_DuplicateDeliveryIsNoop(t *testing.T) {
	resolver := &mockResolver{resolution: &Resolution{Applied: false}}
	clearer := &mockClearer{}
	sut := NewOutcomeListener(nil, resolver, clearer, zap.NewNop())

	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "accepted", "order-77"))

	// Resolution says the outcome was already applied: no cart clearing
	assert.Empty(t, clearer.clearedCarts())
}

func TestOutcomeHandle_UnknownStatusIgnored(t *testing.T) {
	resolver := &mockResolver{resolution: &Resolution{Applied: true}}
	sut := NewOutcomeListener(nil, resolver, &mockClearer{}, zap.NewNop())

	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "shrugged", ""))

	assert.Empty(t, resolver.resolved())
}

func TestOutcomeHandle_MalformedPayloadIgnored(t *testing.T) {
	resolver := &mockResolver{resolution: &Resolution{Applied: true}}
	sut := NewOutcomeListener(nil, resolver, &mockClearer{}, zap.NewNop())

	sut.handle(context.Background(), messaging.Message{Value: []byte("not json")})

	assert.Empty(t, resolver.resolved())
}

func TestOutcomeHandle_ResolveErrorDoesNotClearCart(t *testing.T) {
	resolver := &mockResolver{err: fmt.Errorf("db down")}
	clearer := &mockClearer{}
	sut := NewOutcomeListener(nil, resolver, clearer, zap.NewNop())

	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "accepted", "order-77"))

	assert.Empty(t, clearer.clearedCarts())
}

func TestOutcomeHandle_ClearCartFailureIsNonFatal(t *testing.T) {
	resolver := &mockResolver{resolution: &Resolution{Applied: true, UserID: "u1", Finalized: true, SessionStatus: domain.CheckoutStatusCompleted}}
	clearer := &mockClearer{err: fmt.Errorf("mongo down")}
	sut := NewOutcomeListener(nil, resolver, clearer, zap.NewNop())

	// The outcome stays resolved even when cart cleanup fails
	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "accepted", "order-77"))

	assert.Len(t, resolver.resolved(), 1)

	// The clear is not marked done, so the recovery tick picks it up later
	assert.Empty(t, resolver.marked())
}

func TestOutcomeHandle_MarkFailureLeavesClearRetryable(t *testing.T) {
	resolver := &mockResolver{
		resolution: &Resolution{Applied: true, UserID: "u1"},
		markErr:    fmt.Errorf("db down"),
	}
	clearer := &mockClearer{}
	sut := NewOutcomeListener(nil, resolver, clearer, zap.NewNop())

	sut.handle(context.Background(), outcomeMessage(t, "oc-1", "sellerA", "accepted", "order-77"))

	// Cart was cleared but the mark failed: the row stays uncleared and the
	// recovery tick redoes both steps, which is safe because the clear is
	// idempotent.
	assert.Equal(t, []string{"u1|sellerA"}, clearer.clearedCarts())
	assert.Empty(t, resolver.marked())
}
