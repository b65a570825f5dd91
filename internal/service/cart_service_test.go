package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/cache"
	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRepository struct {
	m     sync.RWMutex
	carts map[string]*domain.Cart
	seqs  map[string]int64
	err   error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		carts: make(map[string]*domain.Cart),
		seqs:  make(map[string]int64),
	}
}

func cartKey(userID, sellerID string) string {
	return userID + "|" + sellerID
}

func (m *mockRepository) GetCart(_ context.Context, userID, sellerID string) (*domain.Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	cart, ok := m.carts[cartKey(userID, sellerID)]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	return cart, nil
}

// nextSeq mirrors the store's per-cart counter. Caller holds m.m.
func (m *mockRepository) nextSeq(userID, sellerID string) int64 {
	m.seqs[cartKey(userID, sellerID)]++
	return m.seqs[cartKey(userID, sellerID)]
}

func (m *mockRepository) AddLine(_ context.Context, userID, sellerID, productID string, quantity int, unitPrice int64) (*repository.MutationResult, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	cart, ok := m.carts[cartKey(userID, sellerID)]
	if !ok {
		cart = &domain.Cart{UserID: userID, SellerID: sellerID}
		m.carts[cartKey(userID, sellerID)] = cart
	}
	seq := m.nextSeq(userID, sellerID)
	idx := cart.Line(productID)
	if idx < 0 {
		cart.Lines = append(cart.Lines, domain.CartLine{ProductID: productID, Quantity: quantity, UnitPrice: unitPrice})
		return &repository.MutationResult{PreviousQuantity: 0, Quantity: quantity, UnitPrice: unitPrice, Seq: seq}, nil
	}
	prev := cart.Lines[idx].Quantity
	cart.Lines[idx].Quantity = prev + quantity
	cart.Lines[idx].UnitPrice = unitPrice
	return &repository.MutationResult{PreviousQuantity: prev, Quantity: prev + quantity, UnitPrice: unitPrice, Seq: seq}, nil
}

func (m *mockRepository) SetLineQuantity(_ context.Context, userID, sellerID, productID string, quantity int) (*repository.MutationResult, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	cart, ok := m.carts[cartKey(userID, sellerID)]
	if !ok {
		return nil, repository.ErrProductNotInCart
	}
	idx := cart.Line(productID)
	if idx < 0 {
		return nil, repository.ErrProductNotInCart
	}
	prev := cart.Lines[idx].Quantity
	price := cart.Lines[idx].UnitPrice
	if quantity == 0 {
		cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
		if cart.IsEmpty() {
			delete(m.carts, cartKey(userID, sellerID))
		}
	} else {
		cart.Lines[idx].Quantity = quantity
	}
	return &repository.MutationResult{PreviousQuantity: prev, Quantity: quantity, UnitPrice: price, Seq: m.nextSeq(userID, sellerID)}, nil
}

func (m *mockRepository) RemoveLine(_ context.Context, userID, sellerID, productID string) (*repository.MutationResult, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	cart, ok := m.carts[cartKey(userID, sellerID)]
	if !ok {
		return nil, repository.ErrProductNotInCart
	}
	idx := cart.Line(productID)
	if idx < 0 {
		return nil, repository.ErrProductNotInCart
	}
	prev := cart.Lines[idx].Quantity
	price := cart.Lines[idx].UnitPrice
	cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
	if cart.IsEmpty() {
		delete(m.carts, cartKey(userID, sellerID))
	}
	return &repository.MutationResult{PreviousQuantity: prev, Quantity: 0, UnitPrice: price, Seq: m.nextSeq(userID, sellerID)}, nil
}

func (m *mockRepository) ListSellerCarts(_ context.Context, userID string) ([]*domain.Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var carts []*domain.Cart
	for _, cart := range m.carts {
		if cart.UserID == userID && !cart.IsEmpty() {
			carts = append(carts, cart)
		}
	}
	return carts, nil
}

func (m *mockRepository) DeleteCart(_ context.Context, userID, sellerID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.carts[cartKey(userID, sellerID)]; !ok {
		return repository.ErrCartNotFound
	}
	delete(m.carts, cartKey(userID, sellerID))
	return nil
}

func (m *mockRepository) FlagOutOfStock(_ context.Context, _ string, _ bool) ([]repository.CartKey, error) {
	return nil, nil
}

func (m *mockRepository) cart(userID, sellerID string) *domain.Cart {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.carts[cartKey(userID, sellerID)]
}

type mockCache struct {
	m     sync.RWMutex
	carts map[string]*domain.Cart
	err   error
}

func newMockCache() *mockCache {
	return &mockCache{carts: make(map[string]*domain.Cart)}
}

func (m *mockCache) Get(_ context.Context, userID, sellerID string) (*domain.Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	cart, ok := m.carts[cartKey(userID, sellerID)]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return cart, nil
}

func (m *mockCache) Set(_ context.Context, userID, sellerID string, cart *domain.Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.carts[cartKey(userID, sellerID)] = cart
	return m.err
}

func (m *mockCache) Delete(_ context.Context, userID, sellerID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.carts, cartKey(userID, sellerID))
	return m.err
}

func (m *mockCache) cart(userID, sellerID string) *domain.Cart {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.carts[cartKey(userID, sellerID)]
}

type emittedIntent struct {
	kind             domain.IntentKind
	productID        string
	previousQuantity int
	quantity         int
	seq              int64
}

type mockEmitter struct {
	m       sync.Mutex
	intents []emittedIntent
	err     error
}

func (m *mockEmitter) Reserve(_ context.Context, _, _, productID string, quantity int, seq int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.intents = append(m.intents, emittedIntent{kind: domain.IntentReserve, productID: productID, quantity: quantity, seq: seq})
	return nil
}

func (m *mockEmitter) UpdateReservation(_ context.Context, _, _, productID string, previousQuantity, quantity int, seq int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.intents = append(m.intents, emittedIntent{kind: domain.IntentUpdateReservation, productID: productID, previousQuantity: previousQuantity, quantity: quantity, seq: seq})
	return nil
}

func (m *mockEmitter) Release(_ context.Context, _, _, productID string, quantity int, seq int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.intents = append(m.intents, emittedIntent{kind: domain.IntentRelease, productID: productID, quantity: quantity, seq: seq})
	return nil
}

func (m *mockEmitter) emitted() []emittedIntent {
	m.m.Lock()
	defer m.m.Unlock()
	return append([]emittedIntent(nil), m.intents...)
}

func newSut(repo *mockRepository, c *mockCache, emitter *mockEmitter) *CartService {
	return NewCartService(repo, c, emitter, zap.NewNop())
}

func TestGetCart_NotFound_ReturnsEmptyCart(t *testing.T) {
	sut := newSut(newMockRepository(), newMockCache(), &mockEmitter{})

	cart, err := sut.GetCart(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", cart.UserID)
	assert.Equal(t, "s1", cart.SellerID)
	assert.Empty(t, cart.Lines)
}

func TestGetCart_CacheHit_SkipsRepo(t *testing.T) {
	repo := newMockRepository()
	repo.err = fmt.Errorf("repo should not be called")
	c := newMockCache()
	c.carts[cartKey("u1", "s1")] = &domain.Cart{
		UserID:   "u1",
		SellerID: "s1",
		Lines:    []domain.CartLine{{ProductID: "p1", Quantity: 3, UnitPrice: 10_000}},
	}

	sut := newSut(repo, c, &mockEmitter{})
	cart, err := sut.GetCart(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)
}

func TestGetCart_CacheMiss_FillsCache(t *testing.T) {
	repo := newMockRepository()
	repo.carts[cartKey("u1", "s1")] = &domain.Cart{
		UserID:   "u1",
		SellerID: "s1",
		Lines:    []domain.CartLine{{ProductID: "p1", Quantity: 2, UnitPrice: 5_000}},
	}
	c := newMockCache()

	sut := newSut(repo, c, &mockEmitter{})
	cart, err := sut.GetCart(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)

	require.Eventually(t, func() bool {
		return c.cart("u1", "s1") != nil
	}, 100*time.Millisecond, 10*time.Millisecond, "cart was not set in cache")
}

func TestAddItem_InvalidQuantity(t *testing.T) {
	sut := newSut(newMockRepository(), newMockCache(), &mockEmitter{})

	_, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 0, 10_000)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = sut.AddItem(context.Background(), "u1", "s1", "p1", -5, 10_000)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestAddItem_EmitsReserveWithDelta(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{}
	sut := newSut(repo, newMockCache(), emitter)

	res, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 2, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delta())

	intents := emitter.emitted()
	require.Len(t, intents, 1)
	assert.Equal(t, domain.IntentReserve, intents[0].kind)
	assert.Equal(t, 2, intents[0].quantity)
}

func TestAddItem_AccumulatesQuantity(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{}
	sut := newSut(repo, newMockCache(), emitter)

	_, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 2, 10_000)
	require.NoError(t, err)
	res, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 3, 12_000)
	require.NoError(t, err)

	// a + b, not b
	assert.Equal(t, 5, res.Quantity)
	assert.Equal(t, 2, res.PreviousQuantity)

	cart := repo.cart("u1", "s1")
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 5, cart.Lines[0].Quantity)
	// latest-price-wins
	assert.Equal(t, int64(12_000), cart.Lines[0].UnitPrice)

	// second Reserve still carries only the delta
	intents := emitter.emitted()
	require.Len(t, intents, 2)
	assert.Equal(t, 3, intents[1].quantity)
}

func TestAddItem_InvalidatesCache(t *testing.T) {
	repo := newMockRepository()
	c := newMockCache()
	c.carts[cartKey("u1", "s1")] = &domain.Cart{UserID: "u1", SellerID: "s1"}
	sut := newSut(repo, c, &mockEmitter{})

	_, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 1, 10_000)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.cart("u1", "s1") == nil
	}, 100*time.Millisecond, 10*time.Millisecond, "cache was not invalidated")
}

func TestAddItem_IntentFailureDoesNotFailMutation(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{err: fmt.Errorf("broker down")}
	sut := newSut(repo, newMockCache(), emitter)

	res, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 2, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Quantity)

	// the cart mutation is authoritative
	cart := repo.cart("u1", "s1")
	require.NotNil(t, cart)
	assert.Equal(t, 2, cart.Lines[0].Quantity)
}

func TestUpdateQuantity_Negative(t *testing.T) {
	sut := newSut(newMockRepository(), newMockCache(), &mockEmitter{})

	_, err := sut.UpdateQuantity(context.Background(), "u1", "s1", "p1", -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestUpdateQuantity_ProductNotInCart(t *testing.T) {
	sut := newSut(newMockRepository(), newMockCache(), &mockEmitter{})

	_, err := sut.UpdateQuantity(context.Background(), "u1", "s1", "missing", 3)
	assert.ErrorIs(t, err, repository.ErrProductNotInCart)
}

func TestUpdateQuantity_EmitsUpdateReservation(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{}
	sut := newSut(repo, newMockCache(), emitter)

	_, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 2, 10_000)
	require.NoError(t, err)

	res, err := sut.UpdateQuantity(context.Background(), "u1", "s1", "p1", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PreviousQuantity)
	assert.Equal(t, 7, res.Quantity)

	intents := emitter.emitted()
	require.Len(t, intents, 2)
	assert.Equal(t, domain.IntentUpdateReservation, intents[1].kind)
	assert.Equal(t, 2, intents[1].previousQuantity)
	assert.Equal(t, 7, intents[1].quantity)
}

func TestUpdateQuantity_ZeroRemovesLineAndReleases(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{}
	sut := newSut(repo, newMockCache(), emitter)

	_, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 4, 10_000)
	require.NoError(t, err)

	res, err := sut.UpdateQuantity(context.Background(), "u1", "s1", "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, res.PreviousQuantity)
	assert.Equal(t, 0, res.Quantity)

	// last line removed, cart gone
	assert.Nil(t, repo.cart("u1", "s1"))

	intents := emitter.emitted()
	require.Len(t, intents, 2)
	assert.Equal(t, domain.IntentRelease, intents[1].kind)
	assert.Equal(t, 4, intents[1].quantity)
}

func TestRemoveItem_EmitsReleaseWithPreviousQuantity(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{}
	sut := newSut(repo, newMockCache(), emitter)

	_, err := sut.AddItem(context.Background(), "u1", "s1", "p1", 3, 10_000)
	require.NoError(t, err)
	_, err = sut.AddItem(context.Background(), "u1", "s1", "p2", 1, 5_000)
	require.NoError(t, err)

	res, err := sut.RemoveItem(context.Background(), "u1", "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.PreviousQuantity)

	cart := repo.cart("u1", "s1")
	require.NotNil(t, cart)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, "p2", cart.Lines[0].ProductID)

	intents := emitter.emitted()
	require.Len(t, intents, 3)
	assert.Equal(t, domain.IntentRelease, intents[2].kind)
	assert.Equal(t, 3, intents[2].quantity)
}

func TestMutations_IntentSeqComesFromTheCartWrite(t *testing.T) {
	repo := newMockRepository()
	emitter := &mockEmitter{}
	sut := newSut(repo, newMockCache(), emitter)

	ctx := context.Background()
	_, err := sut.AddItem(ctx, "u1", "s1", "p1", 2, 10_000)
	require.NoError(t, err)
	_, err = sut.UpdateQuantity(ctx, "u1", "s1", "p1", 5)
	require.NoError(t, err)
	_, err = sut.RemoveItem(ctx, "u1", "s1", "p1")
	require.NoError(t, err)

	// Each intent carries the seq the store allocated for its mutation, so
	// intent order always matches commit order.
	intents := emitter.emitted()
	require.Len(t, intents, 3)
	assert.Equal(t, int64(1), intents[0].seq)
	assert.Equal(t, int64(2), intents[1].seq)
	assert.Equal(t, int64(3), intents[2].seq)
}

func TestRemoveItem_ProductNotInCart(t *testing.T) {
	sut := newSut(newMockRepository(), newMockCache(), &mockEmitter{})

	_, err := sut.RemoveItem(context.Background(), "u1", "s1", "missing")
	assert.ErrorIs(t, err, repository.ErrProductNotInCart)
}

func TestListSellerCarts_OnlyNonEmpty(t *testing.T) {
	repo := newMockRepository()
	sut := newSut(repo, newMockCache(), &mockEmitter{})

	_, err := sut.AddItem(context.Background(), "u1", "sellerA", "p1", 2, 10_000)
	require.NoError(t, err)
	_, err = sut.AddItem(context.Background(), "u1", "sellerB", "p2", 1, 50_000)
	require.NoError(t, err)

	carts, err := sut.ListSellerCarts(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, carts, 2)
}

func TestClearSellerCart_MissingCartIsNotAnError(t *testing.T) {
	sut := newSut(newMockRepository(), newMockCache(), &mockEmitter{})

	err := sut.ClearSellerCart(context.Background(), "u1", "s1")
	assert.NoError(t, err)
}

func TestClearSellerCart_RemovesOnlyThatSeller(t *testing.T) {
	repo := newMockRepository()
	sut := newSut(repo, newMockCache(), &mockEmitter{})

	_, err := sut.AddItem(context.Background(), "u1", "sellerA", "p1", 2, 10_000)
	require.NoError(t, err)
	_, err = sut.AddItem(context.Background(), "u1", "sellerB", "p2", 1, 50_000)
	require.NoError(t, err)

	require.NoError(t, sut.ClearSellerCart(context.Background(), "u1", "sellerA"))

	assert.Nil(t, repo.cart("u1", "sellerA"))
	assert.NotNil(t, repo.cart("u1", "sellerB"))
}
