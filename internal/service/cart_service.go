package service

import (
	"context"
	"errors"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/cache"
	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidQuantity = errors.New("quantity out of range")

// IntentEmitter publishes reservation intents derived from cart mutations.
// Seq is the sequence the repository allocated inside the mutation's write.
type IntentEmitter interface {
	Reserve(ctx context.Context, userID, sellerID, productID string, quantity int, seq int64) error
	UpdateReservation(ctx context.Context, userID, sellerID, productID string, previousQuantity, quantity int, seq int64) error
	Release(ctx context.Context, userID, sellerID, productID string, quantity int, seq int64) error
}

// CartService owns cart mutations and keeps the reservation side eventually
// consistent. A failed intent publish never unwinds a local mutation.
type CartService struct {
	repo    repository.CartRepository
	cache   cache.CartCache
	intents IntentEmitter
	logger  *zap.Logger
	sfg     singleflight.Group // Prevents cache stampede
}

func NewCartService(repo repository.CartRepository, cache cache.CartCache, intents IntentEmitter, logger *zap.Logger) *CartService {
	return &CartService{
		repo:    repo,
		cache:   cache,
		intents: intents,
		logger:  logger,
	}
}

// GetCart never fails on absence: a missing cart is an empty cart.
func (s *CartService) GetCart(ctx context.Context, userID, sellerID string) (*domain.Cart, error) {
	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(userID+"|"+sellerID, func() (interface{}, error) {

		cart, err := s.cache.Get(ctx, userID, sellerID)
		if err == nil {
			return cart, nil // cart is in cache
		}

		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("cache get error", zap.Error(err)) // log cache error but continue
		}

		cart, errGet := s.repo.GetCart(ctx, userID, sellerID)
		if errGet != nil && errors.Is(errGet, repository.ErrCartNotFound) {
			return &domain.Cart{
				UserID:    userID,
				SellerID:  sellerID,
				Lines:     nil,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}, nil
		}
		if errGet != nil {
			return nil, errGet
		}

		// set cache
		go func() {
			errSet := s.cache.Set(context.Background(), userID, sellerID, cart)
			if errSet != nil {
				s.logger.Warn("cache set error", zap.Error(errSet))
			}
		}()

		return cart, nil
	})

	if err != nil {
		return nil, err
	}

	return v.(*domain.Cart), nil
}

// AddItem accumulates quantity onto the product's line and emits a Reserve
// intent for the delta just added.
func (s *CartService) AddItem(ctx context.Context, userID, sellerID, productID string, quantity int, unitPrice int64) (*repository.MutationResult, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	res, err := s.repo.AddLine(ctx, userID, sellerID, productID, quantity, unitPrice)
	if err != nil {
		return nil, err
	}

	if errEmit := s.intents.Reserve(ctx, userID, sellerID, productID, res.Delta(), res.Seq); errEmit != nil {
		s.warnIntent(errEmit, userID, sellerID, productID)
	}

	s.invalidateCache(userID, sellerID)
	return res, nil
}

// UpdateQuantity overwrites a line's quantity. Quantity 0 removes the line
// and releases the reservation; negative quantities are rejected.
func (s *CartService) UpdateQuantity(ctx context.Context, userID, sellerID, productID string, quantity int) (*repository.MutationResult, error) {
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}

	res, err := s.repo.SetLineQuantity(ctx, userID, sellerID, productID, quantity)
	if err != nil {
		return nil, err
	}

	var errEmit error
	if quantity == 0 {
		errEmit = s.intents.Release(ctx, userID, sellerID, productID, res.PreviousQuantity, res.Seq)
	} else {
		errEmit = s.intents.UpdateReservation(ctx, userID, sellerID, productID, res.PreviousQuantity, quantity, res.Seq)
	}
	if errEmit != nil {
		s.warnIntent(errEmit, userID, sellerID, productID)
	}

	s.invalidateCache(userID, sellerID)
	return res, nil
}

// RemoveItem drops a line and releases its full reserved quantity.
func (s *CartService) RemoveItem(ctx context.Context, userID, sellerID, productID string) (*repository.MutationResult, error) {
	res, err := s.repo.RemoveLine(ctx, userID, sellerID, productID)
	if err != nil {
		return nil, err
	}

	if errEmit := s.intents.Release(ctx, userID, sellerID, productID, res.PreviousQuantity, res.Seq); errEmit != nil {
		s.warnIntent(errEmit, userID, sellerID, productID)
	}

	s.invalidateCache(userID, sellerID)
	return res, nil
}

// ListSellerCarts returns the user's non-empty carts, one per seller.
func (s *CartService) ListSellerCarts(ctx context.Context, userID string) ([]*domain.Cart, error) {
	return s.repo.ListSellerCarts(ctx, userID)
}

// ClearSellerCart empties exactly one seller's cart. Used when that seller's
// order is accepted; an already-missing cart is not an error.
func (s *CartService) ClearSellerCart(ctx context.Context, userID, sellerID string) error {
	err := s.repo.DeleteCart(ctx, userID, sellerID)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		return err
	}

	s.invalidateCache(userID, sellerID)
	return nil
}

func (s *CartService) warnIntent(err error, userID, sellerID, productID string) {
	// Reservation is eventually consistent; the mutation already succeeded.
	s.logger.Warn("reservation intent not published",
		zap.String("user_id", userID),
		zap.String("seller_id", sellerID),
		zap.String("product_id", productID),
		zap.Error(err))
}

func (s *CartService) invalidateCache(userID, sellerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID, sellerID); err != nil {
		s.logger.Warn("cache invalidate error", zap.Error(err))
	}
}
