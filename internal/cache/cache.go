package cache

import (
	"context"
	"errors"

	"github.com/dunghkt213/click2buy-sub000/internal/domain"
)

type CartCache interface {
	Get(ctx context.Context, userID, sellerID string) (*domain.Cart, error)
	Set(ctx context.Context, userID, sellerID string, cart *domain.Cart) error
	Delete(ctx context.Context, userID, sellerID string) error
}

var ErrCacheMiss = errors.New("cache miss")
