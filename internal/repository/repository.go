package repository

import (
	"context"
	"errors"

	"github.com/dunghkt213/click2buy-sub000/internal/domain"
)

var (
	ErrCartNotFound     = errors.New("cart not found")
	ErrProductNotInCart = errors.New("product not in cart")
	ErrVersionConflict  = errors.New("cart version conflict")
)

// MutationResult reports what a line-level mutation actually did, so the
// reservation intent can be derived without re-reading the cart (which would
// race with other mutations). Seq is allocated by the same conditional write
// that committed the mutation: ordering intents by Seq is ordering them by
// commit order.
type MutationResult struct {
	PreviousQuantity int
	Quantity         int
	UnitPrice        int64
	Seq              int64
}

// Delta is new minus previous quantity.
func (r MutationResult) Delta() int {
	return r.Quantity - r.PreviousQuantity
}

// CartKey identifies one seller cart.
type CartKey struct {
	UserID   string
	SellerID string
}

// CartRepository is the durable cart store. Consumers define this interface,
// not the MongoDB implementation. Mutations on the same (user, seller) cart
// are serialized by optimistic versioning; callers never observe partial
// updates.
type CartRepository interface {
	// GetCart returns ErrCartNotFound when no document exists.
	GetCart(ctx context.Context, userID, sellerID string) (*domain.Cart, error)

	// AddLine accumulates quantity onto an existing line (creating the cart
	// or line as needed) and refreshes the unit price to the latest value.
	AddLine(ctx context.Context, userID, sellerID, productID string, quantity int, unitPrice int64) (*MutationResult, error)

	// SetLineQuantity overwrites a line's quantity. Quantity 0 removes the
	// line; removing the last line deletes the cart. Returns
	// ErrProductNotInCart when the line is absent.
	SetLineQuantity(ctx context.Context, userID, sellerID, productID string, quantity int) (*MutationResult, error)

	// RemoveLine drops a line, deleting the cart when it becomes empty.
	RemoveLine(ctx context.Context, userID, sellerID, productID string) (*MutationResult, error)

	// ListSellerCarts returns all non-empty carts for a user.
	ListSellerCarts(ctx context.Context, userID string) ([]*domain.Cart, error)

	// DeleteCart removes one seller cart entirely.
	DeleteCart(ctx context.Context, userID, sellerID string) error

	// FlagOutOfStock marks (or clears) the out-of-stock flag on every cart
	// line holding productID and returns the affected cart keys.
	FlagOutOfStock(ctx context.Context, productID string, outOfStock bool) ([]CartKey, error)
}
