// Package stock keeps carts truthful about inventory availability. Depleted
// products are flagged for UI warning, never silently removed from carts.
package stock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/cache"
	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/messaging"
	"github.com/dunghkt213/click2buy-sub000/internal/repository"
	"go.uber.org/zap"
)

// CartFlagger is the slice of the cart store the listener needs.
type CartFlagger interface {
	FlagOutOfStock(ctx context.Context, productID string, outOfStock bool) ([]repository.CartKey, error)
}

// The per-product watermark map is pruned once it tracks this many products;
// entries older than pruneHorizon go first. Flagging is idempotent, so
// re-applying an event for a pruned (or post-restart) product is harmless.
const (
	maxTrackedProducts = 10_000
	pruneHorizon       = time.Hour
)

type Listener struct {
	consumer messaging.Consumer
	repo     CartFlagger
	cache    cache.CartCache
	logger   *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewListener(consumer messaging.Consumer, repo CartFlagger, cache cache.CartCache, logger *zap.Logger) *Listener {
	return &Listener{
		consumer: consumer,
		repo:     repo,
		cache:    cache,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
	}
}

// Run consumes stock-updated events until the context is cancelled.
func (l *Listener) Run(ctx context.Context) {
	for {
		msg, err := l.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.logger.Info("stock listener shutting down")
				return
			}
			l.logger.Error("error reading stock update", zap.Error(err))
			continue
		}
		l.handle(ctx, msg)
	}
}

func (l *Listener) handle(ctx context.Context, msg messaging.Message) {
	var ev domain.StockUpdated
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		l.logger.Error("malformed stock update", zap.Error(err))
		return
	}
	if ev.ProductID == "" {
		l.logger.Error("stock update missing product id")
		return
	}

	if l.stale(ev.ProductID, ev.Timestamp) {
		// At-least-once delivery: replays and reordered events land here.
		l.logger.Debug("stale stock update dropped",
			zap.String("product_id", ev.ProductID),
			zap.Time("timestamp", ev.Timestamp))
		return
	}

	outOfStock := ev.AvailableStock == 0
	affected, err := l.repo.FlagOutOfStock(ctx, ev.ProductID, outOfStock)
	if err != nil {
		l.logger.Error("failed to flag cart lines",
			zap.String("product_id", ev.ProductID),
			zap.Error(err))
		return
	}

	for _, key := range affected {
		if err := l.cache.Delete(ctx, key.UserID, key.SellerID); err != nil {
			l.logger.Warn("failed to invalidate cart cache",
				zap.String("user_id", key.UserID),
				zap.String("seller_id", key.SellerID),
				zap.Error(err))
		}
	}

	if outOfStock && len(affected) > 0 {
		l.logger.Info("product depleted, cart lines flagged",
			zap.String("product_id", ev.ProductID),
			zap.Int("carts", len(affected)))
	}
}

// stale reports whether the event's timestamp is not strictly newer than the
// last one applied for this product, and records it otherwise.
func (l *Listener) stale(productID string, ts time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastSeen[productID]
	if ok && !ts.After(last) {
		return true
	}
	if !ok && len(l.lastSeen) >= maxTrackedProducts {
		l.prune()
	}
	l.lastSeen[productID] = ts
	return false
}

// prune drops watermarks older than the horizon. Caller holds l.mu.
func (l *Listener) prune() {
	cutoff := time.Now().Add(-pruneHorizon)
	for id, ts := range l.lastSeen {
		if ts.Before(cutoff) {
			delete(l.lastSeen, id)
		}
	}
}
