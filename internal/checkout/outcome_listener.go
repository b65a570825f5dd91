package checkout

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/messaging"
	"go.uber.org/zap"
)

// OutcomeResolver is the slice of the store the listener writes through.
type OutcomeResolver interface {
	ResolveOutcome(ctx context.Context, orderCode, sellerID string, status domain.OutcomeStatus, orderID string) (*Resolution, error)
	MarkCartCleared(ctx context.Context, orderCode, sellerID string) error
}

// CartClearer empties one seller's cart after that seller's order commits.
type CartClearer interface {
	ClearSellerCart(ctx context.Context, userID, sellerID string) error
}

// OutcomeListener consumes order.outcome events. An accepted seller's cart
// is cleared; a rejected seller's cart is left untouched so the user can
// retry just that portion.
type OutcomeListener struct {
	consumer messaging.Consumer
	store    OutcomeResolver
	carts    CartClearer
	logger   *zap.Logger
}

func NewOutcomeListener(consumer messaging.Consumer, store OutcomeResolver, carts CartClearer, logger *zap.Logger) *OutcomeListener {
	return &OutcomeListener{
		consumer: consumer,
		store:    store,
		carts:    carts,
		logger:   logger,
	}
}

// Run consumes outcome events until the context is cancelled.
func (l *OutcomeListener) Run(ctx context.Context) {
	for {
		msg, err := l.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.logger.Info("outcome listener shutting down")
				return
			}
			l.logger.Error("error reading order outcome", zap.Error(err))
			continue
		}
		l.handle(ctx, msg)
	}
}

func (l *OutcomeListener) handle(ctx context.Context, msg messaging.Message) {
	var ev domain.OrderOutcome
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		l.logger.Error("malformed order outcome", zap.Error(err))
		return
	}

	var status domain.OutcomeStatus
	switch ev.Status {
	case domain.OrderOutcomeAccepted:
		status = domain.OutcomeAccepted
	case domain.OrderOutcomeRejected:
		status = domain.OutcomeRejected
	default:
		l.logger.Error("unknown order outcome status",
			zap.String("order_code", ev.OrderCode),
			zap.String("status", ev.Status))
		return
	}

	resolution, err := l.store.ResolveOutcome(ctx, ev.OrderCode, ev.SellerID, status, ev.OrderID)
	if err != nil {
		l.logger.Error("failed to resolve seller outcome",
			zap.String("order_code", ev.OrderCode),
			zap.String("seller_id", ev.SellerID),
			zap.Error(err))
		return
	}
	if !resolution.Applied {
		// Already resolved: duplicate delivery or an outcome racing the
		// timeout. At-least-once transport makes this routine.
		l.logger.Debug("order outcome dropped",
			zap.String("order_code", ev.OrderCode),
			zap.String("seller_id", ev.SellerID))
		return
	}

	if status == domain.OutcomeAccepted {
		// The clear stays re-drivable until cart_cleared is recorded: the
		// recovery tick retries any accepted outcome not yet marked.
		if err := l.carts.ClearSellerCart(ctx, resolution.UserID, ev.SellerID); err != nil {
			l.logger.Error("failed to clear seller cart",
				zap.String("user_id", resolution.UserID),
				zap.String("seller_id", ev.SellerID),
				zap.Error(err))
		} else if err := l.store.MarkCartCleared(ctx, ev.OrderCode, ev.SellerID); err != nil {
			l.logger.Error("failed to record cart clear",
				zap.String("order_code", ev.OrderCode),
				zap.String("seller_id", ev.SellerID),
				zap.Error(err))
		}
	}

	if resolution.Finalized {
		l.logger.Info("checkout finalized",
			zap.String("order_code", ev.OrderCode),
			zap.String("status", resolution.SessionStatus.String()))
	}
}
