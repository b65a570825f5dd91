// Package publisher drains the checkout outbox to the broker and enforces
// the outcome deadline, so neither a broker outage nor an unresponsive order
// service can hold a checkout open forever.
package publisher

import (
	"context"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/checkout"
	"github.com/dunghkt213/click2buy-sub000/internal/messaging"
	"go.uber.org/zap"
)

// OutboxSource is the slice of the checkout store the poller drives.
type OutboxSource interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*checkout.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	UnclearedAcceptedOutcomes(ctx context.Context, limit int) ([]checkout.PendingClear, error)
	MarkCartCleared(ctx context.Context, orderCode, sellerID string) error
}

// CartClearer empties one seller's cart; clearing an absent cart is a no-op.
type CartClearer interface {
	ClearSellerCart(ctx context.Context, userID, sellerID string) error
}

type OutboxPoller struct {
	store        OutboxSource
	pub          messaging.Publisher
	carts        CartClearer
	logger       *zap.Logger
	eventTick    time.Duration
	recoveryTick time.Duration
	batchSize    int
	now          func() time.Time
}

func NewOutboxPoller(store OutboxSource, pub messaging.Publisher, carts CartClearer, eventTick, recoveryTick time.Duration, batchSize int, logger *zap.Logger) *OutboxPoller {
	return &OutboxPoller{
		store:        store,
		pub:          pub,
		carts:        carts,
		logger:       logger,
		eventTick:    eventTick,
		recoveryTick: recoveryTick,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.expireOverdueOutcomes(ctx)
			p.retryUnclearedCarts(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.store.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to fetch outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		// Key on the order code so all of one checkout's dispatches stay in
		// order on a single partition.
		errPublish := p.pub.Publish(ctx, event.EventType, event.AggregateID, event.Payload)
		if errPublish != nil {
			p.logger.Error("failed to publish outbox event",
				zap.Int64("id", event.ID),
				zap.Error(errPublish))
			continue
		}

		errMark := p.store.MarkEventAsProcessed(ctx, event.ID)
		if errMark != nil {
			// The event will be re-published next tick; downstream dedupes
			// on the idempotency key inside the payload.
			p.logger.Error("failed to mark outbox event processed",
				zap.Int64("id", event.ID),
				zap.Error(errMark))
			continue
		}
	}
}

func (p *OutboxPoller) expireOverdueOutcomes(ctx context.Context) {
	expired, err := p.store.ExpireOverdue(ctx, p.now())
	if err != nil {
		p.logger.Error("failed to expire overdue outcomes", zap.Error(err))
		return
	}
	if expired > 0 {
		p.logger.Warn("seller outcomes timed out", zap.Int("count", expired))
	}
}

// retryUnclearedCarts re-drives the cart clear for accepted outcomes where
// the listener's clear failed or the process died before recording it.
func (p *OutboxPoller) retryUnclearedCarts(ctx context.Context) {
	pending, err := p.store.UnclearedAcceptedOutcomes(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to list uncleared carts", zap.Error(err))
		return
	}

	for _, clear := range pending {
		if err := p.carts.ClearSellerCart(ctx, clear.UserID, clear.SellerID); err != nil {
			p.logger.Error("failed to clear seller cart",
				zap.String("order_code", clear.OrderCode),
				zap.String("seller_id", clear.SellerID),
				zap.Error(err))
			continue
		}
		if err := p.store.MarkCartCleared(ctx, clear.OrderCode, clear.SellerID); err != nil {
			// Left uncleared; the clear itself is idempotent, so the next
			// tick retries both steps.
			p.logger.Error("failed to record cart clear",
				zap.String("order_code", clear.OrderCode),
				zap.String("seller_id", clear.SellerID),
				zap.Error(err))
		}
	}
}
