// Package reservation translates cart mutations into inventory intent
// events. Reservation is best effort: the cart mutation is the source of
// truth, and a failed publish is surfaced as a warning, never as a rollback.
package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/config"
	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/messaging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type Publisher struct {
	pub     messaging.Publisher
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
	now     func() time.Time
}

func NewPublisher(pub messaging.Publisher, logger *zap.Logger) *Publisher {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "reservation-publisher",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Publisher{
		pub:     pub,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// Reserve emits an intent to hold additional stock. Quantity is the positive
// delta just added to the cart, not the resulting line quantity. Seq comes
// from the cart write that produced the intent, so intents carry the commit
// order of their mutations.
func (p *Publisher) Reserve(ctx context.Context, userID, sellerID, productID string, quantity int, seq int64) error {
	return p.emit(ctx, config.TopicReserve, domain.ReservationIntent{
		Kind:      domain.IntentReserve,
		UserID:    userID,
		SellerID:  sellerID,
		ProductID: productID,
		Quantity:  quantity,
		Seq:       seq,
	})
}

// UpdateReservation carries both quantities; the inventory consumer computes
// the incremental change itself, so no external reservation state is read
// here.
func (p *Publisher) UpdateReservation(ctx context.Context, userID, sellerID, productID string, previousQuantity, quantity int, seq int64) error {
	return p.emit(ctx, config.TopicUpdateReservation, domain.ReservationIntent{
		Kind:             domain.IntentUpdateReservation,
		UserID:           userID,
		SellerID:         sellerID,
		ProductID:        productID,
		PreviousQuantity: previousQuantity,
		Quantity:         quantity,
		Seq:              seq,
	})
}

// Release frees the full previously reserved quantity.
func (p *Publisher) Release(ctx context.Context, userID, sellerID, productID string, quantity int, seq int64) error {
	return p.emit(ctx, config.TopicRelease, domain.ReservationIntent{
		Kind:      domain.IntentRelease,
		UserID:    userID,
		SellerID:  sellerID,
		ProductID: productID,
		Quantity:  quantity,
		Seq:       seq,
	})
}

func (p *Publisher) emit(ctx context.Context, topic string, intent domain.ReservationIntent) error {
	intent.Timestamp = p.now()

	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.pub.Publish(ctx, topic, intent.Key(), payload)
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s intent: %w", intent.Kind, err)
	}

	p.logger.Debug("reservation intent published",
		zap.String("kind", string(intent.Kind)),
		zap.String("key", intent.Key()),
		zap.Int64("seq", intent.Seq))
	return nil
}
