package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/config"
	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/dunghkt213/click2buy-sub000/internal/pricing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrEmptyCheckout = errors.New("no items to check out")

// CartSource is the slice of the cart service the orchestrator reads.
type CartSource interface {
	GetCart(ctx context.Context, userID, sellerID string) (*domain.Cart, error)
	ListSellerCarts(ctx context.Context, userID string) ([]*domain.Cart, error)
}

// SessionStore persists checkout sessions and their dispatch events.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session, outcomes []domain.SellerOrderOutcome, events []OutboxEvent) error
	GetSession(ctx context.Context, orderCode string) (*Session, []domain.SellerOrderOutcome, error)
}

// Request is one checkout attempt. OrderCode is optional: a retried
// submission carries the code of the original attempt and replays it.
// SellerID restricts the checkout to one seller cart (buy-now flow).
type Request struct {
	UserID              string
	OrderCode           string
	SellerID            string
	PaymentMethod       string
	Address             string
	Note                string
	ShippingFeeOverride *int64
	Voucher             *pricing.DiscountRule
	PaymentDiscount     *pricing.DiscountRule
}

// Ack is the immediate checkout acknowledgment. Outcomes start Pending and
// resolve asynchronously; callers poll Status or react to UI pushes.
type Ack struct {
	OrderCode string
	Status    domain.CheckoutStatus
	Total     int64
	Outcomes  []domain.SellerOrderOutcome
}

// Orchestrator fans a user's carts out into independent per-seller orders.
// One seller's rejection never blocks or rolls back another seller's order.
type Orchestrator struct {
	carts   CartSource
	pricer  *pricing.Engine
	store   SessionStore
	timeout time.Duration
	logger  *zap.Logger

	now          func() time.Time
	newOrderCode func() string
}

func NewOrchestrator(carts CartSource, pricer *pricing.Engine, store SessionStore, timeout time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		carts:        carts,
		pricer:       pricer,
		store:        store,
		timeout:      timeout,
		logger:       logger,
		now:          time.Now,
		newOrderCode: uuid.NewString,
	}
}

func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*Ack, error) {
	orderCode := req.OrderCode
	if orderCode == "" {
		orderCode = o.newOrderCode()
	}

	// Duplicate submission: replay the recorded attempt, dispatch nothing.
	session, outcomes, err := o.store.GetSession(ctx, orderCode)
	if err == nil {
		o.logger.Info("duplicate checkout replayed", zap.String("order_code", orderCode))
		return ackFrom(session, outcomes), nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to check for existing session: %w", err)
	}

	carts, err := o.collect(ctx, req)
	if err != nil {
		return nil, err
	}

	opts := pricing.Options{
		PaymentMethod:       req.PaymentMethod,
		ShippingFeeOverride: req.ShippingFeeOverride,
		Voucher:             req.Voucher,
		Payment:             req.PaymentDiscount,
	}

	var (
		total     int64
		pending   []domain.SellerOrderOutcome
		events    []OutboxEvent
		timestamp = o.now()
	)
	for _, cart := range carts {
		quote := o.pricer.PriceCart(cart, opts)
		total += quote.Total
		pending = append(pending, domain.SellerOrderOutcome{
			SellerID: cart.SellerID,
			Status:   domain.OutcomePending,
			Total:    quote.Total,
		})

		payload, err := json.Marshal(orderCreateEvent(orderCode, req, cart, quote, timestamp))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal order event for seller %s: %w", cart.SellerID, err)
		}
		events = append(events, OutboxEvent{
			AggregateID: orderCode,
			EventType:   config.TopicOrderCreate,
			Payload:     payload,
		})
	}

	// Collecting, pricing and dispatching all happen within this call; only
	// AwaitingOutcomes and the terminal statuses are ever persisted. The
	// state machine guards those persisted transitions in finalizeSession.
	session = &Session{
		OrderCode:     orderCode,
		UserID:        req.UserID,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.CheckoutStatusAwaitingOutcomes,
		Address:       req.Address,
		Note:          req.Note,
		Total:         total,
		DeadlineAt:    timestamp.Add(o.timeout),
	}
	if err := o.store.CreateSession(ctx, session, pending, events); err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			// Lost a race against a concurrent identical submission.
			existing, existingOutcomes, errGet := o.store.GetSession(ctx, orderCode)
			if errGet != nil {
				return nil, fmt.Errorf("failed to load racing session: %w", errGet)
			}
			return ackFrom(existing, existingOutcomes), nil
		}
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	o.logger.Info("checkout dispatched",
		zap.String("order_code", orderCode),
		zap.String("user_id", req.UserID),
		zap.Int("sellers", len(pending)),
		zap.Int64("total", total))

	return &Ack{
		OrderCode: orderCode,
		Status:    domain.CheckoutStatusAwaitingOutcomes,
		Total:     total,
		Outcomes:  pending,
	}, nil
}

// Status reports the current per-seller outcomes for a checkout attempt.
func (o *Orchestrator) Status(ctx context.Context, orderCode string) (*Ack, error) {
	session, outcomes, err := o.store.GetSession(ctx, orderCode)
	if err != nil {
		return nil, err
	}
	return ackFrom(session, outcomes), nil
}

// collect loads the seller carts included in this attempt, dropping empty
// and zero-quantity carts.
func (o *Orchestrator) collect(ctx context.Context, req Request) ([]*domain.Cart, error) {
	var carts []*domain.Cart
	var err error
	if req.SellerID != "" {
		var cart *domain.Cart
		cart, err = o.carts.GetCart(ctx, req.UserID, req.SellerID)
		if cart != nil {
			carts = []*domain.Cart{cart}
		}
	} else {
		carts, err = o.carts.ListSellerCarts(ctx, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load carts: %w", err)
	}

	eligible := carts[:0]
	for _, cart := range carts {
		if cart.IsEmpty() || cart.TotalQuantity() == 0 {
			continue
		}
		eligible = append(eligible, cart)
	}
	if len(eligible) == 0 {
		return nil, ErrEmptyCheckout
	}

	// Deterministic dispatch order regardless of storage iteration order.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].SellerID < eligible[j].SellerID
	})
	return eligible, nil
}

func orderCreateEvent(orderCode string, req Request, cart *domain.Cart, quote pricing.Quote, ts time.Time) domain.OrderCreate {
	lines := make([]domain.OrderCreateLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if line.Quantity == 0 {
			continue
		}
		lines = append(lines, domain.OrderCreateLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return domain.OrderCreate{
		OrderCode:       orderCode,
		SellerID:        cart.SellerID,
		IdempotencyKey:  orderCode + ":" + cart.SellerID,
		UserID:          req.UserID,
		Lines:           lines,
		Subtotal:        quote.Subtotal,
		ShippingFee:     quote.ShippingFee,
		VoucherDiscount: quote.VoucherDiscount,
		PaymentDiscount: quote.PaymentDiscount,
		Total:           quote.Total,
		PaymentMethod:   req.PaymentMethod,
		Address:         req.Address,
		Note:            req.Note,
		Timestamp:       ts,
	}
}

func ackFrom(session *Session, outcomes []domain.SellerOrderOutcome) *Ack {
	return &Ack{
		OrderCode: session.OrderCode,
		Status:    session.Status,
		Total:     session.Total,
		Outcomes:  outcomes,
	}
}
