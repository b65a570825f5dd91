package domain

import "time"

// IntentKind discriminates reservation intent events.
type IntentKind string

const (
	IntentReserve           IntentKind = "reserve"
	IntentUpdateReservation IntentKind = "update-reservation"
	IntentRelease           IntentKind = "release"
)

// ReservationIntent is the outbound payload for inventory.reserve,
// inventory.update-reservation and inventory.release. Seq is the cart
// mutation counter of the write that produced the intent: strictly
// increasing per (user, seller) cart, hence per (user, seller, product)
// triple. The inventory consumer discards any event whose Seq is not
// strictly greater than the last applied one for that key.
type ReservationIntent struct {
	Kind             IntentKind `json:"kind"`
	UserID           string     `json:"user_id"`
	SellerID         string     `json:"seller_id"`
	ProductID        string     `json:"product_id"`
	PreviousQuantity int        `json:"previous_quantity,omitempty"`
	Quantity         int        `json:"quantity"`
	Seq              int64      `json:"seq"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Key returns the partition key; publishing with it keeps all events for one
// (user, seller, product) triple on a single partition, in order.
func (i ReservationIntent) Key() string {
	return i.UserID + "|" + i.SellerID + "|" + i.ProductID
}

// StockUpdated is the inbound inventory.stock-updated payload.
type StockUpdated struct {
	ProductID      string    `json:"product_id"`
	AvailableStock int       `json:"available_stock"`
	Timestamp      time.Time `json:"timestamp"`
}

// OrderOutcome is the inbound order.outcome payload from the order service.
type OrderOutcome struct {
	OrderCode string `json:"order_code"`
	SellerID  string `json:"seller_id"`
	Status    string `json:"status"` // accepted | rejected
	OrderID   string `json:"order_id,omitempty"`
}

const (
	OrderOutcomeAccepted = "accepted"
	OrderOutcomeRejected = "rejected"
)

// OrderCreateLine is one priced line inside an order.create payload.
type OrderCreateLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// OrderCreate is the outbound per-seller order creation event. The
// idempotency key (orderCode, sellerID) lets the order service process
// redelivered events without creating duplicate orders. Prices and discounts
// are frozen at dispatch; catalog changes do not alter an in-flight checkout.
type OrderCreate struct {
	OrderCode       string            `json:"order_code"`
	SellerID        string            `json:"seller_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	UserID          string            `json:"user_id"`
	Lines           []OrderCreateLine `json:"lines"`
	Subtotal        int64             `json:"subtotal"`
	ShippingFee     int64             `json:"shipping_fee"`
	VoucherDiscount int64             `json:"voucher_discount"`
	PaymentDiscount int64             `json:"payment_discount"`
	Total           int64             `json:"total"`
	PaymentMethod   string            `json:"payment_method"`
	Address         string            `json:"address,omitempty"`
	Note            string            `json:"note,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}
