// Package pricing computes checkout totals. The engine is pure: identical
// inputs always produce identical quotes, which is what makes an idempotent
// checkout replay dispatch byte-identical payloads.
package pricing

import "github.com/dunghkt213/click2buy-sub000/internal/domain"

// DiscountRule is a percentage discount with an optional absolute cap, in
// minor currency units. Rules are resolved by the caller (voucher and
// payment-method lookup live outside this core); the engine only applies
// them.
type DiscountRule struct {
	Percent int
	Cap     int64 // 0 means uncapped
}

// Options carries the caller-resolved inputs for one seller cart.
type Options struct {
	PaymentMethod       string
	ShippingFeeOverride *int64
	Voucher             *DiscountRule
	Payment             *DiscountRule
}

// Quote is the priced breakdown of one seller cart. All amounts are minor
// currency units.
type Quote struct {
	Subtotal        int64
	ShippingFee     int64
	VoucherDiscount int64
	PaymentDiscount int64
	Total           int64
}

type Config struct {
	FreeShippingThreshold int64
	DefaultShippingFee    int64
	// MethodShippingFees maps payment method to its flat shipping fee.
	// Methods not listed fall back to DefaultShippingFee.
	MethodShippingFees map[string]int64
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// PriceCart prices a single seller cart. The total is clamped at zero so
// stacked discounts can never produce a negative charge.
func (e *Engine) PriceCart(cart *domain.Cart, opts Options) Quote {
	subtotal := cart.Subtotal()

	var quote Quote
	quote.Subtotal = subtotal
	quote.ShippingFee = e.shippingFee(subtotal, opts)
	quote.VoucherDiscount = applyRule(subtotal, opts.Voucher)
	quote.PaymentDiscount = applyRule(subtotal, opts.Payment)

	total := subtotal + quote.ShippingFee - quote.VoucherDiscount - quote.PaymentDiscount
	if total < 0 {
		total = 0
	}
	quote.Total = total
	return quote
}

func (e *Engine) shippingFee(subtotal int64, opts Options) int64 {
	if opts.ShippingFeeOverride != nil {
		return *opts.ShippingFeeOverride
	}
	if subtotal >= e.cfg.FreeShippingThreshold {
		return 0
	}
	if fee, ok := e.cfg.MethodShippingFees[opts.PaymentMethod]; ok {
		return fee
	}
	return e.cfg.DefaultShippingFee
}

func applyRule(subtotal int64, rule *DiscountRule) int64 {
	if rule == nil || rule.Percent <= 0 {
		return 0
	}
	discount := subtotal * int64(rule.Percent) / 100
	if rule.Cap > 0 && discount > rule.Cap {
		discount = rule.Cap
	}
	return discount
}
