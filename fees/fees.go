// Package fees computes the platform fee deducted from a vendor's order and
// settles the net amount into the vendor wallet.
package fees

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/incentive-ledger/generic"
)

// RuleSource looks up per-vendor fee rules. It may be remote, so lookups
// run under Config.LookupTimeout.
type RuleSource interface {
	GetFeeRule(ctx context.Context, owner generic.OwnerID) (generic.FeeRule, error)
}

type Config struct {
	// DefaultPercentage is a fraction (0.03 = 3%) applied when a vendor has
	// no rule or the rule lookup fails.
	DefaultPercentage decimal.Decimal
	LookupTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultPercentage: decimal.RequireFromString("0.03"),
		LookupTimeout:     2 * time.Second,
	}
}

type Options struct {
	Orders   generic.OrderStore // required by SettleOrder only
	Observer generic.Observer
	Logger   zerolog.Logger
}

type Calculator struct {
	rules    RuleSource
	ledger   *generic.WalletLedger
	orders   generic.OrderStore
	cfg      Config
	observer generic.Observer
	log      zerolog.Logger
}

func NewCalculator(rules RuleSource, ledger *generic.WalletLedger, cfg Config, opts Options) *Calculator {
	c := &Calculator{
		rules:    rules,
		ledger:   ledger,
		orders:   opts.Orders,
		cfg:      cfg,
		observer: opts.Observer,
		log:      opts.Logger.With().Str("component", "fees").Logger(),
	}
	if c.observer == nil {
		c.observer = generic.NopObserver{}
	}
	if c.cfg.LookupTimeout <= 0 {
		c.cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	return c
}

// Quote is the outcome of ComputeFee.
type Quote struct {
	OrderTotal generic.Amount
	Fee        generic.Amount
	NetAmount  generic.Amount
	Rule       generic.FeeRule
	// Fallback is set when the default percentage was applied; FallbackReason
	// says why ("no_rule" or "lookup_failed").
	Fallback       bool
	FallbackReason string
}

// =============================================================================
// FEE COMPUTATION
// =============================================================================

// ComputeFee resolves the vendor's rule and computes the fee on orderTotal.
// A failed lookup is not returned as an error: the default percentage is
// applied and the failure is logged at warn.
func (c *Calculator) ComputeFee(ctx context.Context, owner generic.OwnerID, orderTotal generic.Amount) (Quote, error) {
	if orderTotal.IsNegative() {
		return Quote{}, fmt.Errorf("%w: order total %s", generic.ErrInvalidAmount, orderTotal)
	}
	rule, reason := c.lookup(ctx, owner)
	q := Quote{OrderTotal: orderTotal, Rule: rule, Fallback: reason != "", FallbackReason: reason}
	q.Fee = FeeFor(rule, orderTotal)
	q.NetAmount = orderTotal.Sub(q.Fee)
	return q, nil
}

func (c *Calculator) lookup(ctx context.Context, owner generic.OwnerID) (generic.FeeRule, string) {
	fallback := generic.FeeRule{OwnerID: owner, Kind: generic.FeePercentage, Value: c.cfg.DefaultPercentage}

	lctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()
	rule, err := c.rules.GetFeeRule(lctx, owner)
	switch {
	case err == nil:
		return rule, ""
	case errors.Is(err, generic.ErrNotFound):
		return fallback, "no_rule"
	default:
		upstream := &generic.UpstreamError{Op: "fee rule lookup", Err: err}
		c.log.Warn().Err(upstream).Str("owner", string(owner)).
			Str("default_percentage", c.cfg.DefaultPercentage.String()).
			Msg("fee rule unavailable, applying default percentage")
		c.observer.FeeFallback("lookup_failed")
		return fallback, "lookup_failed"
	}
}

// FeeFor applies rule to total:
//
//	exempt                 → 0
//	total < MinOrderValue  → 0
//	percentage             → total × value
//	fixed                  → value, capped at total
//	slab                   → value of the bracket with the largest MinOrderValue ≤ total
//
// The fee is rounded to paise.
func FeeFor(rule generic.FeeRule, total generic.Amount) generic.Amount {
	if rule.IsExempt || total.LessThan(rule.MinOrderValue) {
		return generic.ZeroAmount()
	}
	var fee generic.Amount
	switch rule.Kind {
	case generic.FeePercentage:
		fee = total.Mul(rule.Value)
	case generic.FeeFixed:
		fee = generic.AmountOf(rule.Value).Min(total)
	case generic.FeeSlab:
		bracket, ok := bracketFor(rule.Slabs, total)
		if !ok {
			return generic.ZeroAmount()
		}
		fee = bracket.Value.Min(total)
	default:
		return generic.ZeroAmount()
	}
	if fee.IsNegative() {
		return generic.ZeroAmount()
	}
	return fee.Round()
}

// bracketFor uses threshold semantics: brackets need not be contiguous and
// the highest threshold not above total wins.
func bracketFor(brackets []generic.FeeBracket, total generic.Amount) (generic.FeeBracket, bool) {
	sorted := append([]generic.FeeBracket(nil), brackets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinOrderValue.LessThan(sorted[j].MinOrderValue)
	})
	var (
		best  generic.FeeBracket
		found bool
	)
	for _, b := range sorted {
		if b.MinOrderValue.GreaterThan(total) {
			break
		}
		best, found = b, true
	}
	return best, found
}

// ValidateRule rejects rules that could produce a negative or unbounded fee.
func ValidateRule(rule generic.FeeRule) error {
	invalid := func(reason string) error {
		return &generic.ConfigurationError{Subject: "fee rule " + string(rule.OwnerID), Reason: reason}
	}
	if rule.OwnerID == "" {
		return invalid("owner is required")
	}
	if rule.MinOrderValue.IsNegative() {
		return invalid("min order value is negative")
	}
	switch rule.Kind {
	case generic.FeePercentage:
		if rule.Value.IsNegative() || rule.Value.GreaterThan(decimal.NewFromInt(1)) {
			return invalid("percentage must be a fraction between 0 and 1")
		}
	case generic.FeeFixed:
		if rule.Value.IsNegative() {
			return invalid("fixed fee is negative")
		}
	case generic.FeeSlab:
		if len(rule.Slabs) == 0 && !rule.IsExempt {
			return invalid("slab rule has no brackets")
		}
		for _, b := range rule.Slabs {
			if b.MinOrderValue.IsNegative() || b.Value.IsNegative() {
				return invalid("bracket values must not be negative")
			}
		}
	default:
		return invalid(fmt.Sprintf("unknown kind %q", rule.Kind))
	}
	return nil
}

// =============================================================================
// ORDER SETTLEMENT
// =============================================================================

// OrderCreditKey is the idempotency key of an order's net credit.
func OrderCreditKey(orderID string) string { return "order:" + orderID }

// SettleOrder records the order and, for paid orders, credits the net amount
// to the vendor as an instant-eligible customer payment. Replaying the same
// order returns the original quote's credit without a second posting.
func (c *Calculator) SettleOrder(ctx context.Context, order generic.OrderCompleted) (Quote, error) {
	if c.orders == nil {
		return Quote{}, &generic.ConfigurationError{Subject: "fees", Reason: "no order store"}
	}
	if order.OrderID == "" || order.OwnerID == "" {
		return Quote{}, fmt.Errorf("%w: order id and owner are required", generic.ErrInvalidInput)
	}
	if err := c.orders.SaveOrder(ctx, order); err != nil {
		return Quote{}, fmt.Errorf("save order %s: %w", order.OrderID, err)
	}
	if order.Status != generic.OrderPaid {
		return Quote{OrderTotal: order.Total}, nil
	}

	q, err := c.ComputeFee(ctx, order.OwnerID, order.Total)
	if err != nil {
		return q, err
	}
	if !q.NetAmount.IsPositive() {
		return q, nil
	}
	_, err = c.ledger.Post(ctx, generic.Posting{
		OwnerID:        order.OwnerID,
		Type:           generic.TxCredit,
		Source:         generic.SourceCustomerPayment,
		Amount:         q.NetAmount,
		Description:    fmt.Sprintf("Order %s (fee ₹%s)", order.OrderID, q.Fee),
		Instant:        true,
		ReferenceID:    order.OrderID,
		IdempotencyKey: OrderCreditKey(order.OrderID),
	})
	if errors.Is(err, generic.ErrAlreadyProcessed) {
		c.log.Debug().Str("order", order.OrderID).Msg("order already settled")
		return q, err
	}
	if err != nil {
		return q, fmt.Errorf("credit order %s: %w", order.OrderID, err)
	}
	return q, nil
}
