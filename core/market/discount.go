package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DiscountKind is the kind of a discount code
type DiscountKind string

// all discount kinds
const (
	// DiscountPercentage takes Value percent off the subtotal
	DiscountPercentage DiscountKind = "percentage"
	// DiscountFixed takes Value cents off the subtotal
	DiscountFixed DiscountKind = "fixed"
)

// errors returned by Discount.Check
var (
	ErrDiscountInactive     = errors.New("discount code is not active")
	ErrDiscountExpired      = errors.New("discount code has expired")
	ErrDiscountNotYetValid  = errors.New("discount code is not valid yet")
	ErrDiscountExhausted    = errors.New("discount code has been used up")
	ErrDiscountMinimumOrder = errors.New("order does not reach the minimum for this discount code")
	ErrDiscountInvalid      = errors.New("invalid discount")
)

// Discount is a discount code
type Discount struct {
	Code        string       `json:"code"`
	Description string       `json:"description"`
	Kind        DiscountKind `json:"kind"`
	Value       int64        `json:"value"`
	ValidFrom   *time.Time   `json:"valid_from,omitempty"`
	ValidUntil  *time.Time   `json:"valid_until,omitempty"`
	// MaxUses of 0 means unlimited
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	MinOrder  int64     `json:"min_order"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeCode returns the canonical form of a discount code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks the discount definition itself
func (d Discount) Validate() error {
	if len(d.Code) == 0 {
		return fmt.Errorf("%w: code is required", ErrDiscountInvalid)
	}
	switch d.Kind {
	case DiscountPercentage:
		if d.Value < 1 || d.Value > 100 {
			return fmt.Errorf("%w: percentage must be between 1 and 100", ErrDiscountInvalid)
		}
	case DiscountFixed:
		if d.Value < 1 || d.Value > MaxAmount {
			return fmt.Errorf("%w: fixed amount must be between 1 and %d", ErrDiscountInvalid, MaxAmount)
		}
	default:
		return fmt.Errorf("%w: unknown kind '%s'", ErrDiscountInvalid, d.Kind)
	}
	if d.MaxUses < 0 || d.MinOrder < 0 || d.MinOrder > MaxOrderTotal {
		return fmt.Errorf("%w: max_uses and min_order must not be negative", ErrDiscountInvalid)
	}
	if d.ValidFrom != nil && d.ValidUntil != nil && !d.ValidUntil.After(*d.ValidFrom) {
		return fmt.Errorf("%w: valid_until must be after valid_from", ErrDiscountInvalid)
	}
	return nil
}

// Check returns an error if the discount cannot be applied to subtotal at time now
func (d Discount) Check(subtotal int64, now time.Time) error {
	if !d.Active {
		return ErrDiscountInactive
	}
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return ErrDiscountNotYetValid
	}
	if d.ValidUntil != nil && !now.Before(*d.ValidUntil) {
		return ErrDiscountExpired
	}
	if d.MaxUses > 0 && d.Uses >= d.MaxUses {
		return ErrDiscountExhausted
	}
	if subtotal < d.MinOrder {
		return ErrDiscountMinimumOrder
	}
	return nil
}

// Apply returns the amount taken off subtotal. The amount is rounded down to the
// cent and never exceeds the subtotal.
func (d Discount) Apply(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var amount int64
	switch d.Kind {
	case DiscountPercentage:
		// split to keep subtotal*value within int64
		amount = subtotal/100*d.Value + subtotal%100*d.Value/100
	case DiscountFixed:
		amount = d.Value
	}
	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}
