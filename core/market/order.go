package market

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JerseyStatus is the sales status of a jersey listing
type JerseyStatus string

// all jersey states
const (
	JerseyAvailable JerseyStatus = "available"
	JerseyInAuction JerseyStatus = "in_auction"
	JerseySold      JerseyStatus = "sold"
	JerseyWithdrawn JerseyStatus = "withdrawn"
)

// Valid returns true for the known jersey states
func (s JerseyStatus) Valid() bool {
	switch s {
	case JerseyAvailable, JerseyInAuction, JerseySold, JerseyWithdrawn:
		return true
	}
	return false
}

// PurchaseStatus is the status of a purchase
type PurchaseStatus string

// all purchase states
const (
	PurchasePendingPayment PurchaseStatus = "pending_payment"
	PurchasePaid           PurchaseStatus = "paid"
)

// errors returned by the purchase rules
var (
	ErrJerseyNotAvailable = errors.New("jersey is not available")
	ErrInsufficientStock  = errors.New("not enough stock")
	ErrOwnListing         = errors.New("sellers cannot buy their own listing")
	ErrInvalidQuantity    = errors.New("quantity out of range")
	ErrAlreadyPaid        = errors.New("purchase is already paid")
	ErrJerseyLocked       = errors.New("jersey cannot be modified in its current status")
)

// Jersey is a jersey listing
type Jersey struct {
	JerseyID    uuid.UUID       `json:"jersey_id"`
	SellerID    uuid.UUID       `json:"seller_id"`
	CategoryID  *uuid.UUID      `json:"category_id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Team        string          `json:"team"`
	Price       int64           `json:"price"`
	Stock       int             `json:"stock"`
	Status      JerseyStatus    `json:"status"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Editable returns nil if the listing may still be modified or withdrawn
func (j Jersey) Editable() error {
	switch j.Status {
	case JerseyInAuction, JerseySold:
		return ErrJerseyLocked
	}
	return nil
}

// CheckPurchase checks whether buyer may buy quantity pieces of the jersey
func (j Jersey) CheckPurchase(buyerID uuid.UUID, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	if j.Status != JerseyAvailable {
		return ErrJerseyNotAvailable
	}
	if j.SellerID == buyerID {
		return ErrOwnListing
	}
	if j.Stock < quantity {
		return ErrInsufficientStock
	}
	return nil
}

// AfterSale returns the jersey after quantity pieces have been sold
func (j Jersey) AfterSale(quantity int) Jersey {
	j.Stock -= quantity
	if j.Stock <= 0 {
		j.Stock = 0
		j.Status = JerseySold
	}
	return j
}

// Totals are the amounts of an order
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

// amount limits in cents
const (
	// MaxAmount bounds prices, bids and increments
	MaxAmount int64 = 100_000_000_000
	// MaxQuantity bounds the pieces of one order
	MaxQuantity = 100
	// MaxOrderTotal is the largest subtotal an order can reach
	MaxOrderTotal = MaxAmount * MaxQuantity
)

// OrderTotal computes the totals for unitPrice*quantity with an optional discount.
// It fails with ErrInvalidAmount or ErrInvalidQuantity outside the amount limits.
func OrderTotal(unitPrice int64, quantity int, discount *Discount) (Totals, error) {
	if unitPrice < 0 || unitPrice > MaxAmount {
		return Totals{}, ErrInvalidAmount
	}
	if quantity < 1 || quantity > MaxQuantity {
		return Totals{}, ErrInvalidQuantity
	}
	t := Totals{Subtotal: unitPrice * int64(quantity)}
	if discount != nil {
		t.Discount = discount.Apply(t.Subtotal)
	}
	t.Total = t.Subtotal - t.Discount
	return t, nil
}
