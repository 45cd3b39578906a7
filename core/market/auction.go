package market

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// AuctionState is the state of an auction
type AuctionState string

// all auction states
const (
	AuctionScheduled AuctionState = "scheduled"
	AuctionActive    AuctionState = "active"
	AuctionClosed    AuctionState = "closed"
	AuctionCancelled AuctionState = "cancelled"
)

// Valid returns true for the known auction states
func (s AuctionState) Valid() bool {
	switch s {
	case AuctionScheduled, AuctionActive, AuctionClosed, AuctionCancelled:
		return true
	}
	return false
}

// auction window limits
const (
	MinAuctionDuration = time.Hour
	MaxAuctionDuration = 30 * 24 * time.Hour
	// AllowedClockSkew is how far in the past an auction may start
	AllowedClockSkew = time.Minute
)

// errors returned by the auction rules
var (
	ErrAuctionNotActive   = errors.New("auction is not active")
	ErrOwnAuction         = errors.New("sellers cannot bid on their own auction")
	ErrAlreadyWinning     = errors.New("bidder already holds the highest bid")
	ErrInvalidWindow      = errors.New("invalid auction window")
	ErrAuctionHasBids     = errors.New("auction already has bids")
	ErrInvalidAmount      = errors.New("amount out of range")
	ErrConcurrentBid      = errors.New("auction was modified by a concurrent bid")
	ErrAuctionNotFinished = errors.New("auction has not ended yet")
)

// BidTooLowError is returned when a bid does not reach the minimum next bid
type BidTooLowError struct {
	Minimum int64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low, minimum is %d", e.Minimum)
}

// Auction is a timed auction for one jersey
type Auction struct {
	AuctionID     uuid.UUID    `json:"auction_id"`
	JerseyID      uuid.UUID    `json:"jersey_id"`
	SellerID      uuid.UUID    `json:"seller_id"`
	StartingPrice int64        `json:"starting_price"`
	CurrentPrice  int64        `json:"current_price"`
	MinIncrement  int64        `json:"min_increment"`
	StartsAt      time.Time    `json:"starts_at"`
	EndsAt        time.Time    `json:"ends_at"`
	State         AuctionState `json:"state"`
	WinningBidID  *uuid.UUID   `json:"winning_bid_id,omitempty"`
	WinnerID      *uuid.UUID   `json:"winner_id,omitempty"`
	BidCount      int          `json:"bid_count"`
	Version       int          `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Bid is a bid on an auction
type Bid struct {
	BidID     uuid.UUID `json:"bid_id"`
	AuctionID uuid.UUID `json:"auction_id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateAuctionWindow checks that an auction starting at startsAt and ending at endsAt
// is acceptable at time now
func ValidateAuctionWindow(startsAt, endsAt, now time.Time) error {
	if startsAt.IsZero() || endsAt.IsZero() {
		return fmt.Errorf("%w: starts_at and ends_at are required", ErrInvalidWindow)
	}
	if !endsAt.After(startsAt) {
		return fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidWindow)
	}
	if startsAt.Before(now.Add(-AllowedClockSkew)) {
		return fmt.Errorf("%w: starts_at lies in the past", ErrInvalidWindow)
	}
	duration := endsAt.Sub(startsAt)
	if duration < MinAuctionDuration {
		return fmt.Errorf("%w: auctions must run for at least %s", ErrInvalidWindow, MinAuctionDuration)
	}
	if duration > MaxAuctionDuration {
		return fmt.Errorf("%w: auctions must not run longer than %s", ErrInvalidWindow, MaxAuctionDuration)
	}
	return nil
}

// EffectiveState returns the state of the auction at time now. Closed and cancelled
// are final, all other states follow the clock.
func EffectiveState(a Auction, now time.Time) AuctionState {
	switch a.State {
	case AuctionClosed, AuctionCancelled:
		return a.State
	}
	if now.Before(a.StartsAt) {
		return AuctionScheduled
	}
	if now.Before(a.EndsAt) {
		return AuctionActive
	}
	return AuctionClosed
}

// MinimumNextBid returns the smallest acceptable amount for the next bid
func MinimumNextBid(a Auction) int64 {
	if a.BidCount == 0 {
		return a.StartingPrice
	}
	increment := a.MinIncrement
	if increment < 1 {
		increment = 1
	}
	if a.CurrentPrice > math.MaxInt64-increment {
		return math.MaxInt64
	}
	return a.CurrentPrice + increment
}

// CheckBid checks whether bidder may bid amount on the auction at time now
func CheckBid(a Auction, bidderID uuid.UUID, amount int64, now time.Time) error {
	if amount <= 0 || amount > MaxAmount {
		return ErrInvalidAmount
	}
	if EffectiveState(a, now) != AuctionActive {
		return ErrAuctionNotActive
	}
	if a.SellerID == bidderID {
		return ErrOwnAuction
	}
	if a.WinnerID != nil && *a.WinnerID == bidderID {
		return ErrAlreadyWinning
	}
	minimum := MinimumNextBid(a)
	if minimum > MaxAmount {
		return ErrInvalidAmount
	}
	if amount < minimum {
		return &BidTooLowError{Minimum: minimum}
	}
	return nil
}

// ApplyBid returns the auction after the accepted bid. If the bid arrives within
// extension of the end, the end is moved to now+extension. An extension of 0
// disables this.
func ApplyBid(a Auction, bid Bid, extension time.Duration, now time.Time) Auction {
	bidID := bid.BidID
	bidderID := bid.BidderID
	a.CurrentPrice = bid.Amount
	a.WinningBidID = &bidID
	a.WinnerID = &bidderID
	a.BidCount++
	a.Version++
	a.State = AuctionActive
	if extension > 0 && a.EndsAt.Sub(now) < extension {
		a.EndsAt = now.Add(extension)
	}
	return a
}

// Result is the outcome of a closed auction
type Result struct {
	Sold         bool       `json:"sold"`
	WinnerID     *uuid.UUID `json:"winner_id,omitempty"`
	WinningBidID *uuid.UUID `json:"winning_bid_id,omitempty"`
	Price        int64      `json:"price"`
}

// DetermineWinner closes the auction and returns its result. It fails with
// ErrAuctionNotFinished if the auction is still running at time now.
func DetermineWinner(a Auction, now time.Time) (Auction, Result, error) {
	if a.State == AuctionCancelled {
		return a, Result{}, ErrAuctionNotActive
	}
	if a.State != AuctionClosed && now.Before(a.EndsAt) {
		return a, Result{}, ErrAuctionNotFinished
	}
	a.State = AuctionClosed
	if a.BidCount == 0 || a.WinnerID == nil {
		return a, Result{}, nil
	}
	return a, Result{
		Sold:         true,
		WinnerID:     a.WinnerID,
		WinningBidID: a.WinningBidID,
		Price:        a.CurrentPrice,
	}, nil
}

// Cancel cancels an auction which has not received any bids
func Cancel(a Auction, now time.Time) (Auction, error) {
	if a.BidCount > 0 {
		return a, ErrAuctionHasBids
	}
	switch EffectiveState(a, now) {
	case AuctionClosed, AuctionCancelled:
		return a, ErrAuctionNotActive
	}
	a.State = AuctionCancelled
	a.Version++
	return a, nil
}
