package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated   Type = "auction.created"
	AuctionBidPlaced Type = "auction.bid_placed"
	AuctionSettled   Type = "auction.settled"
	AuctionCancelled Type = "auction.cancelled"

	UserRegistered  Type = "user.registered"
	WalletDeposited Type = "wallet.deposited"
)

// Event represents a single domain event. Events are an append-only audit
// trail; the auction and balance rows remain the source of truth.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuctionCreatedData is the payload for AuctionCreated events.
type AuctionCreatedData struct {
	SellerID          string    `json:"seller_id"`
	Title             string    `json:"title"`
	StartPriceMinor   int64     `json:"start_price_minor"`
	MinIncrementMinor int64     `json:"min_increment_minor"`
	EndsAt            time.Time `json:"ends_at"`
}

// BidPlacedData is the payload for AuctionBidPlaced events.
type BidPlacedData struct {
	BidID       string `json:"bid_id"`
	BidderID    string `json:"bidder_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// AuctionSettledData is the payload for AuctionSettled events. WinnerID is
// empty when the auction closed with no bids.
type AuctionSettledData struct {
	WinnerID    string `json:"winner_id,omitempty"`
	SellerID    string `json:"seller_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// AuctionCancelledData is the payload for AuctionCancelled events.
type AuctionCancelledData struct {
	Reason string `json:"reason"`
}

// UserRegisteredData is the payload for UserRegistered events.
type UserRegisteredData struct {
	DisplayName          string `json:"display_name"`
	StartingBalanceMinor int64  `json:"starting_balance_minor"`
}

// WalletDepositedData is the payload for WalletDeposited events.
type WalletDepositedData struct {
	AmountMinor int64 `json:"amount_minor"`
}
