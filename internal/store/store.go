package store

import (
	"context"
	"errors"
	"time"
)

// Errors returned by store implementations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSerialization is the retry sentinel: the transaction manager
	// detected a serialization conflict and aborted the transaction. It is
	// the only error the retry loop acts on.
	ErrSerialization = errors.New("serialization failure")
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

// Auction lifecycle states. Transitions are live→ended, live→cancelled and
// ended→cancelled; never backwards.
const (
	StatusLive      AuctionStatus = "live"
	StatusEnded     AuctionStatus = "ended"
	StatusCancelled AuctionStatus = "cancelled"
)

// User represents a marketplace user with a two-part balance: funds the user
// may spend (available) and funds held against currently-leading bids
// (reserved). Both are integer minor units and never go negative.
type User struct {
	ID             string    `db:"id"`
	DisplayName    string    `db:"display_name"`
	AvailableMinor int64     `db:"available_minor"`
	ReservedMinor  int64     `db:"reserved_minor"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Auction represents a timed auction record. SettledAt non-null means the
// terminal accounting for this auction has been applied; no balance or price
// mutation is attributable to it afterwards.
type Auction struct {
	ID                string        `db:"id"`
	SellerID          string        `db:"seller_id"`
	Title             string        `db:"title"`
	ImagePath         *string       `db:"image_path"`
	Status            AuctionStatus `db:"status"`
	StartPriceMinor   int64         `db:"start_price_minor"`
	CurrentPriceMinor int64         `db:"current_price_minor"`
	MinIncrementMinor int64         `db:"min_increment_minor"`
	BidCount          int           `db:"bid_count"`
	StartsAt          time.Time     `db:"starts_at"`
	EndsAt            time.Time     `db:"ends_at"`
	SettledAt         *time.Time    `db:"settled_at"`
	CreatedAt         time.Time     `db:"created_at"`
}

// Bid represents a single bid. Bids are append-only; they are never deleted.
type Bid struct {
	ID          string    `db:"id"`
	AuctionID   string    `db:"auction_id"`
	BidderID    string    `db:"bidder_id"`
	AmountMinor int64     `db:"amount_minor"`
	CreatedAt   time.Time `db:"created_at"`
}

// UserRepository defines user persistence operations outside transactions.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	// Deposit adds amountMinor to the user's available balance.
	Deposit(ctx context.Context, id string, amountMinor int64) error
}

// AuctionRepository defines auction persistence operations outside
// transactions.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	ListLive(ctx context.Context, now time.Time) ([]Auction, error)
	// ListExpired returns up to limit unsettled auctions whose deadline has
	// passed, oldest expirations first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Auction, error)
}

// BidRepository defines bid read operations outside transactions.
type BidRepository interface {
	// ListByAuction returns an auction's bids ordered amount DESC,
	// created_at DESC (leading bid first).
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
	ListByBidder(ctx context.Context, bidderID string) ([]Bid, error)
}

// Tx is the set of operations available inside one serializable transaction.
//
// The boolean result of every conditional update is the affected-row count
// signal: true means exactly one row matched the predicate and was updated,
// false means the precondition did not hold. Callers map false to domain
// errors; they must not retry inside the same transaction.
type Tx interface {
	GetAuction(ctx context.Context, id string) (*Auction, error)
	// LeadingBid returns the auction's leading bid (greatest amount, latest
	// created_at on tie) or nil when the auction has no bids.
	LeadingBid(ctx context.Context, auctionID string) (*Bid, error)
	InsertBid(ctx context.Context, b *Bid) error
	GetUserBalances(ctx context.Context, id string) (availableMinor, reservedMinor int64, err error)

	// ReserveFunds moves amountMinor from available to reserved, provided
	// the user's available balance covers it.
	ReserveFunds(ctx context.Context, userID string, amountMinor int64) (bool, error)
	// ReleaseFunds moves amountMinor from reserved back to available,
	// provided the user's reserved balance covers it.
	ReleaseFunds(ctx context.Context, userID string, amountMinor int64) (bool, error)
	// AdvancePrice sets the auction's price to newPriceMinor and increments
	// its bid count, provided the auction is live, its deadline has not
	// passed and its price still equals expectedPriceMinor.
	AdvancePrice(ctx context.Context, auctionID string, expectedPriceMinor, newPriceMinor int64, now time.Time) (bool, error)
	// MarkEnded transitions live→ended, provided the deadline has passed.
	MarkEnded(ctx context.Context, auctionID string, now time.Time) (bool, error)
	// ClaimSettlement sets settled_at, provided the auction is ended and
	// has not been claimed before. At most one transaction ever wins this.
	ClaimSettlement(ctx context.Context, auctionID string, now time.Time) (bool, error)
	// CancelLive transitions live→cancelled.
	CancelLive(ctx context.Context, auctionID string) (bool, error)
	// CancelEnded transitions ended→cancelled.
	CancelEnded(ctx context.Context, auctionID string) (bool, error)
	// DebitReserved removes amountMinor from the user's reserved balance,
	// provided it covers the amount.
	DebitReserved(ctx context.Context, userID string, amountMinor int64) (bool, error)
	// DebitBalances removes fromAvailableMinor from available and
	// fromReservedMinor from reserved, provided both balances cover their
	// share.
	DebitBalances(ctx context.Context, userID string, fromAvailableMinor, fromReservedMinor int64) (bool, error)
	// CreditAvailable adds amountMinor to the user's available balance.
	CreditAvailable(ctx context.Context, userID string, amountMinor int64) (bool, error)
}

// TxRunner executes a closure inside a single serializable transaction.
// The closure's side effects commit iff it returns nil. A serialization
// conflict surfaces as an error matching ErrSerialization, whether it is
// detected by an individual statement or at commit.
type TxRunner interface {
	RunSerializable(ctx context.Context, fn func(tx Tx) error) error
}
