package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/undiscoveredart/marketplace/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db *sqlx.DB
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB) *BidRepo {
	return &BidRepo{db: db}
}

func (r *BidRepo) ListByAuction(ctx context.Context, auctionID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids, `
		SELECT * FROM bids
		WHERE auction_id = $1
		ORDER BY amount_minor DESC, created_at DESC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids by auction: %w", err)
	}
	return bids, nil
}

func (r *BidRepo) ListByBidder(ctx context.Context, bidderID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids, `
		SELECT * FROM bids
		WHERE bidder_id = $1
		ORDER BY created_at DESC`, bidderID)
	if err != nil {
		return nil, fmt.Errorf("listing bids by bidder: %w", err)
	}
	return bids, nil
}
