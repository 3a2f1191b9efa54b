package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = store.StatusLive
	a.CurrentPriceMinor = a.StartPriceMinor
	a.BidCount = 0
	a.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auctions (id, seller_id, title, image_path, status,
			start_price_minor, current_price_minor, min_increment_minor,
			bid_count, starts_at, ends_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.SellerID, a.Title, a.ImagePath, a.Status,
		a.StartPriceMinor, a.CurrentPriceMinor, a.MinIncrementMinor,
		a.BidCount, a.StartsAt, a.EndsAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListLive(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions, `
		SELECT * FROM auctions
		WHERE status = 'live' AND ends_at > $1
		ORDER BY ends_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing live auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions, `
		SELECT * FROM auctions
		WHERE settled_at IS NULL
		  AND ends_at <= $1
		  AND status IN ('live', 'ended')
		ORDER BY ends_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired auctions: %w", err)
	}
	return auctions, nil
}
