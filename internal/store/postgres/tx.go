package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// pqSerializationFailure is the Postgres SQLSTATE the transaction manager
// raises when serializable-isolation detection aborts a transaction.
const pqSerializationFailure = "40001"

// classify wraps serialization aborts in the store.ErrSerialization sentinel
// so the retry loop can act on them with errors.Is. All other errors pass
// through unchanged.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqSerializationFailure {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return err
}

// TxRunner implements store.TxRunner against Postgres.
type TxRunner struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewTxRunner returns a new TxRunner.
func NewTxRunner(db *sqlx.DB, clk clock.Clock) *TxRunner {
	return &TxRunner{db: db, clock: clk}
}

// RunSerializable executes fn inside a serializable transaction. The
// transaction commits iff fn returns nil; serialization aborts — whether
// raised by a statement or at commit — surface as store.ErrSerialization.
func (r *TxRunner) RunSerializable(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx, clock: r.clock}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", classify(err))
	}
	return nil
}

// pgTx implements store.Tx on an open *sqlx.Tx.
type pgTx struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

func (t *pgTx) GetAuction(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := t.tx.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", classify(err))
	}
	return &a, nil
}

func (t *pgTx) LeadingBid(ctx context.Context, auctionID string) (*store.Bid, error) {
	var b store.Bid
	err := t.tx.GetContext(ctx, &b, `
		SELECT * FROM bids
		WHERE auction_id = $1
		ORDER BY amount_minor DESC, created_at DESC
		LIMIT 1`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting leading bid: %w", classify(err))
	}
	return &b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *store.Bid) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount_minor, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.AuctionID, b.BidderID, b.AmountMinor, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", classify(err))
	}
	return nil
}

func (t *pgTx) GetUserBalances(ctx context.Context, id string) (int64, int64, error) {
	var u store.User
	err := t.tx.GetContext(ctx, &u,
		`SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("getting user balances: %w", classify(err))
	}
	return u.AvailableMinor, u.ReservedMinor, nil
}

// exec runs a conditional update and reports whether exactly one row matched.
func (t *pgTx) exec(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: reading affected rows: %w", op, classify(err))
	}
	return n == 1, nil
}

func (t *pgTx) ReserveFunds(ctx context.Context, userID string, amountMinor int64) (bool, error) {
	return t.exec(ctx, "reserving funds", `
		UPDATE users
		SET available_minor = available_minor - $1,
		    reserved_minor  = reserved_minor + $1,
		    updated_at = $2
		WHERE id = $3 AND available_minor >= $1`,
		amountMinor, t.clock.Now().UTC(), userID)
}

func (t *pgTx) ReleaseFunds(ctx context.Context, userID string, amountMinor int64) (bool, error) {
	return t.exec(ctx, "releasing funds", `
		UPDATE users
		SET available_minor = available_minor + $1,
		    reserved_minor  = reserved_minor - $1,
		    updated_at = $2
		WHERE id = $3 AND reserved_minor >= $1`,
		amountMinor, t.clock.Now().UTC(), userID)
}

func (t *pgTx) AdvancePrice(ctx context.Context, auctionID string, expectedPriceMinor, newPriceMinor int64, now time.Time) (bool, error) {
	return t.exec(ctx, "advancing price", `
		UPDATE auctions
		SET current_price_minor = $1,
		    bid_count = bid_count + 1
		WHERE id = $2
		  AND status = 'live'
		  AND ends_at > $3
		  AND current_price_minor = $4`,
		newPriceMinor, auctionID, now, expectedPriceMinor)
}

func (t *pgTx) MarkEnded(ctx context.Context, auctionID string, now time.Time) (bool, error) {
	return t.exec(ctx, "marking auction ended", `
		UPDATE auctions
		SET status = 'ended'
		WHERE id = $1 AND status = 'live' AND ends_at <= $2`,
		auctionID, now)
}

func (t *pgTx) ClaimSettlement(ctx context.Context, auctionID string, now time.Time) (bool, error) {
	return t.exec(ctx, "claiming settlement", `
		UPDATE auctions
		SET settled_at = $1
		WHERE id = $2 AND status = 'ended' AND settled_at IS NULL`,
		now, auctionID)
}

func (t *pgTx) CancelLive(ctx context.Context, auctionID string) (bool, error) {
	return t.exec(ctx, "cancelling live auction", `
		UPDATE auctions
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'live'`,
		auctionID)
}

func (t *pgTx) CancelEnded(ctx context.Context, auctionID string) (bool, error) {
	return t.exec(ctx, "cancelling ended auction", `
		UPDATE auctions
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'ended'`,
		auctionID)
}

func (t *pgTx) DebitReserved(ctx context.Context, userID string, amountMinor int64) (bool, error) {
	return t.exec(ctx, "debiting reserved funds", `
		UPDATE users
		SET reserved_minor = reserved_minor - $1,
		    updated_at = $2
		WHERE id = $3 AND reserved_minor >= $1`,
		amountMinor, t.clock.Now().UTC(), userID)
}

func (t *pgTx) DebitBalances(ctx context.Context, userID string, fromAvailableMinor, fromReservedMinor int64) (bool, error) {
	return t.exec(ctx, "debiting balances", `
		UPDATE users
		SET available_minor = available_minor - $1,
		    reserved_minor  = reserved_minor - $2,
		    updated_at = $3
		WHERE id = $4 AND available_minor >= $1 AND reserved_minor >= $2`,
		fromAvailableMinor, fromReservedMinor, t.clock.Now().UTC(), userID)
}

func (t *pgTx) CreditAvailable(ctx context.Context, userID string, amountMinor int64) (bool, error) {
	return t.exec(ctx, "crediting available funds", `
		UPDATE users
		SET available_minor = available_minor + $1,
		    updated_at = $2
		WHERE id = $3`,
		amountMinor, t.clock.Now().UTC(), userID)
}
