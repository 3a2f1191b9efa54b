// Package bidding implements the bid pipeline: validation, fund
// reservation, price advance with optimistic concurrency and release of the
// previous leader's hold.
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/event"
	"github.com/undiscoveredart/marketplace/internal/retry"
	"github.com/undiscoveredart/marketplace/internal/settlement"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// Errors returned by PlaceBid. All of them are final: the transaction is
// rolled back and nothing is retried.
var (
	ErrAuctionClosed     = errors.New("auction is closed")
	ErrSellerSelfBid     = errors.New("seller cannot bid on own auction")
	ErrBelowMinimum      = errors.New("bid is below the required minimum")
	ErrInsufficientFunds = errors.New("insufficient available funds")
	ErrPriceChanged      = errors.New("auction price changed, refresh and resubmit")
	ErrInternal          = errors.New("internal bidding error")
)

// Result is returned on a successful bid.
type Result struct {
	Bid                 store.Bid
	CurrentPriceMinor   int64
	BidCount            int
	MinimumNextBidMinor int64
}

// Engine runs the bid pipeline.
type Engine struct {
	txs        store.TxRunner
	settlement *settlement.Engine
	events     event.Store
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      clock.Clock
}

// NewEngine returns a new bidding Engine.
func NewEngine(txs store.TxRunner, stl *settlement.Engine, events event.Store, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Engine {
	return &Engine{
		txs:        txs,
		settlement: stl,
		events:     events,
		logger:     logger,
		tracer:     tp.Tracer("github.com/undiscoveredart/marketplace/internal/bidding"),
		clock:      clk,
	}
}

// PlaceBid places a bid for bidderID on auctionID. On success the bidder
// leads the auction with amountMinor held in reserve; the previous leader's
// hold, if any, is released in the same transaction.
//
// A bid that finds the auction past its deadline settles the auction on this
// same path and then reports ErrAuctionClosed: the settlement commits even
// though the bid is rejected.
func (e *Engine) PlaceBid(ctx context.Context, bidderID, auctionID string, amountMinor int64) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidderID),
			attribute.Int64("bid.amount_minor", amountMinor),
		),
	)
	defer span.End()

	now := e.clock.Now().UTC()

	var (
		result      *Result
		closedOut   settlement.Outcome
		closed      bool
		internalLog string
	)

	err := retry.Serializable(ctx, e.txs, func(tx store.Tx) error {
		// Reset per attempt: the closure runs from scratch on retry.
		result, closed, internalLog = nil, false, ""
		closedOut = settlement.Outcome{}

		a, err := tx.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.SellerID == bidderID {
			return ErrSellerSelfBid
		}

		if a.Status != store.StatusLive || !a.EndsAt.After(now) {
			// A deadline-expired auction first observed by an arriving bid
			// must not remain unsettled: clean it up on this same
			// transaction, commit, and reject the bid.
			out, err := e.settlement.SettleInTx(ctx, tx, auctionID, now)
			if err != nil {
				return err
			}
			closed, closedOut = true, out
			return nil
		}

		minNext := a.CurrentPriceMinor + a.MinIncrementMinor
		if amountMinor < minNext {
			return fmt.Errorf("%w: minimum bid is %d", ErrBelowMinimum, minNext)
		}

		lead, err := tx.LeadingBid(ctx, auctionID)
		if err != nil {
			return err
		}

		// A bidder who already leads pays only the incremental delta on top
		// of the hold they already carry.
		requiredHold := amountMinor
		if lead != nil && lead.BidderID == bidderID {
			requiredHold = amountMinor - lead.AmountMinor
		}

		if requiredHold > 0 {
			reserved, err := tx.ReserveFunds(ctx, bidderID, requiredHold)
			if err != nil {
				return err
			}
			if !reserved {
				return ErrInsufficientFunds
			}
		}

		advanced, err := tx.AdvancePrice(ctx, auctionID, a.CurrentPriceMinor, amountMinor, now)
		if err != nil {
			return err
		}
		if !advanced {
			return ErrPriceChanged
		}

		// Once the price advances, the previous leader's hold must be
		// released, or reserved balances drift upward forever.
		if lead != nil && lead.BidderID != bidderID {
			released, err := tx.ReleaseFunds(ctx, lead.BidderID, lead.AmountMinor)
			if err != nil {
				return err
			}
			if !released {
				internalLog = fmt.Sprintf("releasing previous leader %s hold of %d affected no rows", lead.BidderID, lead.AmountMinor)
				return ErrInternal
			}
		}

		b := &store.Bid{
			ID:          uuid.NewString(),
			AuctionID:   auctionID,
			BidderID:    bidderID,
			AmountMinor: amountMinor,
			CreatedAt:   now,
		}
		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}

		result = &Result{
			Bid:                 *b,
			CurrentPriceMinor:   amountMinor,
			BidCount:            a.BidCount + 1,
			MinimumNextBidMinor: amountMinor + a.MinIncrementMinor,
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInternal) {
			e.logger.ErrorContext(ctx, "bid invariant violation",
				slog.String("auction_id", auctionID),
				slog.String("bidder_id", bidderID),
				slog.String("detail", internalLog),
			)
		}
		return nil, err
	}

	if closed {
		e.settlement.Record(ctx, auctionID, closedOut)
		return nil, ErrAuctionClosed
	}

	e.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.Int64("amount_minor", amountMinor),
		slog.Int("bid_count", result.BidCount),
	)

	data, _ := json.Marshal(event.BidPlacedData{
		BidID:       result.Bid.ID,
		BidderID:    bidderID,
		AmountMinor: amountMinor,
	})
	if err := e.events.Append(ctx, event.Event{
		AggregateID: auctionID,
		Type:        event.AuctionBidPlaced,
		Data:        data,
	}); err != nil {
		e.logger.ErrorContext(ctx, "failed to append bid event", slog.Any("error", err))
	}

	return result, nil
}
