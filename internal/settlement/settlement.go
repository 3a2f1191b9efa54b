// Package settlement implements the auction close protocol: deadline
// detection, the single claim of terminal accounting, the winner debit and
// the seller credit.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/undiscoveredart/marketplace/internal/event"
	"github.com/undiscoveredart/marketplace/internal/retry"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// ErrInternal marks an unreachable invariant, e.g. a seller row that
// vanished mid-transaction. It aborts the transaction and is never retried.
var ErrInternal = errors.New("internal settlement error")

// sweepBatchSize bounds how many expired auctions one sweep processes.
const sweepBatchSize = 24

// Outcome describes what one settlement pass did. Zero value: nothing — the
// auction was missing, already settled, not yet expired, or another
// transaction claimed it first.
type Outcome struct {
	// Claimed is true when this pass won the settlement claim and applied
	// terminal accounting.
	Claimed bool
	// WinnerID is empty when the auction closed with no bids.
	WinnerID    string
	SellerID    string
	AmountMinor int64
	// Cancelled is true when the winner could not pay and the auction was
	// transitioned ended→cancelled instead of crediting the seller.
	Cancelled bool
}

// Engine runs the settlement protocol.
type Engine struct {
	txs      store.TxRunner
	auctions store.AuctionRepository
	events   event.Store
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewEngine returns a new settlement Engine.
func NewEngine(txs store.TxRunner, auctions store.AuctionRepository, events event.Store, logger *slog.Logger, tp trace.TracerProvider) *Engine {
	return &Engine{
		txs:      txs,
		auctions: auctions,
		events:   events,
		logger:   logger,
		tracer:   tp.Tracer("github.com/undiscoveredart/marketplace/internal/settlement"),
	}
}

// SettleAuction applies terminal accounting for an expired auction. It is
// idempotent: only the first call that wins the settlement claim moves
// balances; every other call is a no-op.
func (e *Engine) SettleAuction(ctx context.Context, auctionID string, now time.Time) error {
	ctx, span := e.tracer.Start(ctx, "Engine.SettleAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	var out Outcome
	err := retry.Serializable(ctx, e.txs, func(tx store.Tx) error {
		var txErr error
		out, txErr = e.SettleInTx(ctx, tx, auctionID, now)
		return txErr
	})
	if err != nil {
		return err
	}

	e.Record(ctx, auctionID, out)
	return nil
}

// SettleInTx runs the settlement protocol on an already-open serializable
// transaction. The bid path uses it to clean up an expired auction it
// stumbled on without opening a second transaction. The caller owns the
// commit and must pass the returned Outcome to Record afterwards.
func (e *Engine) SettleInTx(ctx context.Context, tx store.Tx, auctionID string, now time.Time) (Outcome, error) {
	a, err := tx.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if a.SettledAt != nil {
		return Outcome{}, nil
	}

	switch a.Status {
	case store.StatusLive:
		if a.EndsAt.After(now) {
			return Outcome{}, nil
		}
		ended, err := tx.MarkEnded(ctx, auctionID, now)
		if err != nil {
			return Outcome{}, err
		}
		if !ended {
			return Outcome{}, nil
		}
	case store.StatusEnded:
		// proceed to the claim
	default:
		return Outcome{}, nil
	}

	claimed, err := tx.ClaimSettlement(ctx, auctionID, now)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{}, nil
	}

	lead, err := tx.LeadingBid(ctx, auctionID)
	if err != nil {
		return Outcome{}, err
	}
	if lead == nil {
		// Closed with no bids; no balances move.
		return Outcome{Claimed: true, SellerID: a.SellerID}, nil
	}

	paid, err := e.collectWinningAmount(ctx, tx, lead)
	if err != nil {
		return Outcome{}, err
	}
	if !paid {
		cancelled, err := tx.CancelEnded(ctx, auctionID)
		if err != nil {
			return Outcome{}, err
		}
		if !cancelled {
			return Outcome{}, fmt.Errorf("%w: auction %s left ended state during settlement", ErrInternal, auctionID)
		}
		return Outcome{
			Claimed:     true,
			WinnerID:    lead.BidderID,
			SellerID:    a.SellerID,
			AmountMinor: lead.AmountMinor,
			Cancelled:   true,
		}, nil
	}

	credited, err := tx.CreditAvailable(ctx, a.SellerID, lead.AmountMinor)
	if err != nil {
		return Outcome{}, err
	}
	if !credited {
		return Outcome{}, fmt.Errorf("%w: seller %s missing while crediting auction %s", ErrInternal, a.SellerID, auctionID)
	}

	return Outcome{
		Claimed:     true,
		WinnerID:    lead.BidderID,
		SellerID:    a.SellerID,
		AmountMinor: lead.AmountMinor,
	}, nil
}

// collectWinningAmount debits the winning amount from the winner, preferring
// the reserved hold and falling back to available funds if the hold was
// unexpectedly short. Reports false when the winner cannot pay at all.
func (e *Engine) collectWinningAmount(ctx context.Context, tx store.Tx, lead *store.Bid) (bool, error) {
	ok, err := tx.DebitReserved(ctx, lead.BidderID, lead.AmountMinor)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// The reserved hold is short. Spend what reserve there is and cover the
	// rest from the available balance.
	_, reserved, err := tx.GetUserBalances(ctx, lead.BidderID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	reservedToSpend := reserved
	if reservedToSpend > lead.AmountMinor {
		reservedToSpend = lead.AmountMinor
	}
	needed := lead.AmountMinor - reservedToSpend

	return tx.DebitBalances(ctx, lead.BidderID, needed, reservedToSpend)
}

// Record logs and audits a settlement outcome. Call it after the
// transaction that produced the outcome has committed.
func (e *Engine) Record(ctx context.Context, auctionID string, out Outcome) {
	if !out.Claimed {
		return
	}

	switch {
	case out.Cancelled:
		e.logger.ErrorContext(ctx, "auction cancelled at settlement: winner could not pay",
			slog.String("auction_id", auctionID),
			slog.String("winner_id", out.WinnerID),
			slog.Int64("amount_minor", out.AmountMinor),
		)
		data, _ := json.Marshal(event.AuctionCancelledData{Reason: "winner could not pay"})
		e.append(ctx, event.Event{
			AggregateID: auctionID,
			Type:        event.AuctionCancelled,
			Data:        data,
		})
	case out.WinnerID == "":
		e.logger.InfoContext(ctx, "auction settled with no bids",
			slog.String("auction_id", auctionID),
		)
		data, _ := json.Marshal(event.AuctionSettledData{SellerID: out.SellerID})
		e.append(ctx, event.Event{
			AggregateID: auctionID,
			Type:        event.AuctionSettled,
			Data:        data,
		})
	default:
		e.logger.InfoContext(ctx, "auction settled",
			slog.String("auction_id", auctionID),
			slog.String("winner_id", out.WinnerID),
			slog.String("seller_id", out.SellerID),
			slog.Int64("amount_minor", out.AmountMinor),
		)
		data, _ := json.Marshal(event.AuctionSettledData{
			WinnerID:    out.WinnerID,
			SellerID:    out.SellerID,
			AmountMinor: out.AmountMinor,
		})
		e.append(ctx, event.Event{
			AggregateID: auctionID,
			Type:        event.AuctionSettled,
			Data:        data,
		})
	}
}

func (e *Engine) append(ctx context.Context, evt event.Event) {
	if err := e.events.Append(ctx, evt); err != nil {
		e.logger.ErrorContext(ctx, "failed to append settlement event", slog.Any("error", err))
	}
}

// SettleExpired sweeps up to one batch of expired, unsettled auctions and
// settles each in turn. One auction's failure does not stop the others. The
// returned error covers only the expired-auction query itself.
func (e *Engine) SettleExpired(ctx context.Context, now time.Time) (attempted, failed int, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SettleExpired")
	defer span.End()

	expired, err := e.auctions.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("listing expired auctions: %w", err)
	}

	for _, a := range expired {
		if err := e.SettleAuction(ctx, a.ID, now); err != nil {
			failed++
			e.logger.ErrorContext(ctx, "sweep settlement failed",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
		}
	}

	return len(expired), failed, nil
}
