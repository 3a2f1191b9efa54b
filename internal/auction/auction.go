// Package auction manages auction lifecycle outside the bid and settlement
// pipelines: creation, reads and seller cancellation.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/event"
	"github.com/undiscoveredart/marketplace/internal/retry"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// Platform floors for monetary inputs, in minor units.
const (
	MinimumBidMinor        = 100
	MinimumStartPriceMinor = 100
	MinimumIncrementMinor  = 100

	titleMinLen = 3
	titleMaxLen = 120
)

// Errors returned by auction operations.
var (
	ErrInvalidInput = errors.New("invalid auction input")
	ErrNotSeller    = errors.New("only the seller may cancel an auction")
	ErrNotLive      = errors.New("auction is not live")
)

// CreateParams are the validated inputs for a new auction.
type CreateParams struct {
	SellerID          string
	Title             string
	ImagePath         *string
	StartPriceMinor   int64
	MinIncrementMinor int64
	EndsAt            time.Time
}

// validate checks the creation contract. Title is trimmed in place.
func (p *CreateParams) validate(now time.Time) error {
	p.Title = strings.TrimSpace(p.Title)
	if n := utf8.RuneCountInString(p.Title); n < titleMinLen || n > titleMaxLen {
		return fmt.Errorf("%w: title must be %d-%d characters", ErrInvalidInput, titleMinLen, titleMaxLen)
	}
	if p.SellerID == "" {
		return fmt.Errorf("%w: seller id required", ErrInvalidInput)
	}
	if p.StartPriceMinor < MinimumStartPriceMinor {
		return fmt.Errorf("%w: start price must be at least %d", ErrInvalidInput, MinimumStartPriceMinor)
	}
	if p.MinIncrementMinor < MinimumIncrementMinor {
		return fmt.Errorf("%w: minimum increment must be at least %d", ErrInvalidInput, MinimumIncrementMinor)
	}
	if !p.EndsAt.After(now) {
		return fmt.Errorf("%w: end time must be in the future", ErrInvalidInput)
	}
	return nil
}

// ValidateBidAmount checks the platform floor the transport must enforce
// before a bid reaches the bidding engine.
func ValidateBidAmount(amountMinor int64) error {
	if amountMinor < MinimumBidMinor {
		return fmt.Errorf("%w: bid must be at least %d", ErrInvalidInput, MinimumBidMinor)
	}
	return nil
}

// Manager coordinates auction lifecycle.
type Manager struct {
	auctions store.AuctionRepository
	users    store.UserRepository
	txs      store.TxRunner
	events   event.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
}

// NewManager returns a new auction Manager.
func NewManager(auctions store.AuctionRepository, users store.UserRepository, txs store.TxRunner, events event.Store, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Manager {
	return &Manager{
		auctions: auctions,
		users:    users,
		txs:      txs,
		events:   events,
		logger:   logger,
		tracer:   tp.Tracer("github.com/undiscoveredart/marketplace/internal/auction"),
		clock:    clk,
	}
}

// Create validates params and opens a new live auction for the seller.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Create",
		trace.WithAttributes(attribute.String("seller.id", params.SellerID)),
	)
	defer span.End()

	now := m.clock.Now().UTC()
	if err := params.validate(now); err != nil {
		return nil, err
	}

	if _, err := m.users.GetByID(ctx, params.SellerID); err != nil {
		return nil, fmt.Errorf("looking up seller: %w", err)
	}

	a := &store.Auction{
		SellerID:          params.SellerID,
		Title:             params.Title,
		ImagePath:         params.ImagePath,
		StartPriceMinor:   params.StartPriceMinor,
		MinIncrementMinor: params.MinIncrementMinor,
		StartsAt:          now,
		EndsAt:            params.EndsAt.UTC(),
	}
	if err := m.auctions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("seller_id", a.SellerID),
		slog.Int64("start_price_minor", a.StartPriceMinor),
	)

	data, _ := json.Marshal(event.AuctionCreatedData{
		SellerID:          a.SellerID,
		Title:             a.Title,
		StartPriceMinor:   a.StartPriceMinor,
		MinIncrementMinor: a.MinIncrementMinor,
		EndsAt:            a.EndsAt,
	})
	if err := m.events.Append(ctx, event.Event{
		AggregateID: a.ID,
		Type:        event.AuctionCreated,
		Data:        data,
	}); err != nil {
		m.logger.ErrorContext(ctx, "failed to append auction created event", slog.Any("error", err))
	}

	return a, nil
}

// Get returns an auction by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Auction, error) {
	return m.auctions.GetByID(ctx, id)
}

// ListLive returns live auctions ordered by soonest deadline.
func (m *Manager) ListLive(ctx context.Context) ([]store.Auction, error) {
	return m.auctions.ListLive(ctx, m.clock.Now().UTC())
}

// Cancel cancels a live auction at the seller's request. If the auction has
// a leading bid, the leader's hold is released in the same transaction, so
// reserved balances never outlive the auction.
func (m *Manager) Cancel(ctx context.Context, sellerID, auctionID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Cancel",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	err := retry.Serializable(ctx, m.txs, func(tx store.Tx) error {
		a, err := tx.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.SellerID != sellerID {
			return ErrNotSeller
		}
		if a.Status != store.StatusLive {
			return ErrNotLive
		}

		lead, err := tx.LeadingBid(ctx, auctionID)
		if err != nil {
			return err
		}
		if lead != nil {
			released, err := tx.ReleaseFunds(ctx, lead.BidderID, lead.AmountMinor)
			if err != nil {
				return err
			}
			if !released {
				return fmt.Errorf("releasing leader %s hold of %d affected no rows", lead.BidderID, lead.AmountMinor)
			}
		}

		cancelled, err := tx.CancelLive(ctx, auctionID)
		if err != nil {
			return err
		}
		if !cancelled {
			return ErrNotLive
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "auction cancelled by seller",
		slog.String("auction_id", auctionID),
		slog.String("seller_id", sellerID),
	)

	data, _ := json.Marshal(event.AuctionCancelledData{Reason: "cancelled by seller"})
	if err := m.events.Append(ctx, event.Event{
		AggregateID: auctionID,
		Type:        event.AuctionCancelled,
		Data:        data,
	}); err != nil {
		m.logger.ErrorContext(ctx, "failed to append auction cancelled event", slog.Any("error", err))
	}

	return nil
}
