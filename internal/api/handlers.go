package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/undiscoveredart/marketplace/internal/auction"
	"github.com/undiscoveredart/marketplace/internal/bidding"
	"github.com/undiscoveredart/marketplace/internal/retry"
	"github.com/undiscoveredart/marketplace/internal/store"
	"github.com/undiscoveredart/marketplace/internal/wallet"
)

type auctionResponse struct {
	ID                  string     `json:"id"`
	SellerID            string     `json:"seller_id"`
	Title               string     `json:"title"`
	ImagePath           *string    `json:"image_path,omitempty"`
	Status              string     `json:"status"`
	StartPriceMinor     int64      `json:"start_price_minor"`
	CurrentPriceMinor   int64      `json:"current_price_minor"`
	MinIncrementMinor   int64      `json:"min_increment_minor"`
	MinimumNextBidMinor int64      `json:"minimum_next_bid_minor"`
	BidCount            int        `json:"bid_count"`
	StartsAt            time.Time  `json:"starts_at"`
	EndsAt              time.Time  `json:"ends_at"`
	SettledAt           *time.Time `json:"settled_at,omitempty"`
}

func toAuctionResponse(a *store.Auction) auctionResponse {
	return auctionResponse{
		ID:                  a.ID,
		SellerID:            a.SellerID,
		Title:               a.Title,
		ImagePath:           a.ImagePath,
		Status:              string(a.Status),
		StartPriceMinor:     a.StartPriceMinor,
		CurrentPriceMinor:   a.CurrentPriceMinor,
		MinIncrementMinor:   a.MinIncrementMinor,
		MinimumNextBidMinor: a.CurrentPriceMinor + a.MinIncrementMinor,
		BidCount:            a.BidCount,
		StartsAt:            a.StartsAt,
		EndsAt:              a.EndsAt,
		SettledAt:           a.SettledAt,
	}
}

type bidResponse struct {
	ID          string    `json:"id"`
	AuctionID   string    `json:"auction_id"`
	BidderID    string    `json:"bidder_id"`
	AmountMinor int64     `json:"amount_minor"`
	CreatedAt   time.Time `json:"created_at"`
}

func toBidResponses(bids []store.Bid) []bidResponse {
	out := make([]bidResponse, len(bids))
	for i, b := range bids {
		out[i] = bidResponse{
			ID:          b.ID,
			AuctionID:   b.AuctionID,
			BidderID:    b.BidderID,
			AmountMinor: b.AmountMinor,
			CreatedAt:   b.CreatedAt,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleListAuctions serves GET /api/auctions.
func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.auctions.ListLive(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "listing auctions failed", slog.Any("error", err))
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	out := make([]auctionResponse, len(auctions))
	for i := range auctions {
		out[i] = toAuctionResponse(&auctions[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetAuction serves GET /api/auctions/{id}.
func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.auctions.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionResponse(a))
}

// handleListAuctionBids serves GET /api/auctions/{id}/bids.
func (s *Server) handleListAuctionBids(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "id")
	if _, err := s.auctions.Get(r.Context(), auctionID); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}
	bids, err := s.bids.ListByAuction(r.Context(), auctionID)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponses(bids))
}

type createAuctionRequest struct {
	Title             string    `json:"title"`
	ImagePath         *string   `json:"image_path"`
	StartPriceMinor   int64     `json:"start_price_minor"`
	MinIncrementMinor int64     `json:"min_increment_minor"`
	EndsAt            time.Time `json:"ends_at"`
}

// handleCreateAuction serves POST /api/auctions.
func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.auctions.Create(r.Context(), auction.CreateParams{
		SellerID:          userID,
		Title:             req.Title,
		ImagePath:         req.ImagePath,
		StartPriceMinor:   req.StartPriceMinor,
		MinIncrementMinor: req.MinIncrementMinor,
		EndsAt:            req.EndsAt,
	})
	if errors.Is(err, auction.ErrInvalidInput) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "seller not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "creating auction failed", slog.Any("error", err))
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toAuctionResponse(a))
}

type placeBidRequest struct {
	AmountMinor int64 `json:"amount_minor"`
}

type placeBidResponse struct {
	BidID               string    `json:"bid_id"`
	CreatedAt           time.Time `json:"created_at"`
	CurrentPriceMinor   int64     `json:"current_price_minor"`
	BidCount            int       `json:"bid_count"`
	MinimumNextBidMinor int64     `json:"minimum_next_bid_minor"`
}

// handlePlaceBid serves POST /api/auctions/{id}/bids.
func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := auction.ValidateBidAmount(req.AmountMinor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.bidding.PlaceBid(r.Context(), userID, chi.URLParam(r, "id"), req.AmountMinor)
	if err != nil {
		s.writeBidError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeBidResponse{
		BidID:               result.Bid.ID,
		CreatedAt:           result.Bid.CreatedAt,
		CurrentPriceMinor:   result.CurrentPriceMinor,
		BidCount:            result.BidCount,
		MinimumNextBidMinor: result.MinimumNextBidMinor,
	})
}

// writeBidError maps PlaceBid errors to HTTP statuses.
func (s *Server) writeBidError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "auction not found", http.StatusNotFound)
	case errors.Is(err, bidding.ErrSellerSelfBid):
		http.Error(w, "seller cannot bid on own auction", http.StatusForbidden)
	case errors.Is(err, bidding.ErrAuctionClosed):
		http.Error(w, "auction is closed", http.StatusConflict)
	case errors.Is(err, bidding.ErrBelowMinimum):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, bidding.ErrPriceChanged):
		http.Error(w, "auction price changed, refresh and resubmit", http.StatusConflict)
	case errors.Is(err, bidding.ErrInsufficientFunds):
		http.Error(w, "insufficient wallet balance", http.StatusPaymentRequired)
	case errors.Is(err, retry.ErrConflict):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "busy, try again", http.StatusServiceUnavailable)
	default:
		s.logger.ErrorContext(r.Context(), "bid failed", slog.Any("error", err))
		http.Error(w, "internal error, try again", http.StatusInternalServerError)
	}
}

// handleCancelAuction serves POST /api/auctions/{id}/cancel.
func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	err := s.auctions.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "auction not found", http.StatusNotFound)
	case errors.Is(err, auction.ErrNotSeller):
		http.Error(w, "only the seller may cancel", http.StatusForbidden)
	case errors.Is(err, auction.ErrNotLive):
		http.Error(w, "auction is not live", http.StatusConflict)
	case errors.Is(err, retry.ErrConflict):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "busy, try again", http.StatusServiceUnavailable)
	default:
		s.logger.ErrorContext(r.Context(), "cancelling auction failed", slog.Any("error", err))
		http.Error(w, "internal error, try again", http.StatusInternalServerError)
	}
}

// handleMyBids serves GET /api/bids.
func (s *Server) handleMyBids(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	bids, err := s.bids.ListByBidder(r.Context(), userID)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponses(bids))
}

type walletResponse struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	AvailableMinor int64  `json:"available_minor"`
	ReservedMinor  int64  `json:"reserved_minor"`
}

// handleWallet serves GET /api/wallet.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	u, err := s.wallet.Balances(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		UserID:         u.ID,
		DisplayName:    u.DisplayName,
		AvailableMinor: u.AvailableMinor,
		ReservedMinor:  u.ReservedMinor,
	})
}

type depositRequest struct {
	AmountMinor int64 `json:"amount_minor"`
}

// handleDeposit serves POST /api/wallet/deposits.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.wallet.Deposit(r.Context(), userID, req.AmountMinor)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, wallet.ErrInvalidAmount):
		http.Error(w, "positive amount required", http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
	default:
		http.Error(w, "database error", http.StatusInternalServerError)
	}
}

type createUserRequest struct {
	DisplayName          string `json:"display_name"`
	StartingBalanceMinor int64  `json:"starting_balance_minor"`
}

type createUserResponse struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	AvailableMinor int64  `json:"available_minor"`
}

// handleCreateUser serves POST /internal/users.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		http.Error(w, "display_name required", http.StatusBadRequest)
		return
	}

	u, err := s.wallet.Register(r.Context(), req.DisplayName, req.StartingBalanceMinor)
	if errors.Is(err, wallet.ErrInvalidAmount) {
		http.Error(w, "starting balance must not be negative", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{
		ID:             u.ID,
		DisplayName:    u.DisplayName,
		AvailableMinor: u.AvailableMinor,
	})
}

type sweepResponse struct {
	Attempted int `json:"attempted"`
	Failed    int `json:"failed"`
}

// handleSweep serves POST /internal/sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	attempted, failed, err := s.settlement.SettleExpired(r.Context(), s.clock.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "sweep failed", slog.Any("error", err))
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Attempted: attempted, Failed: failed})
}
