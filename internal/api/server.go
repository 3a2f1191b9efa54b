// Package api exposes the marketplace over HTTP. The transport owns input
// validation and authentication; the engines own the money.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/undiscoveredart/marketplace/internal/auction"
	"github.com/undiscoveredart/marketplace/internal/bidding"
	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/health"
	"github.com/undiscoveredart/marketplace/internal/settlement"
	"github.com/undiscoveredart/marketplace/internal/store"
	"github.com/undiscoveredart/marketplace/internal/wallet"
)

// Server wires the engines into an HTTP router.
type Server struct {
	bidding    *bidding.Engine
	settlement *settlement.Engine
	auctions   *auction.Manager
	wallet     *wallet.Manager
	bids       store.BidRepository
	health     *health.Handler
	logger     *slog.Logger
	clock      clock.Clock
	jwtSecret  []byte
}

// NewServer returns a new API server.
func NewServer(
	bid *bidding.Engine,
	stl *settlement.Engine,
	auctions *auction.Manager,
	wlt *wallet.Manager,
	bids store.BidRepository,
	healthHandler *health.Handler,
	logger *slog.Logger,
	clk clock.Clock,
	jwtSecret string,
) *Server {
	return &Server{
		bidding:    bid,
		settlement: stl,
		auctions:   auctions,
		wallet:     wlt,
		bids:       bids,
		health:     healthHandler,
		logger:     logger,
		clock:      clk,
		jwtSecret:  []byte(jwtSecret),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.health.LivenessHandler())
	r.Get("/readyz", s.health.ReadinessHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/auctions", s.handleListAuctions)
		r.Get("/auctions/{id}", s.handleGetAuction)
		r.Get("/auctions/{id}/bids", s.handleListAuctionBids)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/auctions", s.handleCreateAuction)
			r.Post("/auctions/{id}/bids", s.handlePlaceBid)
			r.Post("/auctions/{id}/cancel", s.handleCancelAuction)
			r.Get("/bids", s.handleMyBids)
			r.Get("/wallet", s.handleWallet)
			r.Post("/wallet/deposits", s.handleDeposit)
		})
	})

	// Internal surface: user provisioning and the sweep endpoint the
	// external scheduler invokes. Deployments keep these off the public
	// ingress.
	r.Route("/internal", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Post("/sweep", s.handleSweep)
	})

	return r
}
