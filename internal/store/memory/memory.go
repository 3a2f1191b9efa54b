// Package memory provides a store.Driver backed by in-process maps guarded by
// a single mutex. Transactions execute one at a time under the lock, so every
// execution is trivially serializable and the retry sentinel is never raised.
// It backs unit tests of the engines and the "memory" driver for local
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/config"
	"github.com/undiscoveredart/marketplace/internal/event"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("memory", openMemory)
}

// openMemory is the store.Driver for the "memory" backend.
func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	s := New(clk)
	return s.Repositories(), nil
}

// bidRec carries an insertion sequence so leading-bid ordering stays total
// even when a mock clock hands out identical timestamps.
type bidRec struct {
	store.Bid
	seq int64
}

// Store is an in-memory implementation of the whole store surface.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	users    map[string]store.User
	auctions map[string]store.Auction
	bids     []bidRec
	events   []event.Event
	seq      int64
}

// New returns an empty in-memory store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		users:    make(map[string]store.User),
		auctions: make(map[string]store.Auction),
	}
}

// Repositories bundles the store's repository views the way a driver returns
// them.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Users:    s.Users(),
		Auctions: s.Auctions(),
		Bids:     s.Bids(),
		Events:   s,
		Txs:      s,
		Closer:   closerFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

// Users returns the store.UserRepository view.
func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }

// Auctions returns the store.AuctionRepository view.
func (s *Store) Auctions() *AuctionRepo { return &AuctionRepo{s: s} }

// Bids returns the store.BidRepository view.
func (s *Store) Bids() *BidRepo { return &BidRepo{s: s} }

// RunSerializable executes fn under the store lock. Mutations roll back when
// fn returns an error, matching the all-or-nothing contract of the SQL
// driver.
func (s *Store) RunSerializable(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make(map[string]store.User, len(s.users))
	for k, v := range s.users {
		users[k] = v
	}
	auctions := make(map[string]store.Auction, len(s.auctions))
	for k, v := range s.auctions {
		auctions[k] = v
	}
	bids := make([]bidRec, len(s.bids))
	copy(bids, s.bids)
	seq := s.seq

	if err := fn(&memTx{s: s}); err != nil {
		s.users = users
		s.auctions = auctions
		s.bids = bids
		s.seq = seq
		return err
	}
	return nil
}

func (s *Store) leadingBid(auctionID string) *bidRec {
	var lead *bidRec
	for i := range s.bids {
		b := &s.bids[i]
		if b.AuctionID != auctionID {
			continue
		}
		if lead == nil || b.AmountMinor > lead.AmountMinor ||
			(b.AmountMinor == lead.AmountMinor && (b.CreatedAt.After(lead.CreatedAt) ||
				(b.CreatedAt.Equal(lead.CreatedAt) && b.seq > lead.seq))) {
			lead = b
		}
	}
	return lead
}

// memTx operates on the store maps directly; RunSerializable holds the lock
// for the whole transaction.
type memTx struct {
	s *Store
}

func (t *memTx) GetAuction(_ context.Context, id string) (*store.Auction, error) {
	a, ok := t.s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (t *memTx) LeadingBid(_ context.Context, auctionID string) (*store.Bid, error) {
	if rec := t.s.leadingBid(auctionID); rec != nil {
		b := rec.Bid
		return &b, nil
	}
	return nil, nil
}

func (t *memTx) InsertBid(_ context.Context, b *store.Bid) error {
	t.s.seq++
	t.s.bids = append(t.s.bids, bidRec{Bid: *b, seq: t.s.seq})
	return nil
}

func (t *memTx) GetUserBalances(_ context.Context, id string) (int64, int64, error) {
	u, ok := t.s.users[id]
	if !ok {
		return 0, 0, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u.AvailableMinor, u.ReservedMinor, nil
}

func (t *memTx) ReserveFunds(_ context.Context, userID string, amountMinor int64) (bool, error) {
	u, ok := t.s.users[userID]
	if !ok || u.AvailableMinor < amountMinor {
		return false, nil
	}
	u.AvailableMinor -= amountMinor
	u.ReservedMinor += amountMinor
	u.UpdatedAt = t.s.clock.Now().UTC()
	t.s.users[userID] = u
	return true, nil
}

func (t *memTx) ReleaseFunds(_ context.Context, userID string, amountMinor int64) (bool, error) {
	u, ok := t.s.users[userID]
	if !ok || u.ReservedMinor < amountMinor {
		return false, nil
	}
	u.ReservedMinor -= amountMinor
	u.AvailableMinor += amountMinor
	u.UpdatedAt = t.s.clock.Now().UTC()
	t.s.users[userID] = u
	return true, nil
}

func (t *memTx) AdvancePrice(_ context.Context, auctionID string, expectedPriceMinor, newPriceMinor int64, now time.Time) (bool, error) {
	a, ok := t.s.auctions[auctionID]
	if !ok || a.Status != store.StatusLive || !a.EndsAt.After(now) || a.CurrentPriceMinor != expectedPriceMinor {
		return false, nil
	}
	a.CurrentPriceMinor = newPriceMinor
	a.BidCount++
	t.s.auctions[auctionID] = a
	return true, nil
}

func (t *memTx) MarkEnded(_ context.Context, auctionID string, now time.Time) (bool, error) {
	a, ok := t.s.auctions[auctionID]
	if !ok || a.Status != store.StatusLive || a.EndsAt.After(now) {
		return false, nil
	}
	a.Status = store.StatusEnded
	t.s.auctions[auctionID] = a
	return true, nil
}

func (t *memTx) ClaimSettlement(_ context.Context, auctionID string, now time.Time) (bool, error) {
	a, ok := t.s.auctions[auctionID]
	if !ok || a.Status != store.StatusEnded || a.SettledAt != nil {
		return false, nil
	}
	settled := now
	a.SettledAt = &settled
	t.s.auctions[auctionID] = a
	return true, nil
}

func (t *memTx) CancelLive(_ context.Context, auctionID string) (bool, error) {
	a, ok := t.s.auctions[auctionID]
	if !ok || a.Status != store.StatusLive {
		return false, nil
	}
	a.Status = store.StatusCancelled
	t.s.auctions[auctionID] = a
	return true, nil
}

func (t *memTx) CancelEnded(_ context.Context, auctionID string) (bool, error) {
	a, ok := t.s.auctions[auctionID]
	if !ok || a.Status != store.StatusEnded {
		return false, nil
	}
	a.Status = store.StatusCancelled
	t.s.auctions[auctionID] = a
	return true, nil
}

func (t *memTx) DebitReserved(_ context.Context, userID string, amountMinor int64) (bool, error) {
	u, ok := t.s.users[userID]
	if !ok || u.ReservedMinor < amountMinor {
		return false, nil
	}
	u.ReservedMinor -= amountMinor
	u.UpdatedAt = t.s.clock.Now().UTC()
	t.s.users[userID] = u
	return true, nil
}

func (t *memTx) DebitBalances(_ context.Context, userID string, fromAvailableMinor, fromReservedMinor int64) (bool, error) {
	u, ok := t.s.users[userID]
	if !ok || u.AvailableMinor < fromAvailableMinor || u.ReservedMinor < fromReservedMinor {
		return false, nil
	}
	u.AvailableMinor -= fromAvailableMinor
	u.ReservedMinor -= fromReservedMinor
	u.UpdatedAt = t.s.clock.Now().UTC()
	t.s.users[userID] = u
	return true, nil
}

func (t *memTx) CreditAvailable(_ context.Context, userID string, amountMinor int64) (bool, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return false, nil
	}
	u.AvailableMinor += amountMinor
	u.UpdatedAt = t.s.clock.Now().UTC()
	t.s.users[userID] = u
	return true, nil
}

// UserRepo is the store.UserRepository view of a Store.
type UserRepo struct {
	s *Store
}

func (r *UserRepo) Create(_ context.Context, u *store.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	r.s.users[u.ID] = *u
	return nil
}

func (r *UserRepo) GetByID(_ context.Context, id string) (*store.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return &u, nil
}

func (r *UserRepo) Deposit(_ context.Context, id string, amountMinor int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	u.AvailableMinor += amountMinor
	u.UpdatedAt = r.s.clock.Now().UTC()
	r.s.users[id] = u
	return nil
}

// AuctionRepo is the store.AuctionRepository view of a Store.
type AuctionRepo struct {
	s *Store
}

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = store.StatusLive
	a.CurrentPriceMinor = a.StartPriceMinor
	a.BidCount = 0
	a.CreatedAt = r.s.clock.Now().UTC()
	r.s.auctions[a.ID] = *a
	return nil
}

func (r *AuctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (r *AuctionRepo) ListLive(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Auction
	for _, a := range r.s.auctions {
		if a.Status == store.StatusLive && a.EndsAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, nil
}

func (r *AuctionRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Auction
	for _, a := range r.s.auctions {
		if a.SettledAt == nil && !a.EndsAt.After(now) &&
			(a.Status == store.StatusLive || a.Status == store.StatusEnded) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BidRepo is the store.BidRepository view of a Store.
type BidRepo struct {
	s *Store
}

func (r *BidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var recs []bidRec
	for _, b := range r.s.bids {
		if b.AuctionID == auctionID {
			recs = append(recs, b)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].AmountMinor != recs[j].AmountMinor {
			return recs[i].AmountMinor > recs[j].AmountMinor
		}
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})
	out := make([]store.Bid, len(recs))
	for i, rec := range recs {
		out[i] = rec.Bid
	}
	return out, nil
}

func (r *BidRepo) ListByBidder(_ context.Context, bidderID string) ([]store.Bid, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Bid
	for _, b := range r.s.bids {
		if b.BidderID == bidderID {
			out = append(out, b.Bid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Append implements event.Store.
func (s *Store) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = s.clock.Now().UTC()
		s.events = append(s.events, e)
	}
	return nil
}

// Load implements event.Store.
func (s *Store) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LoadByType implements event.Store.
func (s *Store) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}
