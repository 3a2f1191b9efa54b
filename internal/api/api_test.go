package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/undiscoveredart/marketplace/internal/api"
	"github.com/undiscoveredart/marketplace/internal/auction"
	"github.com/undiscoveredart/marketplace/internal/bidding"
	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/health"
	"github.com/undiscoveredart/marketplace/internal/settlement"
	"github.com/undiscoveredart/marketplace/internal/store/memory"
	"github.com/undiscoveredart/marketplace/internal/wallet"
)

const testSecret = "test-secret"

var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	server *httptest.Server
	store  *memory.Store
	clock  *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock.Mock{T: base}
	ms := memory.New(clk)
	tp := noop.NewTracerProvider()
	logger := slog.Default()

	stl := settlement.NewEngine(ms, ms.Auctions(), ms, logger, tp)
	bid := bidding.NewEngine(ms, stl, ms, logger, tp, clk)
	auctions := auction.NewManager(ms.Auctions(), ms.Users(), ms, ms, logger, tp, clk)
	wlt := wallet.NewManager(ms.Users(), ms, logger, tp)

	healthHandler := health.NewHandler(clk)
	healthHandler.SetReady(true)

	srv := api.NewServer(bid, stl, auctions, wlt, ms.Bids(), healthHandler, logger, clk, testSecret)
	ts := httptest.NewServer(srv.Router(nil))
	t.Cleanup(ts.Close)

	return &harness{server: ts, store: ms, clock: clk}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// do issues a request, optionally authenticated, and decodes a JSON response
// into out when it is non-nil.
func (h *harness) do(t *testing.T, method, path, userID string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response of %s %s: %v", method, path, err)
		}
	}
	return resp
}

func (h *harness) createUser(t *testing.T, name string, balance int64) string {
	t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	resp := h.do(t, "POST", "/internal/users", "", map[string]interface{}{
		"display_name":           name,
		"starting_balance_minor": balance,
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("creating user: status %d", resp.StatusCode)
	}
	return created.ID
}

func (h *harness) createAuction(t *testing.T, sellerID string, startPrice int64, endsAt time.Time) string {
	t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	resp := h.do(t, "POST", "/api/auctions", sellerID, map[string]interface{}{
		"title":               "Dusk over the harbour",
		"start_price_minor":   startPrice,
		"min_increment_minor": 100,
		"ends_at":             endsAt.Format(time.RFC3339),
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("creating auction: status %d", resp.StatusCode)
	}
	return created.ID
}

func TestPlaceBid_RequiresAuth(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, "POST", "/api/auctions/whatever/bids", "", map[string]int64{"amount_minor": 500}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPlaceBid_BadToken(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest("POST", h.server.URL+"/api/auctions/x/bids", bytes.NewBufferString(`{"amount_minor":500}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPlaceBid_FullFlow(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)
	alice := h.createUser(t, "Alice", 10000)
	bob := h.createUser(t, "Bob", 10000)
	auctionID := h.createAuction(t, seller, 500, base.Add(24*time.Hour))

	var placed struct {
		BidID               string `json:"bid_id"`
		CurrentPriceMinor   int64  `json:"current_price_minor"`
		BidCount            int    `json:"bid_count"`
		MinimumNextBidMinor int64  `json:"minimum_next_bid_minor"`
	}
	resp := h.do(t, "POST", "/api/auctions/"+auctionID+"/bids", alice,
		map[string]int64{"amount_minor": 600}, &placed)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if placed.CurrentPriceMinor != 600 || placed.BidCount != 1 || placed.MinimumNextBidMinor != 700 {
		t.Errorf("response = %+v, want price 600, count 1, next 700", placed)
	}
	if placed.BidID == "" {
		t.Error("expected bid_id in response")
	}

	// Outbid and check wallet reflects the refund.
	resp = h.do(t, "POST", "/api/auctions/"+auctionID+"/bids", bob,
		map[string]int64{"amount_minor": 700}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bob's bid status = %d, want 201", resp.StatusCode)
	}

	var w struct {
		AvailableMinor int64 `json:"available_minor"`
		ReservedMinor  int64 `json:"reserved_minor"`
	}
	h.do(t, "GET", "/api/wallet", alice, nil, &w)
	if w.AvailableMinor != 10000 || w.ReservedMinor != 0 {
		t.Errorf("alice wallet = %d/%d, want refunded 10000/0", w.AvailableMinor, w.ReservedMinor)
	}
}

func TestPlaceBid_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)
	alice := h.createUser(t, "Alice", 10000)
	poor := h.createUser(t, "Dave", 150)
	auctionID := h.createAuction(t, seller, 500, base.Add(24*time.Hour))

	tests := []struct {
		name   string
		bidder string
		path   string
		amount int64
		want   int
	}{
		{"below platform floor", alice, auctionID, 99, http.StatusBadRequest},
		{"unknown auction", alice, "missing", 600, http.StatusNotFound},
		{"seller self bid", seller, auctionID, 600, http.StatusForbidden},
		{"below auction minimum", alice, auctionID, 550, http.StatusConflict},
		{"insufficient funds", poor, auctionID, 600, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, "POST", "/api/auctions/"+tt.path+"/bids", tt.bidder,
				map[string]int64{"amount_minor": tt.amount}, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestPlaceBid_ClosedAuction(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)
	alice := h.createUser(t, "Alice", 10000)
	auctionID := h.createAuction(t, seller, 500, base.Add(time.Hour))

	h.clock.Advance(2 * time.Hour)

	resp := h.do(t, "POST", "/api/auctions/"+auctionID+"/bids", alice,
		map[string]int64{"amount_minor": 600}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	// The rejected bid settled the expired auction inline.
	var a struct {
		Status    string     `json:"status"`
		SettledAt *time.Time `json:"settled_at"`
	}
	h.do(t, "GET", "/api/auctions/"+auctionID, "", nil, &a)
	if a.Status != "ended" || a.SettledAt == nil {
		t.Errorf("auction = %+v, want ended and settled", a)
	}
}

func TestSweepEndpoint(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)
	for i := 0; i < 3; i++ {
		h.createAuction(t, seller, 500, base.Add(time.Duration(i+1)*time.Minute))
	}

	h.clock.Advance(time.Hour)

	var swept struct {
		Attempted int `json:"attempted"`
		Failed    int `json:"failed"`
	}
	resp := h.do(t, "POST", "/internal/sweep", "", nil, &swept)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if swept.Attempted != 3 || swept.Failed != 0 {
		t.Errorf("sweep = %+v, want 3 attempted, 0 failed", swept)
	}
}

func TestCreateAuction_Validation(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)

	resp := h.do(t, "POST", "/api/auctions", seller, map[string]interface{}{
		"title":               "ab",
		"start_price_minor":   500,
		"min_increment_minor": 100,
		"ends_at":             base.Add(time.Hour).Format(time.RFC3339),
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListAuctionsAndBids(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)
	alice := h.createUser(t, "Alice", 10000)
	auctionID := h.createAuction(t, seller, 500, base.Add(24*time.Hour))

	for _, amount := range []int64{600, 700} {
		resp := h.do(t, "POST", "/api/auctions/"+auctionID+"/bids", alice,
			map[string]int64{"amount_minor": amount}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("bid %d status = %d", amount, resp.StatusCode)
		}
	}

	var listed []struct {
		ID                  string `json:"id"`
		MinimumNextBidMinor int64  `json:"minimum_next_bid_minor"`
	}
	h.do(t, "GET", "/api/auctions", "", nil, &listed)
	if len(listed) != 1 || listed[0].ID != auctionID {
		t.Fatalf("listed = %+v, want the one live auction", listed)
	}
	if listed[0].MinimumNextBidMinor != 800 {
		t.Errorf("minimum_next_bid_minor = %d, want 800", listed[0].MinimumNextBidMinor)
	}

	var bids []struct {
		AmountMinor int64 `json:"amount_minor"`
	}
	h.do(t, "GET", fmt.Sprintf("/api/auctions/%s/bids", auctionID), "", nil, &bids)
	if len(bids) != 2 || bids[0].AmountMinor != 700 {
		t.Errorf("bids = %+v, want leading bid of 700 first", bids)
	}

	var mine []struct {
		AuctionID string `json:"auction_id"`
	}
	h.do(t, "GET", "/api/bids", alice, nil, &mine)
	if len(mine) != 2 {
		t.Errorf("my bids = %d, want 2", len(mine))
	}
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)
	alice := h.createUser(t, "Alice", 100)

	resp := h.do(t, "POST", "/api/wallet/deposits", alice, map[string]int64{"amount_minor": 900}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	var w struct {
		AvailableMinor int64 `json:"available_minor"`
	}
	h.do(t, "GET", "/api/wallet", alice, nil, &w)
	if w.AvailableMinor != 1000 {
		t.Errorf("available = %d, want 1000", w.AvailableMinor)
	}

	resp = h.do(t, "POST", "/api/wallet/deposits", alice, map[string]int64{"amount_minor": -5}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative deposit status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelAuction(t *testing.T) {
	h := newHarness(t)
	seller := h.createUser(t, "Carol", 0)
	alice := h.createUser(t, "Alice", 10000)
	auctionID := h.createAuction(t, seller, 500, base.Add(24*time.Hour))

	if resp := h.do(t, "POST", "/api/auctions/"+auctionID+"/bids", alice,
		map[string]int64{"amount_minor": 600}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("bid status = %d", resp.StatusCode)
	}

	// Only the seller may cancel.
	if resp := h.do(t, "POST", "/api/auctions/"+auctionID+"/cancel", alice, nil, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-seller cancel status = %d, want 403", resp.StatusCode)
	}
	if resp := h.do(t, "POST", "/api/auctions/"+auctionID+"/cancel", seller, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("seller cancel status = %d, want 204", resp.StatusCode)
	}

	// The leader got their hold back.
	var w struct {
		AvailableMinor int64 `json:"available_minor"`
		ReservedMinor  int64 `json:"reserved_minor"`
	}
	h.do(t, "GET", "/api/wallet", alice, nil, &w)
	if w.AvailableMinor != 10000 || w.ReservedMinor != 0 {
		t.Errorf("alice wallet = %d/%d, want 10000/0", w.AvailableMinor, w.ReservedMinor)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)
	if resp := h.do(t, "GET", "/healthz", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
	if resp := h.do(t, "GET", "/readyz", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
}
