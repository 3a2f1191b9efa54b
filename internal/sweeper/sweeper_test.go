package sweeper_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/settlement"
	"github.com/undiscoveredart/marketplace/internal/store"
	"github.com/undiscoveredart/marketplace/internal/store/memory"
	"github.com/undiscoveredart/marketplace/internal/sweeper"
)

func TestRun_SweepsImmediately(t *testing.T) {
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock.Mock{T: base}
	ms := memory.New(clk)
	tp := noop.NewTracerProvider()
	logger := slog.Default()

	ctx := context.Background()
	if err := ms.Users().Create(ctx, &store.User{ID: "carol", DisplayName: "carol"}); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if err := ms.Auctions().Create(ctx, &store.Auction{
		ID: "x", SellerID: "carol", Title: "Expired lot",
		StartPriceMinor: 500, MinIncrementMinor: 100,
		StartsAt: base.Add(-2 * time.Hour), EndsAt: base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("creating auction: %v", err)
	}

	stl := settlement.NewEngine(ms, ms.Auctions(), ms, logger, tp)
	swp := sweeper.New(stl, time.Hour, logger, clk)

	// Run sweeps once on startup before waiting for the first tick; cancel
	// right after it returns from that pass.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		swp.Run(runCtx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		a, err := ms.Auctions().GetByID(ctx, "x")
		if err != nil {
			t.Fatalf("getting auction: %v", err)
		}
		if a.SettledAt != nil {
			if a.Status != store.StatusEnded {
				t.Errorf("status = %s, want ended", a.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("auction not settled by the startup sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
