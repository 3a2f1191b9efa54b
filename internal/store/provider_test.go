package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/config"
	"github.com/undiscoveredart/marketplace/internal/store"

	// Register the memory driver.
	_ "github.com/undiscoveredart/marketplace/internal/store/memory"
)

func TestOpen_MemoryDriver(t *testing.T) {
	clk := &clock.Mock{T: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}

	repos, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "memory"}, clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repos.Closer.Close()

	if repos.Users == nil || repos.Auctions == nil || repos.Bids == nil || repos.Events == nil || repos.Txs == nil {
		t.Fatal("expected all repositories to be wired")
	}
	if err := repos.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	u := &store.User{DisplayName: "smoke", AvailableMinor: 100}
	if err := repos.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repos.Users.GetByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.AvailableMinor != 100 {
		t.Errorf("available = %d, want 100", got.AvailableMinor)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "oracle"}, clock.Real{})
	if err == nil {
		t.Fatal("expected error for unregistered driver")
	}
}
