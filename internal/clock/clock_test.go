package clock_test

import (
	"testing"
	"time"

	"github.com/undiscoveredart/marketplace/internal/clock"
)

func TestReal_Now(t *testing.T) {
	c := clock.Real{}
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMock_Now(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &clock.Mock{T: fixed}

	if got := m.Now(); !got.Equal(fixed) {
		t.Errorf("Mock.Now() = %v, want %v", got, fixed)
	}
	if got := m.Now(); !got.Equal(fixed) {
		t.Errorf("Mock.Now() second call = %v, want %v", got, fixed)
	}
}

func TestMock_Advance(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &clock.Mock{T: fixed}

	m.Advance(90 * time.Second)
	want := fixed.Add(90 * time.Second)
	if got := m.Now(); !got.Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", got, want)
	}
}
