package ratelimit

import (
	"testing"
	"time"

	"github.com/defiant4/organization-management-service/internal/clock"
)

func TestKeyedBurstAndRefill(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(1, 2, time.Minute, clk)

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst of 2 should be allowed")
	}
	if l.Allow("a") {
		t.Fatalf("third call should be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("keys must not share buckets")
	}
	clk.Advance(time.Second)
	if !l.Allow("a") {
		t.Fatalf("token should refill after one second")
	}
}

func TestKeyedDropsIdleBuckets(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(1, 1, time.Minute, clk)
	l.Allow("a")
	l.Allow("b")
	clk.Advance(2 * time.Minute)
	l.Allow("c")
	if l.Len() != 1 {
		t.Fatalf("idle buckets not dropped: %d", l.Len())
	}
}

func TestKeyedDisabled(t *testing.T) {
	l := New(0, 1, 0, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatalf("disabled limiter must always allow")
		}
	}
}

func TestReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(PerMinute(1), 1, time.Minute, clk)
	l.Allow("a")
	if l.Allow("a") {
		t.Fatalf("expected limit")
	}
	l.Reset("a")
	if !l.Allow("a") {
		t.Fatalf("reset should restore the burst")
	}
}
