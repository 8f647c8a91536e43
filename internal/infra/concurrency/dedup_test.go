package concurrency_test

import (
	"testing"
	"time"

	"clofri/internal/infra/clock"
	"clofri/internal/infra/concurrency"
)

func TestDeduplicatorWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	d := concurrency.NewDeduplicator(clk, time.Minute)

	if d.Seen("m1") {
		t.Fatal("first Seen(m1) = true")
	}
	if !d.Seen("m1") {
		t.Fatal("second Seen(m1) = false")
	}
	clk.Advance(61 * time.Second)
	if d.Seen("m1") {
		t.Fatal("Seen(m1) after window = true")
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after cleanup", d.Len())
	}
}
