package exchange

import (
	"context"
	"testing"
	"time"
)

func TestRequestGateFirstCallIsImmediate(t *testing.T) {
	t.Parallel()
	g := newRequestGate(time.Second)

	start := time.Now()
	if err := g.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first wait took %v, expected near-instant", elapsed)
	}
}

func TestRequestGateSpacesCalls(t *testing.T) {
	t.Parallel()
	g := newRequestGate(100 * time.Millisecond)

	ctx := context.Background()
	if err := g.wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := g.wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second wait returned after %v, expected to hold for the interval", elapsed)
	}
}

func TestRequestGateRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	g := newRequestGate(time.Hour)

	ctx := context.Background()
	if err := g.wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := g.wait(cancelCtx); err != context.DeadlineExceeded {
		t.Errorf("wait with cancelled context = %v, want DeadlineExceeded", err)
	}
}
