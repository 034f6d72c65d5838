package main

import (
	"context"
	"testing"
	"time"

	"atallasim/framing"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

func TestHarnessAgainstInProcessServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	srv, err := startInProcess(context.Background(), framing.Boundary, zerolog.Nop())
	if err != nil {
		t.Fatalf("startInProcess: %v", err)
	}
	defer srv.Stop()

	h := &harness{
		addr:       srv.Addr().String(),
		convention: framing.Boundary,
		boundary:   framing.DefaultBoundary,
		pipeline:   2,
		timeout:    2 * time.Second,
		exchanges:  atomic.NewUint64(0),
		failures:   atomic.NewUint64(0),
	}
	if err := h.runClient(ctx); err != nil {
		t.Fatalf("runClient: %v", err)
	}
	if h.exchanges.Load() == 0 {
		t.Fatalf("expected some exchanges")
	}
	if h.failures.Load() != 0 {
		t.Fatalf("unexpected failures: %d", h.failures.Load())
	}
	if p50, p99 := h.percentiles(); p50 <= 0 || p99 < p50 {
		t.Fatalf("percentiles p50=%s p99=%s", p50, p99)
	}
}
