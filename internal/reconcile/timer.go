// Package reconcile runs the periodic sweep that expires overdue
// offers and auto-releases overdue escrows.
package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/paddockmarket/paddock/internal/metrics"
)

// batchSize caps how many records one sweep touches per concern.
const batchSize = 200

// OfferExpirer expires pending offers whose deadline passed.
type OfferExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// EscrowReleaser releases held transactions whose escrow date passed.
type EscrowReleaser interface {
	AutoReleaseDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Timer drives the reconciliation sweep on a fixed interval. Overlap
// with operator actions is safe: every item transition is guarded by a
// status CAS and idempotent gateway keys.
type Timer struct {
	offers   OfferExpirer
	escrows  EscrowReleaser
	interval time.Duration
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a sweep timer. Call Start to begin sweeping.
func NewTimer(offers OfferExpirer, escrows EscrowReleaser, interval time.Duration, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		offers:   offers,
		escrows:  escrows,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; subsequent
// calls are no-ops.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	go t.loop(ctx)
}

// Stop halts the sweep loop. Safe to call more than once.
func (t *Timer) Stop() {
	if t.running.CompareAndSwap(true, false) {
		close(t.stop)
	}
}

func (t *Timer) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// One sweep right away so restarts don't delay overdue work.
	t.safeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// safeSweep runs one sweep and keeps a panic in domain code from
// killing the loop.
func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRunsTotal.WithLabelValues("panic").Inc()
			t.logger.Error("reconciliation sweep panicked", "panic", r)
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()
	result := "ok"

	expired, err := t.offers.ExpireDue(ctx, now, batchSize)
	if err != nil {
		result = "error"
		t.logger.Error("offer expiry sweep failed", "error", err)
	}

	released, err := t.escrows.AutoReleaseDue(ctx, now, batchSize)
	if err != nil {
		result = "error"
		t.logger.Error("escrow release sweep failed", "error", err)
	}

	metrics.SweepRunsTotal.WithLabelValues(result).Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	if expired > 0 || released > 0 {
		t.logger.Info("reconciliation sweep",
			"expired_offers", expired,
			"released_escrows", released,
			"took", time.Since(start))
	}
}
