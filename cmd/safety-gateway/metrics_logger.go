package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/gateway"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

// startMetricsLogger periodically logs counters for setups without Prometheus.
func startMetricsLogger(ctx context.Context, interval time.Duration, gw *gateway.Gateway, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logMetrics(l, metrics.Snap(), gw.Snapshot().State.String())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logMetrics(l *slog.Logger, snap metrics.Snapshot, state string) {
	l.Info("metrics_snapshot",
		"state", state,
		"bus_rx", snap.BusRx,
		"bus_tx", snap.BusTx,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"hub_drops", snap.HubDrops,
		"integrity_fails", snap.IntegrityFails,
		"tx_allowed", snap.TxAllowed,
		"tx_rejected", snap.TxRejected,
		"forwarded", snap.Forwarded,
		"forward_blocked", snap.ForwardBlocked,
		"disengagements", snap.Disengagements,
		"controls_allowed", snap.ControlsAllowed,
		"events_dropped", snap.EventsDropped,
		"errors", snap.Errors,
	)
}
