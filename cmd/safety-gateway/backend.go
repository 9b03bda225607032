package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// initBackends opens every bus binding, starts its RX loop feeding rx and
// binds its TX writer into set. On error the already opened buses are closed.
func initBackends(ctx context.Context, cfg *appConfig, rx func(can.Frame), set *transport.BusSet, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	var cleanups []func()
	cleanupAll := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	for _, b := range cfg.buses {
		sink, cleanup, err := initBackend(ctx, cfg, b, rx, l.With("bus", b.Bus), wg)
		if err != nil {
			cleanupAll()
			return func() {}, fmt.Errorf("bus %d: %w", b.Bus, err)
		}
		set.Bind(b.Bus, sink)
		bus := b.Bus
		cleanups = append(cleanups, func() { set.Bind(bus, nil); cleanup() })
	}
	return cleanupAll, nil
}

// initBackend opens one binding and launches its RX loop.
func initBackend(ctx context.Context, cfg *appConfig, b busBinding, rx func(can.Frame), l *slog.Logger, wg *sync.WaitGroup) (transport.FrameSink, func(), error) {
	switch b.Backend {
	case "serial":
		return initSerialBackend(ctx, cfg, b, rx, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, b, rx, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|socketcan)", b.Backend)
	}
}

// nextBackoff doubles d up to rxBackoffMax.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
