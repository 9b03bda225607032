package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/can-safety-gateway/internal/cnl"
	"github.com/kstaniek/can-safety-gateway/internal/gateway"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
	"github.com/kstaniek/can-safety-gateway/internal/server"
	"github.com/kstaniek/can-safety-gateway/internal/telemetry"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
	"github.com/kstaniek/can-safety-gateway/internal/vehicles"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("safety-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	events := telemetry.NewHub()
	startPumps(ctx, events, openSinks(cfg, l), cfg.telemetryBuffer, &wg)

	engine := safety.NewEngine(safety.WithObserver(events), safety.WithLogger(l))
	mode, _ := vehicles.ParseMode(cfg.vehicle)
	if err := vehicles.Select(engine, mode, cfg.vehicleParam); err != nil {
		l.Error("vehicle_init_error", "vehicle", cfg.vehicle, "param", cfg.vehicleParam, "error", err)
	}
	st := engine.Snapshot()
	l.Info("vehicle_selected", "vehicle", st.Vehicle, "param", st.Param, "session", st.Session)

	h := initHub(cfg, l)
	buses := transport.NewBusSet()
	gw := gateway.New(engine, buses, gateway.WithHub(h), gateway.WithLogger(l))
	cleanup, err := initBackends(ctx, cfg, gw.HandleRx, buses, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		gw.RunTicker(ctx, cfg.tick)
	}()
	startMetricsLogger(ctx, cfg.logMetricsEvery, gw, l, &wg)

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{Bus: cfg.upstreamBus}),
		server.WithSend(gw.Propose),
		server.WithBuses(cfg.subscribe...),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready once the upstream listener is bound.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, httpHandler(cfg, events, gw))
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	cleanup()
	wg.Wait()
	gs := gw.Stats()
	l.Info("gateway_summary",
		"rx", gs.Rx,
		"forwarded", gs.Forwarded,
		"forward_errors", gs.ForwardErrors,
		"proposed", gs.Proposed,
		"rejected", gs.Rejected,
	)
}
