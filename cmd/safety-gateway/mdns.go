package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_safety-gateway._tcp"

// startMDNS registers the upstream listener and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsMeta(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "safety-gateway-" + host
}

func mdnsMeta(cfg *appConfig) []string {
	buses := make([]string, 0, len(cfg.buses))
	for _, b := range cfg.buses {
		buses = append(buses, strconv.Itoa(int(b.Bus)))
	}
	return []string{
		"vehicle=" + cfg.vehicle,
		"upstream_bus=" + strconv.Itoa(int(cfg.upstreamBus)),
		"buses=" + strings.Join(buses, ","),
		"version=" + version,
		"commit=" + commit,
	}
}

// listenPort extracts the port from a bound host:port or :port address.
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
