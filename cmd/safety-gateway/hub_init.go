package main

import (
	"log/slog"

	"github.com/kstaniek/can-safety-gateway/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", p.String())
	}
	h.Policy = p
	l.Info("hub_config", "policy", p.String(), "buffer", h.OutBufSize, "subscribe", cfg.subscribe)
	return h
}
