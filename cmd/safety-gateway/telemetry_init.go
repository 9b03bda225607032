package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/telemetry"
)

// dialMQTT and newKafkaSink are hooks for tests.
var (
	dialMQTT     = func(c telemetry.MQTTConfig) (telemetry.Sink, error) { return telemetry.DialMQTT(c) }
	newKafkaSink = func(c telemetry.KafkaConfig) (telemetry.Sink, error) { return telemetry.NewKafkaSink(c) }
)

// openSinks connects the configured external event sinks. A sink that
// cannot be reached is logged and skipped.
func openSinks(cfg *appConfig, l *slog.Logger) []telemetry.Sink {
	var sinks []telemetry.Sink
	if cfg.mqttBroker != "" {
		id := cfg.mqttClientID
		if id == "" {
			host, _ := os.Hostname()
			id = "safety-gateway-" + host
		}
		s, err := dialMQTT(telemetry.MQTTConfig{Broker: cfg.mqttBroker, ClientID: id, Topic: cfg.mqttTopic, QoS: 1})
		if err != nil {
			l.Warn("telemetry_sink_disabled", "sink", "mqtt", "error", err)
		} else {
			l.Info("telemetry_sink", "sink", "mqtt", "broker", cfg.mqttBroker, "topic", cfg.mqttTopic)
			sinks = append(sinks, s)
		}
	}
	if len(cfg.kafkaBrokers) > 0 {
		s, err := newKafkaSink(telemetry.KafkaConfig{Brokers: cfg.kafkaBrokers, Topic: cfg.kafkaTopic})
		if err != nil {
			l.Warn("telemetry_sink_disabled", "sink", "kafka", "error", err)
		} else {
			l.Info("telemetry_sink", "sink", "kafka", "brokers", cfg.kafkaBrokers, "topic", cfg.kafkaTopic)
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// startPumps subscribes each sink to events. Subscriptions exist when
// startPumps returns; the sinks are closed once ctx is done.
func startPumps(ctx context.Context, events *telemetry.Hub, sinks []telemetry.Sink, buf int, wg *sync.WaitGroup) {
	for _, s := range sinks {
		sub := events.Subscribe(s.Name(), buf)
		wg.Add(1)
		go func(s telemetry.Sink) {
			defer wg.Done()
			telemetry.Drain(ctx, events, sub, s)
		}(s)
	}
}

// httpHandler is the metrics mux plus the websocket event stream.
func httpHandler(cfg *appConfig, events *telemetry.Hub, ctl telemetry.Controller) http.Handler {
	mux := metrics.Mux()
	if cfg.wsPath != "" {
		mux.Handle(cfg.wsPath, telemetry.NewWSHandler(events, ctl))
	}
	return mux
}
