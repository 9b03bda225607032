package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()
	t.Setenv("SAFETY_GW_BAUD", "230400")
	t.Setenv("SAFETY_GW_MDNS_ENABLE", "true")
	t.Setenv("SAFETY_GW_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("SAFETY_GW_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("SAFETY_GW_BUSES", "0=socketcan:vcan0")
	t.Setenv("SAFETY_GW_VEHICLE", "no_output")
	t.Setenv("SAFETY_GW_VEHICLE_PARAM", "0x4")
	t.Setenv("SAFETY_GW_KAFKA_BROKERS", "a:9092, b:9092")

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if len(base.buses) != 1 || base.buses[0].Device != "vcan0" {
		t.Fatalf("buses %+v", base.buses)
	}
	if base.vehicle != "no_output" || base.vehicleParam != 4 {
		t.Fatalf("vehicle %q param %d", base.vehicle, base.vehicleParam)
	}
	if len(base.kafkaBrokers) != 2 || base.kafkaBrokers[1] != "b:9092" {
		t.Fatalf("kafka brokers %v", base.kafkaBrokers)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200, vehicle: "changan"}
	t.Setenv("SAFETY_GW_BAUD", "230400")
	t.Setenv("SAFETY_GW_VEHICLE", "no_output")
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}, "vehicle": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 || base.vehicle != "changan" {
		t.Fatalf("flags overridden: baud %d vehicle %q", base.baud, base.vehicle)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	cases := map[string]string{
		"SAFETY_GW_HUB_BUFFER":    "notint",
		"SAFETY_GW_MAX_CLIENTS":   "-1",
		"SAFETY_GW_TICK":          "soon",
		"SAFETY_GW_MDNS_ENABLE":   "maybe",
		"SAFETY_GW_BUSES":         "can0",
		"SAFETY_GW_VEHICLE_PARAM": "70000",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if err := applyEnvOverrides(baseConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", k, v)
			}
		})
	}
}
