package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/can-safety-gateway/internal/hub"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/vehicles"
)

const envPrefix = "SAFETY_GW_"

// busBinding attaches one bus index to a physical interface.
type busBinding struct {
	Bus     uint8  `yaml:"bus"`
	Backend string `yaml:"backend"` // serial|socketcan
	Device  string `yaml:"device"`  // tty path or interface name
	Baud    int    `yaml:"baud"`    // serial only; 0 uses the global baud
}

func (b busBinding) String() string { return fmt.Sprintf("%d=%s:%s", b.Bus, b.Backend, b.Device) }

type appConfig struct {
	configFile string

	buses        []busBinding
	baud         int
	serialReadTO time.Duration

	vehicle      string
	vehicleParam uint16
	tick         time.Duration

	listenAddr   string
	upstreamBus  uint8
	subscribe    []uint8
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string

	wsPath          string
	telemetryBuffer int
	mqttBroker      string
	mqttTopic       string
	mqttClientID    string
	kafkaBrokers    []string
	kafkaTopic      string
}

// fileConfig is the YAML layout accepted by -config. Zero values leave the
// flag default in place.
type fileConfig struct {
	Listen       string        `yaml:"listen"`
	Buses        []busBinding  `yaml:"buses"`
	Baud         int           `yaml:"baud"`
	SerialReadTO time.Duration `yaml:"serial_read_timeout"`
	Vehicle      struct {
		Mode  string  `yaml:"mode"`
		Param *uint16 `yaml:"param"`
	} `yaml:"vehicle"`
	Tick     time.Duration `yaml:"tick"`
	Upstream struct {
		Bus              *uint8        `yaml:"bus"`
		Subscribe        []uint8       `yaml:"subscribe"`
		MaxClients       *int          `yaml:"max_clients"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
	} `yaml:"upstream"`
	Hub struct {
		Buffer int    `yaml:"buffer"`
		Policy string `yaml:"policy"`
	} `yaml:"hub"`
	Log struct {
		Format          string        `yaml:"format"`
		Level           string        `yaml:"level"`
		MetricsInterval time.Duration `yaml:"metrics_interval"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	MDNS struct {
		Enable *bool  `yaml:"enable"`
		Name   string `yaml:"name"`
	} `yaml:"mdns"`
	Telemetry struct {
		WSPath string `yaml:"ws_path"`
		Buffer int    `yaml:"buffer"`
		MQTT   struct {
			Broker   string `yaml:"broker"`
			Topic    string `yaml:"topic"`
			ClientID string `yaml:"client_id"`
		} `yaml:"mqtt"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"telemetry"`
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := parseArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// parseArgs builds the configuration with precedence flag > env > file > default.
func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	configFile := fs.String("config", "", "YAML configuration file")
	buses := fs.String("buses", "0=socketcan:can0,2=socketcan:can1", "Bus bindings: idx=backend:device[,...]")
	baud := fs.Int("baud", 115200, "Serial baud rate")
	serialReadTO := fs.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	vehicle := fs.String("vehicle", "no_output", "Safety mode name or id: "+modeNames())
	vehicleParam := fs.Uint("vehicle-param", 0, "Safety mode parameter bits")
	tick := fs.Duration("tick", 100*time.Millisecond, "Safety tick interval")
	listen := fs.String("listen", ":20000", "Upstream TCP listen address")
	upstreamBus := fs.Uint("upstream-bus", 0, "Bus assigned to frames received from upstream")
	subscribe := fs.String("subscribe", "", "Buses mirrored upstream, comma separated (empty = all)")
	maxClients := fs.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := fs.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := fs.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	hubBuf := fs.Int("hub-buffer", 512, "Per-client hub buffer (frames)")
	hubPolicy := fs.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := fs.Bool("mdns-enable", false, "Enable mDNS advertisement")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default safety-gateway-<hostname>)")
	wsPath := fs.String("ws-path", "/ws", "Websocket event stream path on the metrics server; empty disables")
	telemetryBuf := fs.Int("telemetry-buffer", 256, "Per-sink event buffer")
	mqttBroker := fs.String("mqtt-broker", "", "MQTT broker URL (e.g., tcp://localhost:1883); empty disables")
	mqttTopic := fs.String("mqtt-topic", "safety-gateway", "MQTT topic prefix")
	mqttClientID := fs.String("mqtt-client-id", "", "MQTT client id (default safety-gateway-<hostname>)")
	kafkaBrokers := fs.String("kafka-brokers", "", "Kafka brokers, comma separated; empty disables")
	kafkaTopic := fs.String("kafka-topic", "safety-events", "Kafka topic for events")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	var err error
	if cfg.buses, err = parseBuses(*buses); err != nil {
		return nil, *showVersion, err
	}
	if cfg.subscribe, err = parseBusList(*subscribe); err != nil {
		return nil, *showVersion, err
	}
	if *vehicleParam > 0xFFFF {
		return nil, *showVersion, fmt.Errorf("vehicle-param out of range: %d", *vehicleParam)
	}
	if *upstreamBus > 31 {
		return nil, *showVersion, fmt.Errorf("upstream-bus out of range: %d", *upstreamBus)
	}
	cfg.configFile = *configFile
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.vehicle = *vehicle
	cfg.vehicleParam = uint16(*vehicleParam)
	cfg.tick = *tick
	cfg.listenAddr = *listen
	cfg.upstreamBus = uint8(*upstreamBus)
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.wsPath = *wsPath
	cfg.telemetryBuffer = *telemetryBuf
	cfg.mqttBroker = *mqttBroker
	cfg.mqttTopic = *mqttTopic
	cfg.mqttClientID = *mqttClientID
	cfg.kafkaBrokers = splitList(*kafkaBrokers)
	cfg.kafkaTopic = *kafkaTopic

	if cfg.configFile != "" {
		if err := loadConfigFile(cfg, cfg.configFile, set); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

// validate checks values and ranges. It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	mode, err := vehicles.ParseMode(c.vehicle)
	if err != nil {
		return fmt.Errorf("invalid vehicle: %w", err)
	}
	// Heartbeats arrive on the websocket route; without it a vehicle mode
	// drops controls one heartbeat timeout after start and never engages.
	if mode != vehicles.ModeNoOutput && (c.metricsAddr == "" || c.wsPath == "") {
		return fmt.Errorf("vehicle %s needs a heartbeat route: set metrics-addr and ws-path", mode)
	}
	if len(c.buses) == 0 {
		return errors.New("no bus bindings")
	}
	seen := map[uint8]struct{}{}
	for _, b := range c.buses {
		if b.Bus > 31 {
			return fmt.Errorf("bus %d out of range", b.Bus)
		}
		if _, dup := seen[b.Bus]; dup {
			return fmt.Errorf("bus %d bound twice", b.Bus)
		}
		seen[b.Bus] = struct{}{}
		switch b.Backend {
		case "serial", "socketcan":
		default:
			return fmt.Errorf("invalid backend for bus %d: %q", b.Bus, b.Backend)
		}
		if b.Device == "" {
			return fmt.Errorf("bus %d: empty device", b.Bus)
		}
		if b.Baud < 0 {
			return fmt.Errorf("bus %d: baud must be >= 0", b.Bus)
		}
	}
	if _, ok := seen[c.upstreamBus]; !ok {
		return fmt.Errorf("upstream-bus %d is not bound", c.upstreamBus)
	}
	for _, b := range c.subscribe {
		if b > 31 {
			return fmt.Errorf("subscribe bus %d out of range", b)
		}
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %w", err)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.telemetryBuffer <= 0 {
		return fmt.Errorf("telemetry-buffer must be > 0")
	}
	if c.wsPath != "" && !strings.HasPrefix(c.wsPath, "/") {
		return fmt.Errorf("ws-path must start with /: %q", c.wsPath)
	}
	return nil
}

// parseBuses parses "0=socketcan:can0,2=serial:/dev/ttyUSB0".
func parseBuses(s string) ([]busBinding, error) {
	var out []busBinding
	for _, item := range splitList(s) {
		idx, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("bus binding %q: want idx=backend:device", item)
		}
		backend, dev, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("bus binding %q: want idx=backend:device", item)
		}
		n, err := strconv.ParseUint(idx, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("bus binding %q: %w", item, err)
		}
		out = append(out, busBinding{Bus: uint8(n), Backend: backend, Device: dev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bus < out[j].Bus })
	return out, nil
}

func parseBusList(s string) ([]uint8, error) {
	var out []uint8
	for _, item := range splitList(s) {
		n, err := strconv.ParseUint(item, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("bus %q: %w", item, err)
		}
		out = append(out, uint8(n))
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func modeNames() string {
	var names []string
	for _, m := range vehicles.Modes() {
		names = append(names, m.String())
	}
	return strings.Join(names, "|")
}

// loadConfigFile applies the YAML file at path to c for every setting not
// given on the command line.
func loadConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return applyConfigFile(c, f, set)
}

func applyConfigFile(c *appConfig, r io.Reader, set map[string]struct{}) error {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	unset := func(name string) bool { _, ok := set[name]; return !ok }

	if unset("listen") && fc.Listen != "" {
		c.listenAddr = fc.Listen
	}
	if unset("buses") && len(fc.Buses) > 0 {
		c.buses = append([]busBinding(nil), fc.Buses...)
		sort.Slice(c.buses, func(i, j int) bool { return c.buses[i].Bus < c.buses[j].Bus })
	}
	if unset("baud") && fc.Baud > 0 {
		c.baud = fc.Baud
	}
	if unset("serial-read-timeout") && fc.SerialReadTO > 0 {
		c.serialReadTO = fc.SerialReadTO
	}
	if unset("vehicle") && fc.Vehicle.Mode != "" {
		c.vehicle = fc.Vehicle.Mode
	}
	if unset("vehicle-param") && fc.Vehicle.Param != nil {
		c.vehicleParam = *fc.Vehicle.Param
	}
	if unset("tick") && fc.Tick > 0 {
		c.tick = fc.Tick
	}
	if unset("upstream-bus") && fc.Upstream.Bus != nil {
		c.upstreamBus = *fc.Upstream.Bus
	}
	if unset("subscribe") && len(fc.Upstream.Subscribe) > 0 {
		c.subscribe = fc.Upstream.Subscribe
	}
	if unset("max-clients") && fc.Upstream.MaxClients != nil {
		c.maxClients = *fc.Upstream.MaxClients
	}
	if unset("handshake-timeout") && fc.Upstream.HandshakeTimeout > 0 {
		c.handshakeTO = fc.Upstream.HandshakeTimeout
	}
	if unset("client-read-timeout") && fc.Upstream.ReadTimeout > 0 {
		c.clientReadTO = fc.Upstream.ReadTimeout
	}
	if unset("hub-buffer") && fc.Hub.Buffer > 0 {
		c.hubBuffer = fc.Hub.Buffer
	}
	if unset("hub-policy") && fc.Hub.Policy != "" {
		c.hubPolicy = fc.Hub.Policy
	}
	if unset("log-format") && fc.Log.Format != "" {
		c.logFormat = fc.Log.Format
	}
	if unset("log-level") && fc.Log.Level != "" {
		c.logLevel = fc.Log.Level
	}
	if unset("log-metrics-interval") && fc.Log.MetricsInterval > 0 {
		c.logMetricsEvery = fc.Log.MetricsInterval
	}
	if unset("metrics-addr") && fc.Metrics.Addr != "" {
		c.metricsAddr = fc.Metrics.Addr
	}
	if unset("mdns-enable") && fc.MDNS.Enable != nil {
		c.mdnsEnable = *fc.MDNS.Enable
	}
	if unset("mdns-name") && fc.MDNS.Name != "" {
		c.mdnsName = fc.MDNS.Name
	}
	if unset("ws-path") && fc.Telemetry.WSPath != "" {
		c.wsPath = fc.Telemetry.WSPath
	}
	if unset("telemetry-buffer") && fc.Telemetry.Buffer > 0 {
		c.telemetryBuffer = fc.Telemetry.Buffer
	}
	if unset("mqtt-broker") && fc.Telemetry.MQTT.Broker != "" {
		c.mqttBroker = fc.Telemetry.MQTT.Broker
	}
	if unset("mqtt-topic") && fc.Telemetry.MQTT.Topic != "" {
		c.mqttTopic = fc.Telemetry.MQTT.Topic
	}
	if unset("mqtt-client-id") && fc.Telemetry.MQTT.ClientID != "" {
		c.mqttClientID = fc.Telemetry.MQTT.ClientID
	}
	if unset("kafka-brokers") && len(fc.Telemetry.Kafka.Brokers) > 0 {
		c.kafkaBrokers = fc.Telemetry.Kafka.Brokers
	}
	if unset("kafka-topic") && fc.Telemetry.Kafka.Topic != "" {
		c.kafkaTopic = fc.Telemetry.Kafka.Topic
	}
	return nil
}

// applyEnvOverrides maps SAFETY_GW_* variables onto c unless the matching
// flag was set. Empty values are ignored; the first parse error is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	integer := func(flagName, key string, lo int, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < lo {
				err = fmt.Errorf("must be >= %d", lo)
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	duration := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = errors.New("negative duration")
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	if v, ok := get("buses", "BUSES"); ok {
		if b, err := parseBuses(v); err != nil {
			fail("BUSES", err)
		} else {
			c.buses = b
		}
	}
	if v, ok := get("subscribe", "SUBSCRIBE"); ok {
		if b, err := parseBusList(v); err != nil {
			fail("SUBSCRIBE", err)
		} else {
			c.subscribe = b
		}
	}
	if v, ok := get("vehicle-param", "VEHICLE_PARAM"); ok {
		if n, err := strconv.ParseUint(v, 0, 16); err != nil {
			fail("VEHICLE_PARAM", err)
		} else {
			c.vehicleParam = uint16(n)
		}
	}
	if v, ok := get("upstream-bus", "UPSTREAM_BUS"); ok {
		if n, err := strconv.ParseUint(v, 10, 8); err != nil {
			fail("UPSTREAM_BUS", err)
		} else {
			c.upstreamBus = uint8(n)
		}
	}
	if v, ok := get("mdns-enable", "MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail("MDNS_ENABLE", fmt.Errorf("not a boolean: %q", v))
		}
	}
	if v, ok := get("kafka-brokers", "KAFKA_BROKERS"); ok {
		c.kafkaBrokers = splitList(v)
	}
	str("vehicle", "VEHICLE", &c.vehicle)
	str("listen", "LISTEN", &c.listenAddr)
	str("hub-policy", "HUB_POLICY", &c.hubPolicy)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "METRICS", &c.metricsAddr)
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	str("ws-path", "WS_PATH", &c.wsPath)
	str("mqtt-broker", "MQTT_BROKER", &c.mqttBroker)
	str("mqtt-topic", "MQTT_TOPIC", &c.mqttTopic)
	str("mqtt-client-id", "MQTT_CLIENT_ID", &c.mqttClientID)
	str("kafka-topic", "KAFKA_TOPIC", &c.kafkaTopic)
	integer("baud", "BAUD", 1, &c.baud)
	integer("hub-buffer", "HUB_BUFFER", 1, &c.hubBuffer)
	integer("max-clients", "MAX_CLIENTS", 0, &c.maxClients)
	integer("telemetry-buffer", "TELEMETRY_BUFFER", 1, &c.telemetryBuffer)
	duration("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	duration("tick", "TICK", &c.tick)
	duration("handshake-timeout", "HANDSHAKE_TIMEOUT", &c.handshakeTO)
	duration("client-read-timeout", "CLIENT_READ_TIMEOUT", &c.clientReadTO)
	duration("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	return firstErr
}
