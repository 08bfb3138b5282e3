package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
)

const (
	envVarMode            = "AERO_BROADCAST_RELAY_MODE"
	envVarLogFormat       = "AERO_BROADCAST_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_BROADCAST_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_BROADCAST_RELAY_SHUTDOWN_TIMEOUT"
	envVarAdminAddr       = "AERO_BROADCAST_RELAY_ADMIN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Relay knobs.
	EnvStreamListenAddr        = "STREAM_LISTEN_ADDR"
	EnvStreamTransport         = "STREAM_TRANSPORT"
	EnvStreamReadChunkBytes    = "STREAM_READ_CHUNK_BYTES"
	EnvStreamWriteTimeout      = "STREAM_WRITE_TIMEOUT"
	EnvMaxStreamPeers          = "MAX_STREAM_PEERS"
	EnvDatagramListenAddr      = "DATAGRAM_LISTEN_ADDR"
	EnvMaxDatagramPayloadBytes = "MAX_DATAGRAM_PAYLOAD_BYTES"
	envVarEventsWSPingInterval = "EVENTS_WS_PING_INTERVAL"
	envVarEventsWSIdleTimeout  = "EVENTS_WS_IDLE_TIMEOUT"
	envVarMDNSEnabled          = "MDNS_ENABLED"
	envVarMDNSInstance         = "MDNS_INSTANCE"
)

const (
	DefaultMode            = ModeDev
	DefaultShutdown        = 15 * time.Second
	DefaultAdminAddr       = "127.0.0.1:8082"
	DefaultStreamAddr      = "0.0.0.0:8080"
	DefaultDatagramAddr    = "0.0.0.0:8081"
	DefaultStreamTransport = TransportTCP

	DefaultEventsWSPingInterval = 20 * time.Second
	DefaultEventsWSIdleTimeout  = 60 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StreamTransport selects what the stream relay listens on.
type StreamTransport string

const (
	TransportTCP  StreamTransport = "tcp"
	TransportQUIC StreamTransport = "quic"
)

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	StreamAddr      string
	StreamTransport StreamTransport
	DatagramAddr    string
	Relay           relay.Config

	// AdminAddr is the listen address of the admin HTTP server. Empty disables
	// it.
	AdminAddr            string
	AllowedOrigins       []string
	EventsWSPingInterval time.Duration
	EventsWSIdleTimeout  time.Duration

	MDNSEnabled  bool
	MDNSInstance string
}

// StreamBind splits StreamAddr into the bind address and port the relay
// Start methods take.
func (c Config) StreamBind() (string, int) {
	host, port, _ := splitAddr(c.StreamAddr)
	return host, port
}

func (c Config) DatagramBind() (string, int) {
	host, port, _ := splitAddr(c.DatagramAddr)
	return host, port
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	streamAddr := envOrDefault(lookup, EnvStreamListenAddr, DefaultStreamAddr)
	streamTransportStr := envOrDefault(lookup, EnvStreamTransport, string(DefaultStreamTransport))
	readChunkBytes, err := envIntOrDefault(lookup, EnvStreamReadChunkBytes, relay.DefaultReadChunkBytes)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, EnvStreamWriteTimeout, relay.DefaultWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	maxStreamPeers, err := envIntOrDefault(lookup, EnvMaxStreamPeers, 0)
	if err != nil {
		return Config{}, err
	}

	datagramAddr := envOrDefault(lookup, EnvDatagramListenAddr, DefaultDatagramAddr)
	maxDatagramPayloadBytes, err := envIntOrDefault(lookup, EnvMaxDatagramPayloadBytes, relay.DefaultMaxDatagramPayloadBytes)
	if err != nil {
		return Config{}, err
	}

	// Empty is meaningful for the admin address, so an explicitly empty env
	// var disables the server instead of falling back to the default.
	adminAddr := DefaultAdminAddr
	if v, ok := lookup(envVarAdminAddr); ok {
		adminAddr = strings.TrimSpace(v)
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	eventsPingInterval, err := envDurationOrDefault(lookup, envVarEventsWSPingInterval, DefaultEventsWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	eventsIdleTimeout, err := envDurationOrDefault(lookup, envVarEventsWSIdleTimeout, DefaultEventsWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	mdnsEnabled := false
	if raw, ok := lookup(envVarMDNSEnabled); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMDNSEnabled, raw, err)
		}
		mdnsEnabled = v
	}
	mdnsInstance := envOrDefault(lookup, envVarMDNSInstance, "")

	fs := flag.NewFlagSet("aero-broadcast-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&streamAddr, "stream-addr", streamAddr, "Stream relay listen address (host:port; env "+EnvStreamListenAddr+")")
	fs.StringVar(&streamTransportStr, "stream-transport", streamTransportStr, "Stream relay transport: tcp or quic (env "+EnvStreamTransport+")")
	fs.IntVar(&readChunkBytes, "stream-read-chunk-bytes", readChunkBytes, "Max bytes read from a stream peer per broadcast (env "+EnvStreamReadChunkBytes+")")
	fs.DurationVar(&writeTimeout, "stream-write-timeout", writeTimeout, "Per-send write deadline for stream peers; 0 disables (env "+EnvStreamWriteTimeout+")")
	fs.IntVar(&maxStreamPeers, "max-stream-peers", maxStreamPeers, "Maximum concurrent stream peers (0 = unlimited; env "+EnvMaxStreamPeers+")")
	fs.StringVar(&datagramAddr, "datagram-addr", datagramAddr, "Datagram relay listen address (host:port; env "+EnvDatagramListenAddr+")")
	fs.IntVar(&maxDatagramPayloadBytes, "max-datagram-payload-bytes", maxDatagramPayloadBytes, "Max datagram payload bytes relayed (env "+EnvMaxDatagramPayloadBytes+")")

	fs.StringVar(&adminAddr, "admin-addr", adminAddr, "Admin HTTP listen address; empty disables (env "+envVarAdminAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&eventsPingInterval, "events-ws-ping-interval", eventsPingInterval, "Send ping frames on /events WebSocket connections at this interval (must be < --events-ws-idle-timeout; env "+envVarEventsWSPingInterval+")")
	fs.DurationVar(&eventsIdleTimeout, "events-ws-idle-timeout", eventsIdleTimeout, "Close idle /events WebSocket connections after this duration (env "+envVarEventsWSIdleTimeout+")")

	fs.BoolVar(&mdnsEnabled, "mdns", mdnsEnabled, "Announce relay ports over mDNS (env "+envVarMDNSEnabled+")")
	fs.StringVar(&mdnsInstance, "mdns-instance", mdnsInstance, "mDNS instance name (default: hostname; env "+envVarMDNSInstance+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	streamTransport, err := parseStreamTransport(streamTransportStr)
	if err != nil {
		return Config{}, err
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if _, _, err := splitAddr(streamAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--stream-addr %q: %w", EnvStreamListenAddr, streamAddr, err)
	}
	if _, _, err := splitAddr(datagramAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--datagram-addr %q: %w", EnvDatagramListenAddr, datagramAddr, err)
	}
	if adminAddr != "" {
		if _, _, err := splitAddr(adminAddr); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--admin-addr %q: %w", envVarAdminAddr, adminAddr, err)
		}
	}
	if readChunkBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--stream-read-chunk-bytes must be > 0", EnvStreamReadChunkBytes)
	}
	if writeTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--stream-write-timeout must be >= 0", EnvStreamWriteTimeout)
	}
	if maxStreamPeers < 0 {
		return Config{}, fmt.Errorf("%s/--max-stream-peers must be >= 0", EnvMaxStreamPeers)
	}
	if maxDatagramPayloadBytes <= 0 || maxDatagramPayloadBytes > 65507 {
		return Config{}, fmt.Errorf("%s/--max-datagram-payload-bytes must be between 1 and 65507", EnvMaxDatagramPayloadBytes)
	}
	if eventsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--events-ws-idle-timeout must be > 0", envVarEventsWSIdleTimeout)
	}
	if eventsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--events-ws-ping-interval must be > 0", envVarEventsWSPingInterval)
	}
	if eventsPingInterval >= eventsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--events-ws-ping-interval must be < %s/--events-ws-idle-timeout", envVarEventsWSPingInterval, envVarEventsWSIdleTimeout)
	}

	allowedOrigins, err := origin.ParseList(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	// relay.Config treats a zero write timeout as "use the default"; the flag
	// uses 0 to mean disabled.
	relayWriteTimeout := writeTimeout
	if relayWriteTimeout == 0 {
		relayWriteTimeout = -1
	}

	return Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		StreamAddr:      streamAddr,
		StreamTransport: streamTransport,
		DatagramAddr:    datagramAddr,
		Relay: relay.Config{
			ReadChunkBytes:          readChunkBytes,
			WriteTimeout:            relayWriteTimeout,
			MaxStreamPeers:          maxStreamPeers,
			MaxDatagramPayloadBytes: maxDatagramPayloadBytes,
		},

		AdminAddr:            adminAddr,
		AllowedOrigins:       allowedOrigins,
		EventsWSPingInterval: eventsPingInterval,
		EventsWSIdleTimeout:  eventsIdleTimeout,

		MDNSEnabled:  mdnsEnabled,
		MDNSInstance: mdnsInstance,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStreamTransport(raw string) (StreamTransport, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(TransportTCP):
		return TransportTCP, nil
	case string(TransportQUIC):
		return TransportQUIC, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", EnvStreamTransport, raw, TransportTCP, TransportQUIC)
	}
}

// splitAddr parses host:port. The host may be empty (all interfaces); the
// port must be a valid TCP/UDP port, 0 included.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, int(port), nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

// IsLoopbackAddr reports whether addr's host is a loopback IP or
// "localhost".
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
