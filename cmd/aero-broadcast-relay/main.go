package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/eventfeed"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/transport"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-broadcast-relay",
		"mode", cfg.Mode,
		"stream_addr", cfg.StreamAddr,
		"stream_transport", cfg.StreamTransport,
		"datagram_addr", cfg.DatagramAddr,
		"admin_addr", cfg.AdminAddr,
		"max_stream_peers", cfg.Relay.MaxStreamPeers,
		"stream_read_chunk_bytes", cfg.Relay.ReadChunkBytes,
		"max_datagram_payload_bytes", cfg.Relay.MaxDatagramPayloadBytes,
		"mdns_enabled", cfg.MDNSEnabled,
	)
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub := eventfeed.New(eventfeed.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.EventsWSPingInterval,
		IdleTimeout:    cfg.EventsWSIdleTimeout,
		Metrics:        m,
		Logger:         logger,
	})
	observer := relay.Observers(logEvents(logger), hub.Observe)

	streamRelay := relay.NewStreamRelay(cfg.Relay, relay.WithObserver(observer), relay.WithMetrics(m))
	datagramRelay := relay.NewDatagramRelay(cfg.Relay, relay.WithObserver(observer), relay.WithMetrics(m))

	// Bind everything up front so a taken port fails startup instead of
	// surfacing later from a goroutine.
	streamLn, err := listenStream(cfg)
	if err != nil {
		logger.Error("failed to start stream relay", "err", err)
		return exitCode(err)
	}
	datagramConn, err := listenDatagram(cfg)
	if err != nil {
		_ = streamLn.Close()
		logger.Error("failed to start datagram relay", "err", err)
		return exitCode(err)
	}
	logger.Info("relays listening",
		"stream_addr", streamLn.Addr().String(),
		"stream_transport", cfg.StreamTransport,
		"datagram_addr", datagramConn.LocalAddr().String(),
	)

	relayErrs := make(chan error, 2)
	go func() {
		relayErrs <- streamRelay.Serve(ctx, streamLn)
	}()
	go func() {
		relayErrs <- datagramRelay.Serve(ctx, datagramConn)
	}()

	var (
		srv      *httpserver.Server
		adminErr = make(chan error, 1)
	)
	if cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			logger.Error("failed to listen for admin server", "admin_addr", cfg.AdminAddr, "err", err)
			closeRelays(streamRelay, datagramRelay)
			return 1
		}

		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
		srv.SetReadinessCheck(func() error {
			if !streamRelay.Serving() {
				return errors.New("stream relay not serving")
			}
			if !datagramRelay.Serving() {
				return errors.New("datagram relay not serving")
			}
			return nil
		})
		srv.HandlePeers(streamRelay, datagramRelay)
		srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, relayGauges(streamRelay, datagramRelay, hub)...))
		srv.Mux().Handle("GET /events", srv.WithOriginPolicy(hub))

		go func() {
			adminErr <- srv.Serve(ln)
		}()
		logger.Info("admin server listening", "admin_addr", ln.Addr().String())
	}

	var announcer *discovery.Announcer
	if cfg.MDNSEnabled {
		announcer, err = announce(cfg, streamLn.Addr(), datagramConn.LocalAddr())
		if err != nil {
			// Discovery is a convenience; the relays keep running without it.
			logger.Warn("mdns announcement failed", "err", err)
		} else {
			logger.Info("mdns announcement started",
				"instance", discovery.InstanceName(cfg.MDNSInstance),
				"stream_service", discovery.StreamServiceType,
				"datagram_service", discovery.DatagramServiceType,
			)
		}
	}

	code := 0
	pending := 2
	select {
	case err := <-relayErrs:
		pending--
		if code = exitCode(err); code != 0 {
			logger.Error("relay exited", "err", err)
		}
	case err := <-adminErr:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("admin server exited", "err", err)
			code = 1
		}
		srv = nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Upgraded /events connections are not tracked by Shutdown.
	hub.Close()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", "err", err)
		}
	}
	if err := announcer.Close(); err != nil {
		logger.Warn("mdns shutdown failed", "err", err)
	}
	closeRelays(streamRelay, datagramRelay)

	for ; pending > 0; pending-- {
		select {
		case err := <-relayErrs:
			if c := exitCode(err); c != 0 && code == 0 {
				logger.Error("relay exited after shutdown", "err", err)
				code = c
			}
		case <-shutdownCtx.Done():
			logger.Error("timed out waiting for relays to stop")
			return 1
		}
	}

	logger.Info("shutdown complete")
	return code
}

func listenStream(cfg config.Config) (net.Listener, error) {
	switch cfg.StreamTransport {
	case config.TransportQUIC:
		ln, err := transport.Listen(cfg.StreamAddr, nil)
		if err != nil {
			return nil, &relay.BindError{Protocol: relay.ProtocolStream, Addr: cfg.StreamAddr, Err: err}
		}
		return ln, nil
	default:
		ln, err := net.Listen("tcp", cfg.StreamAddr)
		if err != nil {
			return nil, &relay.BindError{Protocol: relay.ProtocolStream, Addr: cfg.StreamAddr, Err: err}
		}
		return ln, nil
	}
}

func listenDatagram(cfg config.Config) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.DatagramAddr)
	if err != nil {
		return nil, &relay.BindError{Protocol: relay.ProtocolDatagram, Addr: cfg.DatagramAddr, Err: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &relay.BindError{Protocol: relay.ProtocolDatagram, Addr: cfg.DatagramAddr, Err: err}
	}
	return conn, nil
}

func announce(cfg config.Config, streamAddr, datagramAddr net.Addr) (*discovery.Announcer, error) {
	streamPort, err := discovery.PortOf(streamAddr)
	if err != nil {
		return nil, err
	}
	datagramPort, err := discovery.PortOf(datagramAddr)
	if err != nil {
		return nil, err
	}
	return discovery.Announce(discovery.Services{
		Instance:     cfg.MDNSInstance,
		StreamPort:   streamPort,
		DatagramPort: datagramPort,
	})
}

func relayGauges(stream *relay.StreamRelay, datagram *relay.DatagramRelay, hub *eventfeed.Hub) []metrics.Gauge {
	return []metrics.Gauge{
		{
			Name:  "aero_broadcast_relay_stream_peers",
			Help:  "Currently connected stream peers.",
			Value: stream.PeerCount,
		},
		{
			Name:  "aero_broadcast_relay_datagram_peers",
			Help:  "Registered datagram peers.",
			Value: datagram.PeerCount,
		},
		{
			Name:  "aero_broadcast_relay_event_subscribers",
			Help:  "Connected /events subscribers.",
			Value: hub.Subscribers,
		},
	}
}

func closeRelays(stream *relay.StreamRelay, datagram *relay.DatagramRelay) {
	_ = stream.Close()
	_ = datagram.Close()
}

// exitCode maps a relay error to the process exit status. A relay stopped by
// Close or shutdown is a clean exit.
func exitCode(err error) int {
	if err == nil || errors.Is(err, relay.ErrRelayClosed) {
		return 0
	}
	return 1
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
