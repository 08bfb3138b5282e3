package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/origin"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any website can read the relay event feed)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.AdminAddr != "" && !config.IsLoopbackAddr(cfg.AdminAddr) {
		logger.Warn("startup security warning: admin server listens on a non-loopback address (peer addresses and events are unauthenticated)",
			"warning_code", "admin_addr_not_loopback",
			"admin_addr", cfg.AdminAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.Relay.MaxStreamPeers <= 0 {
		logger.Warn("startup security warning: MAX_STREAM_PEERS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_stream_peers_unlimited_in_prod",
			"max_stream_peers", cfg.Relay.MaxStreamPeers,
			"mode", cfg.Mode,
		)
	}

	if cfg.Relay.WriteTimeout < 0 {
		logger.Warn("startup security warning: STREAM_WRITE_TIMEOUT=0 lets one stalled peer block every stream broadcast",
			"warning_code", "stream_write_timeout_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.MDNSEnabled && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: mDNS announcement enabled while --mode=prod (advertises relay ports to the local network)",
			"warning_code", "mdns_in_prod",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
