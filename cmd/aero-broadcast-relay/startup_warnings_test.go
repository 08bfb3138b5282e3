package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return stringsJoin(h.groups, ".") + "." + k
}

func stringsJoin(parts []string, sep string) string {
	// Small local helper to avoid pulling in strings for tests that don't need it.
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_SafeDefaults(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:      config.ModeDev,
		AdminAddr: config.DefaultAdminAddr,
		Relay:     relay.DefaultConfig(),
	}
	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"*"},
		Relay:          relay.DefaultConfig(),
	}
	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_AdminNotLoopback(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:      config.ModeDev,
		AdminAddr: "0.0.0.0:8082",
		Relay:     relay.DefaultConfig(),
	}
	logStartupSecurityWarnings(logger, cfg)

	r, ok := warningCodes(records())["admin_addr_not_loopback"]
	if !ok {
		t.Fatalf("expected warning_code=admin_addr_not_loopback, got %#v", records())
	}
	if r.attrs["admin_addr"] != "0.0.0.0:8082" {
		t.Fatalf("admin_addr attr = %#v", r.attrs["admin_addr"])
	}
}

func TestStartupSecurityWarnings_ProdLimits(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:        config.ModeProd,
		MDNSEnabled: true,
		Relay:       relay.Config{WriteTimeout: -1},
	}
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	for _, want := range []string{"max_stream_peers_unlimited_in_prod", "stream_write_timeout_disabled", "mdns_in_prod"} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("missing warning_code=%s, got %#v", want, codes)
		}
	}
	if r := codes["max_stream_peers_unlimited_in_prod"]; r.attrs["max_stream_peers"] != int64(0) {
		t.Fatalf("max_stream_peers attr = %#v, want 0", r.attrs["max_stream_peers"])
	}
}
