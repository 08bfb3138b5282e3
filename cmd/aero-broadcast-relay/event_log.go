package main

import (
	"context"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
)

// logEvents returns an observer that writes relay events to logger. Message
// payloads are logged as text at debug level only.
func logEvents(logger *slog.Logger) relay.Observer {
	return func(ev relay.Event) {
		attrs := []any{"protocol", ev.Protocol, "peer", ev.Peer}
		switch ev.Kind {
		case relay.EventPeerConnected, relay.EventPeerRegistered:
			logger.Info(string(ev.Kind), attrs...)
		case relay.EventPeerDisconnected:
			if ev.Err != nil {
				attrs = append(attrs, "err", ev.Err)
			}
			logger.Info(string(ev.Kind), attrs...)
		case relay.EventMessageReceived:
			if !logger.Enabled(context.Background(), slog.LevelDebug) {
				return
			}
			attrs = append(attrs,
				"bytes", ev.Bytes,
				"recipients", ev.Recipients,
				"payload", string(ev.Payload),
			)
			logger.Debug(string(ev.Kind), attrs...)
		case relay.EventSendFailed:
			attrs = append(attrs, "target", ev.Target, "bytes", ev.Bytes, "err", ev.Err)
			logger.Warn(string(ev.Kind), attrs...)
		case relay.EventPeerRejected:
			attrs = append(attrs, "err", ev.Err)
			logger.Warn(string(ev.Kind), attrs...)
		case relay.EventDatagramDropped:
			attrs = append(attrs, "bytes", ev.Bytes, "reason", "oversized")
			logger.Warn(string(ev.Kind), attrs...)
		default:
			logger.Debug(string(ev.Kind), attrs...)
		}
	}
}
