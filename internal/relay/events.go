package relay

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/metrics"
)

type Protocol string

const (
	ProtocolStream   Protocol = "stream"
	ProtocolDatagram Protocol = "datagram"
)

type EventKind string

const (
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventPeerRejected     EventKind = "peer_rejected"
	EventPeerRegistered   EventKind = "peer_registered"
	EventMessageReceived  EventKind = "message_received"
	EventSendFailed       EventKind = "send_failed"
	EventDatagramDropped  EventKind = "datagram_dropped"
)

// Event describes something a relay did.
//
// Payload aliases the relay's read buffer and is only valid for the duration
// of the Observer call.
type Event struct {
	Time     time.Time
	Protocol Protocol
	Kind     EventKind
	// Peer is the source peer's remote address.
	Peer string
	// Target is the receiver of a failed send.
	Target string
	Bytes  int
	// Recipients is the number of peers a message was delivered to.
	Recipients int
	Payload    []byte
	Err        error
}

// Observer receives relay events. It is called synchronously from relay
// goroutines (never with a registry lock held) and must not block.
type Observer func(Event)

// Observers combines several observers into one, skipping nils.
func Observers(obs ...Observer) Observer {
	var out []Observer
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return func(ev Event) {
		for _, o := range out {
			o(ev)
		}
	}
}

type Option func(*options)

type options struct {
	observer Observer
	metrics  *metrics.Metrics
	now      func() time.Time
}

// WithObserver sets the event observer for a relay.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

// WithMetrics sets the counter registry a relay reports into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(opts *options) {
		opts.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	return o
}

func (o options) emit(ev Event) {
	if o.observer == nil {
		return
	}
	ev.Time = o.now()
	o.observer(ev)
}
