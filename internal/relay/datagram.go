package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/metrics"
)

// DatagramRelay relays every datagram it receives to all other addresses it
// has received a datagram from.
//
// Addresses are never evicted: there is no liveness signal for a datagram
// peer, so the registry only grows for the lifetime of the relay.
type DatagramRelay struct {
	cfg   Config
	opts  options
	peers *Registry[netip.AddrPort]

	mu      sync.Mutex
	conn    *net.UDPConn
	closed  bool
	serving sync.WaitGroup
}

func NewDatagramRelay(cfg Config, opts ...Option) *DatagramRelay {
	return &DatagramRelay{
		cfg:   cfg.WithDefaults(),
		opts:  newOptions(opts),
		peers: NewRegistry[netip.AddrPort](0),
	}
}

// Start binds a UDP socket on bindAddress:port and serves it until the relay
// is closed or ctx is done. A bind failure is returned as *BindError.
func (r *DatagramRelay) Start(ctx context.Context, bindAddress string, port int) error {
	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &BindError{Protocol: ProtocolDatagram, Addr: addr, Err: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return &BindError{Protocol: ProtocolDatagram, Addr: addr, Err: err}
	}
	return r.Serve(ctx, conn)
}

// Serve runs the receive loop on conn. It takes ownership of conn.
//
// It returns ErrRelayClosed once the relay is closed (directly or through
// ctx). A receive failure on an open relay is returned as *DatagramIOError;
// there is only one socket, so nothing is left to serve after it.
func (r *DatagramRelay) Serve(ctx context.Context, conn *net.UDPConn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrRelayClosed
	}
	if r.conn != nil {
		r.mu.Unlock()
		_ = conn.Close()
		return errors.New("datagram relay: already serving")
	}
	r.conn = conn
	r.serving.Add(1)
	r.mu.Unlock()
	defer r.serving.Done()

	stop := context.AfterFunc(ctx, func() {
		_ = r.Close()
	})
	defer stop()

	// One spare byte tells an oversized datagram apart from a full one.
	buf := make([]byte, r.cfg.MaxDatagramPayloadBytes+1)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if r.isClosed() {
				return ErrRelayClosed
			}
			return &DatagramIOError{Addr: conn.LocalAddr().String(), Err: err}
		}
		r.handleDatagram(conn, normalizeAddrPort(from), buf[:n])
	}
}

func (r *DatagramRelay) handleDatagram(conn *net.UDPConn, from netip.AddrPort, payload []byte) {
	src := from.String()
	r.opts.metrics.Inc(metrics.DatagramPacketsReceived)
	r.opts.metrics.Add(metrics.DatagramBytesReceived, uint64(len(payload)))

	if err := r.peers.Register(from); err == nil {
		r.opts.metrics.Inc(metrics.DatagramPeersRegistered)
		r.opts.emit(Event{Protocol: ProtocolDatagram, Kind: EventPeerRegistered, Peer: src})
	}

	if len(payload) > r.cfg.MaxDatagramPayloadBytes {
		r.opts.metrics.Inc(metrics.DatagramDroppedOversize)
		r.opts.emit(Event{Protocol: ProtocolDatagram, Kind: EventDatagramDropped, Peer: src, Bytes: len(payload)})
		return
	}

	delivered, failures := r.peers.Broadcast(from, func(to netip.AddrPort) error {
		_, err := conn.WriteToUDPAddrPort(payload, to)
		return err
	})
	r.opts.metrics.Add(metrics.DatagramBytesSent, uint64(delivered*len(payload)))

	r.opts.emit(Event{
		Protocol:   ProtocolDatagram,
		Kind:       EventMessageReceived,
		Peer:       src,
		Bytes:      len(payload),
		Recipients: delivered,
		Payload:    payload,
	})
	for _, f := range failures {
		target := f.Peer.String()
		r.opts.metrics.Inc(metrics.DatagramSendFailures)
		r.opts.emit(Event{
			Protocol: ProtocolDatagram,
			Kind:     EventSendFailed,
			Peer:     src,
			Target:   target,
			Bytes:    len(payload),
			Err:      &SendError{Peer: target, Err: f.Err},
		})
	}
}

// normalizeAddrPort unmaps IPv4-mapped IPv6 addresses so a peer seen through
// a dual-stack socket has a single registry entry.
func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Close closes the socket and waits for the receive loop to return. It must
// not be called from an Observer.
func (r *DatagramRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.serving.Wait()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	r.serving.Wait()
	return err
}

func (r *DatagramRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Addr returns the bound address, or nil before Serve.
func (r *DatagramRelay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Serving reports whether the receive loop has a socket and is not closed.
func (r *DatagramRelay) Serving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.closed
}

// Peers returns every known address in the order first seen.
func (r *DatagramRelay) Peers() []string {
	snap := r.peers.Snapshot()
	out := make([]string, 0, len(snap))
	for _, ap := range snap {
		out = append(out, ap.String())
	}
	return out
}

func (r *DatagramRelay) PeerCount() int { return r.peers.Len() }
