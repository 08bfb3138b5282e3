package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/metrics"
)

// StreamPeer is one accepted stream connection.
//
// Sends only happen from Registry.Broadcast, which holds the registry lock, so
// writes to a peer are never concurrent.
type StreamPeer struct {
	conn         net.Conn
	addr         string
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newStreamPeer(conn net.Conn, writeTimeout time.Duration) *StreamPeer {
	addr := "unknown"
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &StreamPeer{conn: conn, addr: addr, writeTimeout: writeTimeout}
}

func (p *StreamPeer) RemoteAddr() string { return p.addr }

func (p *StreamPeer) send(b []byte) error {
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := p.conn.Write(b)
	return err
}

func (p *StreamPeer) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
	})
}

// StreamRelay accepts stream connections and relays every chunk read from one
// connection to all other registered connections.
//
// Each connection gets its own goroutine for the lifetime of the connection.
// That is fine for low to moderate peer counts; Config.MaxStreamPeers bounds
// it when needed.
type StreamRelay struct {
	cfg   Config
	opts  options
	peers *Registry[*StreamPeer]

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	handlers sync.WaitGroup
}

func NewStreamRelay(cfg Config, opts ...Option) *StreamRelay {
	cfg = cfg.WithDefaults()
	return &StreamRelay{
		cfg:   cfg,
		opts:  newOptions(opts),
		peers: NewRegistry[*StreamPeer](cfg.MaxStreamPeers),
	}
}

// Start binds a TCP listener on bindAddress:port and serves it until the
// relay is closed or ctx is done. A bind failure is returned as *BindError.
func (r *StreamRelay) Start(ctx context.Context, bindAddress string, port int) error {
	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Protocol: ProtocolStream, Addr: addr, Err: err}
	}
	return r.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. It takes ownership of ln.
//
// It returns ErrRelayClosed once the relay is closed (directly or through
// ctx). Temporary accept errors (EMFILE, ENFILE and friends) are retried with
// a backoff capped at one second. Any other accept error is fatal to the
// relay and returned as-is; the caller is expected to Close the relay
// afterwards.
func (r *StreamRelay) Serve(ctx context.Context, ln net.Listener) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return ErrRelayClosed
	}
	if r.ln != nil {
		r.mu.Unlock()
		_ = ln.Close()
		return errors.New("stream relay: already serving")
	}
	r.ln = ln
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = r.Close()
	})
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.isClosed() {
				return ErrRelayClosed
			}
			if isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = minAcceptRetryDelay
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxAcceptRetryDelay {
					tempDelay = maxAcceptRetryDelay
				}
				r.opts.metrics.Inc(metrics.StreamAcceptRetries)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("stream relay: accept: %w", err)
		}
		tempDelay = 0
		r.accept(conn)
	}
}

const (
	minAcceptRetryDelay = 5 * time.Millisecond
	maxAcceptRetryDelay = time.Second
)

// isTemporary matches the accept errors net/http retries on.
func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

func (r *StreamRelay) accept(conn net.Conn) {
	p := newStreamPeer(conn, r.cfg.WriteTimeout)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.close()
		return
	}
	if err := r.peers.Register(p); err != nil {
		r.mu.Unlock()
		p.close()
		r.opts.metrics.Inc(metrics.StreamPeersRejected)
		r.opts.emit(Event{Protocol: ProtocolStream, Kind: EventPeerRejected, Peer: p.addr, Err: err})
		return
	}
	r.handlers.Add(1)
	r.mu.Unlock()

	r.opts.metrics.Inc(metrics.StreamPeersConnected)
	go r.handle(p)
}

func (r *StreamRelay) handle(p *StreamPeer) {
	defer r.handlers.Done()

	r.opts.emit(Event{Protocol: ProtocolStream, Kind: EventPeerConnected, Peer: p.addr})

	err := r.readLoop(p)

	// Unregister before closing so no broadcast writes to a closed conn.
	r.peers.Unregister(p)
	p.close()
	r.opts.metrics.Inc(metrics.StreamPeersDisconnected)

	if errors.Is(err, ErrPeerClosed) {
		err = nil
	}
	r.opts.emit(Event{Protocol: ProtocolStream, Kind: EventPeerDisconnected, Peer: p.addr, Err: err})
}

// readLoop returns ErrPeerClosed on end-of-stream and *PeerIOError on any
// other read failure. Both end the peer.
func (r *StreamRelay) readLoop(p *StreamPeer) error {
	buf := make([]byte, r.cfg.ReadChunkBytes)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			r.broadcast(p, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return &PeerIOError{Peer: p.addr, Op: "read", Err: err}
		}
	}
}

func (r *StreamRelay) broadcast(from *StreamPeer, chunk []byte) {
	r.opts.metrics.Add(metrics.StreamBytesReceived, uint64(len(chunk)))

	delivered, failures := r.peers.Broadcast(from, func(to *StreamPeer) error {
		if err := to.send(chunk); err != nil {
			// The receiver's own handler sees the closed conn and unregisters it.
			to.close()
			return err
		}
		return nil
	})
	r.opts.metrics.Add(metrics.StreamBytesSent, uint64(delivered*len(chunk)))

	r.opts.emit(Event{
		Protocol:   ProtocolStream,
		Kind:       EventMessageReceived,
		Peer:       from.addr,
		Bytes:      len(chunk),
		Recipients: delivered,
		Payload:    chunk,
	})
	for _, f := range failures {
		r.opts.metrics.Inc(metrics.StreamSendFailures)
		r.opts.emit(Event{
			Protocol: ProtocolStream,
			Kind:     EventSendFailed,
			Peer:     from.addr,
			Target:   f.Peer.addr,
			Bytes:    len(chunk),
			Err:      &SendError{Peer: f.Peer.addr, Err: &PeerIOError{Peer: f.Peer.addr, Op: "write", Err: f.Err}},
		})
	}
}

// Close stops accepting, closes every registered connection and waits for all
// connection handlers to return. It must not be called from an Observer.
func (r *StreamRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.handlers.Wait()
		return nil
	}
	r.closed = true
	ln := r.ln
	r.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range r.peers.Snapshot() {
		p.close()
	}
	r.handlers.Wait()
	return err
}

func (r *StreamRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Addr returns the listening address, or nil before Serve.
func (r *StreamRelay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serving reports whether the accept loop has a listener and is not closed.
func (r *StreamRelay) Serving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ln != nil && !r.closed
}

// Peers returns the remote addresses of registered peers in connect order.
func (r *StreamRelay) Peers() []string {
	snap := r.peers.Snapshot()
	out := make([]string, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.addr)
	}
	return out
}

func (r *StreamRelay) PeerCount() int { return r.peers.Len() }
