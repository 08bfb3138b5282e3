// Package transport adapts QUIC to the net.Listener/net.Conn shape the stream
// relay serves, so a relay can run over QUIC exactly as it does over TCP.
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by relay clients and servers.
const ALPN = "aero-broadcast-relay"

// acceptStreamTimeout bounds how long a new QUIC connection may sit without
// opening its relay stream.
const acceptStreamTimeout = 10 * time.Second

// Idle timeout is raised from quic-go's 30s default; chat peers are often
// quiet for minutes.
var defaultQUICConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

// Listener accepts QUIC connections and yields each connection's first
// client-initiated stream as a net.Conn.
//
// QUIC only surfaces a stream to the server once the client has written on
// it, so a client must send before it is registered with a relay.
type Listener struct {
	ql     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc

	conns     chan net.Conn
	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Listen starts a QUIC listener on addr. If tlsConf is nil a self-signed
// certificate is generated.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = SelfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	ql, err := quic.ListenAddr(addr, tlsConf, defaultQUICConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ql:     ql,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		qc, err := l.ql.Accept(l.ctx)
		if err != nil {
			l.fail(err)
			return
		}
		go l.acceptStream(qc)
	}
}

func (l *Listener) acceptStream(qc quic.Connection) {
	ctx, cancel := context.WithTimeout(l.ctx, acceptStreamTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return
	}
	c := &streamConn{stream: stream, conn: qc}
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
}

// Accept returns the next relay stream. After Close it returns net.ErrClosed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		l.mu.Lock()
		err, closed := l.err, l.closed
		l.mu.Unlock()
		if closed || err == nil || errors.Is(err, context.Canceled) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	err := l.ql.Close()
	l.fail(net.ErrClosed)
	return err
}

func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Dial opens a QUIC connection to addr and a stream on it. Certificates are
// not verified unless tlsConf says otherwise.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
		}
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, defaultQUICConfig)
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{stream: stream, conn: qc}, nil
}

// streamConn is one QUIC stream presented as a net.Conn. Closing it tears
// down the whole QUIC connection; the relay uses one stream per connection.
type streamConn struct {
	stream    quic.Stream
	conn      quic.Connection
	closeOnce sync.Once
}

func (c *streamConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *streamConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		err = c.stream.Close()
		_ = c.conn.CloseWithError(0, "")
	})
	return err
}

func (c *streamConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *streamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// SelfSignedTLSConfig generates an ephemeral ECDSA certificate for the relay.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: ALPN},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}
