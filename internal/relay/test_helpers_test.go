package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

const ioTimeout = 2 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(ioTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// eventRecorder is an Observer that keeps a copy of every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) observe(ev Event) {
	ev.Payload = append([]byte(nil), ev.Payload...)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func startStreamRelay(t *testing.T, cfg Config, opts ...Option) (*StreamRelay, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := NewStreamRelay(cfg, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Serve(context.Background(), ln)
	}()
	t.Cleanup(func() {
		_ = r.Close()
		if err := <-errCh; !errors.Is(err, ErrRelayClosed) {
			t.Errorf("Serve returned %v, want %v", err, ErrRelayClosed)
		}
	})
	return r, ln.Addr().String()
}

func dialStream(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr, ioTimeout)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readExactly reads until len(want) bytes arrived and compares them. Stream
// transports may split or coalesce chunks, so reads are accumulated.
func readExactly(t *testing.T, c net.Conn, want []byte) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(ioTimeout))
	defer c.SetReadDeadline(time.Time{})

	got := make([]byte, 0, len(want))
	buf := make([]byte, len(want))
	for len(got) < len(want) {
		n, err := c.Read(buf[:len(want)-len(got)])
		got = append(got, buf[:n]...)
		if err != nil {
			t.Fatalf("read: got %q so far, want %q: %v", got, want, err)
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// expectSilence fails if anything can be read from c within d.
func expectSilence(t *testing.T, c net.Conn, d time.Duration) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})

	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if n > 0 {
		t.Fatalf("unexpected data %q", buf[:n])
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("read err=%v, want timeout", err)
	}
}

func startDatagramRelay(t *testing.T, cfg Config, opts ...Option) (*DatagramRelay, *net.UDPAddr) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	r := NewDatagramRelay(cfg, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Serve(context.Background(), conn)
	}()
	t.Cleanup(func() {
		_ = r.Close()
		if err := <-errCh; !errors.Is(err, ErrRelayClosed) {
			t.Errorf("Serve returned %v, want %v", err, ErrRelayClosed)
		}
	})
	return r, conn.LocalAddr().(*net.UDPAddr)
}

func newDatagramClient(t *testing.T) *net.UDPConn {
	t.Helper()

	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendDatagram(t *testing.T, c *net.UDPConn, to *net.UDPAddr, payload []byte) {
	t.Helper()

	if _, err := c.WriteToUDP(payload, to); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func readDatagram(t *testing.T, c *net.UDPConn, want []byte) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(ioTimeout))
	defer c.SetReadDeadline(time.Time{})

	buf := make([]byte, 64*1024)
	n, _, err := c.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: want %q: %v", want, err)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func expectNoDatagram(t *testing.T, c *net.UDPConn, d time.Duration) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})

	buf := make([]byte, 64*1024)
	n, from, err := c.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("unexpected datagram %q from %v", buf[:n], from)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("read err=%v, want timeout", err)
	}
}

// pipeListener hands out net.Pipe connections, which block writers until the
// other end reads. That makes stalled receivers deterministic.
type pipeListener struct {
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

func (l *pipeListener) dial(t *testing.T) net.Conn {
	t.Helper()

	server, client := net.Pipe()
	l.push(t, server)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// push hands an arbitrary server-side conn to the next Accept.
func (l *pipeListener) push(t *testing.T, server net.Conn) {
	t.Helper()

	select {
	case l.conns <- server:
	case <-time.After(ioTimeout):
		t.Fatalf("pipe listener: accept not called")
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "accept: too many open files" }
func (temporaryError) Timeout() bool   { return false }
func (temporaryError) Temporary() bool { return true }

// flakyListener fails its first failures Accept calls with a temporary error
// and then behaves like the wrapped listener.
type flakyListener struct {
	net.Listener

	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, temporaryError{}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func (l *flakyListener) acceptCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
