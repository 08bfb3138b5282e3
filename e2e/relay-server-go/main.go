// Command relay-server-go starts both relays on ephemeral ports for
// out-of-process E2E tests. It prints "READY <stream port> <datagram port>"
// once both sockets are bound.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/transport"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	streamPort := envIntOrDefault("STREAM_PORT", 0)
	datagramPort := envIntOrDefault("DATAGRAM_PORT", 0)
	streamTransport := envOrDefault("STREAM_TRANSPORT", "tcp")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	observe := func(ev relay.Event) {
		logger.Debug(string(ev.Kind), "protocol", ev.Protocol, "peer", ev.Peer, "bytes", ev.Bytes, "recipients", ev.Recipients)
	}

	streamAddr := net.JoinHostPort(bindHost, strconv.Itoa(streamPort))
	var (
		ln  net.Listener
		err error
	)
	switch streamTransport {
	case "tcp":
		ln, err = net.Listen("tcp", streamAddr)
	case "quic":
		ln, err = transport.Listen(streamAddr, nil)
	default:
		fmt.Fprintf(os.Stderr, "unsupported STREAM_TRANSPORT=%s\n", streamTransport)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", streamAddr, err)
		os.Exit(1)
	}

	datagramAddr := net.JoinHostPort(bindHost, strconv.Itoa(datagramPort))
	udpAddr, err := net.ResolveUDPAddr("udp", datagramAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve %s: %v\n", datagramAddr, err)
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", datagramAddr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := relay.NewStreamRelay(relay.Config{}, relay.WithObserver(observe))
	datagram := relay.NewDatagramRelay(relay.Config{}, relay.WithObserver(observe))

	errCh := make(chan error, 2)
	go func() {
		errCh <- stream.Serve(ctx, ln)
	}()
	go func() {
		errCh <- datagram.Serve(ctx, conn)
	}()

	fmt.Printf("READY %d %d\n", portOf(ln.Addr()), conn.LocalAddr().(*net.UDPAddr).Port)

	code := 0
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, relay.ErrRelayClosed) {
			fmt.Fprintf(os.Stderr, "relay error: %v\n", err)
			code = 1
		}
		// One relay stopping takes the other down with it.
		_ = stream.Close()
		_ = datagram.Close()
	}
	os.Exit(code)
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
