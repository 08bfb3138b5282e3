package main

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"closed", relay.ErrRelayClosed, 0},
		{"wrapped closed", fmt.Errorf("serve: %w", relay.ErrRelayClosed), 0},
		{"bind", &relay.BindError{Protocol: relay.ProtocolStream, Addr: "x", Err: errors.New("in use")}, 1},
		{"datagram io", &relay.DatagramIOError{Addr: "x", Err: errors.New("boom")}, 1},
		{"other", errors.New("accept failed"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode(%v)=%d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestListenStream_PortInUseIsBindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	_, err = listenStream(config.Config{StreamAddr: taken.Addr().String(), StreamTransport: config.TransportTCP})
	var be *relay.BindError
	if !errors.As(err, &be) {
		t.Fatalf("err=%v, want *relay.BindError", err)
	}
	if be.Protocol != relay.ProtocolStream {
		t.Fatalf("protocol=%q", be.Protocol)
	}
}

func TestListenDatagram_PortInUseIsBindError(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	_, err = listenDatagram(config.Config{DatagramAddr: taken.LocalAddr().String()})
	var be *relay.BindError
	if !errors.As(err, &be) || be.Protocol != relay.ProtocolDatagram {
		t.Fatalf("err=%v, want datagram *relay.BindError", err)
	}
}

func TestListenStream_QUIC(t *testing.T) {
	ln, err := listenStream(config.Config{StreamAddr: "127.0.0.1:0", StreamTransport: config.TransportQUIC})
	if err != nil {
		t.Fatalf("listenStream: %v", err)
	}
	defer ln.Close()

	if _, ok := ln.Addr().(*net.UDPAddr); !ok {
		t.Fatalf("addr=%T, want *net.UDPAddr", ln.Addr())
	}
}
