package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrRelayClosed is returned by Serve and Start after Close or context
	// cancellation.
	ErrRelayClosed = errors.New("relay closed")
	// ErrPeerClosed is the orderly end of a stream peer (end-of-stream).
	ErrPeerClosed   = errors.New("peer closed connection")
	ErrPeerExists   = errors.New("peer already registered")
	ErrRegistryFull = errors.New("peer registry full")
)

// BindError reports that a relay could not acquire its listening socket.
type BindError struct {
	Protocol Protocol
	Addr     string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s relay: bind %s: %v", e.Protocol, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// PeerIOError is a read or write failure on a single stream peer. It only ever
// terminates that peer.
type PeerIOError struct {
	Peer string
	Op   string
	Err  error
}

func (e *PeerIOError) Error() string {
	return fmt.Sprintf("stream peer %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *PeerIOError) Unwrap() error { return e.Err }

// DatagramIOError is a failure of the datagram relay's shared socket. It is
// fatal to the receive loop.
type DatagramIOError struct {
	Addr string
	Err  error
}

func (e *DatagramIOError) Error() string {
	return fmt.Sprintf("datagram relay %s: receive: %v", e.Addr, e.Err)
}

func (e *DatagramIOError) Unwrap() error { return e.Err }

// SendError is a failed send to one receiver during a broadcast.
type SendError struct {
	Peer string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
