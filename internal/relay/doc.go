// Package relay contains the broadcast relays: a stream relay that fans bytes
// out between connected peers, and a datagram relay that fans datagrams out
// between every address it has heard from.
//
// Both relays own a Registry. The registry lock is held for the full fan-out
// of one inbound message, so a peer disconnecting mid-broadcast can never be
// written to after it has been removed.
//
// Relays never log. Everything worth observing is reported as an Event.
package relay
