package relay

import "time"

const (
	// DefaultReadChunkBytes is the size of one read from a stream peer.
	DefaultReadChunkBytes = 1024
	// DefaultMaxDatagramPayloadBytes is the largest datagram payload relayed.
	DefaultMaxDatagramPayloadBytes = 1024
	DefaultWriteTimeout            = 5 * time.Second
)

type Config struct {
	// ReadChunkBytes bounds a single read from a stream peer. Each successful
	// read is relayed as-is, so it is also the largest piece a receiver sees
	// per write.
	ReadChunkBytes int

	// WriteTimeout bounds a single send to one stream receiver. The registry
	// lock is held for the whole fan-out, so without a bound one stalled
	// receiver would block every other peer. Negative disables the deadline.
	WriteTimeout time.Duration

	// MaxStreamPeers caps concurrently registered stream peers (0 = unlimited).
	MaxStreamPeers int

	// MaxDatagramPayloadBytes is the largest datagram payload relayed. Larger
	// datagrams still register their source but are dropped.
	MaxDatagramPayloadBytes int
}

func DefaultConfig() Config {
	return Config{
		ReadChunkBytes:          DefaultReadChunkBytes,
		WriteTimeout:            DefaultWriteTimeout,
		MaxDatagramPayloadBytes: DefaultMaxDatagramPayloadBytes,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = d.ReadChunkBytes
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxStreamPeers < 0 {
		c.MaxStreamPeers = 0
	}
	if c.MaxDatagramPayloadBytes <= 0 {
		c.MaxDatagramPayloadBytes = d.MaxDatagramPayloadBytes
	}
	return c
}
