// Package discovery announces the relay's ports on the local network over
// mDNS/DNS-SD.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/betamos/zeroconf"
)

const (
	StreamServiceType   = "_aero-relay._tcp"
	DatagramServiceType = "_aero-relay._udp"
	Domain              = "local."

	defaultInstance = "aero-broadcast-relay"
)

// Announcer publishes the stream and datagram relay services.
type Announcer struct {
	client *zeroconf.Client
}

// Services describes what to publish. A zero port skips that service.
type Services struct {
	Instance     string
	StreamPort   int
	DatagramPort int
}

// Announce starts publishing s until Close is called.
func Announce(s Services) (*Announcer, error) {
	instance := InstanceName(s.Instance)

	var services []*zeroconf.Service
	if s.StreamPort != 0 {
		svc, err := newService(StreamServiceType, instance, s.StreamPort)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if s.DatagramPort != 0 {
		svc, err := newService(DatagramServiceType, instance, s.DatagramPort)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if len(services) == 0 {
		return nil, errors.New("mdns: nothing to announce")
	}

	client := zeroconf.New()
	for _, svc := range services {
		client = client.Publish(svc)
	}
	opened, err := client.Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Announcer{client: opened}, nil
}

func newService(serviceType, instance string, port int) (*zeroconf.Service, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mdns: %s port %d out of range", serviceType, port)
	}
	return zeroconf.NewService(zeroconf.NewType(serviceType), instance, uint16(port)), nil
}

// Close stops announcing.
func (a *Announcer) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

// InstanceName returns name, or the hostname when name is empty.
func InstanceName(name string) string {
	if name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultInstance
}

// PortOf extracts the port from a bound listener address.
func PortOf(addr net.Addr) (int, error) {
	if addr == nil {
		return 0, errors.New("mdns: nil address")
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
