package nat

import (
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is one side of a TCP connection. It is comparable and used as a
// map key, so IPv4-mapped IPv6 addresses are unmapped on construction.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// EndpointFrom converts a connection address into an Endpoint.
func EndpointFrom(a net.Addr) (Endpoint, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return Endpoint{Addr: ap.Addr().Unmap(), Port: ap.Port()}, nil
	case nil:
		return Endpoint{}, fmt.Errorf("nil address")
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint from %s address %q: %w", a.Network(), a.String(), err)
		}
		return Endpoint{Addr: ap.Addr().Unmap(), Port: ap.Port()}, nil
	}
}

// MustEndpoint parses "host:port" and panics on failure.
func MustEndpoint(s string) Endpoint {
	ap := netip.MustParseAddrPort(s)
	return Endpoint{Addr: ap.Addr().Unmap(), Port: ap.Port()}
}

func (e Endpoint) IsValid() bool { return e.Addr.IsValid() }

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "invalid"
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

func (e Endpoint) MarshalText() ([]byte, error) { return []byte(e.String()), nil }
