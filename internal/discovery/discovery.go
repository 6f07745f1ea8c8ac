// Package discovery finds a relay on the local network through mDNS, and
// lets a relay advertise itself.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/gaspardpetit/clipsync/internal/logx"
)

const (
	Service = "_clipsync._tcp"
	Domain  = "local."
)

// DefaultTimeout bounds one browse.
const DefaultTimeout = 5 * time.Second

var ErrNotFound = errors.New("discovery: no relay found")

// Resolve browses for a relay and returns the host:port of the first one
// that answers with an address.
func Resolve(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case e, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr, ok := entryAddr(e); ok {
				logx.Log.Info().Str("instance", e.Instance).Str("server", addr).Msg("relay discovered")
				return addr, nil
			}
		}
	}
}

// Resolver adapts Resolve to the session's resolve hook.
func Resolver(timeout time.Duration) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) { return Resolve(ctx, timeout) }
}

func entryAddr(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), true
}

// Advertiser is a running mDNS registration.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise announces a relay listening on port until Shutdown.
func Advertise(instance string, port int) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logx.Log.Info().Str("instance", instance).Int("port", port).Msg("relay advertised")
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
