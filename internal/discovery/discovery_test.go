package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestEntryAddr(t *testing.T) {
	e := zeroconf.NewServiceEntry("relay", Service, Domain)
	_, ok := entryAddr(e)
	require.False(t, ok)

	e.Port = 4000
	_, ok = entryAddr(e)
	require.False(t, ok)

	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	addr, ok := entryAddr(e)
	require.True(t, ok)
	require.Equal(t, "[fe80::1]:4000", addr)

	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	addr, ok = entryAddr(e)
	require.True(t, ok)
	require.Equal(t, "192.168.1.20:4000", addr)

	_, ok = entryAddr(nil)
	require.False(t, ok)
}
