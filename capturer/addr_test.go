package capturer

import (
	"context"
	"errors"
	"testing"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
)

func TestIsIPv4(t *testing.T) {
	cases := map[string]bool{
		"192.168.1.1":     true,
		"0.0.0.0":         true,
		"255.255.255.255": true,
		"256.1.1.1":       false,
		"1.2.3":           false,
		"1.2.3.4.5":       false,
		"a.b.c.d":         false,
		"1..2.3":          false,
		"-1.2.3.4":        false,
		"+1.2.3.4":        false,
		"0001.2.3.4":      false,
		"::1":             false,
		"":                false,
	}
	for in, want := range cases {
		assert.Equal(t, want, IsIPv4(in), in)
	}
}

func TestIsIPv6(t *testing.T) {
	assert.True(t, IsIPv6("::1"))
	assert.True(t, IsIPv6("fe80::1%lo0"))
	assert.True(t, IsIPv6("2001:db8::5"))
	assert.False(t, IsIPv6("10.0.0.1"))
	// documented limitation of the heuristic
	assert.False(t, IsIPv6("0:0:0:0:0:0:0:1"))
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "ipv4", Family("10.0.0.5"))
	assert.Equal(t, "ipv6", Family("::"))
	assert.Equal(t, "unknown", Family("*"))
}

func TestLocalIPv4Addresses(t *testing.T) {
	fn := func(ctx context.Context) (gnet.InterfaceStatList, error) {
		return gnet.InterfaceStatList{
			{Name: "lo", Addrs: gnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}, {Addr: "::1/128"}}},
			{Name: "eth0", Addrs: gnet.InterfaceAddrList{{Addr: "10.0.0.5/24"}, {Addr: "fe80::1/64"}}},
			{Name: "eth1", Addrs: gnet.InterfaceAddrList{{Addr: "10.0.0.5/24"}}},
		}, nil
	}
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.5"}, LocalIPv4Addresses(context.Background(), fn))

	failing := func(ctx context.Context) (gnet.InterfaceStatList, error) { return nil, errors.New("boom") }
	assert.Empty(t, LocalIPv4Addresses(context.Background(), failing))
}
