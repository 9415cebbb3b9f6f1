package probe

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasGlobalUnicast(t *testing.T) {
	t.Parallel()

	mustCIDR := func(s string) net.Addr {
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			t.Fatal(err)
		}
		ipnet.IP = ip
		return ipnet
	}

	assert.False(t, HasGlobalUnicast(nil))
	assert.False(t, HasGlobalUnicast([]net.Addr{mustCIDR("127.0.0.1/8")}))
	assert.False(t, HasGlobalUnicast([]net.Addr{mustCIDR("169.254.3.7/16")}))
	assert.False(t, HasGlobalUnicast([]net.Addr{mustCIDR("fe80::1/64")}))
	assert.True(t, HasGlobalUnicast([]net.Addr{mustCIDR("192.168.1.50/24")}))
	assert.True(t, HasGlobalUnicast([]net.Addr{
		mustCIDR("fe80::1/64"),
		mustCIDR("10.0.0.2/8"),
	}))
}
