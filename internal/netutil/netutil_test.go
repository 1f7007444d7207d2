package netutil

import (
	"net"
	"testing"
)

func TestIsPrivateIPv4(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.5", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"8.8.8.8", false},
		{"127.0.0.1", false},
	}
	for _, c := range cases {
		got := IsPrivateIPv4(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("IsPrivateIPv4(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}
