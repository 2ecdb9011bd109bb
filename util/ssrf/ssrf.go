/*
 * Written in 2019 by Andrew Ayer.
 * Patched 2025, Gander Social PBC.
 *
 * Original: https://www.agwa.name/blog/post/preventing_server_side_request_forgery_in_golang
 *
 * To the extent possible under law, the author(s) have dedicated all
 * copyright and related and neighboring rights to this software to the
 * public domain worldwide. This software is distributed without any
 * warranty.
 *
 * You should have received a copy of the CC0 Public
 * Domain Dedication along with this software. If not, see
 * <https://creativecommons.org/publicdomain/zero/1.0/>.
 */

// Package ssrf guards outbound connections to hosts named by end users (post URLs pasted into the web
// form) so they can't be pointed at loopback or internal network services.
package ssrf

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

var reservedIPv4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),       // Current network
	netip.MustParsePrefix("10.0.0.0/8"),      // Private
	netip.MustParsePrefix("100.64.0.0/10"),   // RFC6598
	netip.MustParsePrefix("127.0.0.0/8"),     // Loopback
	netip.MustParsePrefix("169.254.0.0/16"),  // Link-local
	netip.MustParsePrefix("172.16.0.0/12"),   // Private
	netip.MustParsePrefix("192.0.0.0/24"),    // RFC6890
	netip.MustParsePrefix("192.0.2.0/24"),    // Test, doc, examples
	netip.MustParsePrefix("192.88.99.0/24"),  // IPv6 to IPv4 relay
	netip.MustParsePrefix("192.168.0.0/16"),  // Private
	netip.MustParsePrefix("198.18.0.0/15"),   // Benchmarking tests
	netip.MustParsePrefix("198.51.100.0/24"), // Test, doc, examples
	netip.MustParsePrefix("203.0.113.0/24"),  // Test, doc, examples
	netip.MustParsePrefix("224.0.0.0/4"),     // Multicast
	netip.MustParsePrefix("240.0.0.0/4"),     // Reserved (includes broadcast / 255.255.255.255)
}

var globalUnicastIPv6 = netip.MustParsePrefix("2000::/3")

// DefaultPorts are the only destination ports a guarded dialer will connect to.
var DefaultPorts = []string{"80", "443"}

// IsPublicAddr reports whether addr is routable on the public internet.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range reservedIPv4 {
			if p.Contains(addr) {
				return false
			}
		}
		return true
	}
	return globalUnicastIPv6.Contains(addr)
}

// Guard implements the [net.Dialer] Control hook. It is evaluated after DNS resolution, so it sees
// the actual address being dialed.
type Guard struct {
	// Ports allowed as destinations. Empty means [DefaultPorts].
	Ports []string
}

func (g Guard) Control(network string, address string, _ syscall.RawConn) error {
	if network != "tcp4" && network != "tcp6" {
		return fmt.Errorf("%s is not a safe network type", network)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%s is not a valid host/port pair: %w", address, err)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%s is not a valid IP address", host)
	}
	if !IsPublicAddr(addr) {
		return fmt.Errorf("%s is not a public IP address", addr)
	}

	ports := g.Ports
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	if !slices.Contains(ports, port) {
		return fmt.Errorf("%s is not a safe port number", port)
	}
	return nil
}

// Dialer returns a [net.Dialer] with standard library timeouts and g as its Control hook.
func (g Guard) Dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   g.Control,
	}
}

// Transport returns a pooled [http.Transport] (go-cleanhttp defaults) which dials through [Guard.Dialer].
func (g Guard) Transport() *http.Transport {
	t := cleanhttp.DefaultPooledTransport()
	t.DialContext = g.Dialer().DialContext
	return t
}
